package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditStore provides append-only access to the `audit_log` table. No
// invariants beyond monotonic timestamps: there is no
// Update or Delete method by design.
type AuditStore struct{ q Querier }

func NewAuditStore(q Querier) *AuditStore { return &AuditStore{q: q} }

// Record inserts one audit row. Failures here are logged by the caller
// but never block the operation they're auditing (used for
// investigation only).
func (s *AuditStore) Record(ctx context.Context, ev AuditEvent) error {
	detailsJSON, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshalling audit details: %w", err)
	}
	_, err = s.q.Exec(ctx, `INSERT INTO audit_log
		(user_id, event_type, action, resource_type, resource_id, details, actor_ip, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.UserID, ev.EventType, ev.Action, ev.ResourceType, ev.ResourceID, detailsJSON, ev.ActorIP, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting audit row: %w", err)
	}
	return nil
}

// NewEvent is a small constructor convenience matching the field order
// callers use most: who did what, to which resource, when.
func NewEvent(userID, eventType, action, resourceType, resourceID string, details map[string]interface{}) AuditEvent {
	return AuditEvent{
		UserID:       userID,
		EventType:    eventType,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Timestamp:    time.Now(),
	}
}
