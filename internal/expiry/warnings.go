package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// warningLevel pairs a threshold (minutes before expiry) with the file
// it writes and the warnings_sent key that guards at-most-once delivery.
type warningLevel struct {
	minutes  int
	key      string
	file     string
	broadcast bool
}

// levels mirrors the warning ladder: 30 minutes writes a file only;
// 15 and 5 minutes write a file and broadcast to all terminals.
var levels = []warningLevel{
	{minutes: 30, key: store.Warning30Min, file: warnFile30Min, broadcast: false},
	{minutes: 15, key: store.Warning15Min, file: warnFile15Min, broadcast: true},
	{minutes: 5, key: store.Warning5Min, file: warnFile5Min, broadcast: true},
}

// checkWarnings emits every warning level whose threshold has been
// crossed and has not already been sent. Emission is best-effort: a
// failed exec does not block the other levels or advance reservation
// state, it is simply logged and retried next tick.
func (e *Engine) checkWarnings(ctx context.Context, r *store.Reservation, now time.Time) error {
	if r.ExpiryTime == nil || r.PodName == "" {
		return nil
	}
	remaining := r.ExpiryTime.Sub(now)

	w := r.WarningsSent
	if w == nil {
		w = store.WarningsSent{}
	}
	dirty := false

	for _, lvl := range levels {
		if w[lvl.key] {
			continue
		}
		if remaining > time.Duration(lvl.minutes)*time.Minute {
			continue
		}
		path := fmt.Sprintf("~/%s", lvl.file)
		content := fmt.Sprintf("Your reservation expires in %d minutes.\n", lvl.minutes)
		if err := e.cg.WriteFile(ctx, e.cfg.Namespace, r.PodName, path, content); err != nil {
			e.log.Error(err, "warning file write failed", "reservationId", r.ID, "level", lvl.key)
			continue
		}
		if lvl.broadcast {
			if err := e.cg.Broadcast(ctx, e.cfg.Namespace, r.PodName, content); err != nil {
				e.log.Error(err, "warning broadcast failed", "reservationId", r.ID, "level", lvl.key)
			}
		}
		w[lvl.key] = true
		dirty = true
	}

	if !dirty {
		return nil
	}
	return e.db.UpdateReservationWarnings(ctx, r.ID, w)
}
