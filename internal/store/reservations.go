package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by typed accessors when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLockTimeout is returned when a row lock is not acquired (a SELECT ...
// FOR UPDATE NOWAIT, or a FOR UPDATE bounded by lock_timeout), the signal
// RP's admission and disk-attach paths use to back off.
var ErrLockTimeout = errors.New("store: row locked")

// ReservationStore provides typed access to the `reservations` table.
type ReservationStore struct{ q Querier }

func NewReservationStore(q Querier) *ReservationStore { return &ReservationStore{q: q} }

func (s *ReservationStore) Get(ctx context.Context, id string) (*Reservation, error) {
	row := s.q.QueryRow(ctx, reservationSelectSQL+" WHERE id = $1", id)
	return scanReservation(row)
}

// GetForUpdate locks the reservation row for the duration of the
// enclosing transaction; used where a reservation is read-then-written
// (Cancel, Extend, RP's and EE's failure paths, EE's expiry).
func (s *ReservationStore) GetForUpdate(ctx context.Context, id string) (*Reservation, error) {
	row := s.q.QueryRow(ctx, reservationSelectSQL+" WHERE id = $1 FOR UPDATE", id)
	return scanReservation(row)
}

const reservationSelectSQL = `SELECT id, user_id, status, gpu_type, gpu_count, instance_family,
	duration_hours, created_at, launch_time, expiry_time, pod_name, node_ip,
	node_public_port, node_private_ip, jupyter, volume_id, status_history, oom,
	warnings_sent, multinode, secondary_users, failure_reason, reservation_ended,
	image, env_vars, preserve_entrypoint
	FROM reservations`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var jupyterRaw, historyRaw, oomRaw, warningsRaw, multinodeRaw, envRaw []byte
	var secondaryUsers []string
	if err := row.Scan(
		&r.ID, &r.UserID, &r.Status, &r.GPUType, &r.GPUCount, &r.InstanceFamily,
		&r.DurationHours, &r.CreatedAt, &r.LaunchTime, &r.ExpiryTime, &r.PodName, &r.NodeIP,
		&r.NodePublicPort, &r.NodePrivateIP, &jupyterRaw, &r.VolumeID, &historyRaw, &oomRaw,
		&warningsRaw, &multinodeRaw, &secondaryUsers, &r.FailureReason, &r.ReservationEnded,
		&r.Image, &envRaw, &r.PreserveEntrypoint,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning reservation: %w", err)
	}
	r.SecondaryUsers = secondaryUsers
	if len(jupyterRaw) > 0 {
		if err := json.Unmarshal(jupyterRaw, &r.Jupyter); err != nil {
			return nil, fmt.Errorf("unmarshalling jupyter state: %w", err)
		}
	}
	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &r.StatusHistory); err != nil {
			return nil, fmt.Errorf("unmarshalling status history: %w", err)
		}
	}
	if len(oomRaw) > 0 {
		if err := json.Unmarshal(oomRaw, &r.OOM); err != nil {
			return nil, fmt.Errorf("unmarshalling oom state: %w", err)
		}
	}
	if len(warningsRaw) > 0 {
		if err := json.Unmarshal(warningsRaw, &r.WarningsSent); err != nil {
			return nil, fmt.Errorf("unmarshalling warnings sent: %w", err)
		}
	}
	if r.WarningsSent == nil {
		r.WarningsSent = WarningsSent{}
	}
	if len(multinodeRaw) > 0 {
		if err := json.Unmarshal(multinodeRaw, &r.MultiNode); err != nil {
			return nil, fmt.Errorf("unmarshalling multinode state: %w", err)
		}
	}
	if len(envRaw) > 0 {
		if err := json.Unmarshal(envRaw, &r.EnvVars); err != nil {
			return nil, fmt.Errorf("unmarshalling env vars: %w", err)
		}
	}
	return &r, nil
}

// Insert creates the initial `queued` row for a Create message. It is
// idempotent on the primary key: if a row with this id already exists,
// Insert is a no-op and returns (false, nil); it returns true only when a
// row was inserted. This is what gives the Create handler its "retried
// message produces one row" guarantee.
func (s *ReservationStore) Insert(ctx context.Context, r *Reservation) (bool, error) {
	historyJSON, err := json.Marshal(r.StatusHistory)
	if err != nil {
		return false, err
	}
	envJSON, err := json.Marshal(r.EnvVars)
	if err != nil {
		return false, err
	}
	multinodeJSON, err := json.Marshal(r.MultiNode)
	if err != nil {
		return false, err
	}
	tag, err := s.q.Exec(ctx, `INSERT INTO reservations
		(id, user_id, status, gpu_type, gpu_count, instance_family, duration_hours,
		 created_at, status_history, warnings_sent, multinode, secondary_users,
		 image, env_vars, preserve_entrypoint, volume_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'{}',$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.UserID, r.Status, r.GPUType, r.GPUCount, r.InstanceFamily, r.DurationHours,
		r.CreatedAt, historyJSON, multinodeJSON, r.SecondaryUsers,
		r.Image, envJSON, r.PreserveEntrypoint, r.VolumeID,
	)
	if err != nil {
		return false, fmt.Errorf("inserting reservation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateStatus persists a status transition plus its status-history
// entry atomically (same statement, same transaction as the column
// write) so the invariant "history's last entry == status column" can
// never observe a torn write.
func (s *ReservationStore) UpdateStatus(ctx context.Context, r *Reservation) error {
	historyJSON, err := json.Marshal(r.StatusHistory)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `UPDATE reservations SET status=$2, status_history=$3,
		failure_reason=$4, reservation_ended=$5 WHERE id=$1`,
		r.ID, r.Status, historyJSON, r.FailureReason, r.ReservationEnded)
	if err != nil {
		return fmt.Errorf("updating reservation status: %w", err)
	}
	return nil
}

// UpdateLaunch persists the scheduler placement fields populated on
// launch (pending->preparing->active transitions).
func (s *ReservationStore) UpdateLaunch(ctx context.Context, r *Reservation) error {
	historyJSON, err := json.Marshal(r.StatusHistory)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `UPDATE reservations SET status=$2, status_history=$3,
		pod_name=$4, node_ip=$5, node_public_port=$6, node_private_ip=$7,
		launch_time=$8, expiry_time=$9 WHERE id=$1`,
		r.ID, r.Status, historyJSON, r.PodName, r.NodeIP, r.NodePublicPort, r.NodePrivateIP,
		r.LaunchTime, r.ExpiryTime)
	if err != nil {
		return fmt.Errorf("updating reservation launch fields: %w", err)
	}
	return nil
}

// UpdateExpiry persists a new expiry_time (Extend).
func (s *ReservationStore) UpdateExpiry(ctx context.Context, r *Reservation) error {
	historyJSON, err := json.Marshal(r.StatusHistory)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `UPDATE reservations SET expiry_time=$2, status_history=$3 WHERE id=$1`,
		r.ID, r.ExpiryTime, historyJSON)
	return err
}

// UpdateVolumeBinding attaches or clears a reservation's volume_id.
func (s *ReservationStore) UpdateVolumeBinding(ctx context.Context, id string, volumeID *string) error {
	_, err := s.q.Exec(ctx, `UPDATE reservations SET volume_id=$2 WHERE id=$1`, id, volumeID)
	return err
}

// UpdateJupyter persists the Jupyter sub-state (EnableJupyter/DisableJupyter).
func (s *ReservationStore) UpdateJupyter(ctx context.Context, id string, j JupyterState) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `UPDATE reservations SET jupyter=$2 WHERE id=$1`, id, raw)
	return err
}

// AppendSecondaryUser appends an external identifier to secondary_users
//: the source appends, so AddUser appends).
func (s *ReservationStore) AppendSecondaryUser(ctx context.Context, id, externalID string) error {
	_, err := s.q.Exec(ctx, `UPDATE reservations SET secondary_users = array_append(secondary_users, $2) WHERE id=$1`, id, externalID)
	return err
}

// UpdateOOM persists OOM counters.
func (s *ReservationStore) UpdateOOM(ctx context.Context, id string, o OOMState) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `UPDATE reservations SET oom=$2 WHERE id=$1`, id, raw)
	return err
}

// UpdateWarnings persists the warnings_sent map.
func (s *ReservationStore) UpdateWarnings(ctx context.Context, id string, w WarningsSent) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `UPDATE reservations SET warnings_sent=$2 WHERE id=$1`, id, raw)
	return err
}

// ListActive returns every reservation currently in `active`, used by EE
// each tick to check warnings, OOM state, and expiry.
func (s *ReservationStore) ListActive(ctx context.Context) ([]*Reservation, error) {
	rows, err := s.q.Query(ctx, reservationSelectSQL+` WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("listing active reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// ListExpiredActive returns active reservations whose expiry_time has
// passed as of now.
func (s *ReservationStore) ListExpiredActive(ctx context.Context, now time.Time) ([]*Reservation, error) {
	rows, err := s.q.Query(ctx, reservationSelectSQL+` WHERE status = 'active' AND expiry_time <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// ListRecentlyExpired returns rows that reached `expired` at or after
// since, so EE can retry pod-delete/volume-unbind cleanup that did not
// complete on the tick that made the transition: cleanup is retried on
// the next tick and is idempotent. Bounding by a
// recency window keeps the retry query cheap instead of rescanning every
// expired row ever recorded.
func (s *ReservationStore) ListRecentlyExpired(ctx context.Context, since time.Time) ([]*Reservation, error) {
	rows, err := s.q.Query(ctx, reservationSelectSQL+` WHERE status = 'expired' AND reservation_ended >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("listing recently expired reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// ListSiblings returns every row sharing the given master_reservation_id,
// used to cascade Cancel/Extend across a multi-node reservation.
func (s *ReservationStore) ListSiblings(ctx context.Context, masterID string) ([]*Reservation, error) {
	rows, err := s.q.Query(ctx, reservationSelectSQL+` WHERE multinode->>'master_reservation_id' = $1`, masterID)
	if err != nil {
		return nil, fmt.Errorf("listing sibling reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows pgx.Rows) ([]*Reservation, error) {
	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
