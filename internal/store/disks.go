package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrDiskInUse is surfaced as a UserFatal by the reservation package when
// a Create requests a volume already bound to another live reservation.
var ErrDiskInUse = errors.New("store: disk in use")

// VolumeStore provides typed access to the `disks` table.
type VolumeStore struct{ q Querier }

func NewVolumeStore(q Querier) *VolumeStore { return &VolumeStore{q: q} }

const volumeSelectSQL = `SELECT id, user_id, name, size_gib, cloud_volume_id, in_use,
	reservation_id, is_deleted, delete_date, snapshot_count, pending_snapshot_count,
	last_snapshot_at, operation_id, operation_status, last_used
	FROM disks`

func scanVolume(row pgx.Row) (*Volume, error) {
	var v Volume
	if err := row.Scan(&v.ID, &v.UserID, &v.Name, &v.SizeGiB, &v.CloudVolumeID, &v.InUse,
		&v.ReservationID, &v.IsDeleted, &v.DeleteDate, &v.SnapshotCount, &v.PendingSnapshotCount,
		&v.LastSnapshotAt, &v.OperationID, &v.OperationStatus, &v.LastUsed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning volume: %w", err)
	}
	return &v, nil
}

func (s *VolumeStore) GetByName(ctx context.Context, userID, name string) (*Volume, error) {
	row := s.q.QueryRow(ctx, volumeSelectSQL+` WHERE user_id=$1 AND name=$2 AND NOT is_deleted`, userID, name)
	return scanVolume(row)
}

// GetByNameForUpdate locks the volume row with NOWAIT semantics: if
// another transaction holds the lock, it returns ErrLockTimeout
// immediately rather than blocking, matching
// "SELECT ... FOR UPDATE NOWAIT" semantics.
func (s *VolumeStore) GetByNameForUpdate(ctx context.Context, userID, name string) (*Volume, error) {
	row := s.q.QueryRow(ctx, volumeSelectSQL+` WHERE user_id=$1 AND name=$2 AND NOT is_deleted FOR UPDATE NOWAIT`, userID, name)
	v, err := scanVolume(row)
	if err != nil {
		if isLockNotAvailable(err) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	return v, nil
}

func (s *VolumeStore) GetByID(ctx context.Context, id string) (*Volume, error) {
	row := s.q.QueryRow(ctx, volumeSelectSQL+` WHERE id=$1`, id)
	return scanVolume(row)
}

// isLockNotAvailable recognises Postgres error code 55P03
// (lock_not_available), the code NOWAIT raises.
func isLockNotAvailable(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "55P03"
	}
	return false
}

// Insert creates a new volume row from a DiskCreate message.
func (s *VolumeStore) Insert(ctx context.Context, v *Volume) error {
	_, err := s.q.Exec(ctx, `INSERT INTO disks
		(id, user_id, name, size_gib, cloud_volume_id, in_use, is_deleted,
		 snapshot_count, pending_snapshot_count, operation_id, operation_status)
		VALUES ($1,$2,$3,$4,$5,false,false,0,0,$6,$7)`,
		v.ID, v.UserID, v.Name, v.SizeGiB, v.CloudVolumeID, v.OperationID, v.OperationStatus)
	if err != nil {
		return fmt.Errorf("inserting volume: %w", err)
	}
	return nil
}

// UpdateOperation advances the async-operation status for a DiskCreate
// (pending -> in_progress -> completed) and records the cloud volume id
// once known.
func (s *VolumeStore) UpdateOperation(ctx context.Context, id, cloudVolumeID, status string) error {
	_, err := s.q.Exec(ctx, `UPDATE disks SET cloud_volume_id=$2, operation_status=$3 WHERE id=$1`,
		id, cloudVolumeID, status)
	return err
}

// Bind marks a volume in-use and attaches it to a reservation; must be
// called with the row locked via GetByNameForUpdate in the same
// transaction.
func (s *VolumeStore) Bind(ctx context.Context, id, reservationID string) error {
	_, err := s.q.Exec(ctx, `UPDATE disks SET in_use=true, reservation_id=$2, last_used=now() WHERE id=$1`,
		id, reservationID)
	return err
}

// Unbind clears a volume's in-use flag and reservation binding
// (termination, AR phase B orphan cleanup).
func (s *VolumeStore) Unbind(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `UPDATE disks SET in_use=false, reservation_id=NULL WHERE id=$1`, id)
	return err
}

// SoftDelete marks a volume deleted and schedules its hard deletion.
func (s *VolumeStore) SoftDelete(ctx context.Context, id string, deleteDate time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE disks SET is_deleted=true, delete_date=$2, in_use=false, reservation_id=NULL WHERE id=$1`,
		id, deleteDate)
	return err
}

// IncrementPendingSnapshot records that a snapshot was requested but not
// yet confirmed. Callers raise it before the snapshot request, so a
// DiskDelete or expiry whose snapshot call fails leaves the outstanding
// request counted (the soft-delete mark only follows a successful
// snapshot).
func (s *VolumeStore) IncrementPendingSnapshot(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `UPDATE disks SET pending_snapshot_count = pending_snapshot_count + 1 WHERE id=$1`, id)
	return err
}

// CompleteSnapshot decrements the pending count and bumps snapshot
// bookkeeping once a snapshot is confirmed created. The pending count is
// floored at zero.
func (s *VolumeStore) CompleteSnapshot(ctx context.Context, id string, at time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE disks SET
		pending_snapshot_count = GREATEST(pending_snapshot_count - 1, 0),
		snapshot_count = snapshot_count + 1,
		last_snapshot_at = $2
		WHERE id=$1`, id, at)
	return err
}

// ListHardDeletable returns soft-deleted volumes whose retention window
// has elapsed as of today, for EE's hard-deletion pass.
func (s *VolumeStore) ListHardDeletable(ctx context.Context, asOf time.Time) ([]*Volume, error) {
	rows, err := s.q.Query(ctx, volumeSelectSQL+` WHERE is_deleted AND delete_date <= $1`, asOf)
	if err != nil {
		return nil, fmt.Errorf("listing hard-deletable volumes: %w", err)
	}
	defer rows.Close()
	var out []*Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PurgeRow removes a volume row entirely after its cloud volume has been
// hard-deleted.
func (s *VolumeStore) PurgeRow(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM disks WHERE id=$1`, id)
	return err
}

// ListAllTagged returns every non-purged volume row, for AR phase B's
// reconciliation against the cloud's authoritative inventory.
func (s *VolumeStore) ListAllTagged(ctx context.Context) ([]*Volume, error) {
	rows, err := s.q.Query(ctx, volumeSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	defer rows.Close()
	var out []*Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RefreshFromCloud updates the columns AR phase B is allowed to touch for
// a volume present in both SS and CA, leaving is_deleted, operation_*,
// and last_used untouched.
func (s *VolumeStore) RefreshFromCloud(ctx context.Context, id, cloudVolumeID string, sizeGiB int, inUse bool, snapshotCount, pendingSnapshotCount int, lastSnapshotAt *time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE disks SET cloud_volume_id=$2, size_gib=$3, in_use=$4,
		snapshot_count=$5, pending_snapshot_count=$6, last_snapshot_at=$7 WHERE id=$1`,
		id, cloudVolumeID, sizeGiB, inUse, snapshotCount, pendingSnapshotCount, lastSnapshotAt)
	return err
}

// InsertFromCloud inserts a volume record discovered in CA but absent
// from SS (AR phase B's "in CA, not in SS" case).
func (s *VolumeStore) InsertFromCloud(ctx context.Context, v *Volume) error {
	_, err := s.q.Exec(ctx, `INSERT INTO disks
		(id, user_id, name, size_gib, cloud_volume_id, in_use, is_deleted,
		 snapshot_count, pending_snapshot_count, last_used)
		VALUES ($1,$2,$3,$4,$5,$6,false,$7,0,NULL)
		ON CONFLICT (id) DO NOTHING`,
		v.ID, v.UserID, v.Name, v.SizeGiB, v.CloudVolumeID, v.InUse, v.SnapshotCount)
	return err
}
