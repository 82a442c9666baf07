package expiry

import (
	"context"
	"time"

	"github.com/wdvr/gpu-devpod-controlplane/internal/podspec"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// expireOne implements the expiry sequence: a short
// transaction moves status to `expired`, then cleanup runs outside the
// transaction so a slow CG/CA call never holds the row lock.
func (e *Engine) expireOne(ctx context.Context, r *store.Reservation, now time.Time) error {
	locked, err := e.db.GetReservationForUpdate(ctx, r.ID)
	if err != nil {
		return err
	}
	if !locked.Status.Terminal() {
		locked.ReservationEnded = &now
		locked.AppendHistory(store.StatusExpired, "", now)
		if err := e.db.UpdateReservationStatus(ctx, locked); err != nil {
			return err
		}
	}
	return e.cleanupAfterExpiry(ctx, r)
}

// cleanupAfterExpiry requests pod deletion and, if the reservation held
// a volume, snapshots it and clears the binding. Every step here is
// idempotent against a CG/CA that has already applied it, so this can be
// safely re-run on a later tick.
func (e *Engine) cleanupAfterExpiry(ctx context.Context, r *store.Reservation) error {
	podName := r.PodName
	if podName == "" {
		podName = podspec.PodName(r.ID)
	}
	if err := e.cg.DeletePod(ctx, e.cfg.Namespace, podName); err != nil {
		return err
	}

	if r.VolumeID == nil {
		return nil
	}

	v, err := e.db.GetVolumeByID(ctx, *r.VolumeID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if !v.InUse {
		return nil
	}

	if v.CloudVolumeID != "" && e.ca != nil {
		if err := e.db.IncrementPendingVolumeSnapshot(ctx, v.ID); err != nil {
			return err
		}
		if _, err := e.ca.CreateSnapshot(ctx, v.CloudVolumeID, map[string]string{"reservation-volume-id": v.ID}); err != nil {
			return err
		}
		if err := e.db.CompleteVolumeSnapshot(ctx, v.ID, time.Now()); err != nil {
			return err
		}
	}

	if err := e.db.UnbindVolume(ctx, v.ID); err != nil {
		return err
	}
	return e.db.UpdateReservationVolumeBinding(ctx, r.ID, nil)
}

// hardDeleteVolumes purges soft-deleted volume rows whose retention
// window has elapsed, after asking CA to delete the underlying cloud
// volume.
func (e *Engine) hardDeleteVolumes(ctx context.Context, now time.Time) (int, error) {
	candidates, err := e.db.ListHardDeletableVolumes(ctx, now)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, v := range candidates {
		if v.CloudVolumeID != "" && e.ca != nil {
			if err := e.ca.DeleteVolume(ctx, v.CloudVolumeID); err != nil {
				e.log.Error(err, "cloud volume delete failed", "volumeId", v.ID)
				continue
			}
		}
		if err := e.db.PurgeVolumeRow(ctx, v.ID); err != nil {
			e.log.Error(err, "volume row purge failed", "volumeId", v.ID)
			continue
		}
		deleted++
	}
	return deleted, nil
}
