package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// handleDiskCreate implements the DiskCreate handler:
// allocate the volume via CG's PVC primitive, poll until the cloud
// volume id is known, and record the operation's progression through
// pending -> in_progress -> completed.
func (p *Processor) handleDiskCreate(ctx context.Context, body queue.Body) error {
	existing, err := p.getVolumeByName(ctx, body.UserID, body.Name)
	if err != nil && err != store.ErrNotFound {
		return errs.NewTransient("disk_create", body.Name, err)
	}

	var v *store.Volume
	if existing != nil {
		v = existing
	} else {
		v = &store.Volume{
			ID:              uuid.NewString(),
			UserID:          body.UserID,
			Name:            body.Name,
			SizeGiB:         body.SizeGiB,
			OperationID:     body.OperationID,
			OperationStatus: "pending",
		}
		if err := p.insertVolume(ctx, v); err != nil {
			return errs.NewTransient("disk_create", body.Name, err)
		}
	}

	pvcName := fmt.Sprintf("disk-%s", v.ID)
	if err := p.cg.CreatePersistentVolumeClaim(ctx, p.cfg.Namespace, pvcName, v.SizeGiB); err != nil {
		return errs.NewTransient("disk_create", body.Name, err)
	}
	if err := p.updateVolumeOperation(ctx, v.ID, "", "in_progress"); err != nil {
		return errs.NewTransient("disk_create", body.Name, err)
	}

	deadline := time.Now().Add(p.cfg.PrepareTimeout)
	for {
		info, err := p.cg.GetPersistentVolumeClaim(ctx, p.cfg.Namespace, pvcName)
		if err != nil {
			return errs.NewTransient("disk_create", body.Name, err)
		}
		if info.Bound && info.CloudVolumeID != "" {
			return p.updateVolumeOperation(ctx, v.ID, info.CloudVolumeID, "completed")
		}
		if time.Now().After(deadline) {
			return errs.NewSystemFatal("disk_create", body.Name, "volume never bound", nil)
		}
		sleep(ctx, 3*time.Second)
	}
}

// handleDiskDelete implements the DiskDelete handler and its
// snapshot-then-soft-delete ordering: snapshot first, then mark
// soft-deleted with a 30-day (configurable) purge date. If the snapshot
// fails after the mark would otherwise have happened, the pending count
// records the outstanding snapshot instead of silently dropping it.
func (p *Processor) handleDiskDelete(ctx context.Context, body queue.Body) error {
	v, err := p.getVolumeByName(ctx, body.UserID, body.Name)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return errs.NewTransient("disk_delete", body.Name, err)
	}

	if v.CloudVolumeID != "" && p.ca != nil {
		if err := p.incrementPendingSnapshot(ctx, v.ID); err != nil {
			return errs.NewTransient("disk_delete", body.Name, err)
		}
		_, err := p.ca.CreateSnapshot(ctx, v.CloudVolumeID, map[string]string{"reservation-volume-id": v.ID})
		if err != nil {
			// Failure to snapshot after marking pending is
			// recovered by AR's next reconciliation pass; the pending
			// count already reflects the outstanding request.
			return errs.NewTransient("disk_delete", body.Name, err)
		}
		if err := p.completeSnapshot(ctx, v.ID); err != nil {
			return errs.NewTransient("disk_delete", body.Name, err)
		}
	}

	deleteDate := time.Now().AddDate(0, 0, p.cfg.VolumeSoftDeleteDays)
	if err := p.softDeleteVolume(ctx, v.ID, deleteDate); err != nil {
		return errs.NewTransient("disk_delete", body.Name, err)
	}
	return nil
}

func (p *Processor) getVolumeByName(ctx context.Context, userID, name string) (*store.Volume, error) {
	var v *store.Volume
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		v, err = store.NewVolumeStore(q).GetByName(ctx, userID, name)
		return err
	})
	return v, err
}

func (p *Processor) insertVolume(ctx context.Context, v *store.Volume) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).Insert(ctx, v)
	})
}

func (p *Processor) updateVolumeOperation(ctx context.Context, id, cloudVolumeID, status string) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).UpdateOperation(ctx, id, cloudVolumeID, status)
	})
}

func (p *Processor) incrementPendingSnapshot(ctx context.Context, id string) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).IncrementPendingSnapshot(ctx, id)
	})
}

func (p *Processor) completeSnapshot(ctx context.Context, id string) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).CompleteSnapshot(ctx, id, time.Now())
	})
}

func (p *Processor) softDeleteVolume(ctx context.Context, id string, deleteDate time.Time) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).SoftDelete(ctx, id, deleteDate)
	})
}
