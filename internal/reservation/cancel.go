package reservation

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/podspec"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// handleCancel implements the Cancel handler. Cancel is
// accepted in any non-terminal state and cascades across multi-node
// siblings.
func (p *Processor) handleCancel(ctx context.Context, body queue.Body) error {
	r, err := p.getReservation(ctx, body.ReservationID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil // already gone; idempotent no-op
		}
		return errs.NewTransient("cancel", body.ReservationID, err)
	}

	targets := []*store.Reservation{r}
	if r.MultiNode.IsMultinode && r.MultiNode.MasterReservationID == r.ID {
		siblings, err := p.listSiblings(ctx, r.ID)
		if err != nil {
			return errs.NewTransient("cancel", body.ReservationID, err)
		}
		targets = append(targets, siblings...)
	}

	for _, target := range targets {
		if err := p.cancelOne(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) listSiblings(ctx context.Context, masterID string) ([]*store.Reservation, error) {
	var siblings []*store.Reservation
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		siblings, err = store.NewReservationStore(q).ListSiblings(ctx, masterID)
		return err
	})
	return siblings, err
}

func (p *Processor) cancelOne(ctx context.Context, r *store.Reservation) error {
	if r.Status.Terminal() {
		return nil
	}

	if r.PodName != "" {
		if err := p.cg.DeletePod(ctx, p.cfg.Namespace, r.PodName); err != nil {
			return errs.NewTransient("pod_delete", r.ID, err)
		}
	} else {
		// Cancel issued before the pod was created (still pending): use
		// the deterministic name so the delete is still idempotent
		// against a create that is in flight.
		if err := p.cg.DeletePod(ctx, p.cfg.Namespace, podspec.PodName(r.ID)); err != nil {
			return errs.NewTransient("pod_delete", r.ID, err)
		}
	}

	err := p.pool.TxScope(ctx, func(ctx context.Context, tx pgx.Tx) error {
		reservations := store.NewReservationStore(tx)
		locked, err := reservations.GetForUpdate(ctx, r.ID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			return nil
		}
		now := time.Now()
		locked.AppendHistory(store.StatusCancelled, "cancelled", now)
		locked.ReservationEnded = &now
		if err := reservations.UpdateStatus(ctx, locked); err != nil {
			return err
		}

		if locked.VolumeID != nil {
			vols := store.NewVolumeStore(tx)
			if err := vols.Unbind(ctx, *locked.VolumeID); err != nil {
				return err
			}
			if err := reservations.UpdateVolumeBinding(ctx, locked.ID, nil); err != nil {
				return err
			}
		}

		audit := store.NewAuditStore(tx)
		return audit.Record(ctx, store.NewEvent(locked.UserID, "reservation_cancelled", "cancel", "reservation", locked.ID, nil))
	})
	if err != nil {
		return errs.NewTransient("cancel", r.ID, err)
	}
	return nil
}
