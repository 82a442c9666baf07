package expiry

import (
	"context"
	"time"

	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// failReservation moves a reservation to `failed`, mirroring the
// reservation package's own failure path but kept local to avoid a
// cross-package dependency for what is a two-statement transaction.
func (e *Engine) failReservation(ctx context.Context, id, reason string) error {
	r, err := e.db.GetReservationForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return nil
	}
	now := time.Now()
	r.FailureReason = reason
	r.ReservationEnded = &now
	r.AppendHistory(store.StatusFailed, reason, now)
	return e.db.UpdateReservationStatus(ctx, r)
}
