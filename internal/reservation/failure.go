package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// failReservation moves a reservation to failed with a plain
// human-readable reason, appending a status-history entry in the same
// write, preserving history ordering.
func (p *Processor) failReservation(ctx context.Context, reservationID, reason string) {
	p.failReservationWithDetail(ctx, reservationID, reason, "")
}

// failReservationWithDetail additionally records diagnostic detail (e.g.
// a pod log snippet) surfaced in the failure_reason,
// current_detailed_status, and last pod_logs snippet fields users see.
func (p *Processor) failReservationWithDetail(ctx context.Context, reservationID, reason, detail string) {
	_ = p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		reservations := store.NewReservationStore(q)
		r, err := reservations.GetForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			return nil
		}
		now := time.Now()
		r.FailureReason = reason
		r.ReservationEnded = &now
		combined := reason
		if detail != "" {
			combined = reason + ": " + detail
		}
		r.AppendHistory(store.StatusFailed, combined, now)
		return reservations.UpdateStatus(ctx, r)
	})
}

func asUserFatal(err error) (*errs.UserFatal, bool) {
	var uf *errs.UserFatal
	if errors.As(err, &uf) {
		return uf, true
	}
	return nil, false
}
