package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// handleExtend implements the Extend handler: active-state
// check only; an extension that would pass the TOTAL_MAX_HOURS absolute
// cap measured from launch_time is rejected as user-fatal and leaves
// expiry_time unchanged. Cascades to multi-node siblings.
func (p *Processor) handleExtend(ctx context.Context, body queue.Body) error {
	r, err := p.getReservation(ctx, body.ReservationID)
	if err != nil {
		return errs.NewTransient("extend", body.ReservationID, err)
	}

	targets := []*store.Reservation{r}
	if r.MultiNode.IsMultinode && r.MultiNode.MasterReservationID == r.ID {
		siblings, err := p.listSiblings(ctx, r.ID)
		if err != nil {
			return errs.NewTransient("extend", body.ReservationID, err)
		}
		targets = append(targets, siblings...)
	}

	for _, target := range targets {
		if err := p.extendOne(ctx, target, body.Hours); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) extendOne(ctx context.Context, r *store.Reservation, hours float64) error {
	return p.pool.TxScope(ctx, func(ctx context.Context, tx pgx.Tx) error {
		reservations := store.NewReservationStore(tx)
		locked, err := reservations.GetForUpdate(ctx, r.ID)
		if err != nil {
			return errs.NewTransient("extend", r.ID, err)
		}
		if locked.Status != store.StatusActive {
			return errs.NewUserFatal("extend", r.ID, "reservation is not active", nil)
		}
		if locked.LaunchTime == nil || locked.ExpiryTime == nil {
			return errs.NewUserFatal("extend", r.ID, "reservation has no launch/expiry time", nil)
		}

		newExpiry := locked.ExpiryTime.Add(time.Duration(hours * float64(time.Hour)))
		capTime := locked.LaunchTime.Add(time.Duration(p.cfg.TotalMaxHours * float64(time.Hour)))
		if newExpiry.After(capTime) {
			return errs.NewUserFatal("extend", r.ID, fmt.Sprintf("extension would exceed the %gh cap", p.cfg.TotalMaxHours), nil)
		}

		now := time.Now()
		locked.ExpiryTime = &newExpiry
		locked.AppendHistory(store.StatusActive, fmt.Sprintf("extended by %gh", hours), now)
		return reservations.UpdateExpiry(ctx, locked)
	})
}
