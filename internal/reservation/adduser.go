package reservation

import (
	"context"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// handleAddUser implements the AddUser handler: fetch SSH
// keys for the external identifier, write them into the pod, and
// append (never replace) to
// secondary_users. AddUser does not cascade across multi-node siblings.
func (p *Processor) handleAddUser(ctx context.Context, body queue.Body) error {
	r, err := p.getReservation(ctx, body.ReservationID)
	if err != nil {
		return errs.NewTransient("add_user", body.ReservationID, err)
	}
	if r.PodName == "" {
		return errs.NewUserFatal("add_user", body.ReservationID, "reservation has no running pod", nil)
	}
	if body.GithubUser == "" {
		return errs.NewUserFatal("add_user", body.ReservationID, "missing external identifier", nil)
	}

	keys, err := p.keys.Fetch(ctx, body.GithubUser)
	if err != nil {
		return errs.NewTransient("add_user", body.ReservationID, err)
	}
	if len(keys) == 0 {
		return errs.NewUserFatal("add_user", body.ReservationID, "no valid ssh keys found for "+body.GithubUser, nil)
	}

	for _, key := range keys {
		if err := p.cg.WriteAuthorizedKey(ctx, p.cfg.Namespace, r.PodName, key); err != nil {
			return errs.NewTransient("add_user", body.ReservationID, err)
		}
	}

	err = p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewReservationStore(q).AppendSecondaryUser(ctx, body.ReservationID, body.GithubUser)
	})
	if err != nil {
		return errs.NewTransient("add_user", body.ReservationID, err)
	}
	return nil
}
