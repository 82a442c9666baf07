package reservation

import (
	"context"
	"fmt"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// handleJupyterToggle implements the EnableJupyter/
// DisableJupyter handlers: modify the sidecar through CG, then persist
// success (url and port set on enable, error cleared) or failure (error
// persisted). Enabling does not set a token; disabling clears it.
func (p *Processor) handleJupyterToggle(ctx context.Context, body queue.Body, enable bool) error {
	r, err := p.getReservation(ctx, body.ReservationID)
	if err != nil {
		return errs.NewTransient("jupyter_toggle", body.ReservationID, err)
	}
	if r.PodName == "" {
		return errs.NewUserFatal("jupyter_toggle", body.ReservationID, "reservation has no running pod", nil)
	}

	execErr := p.cg.ExecJupyterToggle(ctx, p.cfg.Namespace, r.PodName, enable)

	j := r.Jupyter
	if execErr != nil {
		j.LastError = execErr.Error()
	} else {
		j.Enabled = enable
		j.LastError = ""
		if enable {
			j.Port = 8888
			j.URL = fmt.Sprintf("http://%s:%d/", r.NodeIP, j.Port)
		} else {
			j.URL = ""
			j.Port = 0
			j.Token = ""
		}
	}

	if updErr := p.updateJupyter(ctx, body.ReservationID, j); updErr != nil {
		return errs.NewTransient("jupyter_toggle", body.ReservationID, updErr)
	}
	if execErr != nil {
		return errs.NewTransient("jupyter_toggle", body.ReservationID, execErr)
	}
	return nil
}

func (p *Processor) updateJupyter(ctx context.Context, id string, j store.JupyterState) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewReservationStore(q).UpdateJupyter(ctx, id, j)
	})
}
