package reservation

import (
	"context"
	"errors"

	"github.com/go-logr/logr"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
)

// handle routes one dequeued message to its handler and applies the
// redeliver/archive/dequeue decision: a
// Contention or Transient error leaves the message for redelivery (a
// Contention specifically is never even a candidate for deletion, since
// it is back-pressure); a UserFatal error deletes the message, and handle
// itself does not write the reservation row (only handlers that call
// failReservation, such as Create's "disk in use" path, persist a failure
// reason); a SystemFatal error, or a Transient or unclassified error once
// MaxDeliveries is reached, archives the message and marks the
// reservation failed with diagnostic detail.
func (p *Processor) handle(ctx context.Context, log logr.Logger, q queue.Queue, env queue.Envelope) {
	log = log.WithValues("action", env.Body.Action, "messageId", env.MessageID, "deliveries", env.ApproximateDeliveries)

	err := p.dispatch(ctx, env.Body)
	if err == nil {
		if delErr := q.Delete(ctx, env); delErr != nil {
			log.Error(delErr, "best-effort delete failed")
		}
		return
	}

	var contention *errs.Contention
	if errors.As(err, &contention) {
		// Back-pressure: do not delete, let visibility timeout expire and
		// redeliver, matching the admission algorithm's back-pressure behavior.
		log.V(1).Info("contention, leaving message queued", "error", err.Error())
		return
	}

	var userFatal *errs.UserFatal
	if errors.As(err, &userFatal) {
		log.Info("user-fatal error, reservation failed", "reason", userFatal.Reason)
		if delErr := q.Delete(ctx, env); delErr != nil {
			log.Error(delErr, "best-effort delete failed")
		}
		return
	}

	var systemFatal *errs.SystemFatal
	if errors.As(err, &systemFatal) || env.ApproximateDeliveries >= p.cfg.MaxDeliveries {
		log.Error(err, "archiving message after exhausting retries")
		if archErr := q.Archive(ctx, env, err.Error()); archErr != nil {
			log.Error(archErr, "archive failed")
		}
		p.markFailedBestEffort(ctx, env, err)
		return
	}

	// Transient or unclassified: leave for redelivery.
	log.Error(err, "transient failure, message will be redelivered")
}

// dispatch routes a parsed body to its handler by action.
func (p *Processor) dispatch(ctx context.Context, body queue.Body) error {
	switch body.Action {
	case queue.ActionReserve:
		return p.handleCreate(ctx, body)
	case queue.ActionCancel:
		return p.handleCancel(ctx, body)
	case queue.ActionExtend:
		return p.handleExtend(ctx, body)
	case queue.ActionEnableJupyter:
		return p.handleJupyterToggle(ctx, body, true)
	case queue.ActionDisableJupyter:
		return p.handleJupyterToggle(ctx, body, false)
	case queue.ActionAddUser:
		return p.handleAddUser(ctx, body)
	case queue.ActionDiskCreate:
		return p.handleDiskCreate(ctx, body)
	case queue.ActionDiskDelete:
		return p.handleDiskDelete(ctx, body)
	default:
		return errs.NewUserFatal(string(body.Action), "message", "unknown action", nil)
	}
}

// markFailedBestEffort tries to persist a failed status with diagnostic
// detail for messages that got archived after exhausting retries; a
// failure here is logged only, since the message has already left MQ.
func (p *Processor) markFailedBestEffort(ctx context.Context, env queue.Envelope, cause error) {
	if env.Body.ReservationID == "" {
		return
	}
	p.failReservation(ctx, env.Body.ReservationID, cause.Error())
}
