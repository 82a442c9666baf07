package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// checkOOM implements OOM detection: count-and-record only, except a
// ceiling within a rolling window escalates to `failed` (the
// restart-in-place policy handles recovery; this only protects against a
// pod stuck in a crash loop).
func (e *Engine) checkOOM(ctx context.Context, r *store.Reservation) error {
	if r.PodName == "" {
		return nil
	}
	events, err := e.cg.ReadPodEvents(ctx, e.cfg.Namespace, r.PodName)
	if err != nil {
		return fmt.Errorf("reading pod events for %s: %w", r.PodName, err)
	}

	oom := r.OOM
	dirty := false
	for _, ev := range events {
		if ev.Reason != oomEventReason {
			continue
		}
		if !ev.LastTimestamp.After(oom.LastEventTime) {
			continue
		}
		oom.Count++
		oom.LastEventTime = ev.LastTimestamp
		oom.LastContainer = ev.ContainerName
		dirty = true
	}
	if !dirty {
		return nil
	}

	if err := e.db.UpdateReservationOOM(ctx, r.ID, oom); err != nil {
		return err
	}

	recent := 0
	for _, ev := range events {
		if ev.Reason == oomEventReason && time.Since(ev.LastTimestamp) <= e.cfg.OOMRateLimitWindow {
			recent++
		}
	}
	if recent <= e.cfg.OOMRateLimitCount {
		return nil
	}
	return e.failReservation(ctx, r.ID, fmt.Sprintf("oom rate limit exceeded: %d events within %s", recent, e.cfg.OOMRateLimitWindow))
}
