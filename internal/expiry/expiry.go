// Package expiry implements the Expiry & Warning Engine (EE): a
// periodic, single-instance reconciler that enforces
// reservation time budgets, emits pre-expiry warnings through in-pod
// channels, detects out-of-memory events, and drives reservations to
// terminal states with idempotent cleanup.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/wdvr/gpu-devpod-controlplane/internal/cloudadapter"
	"github.com/wdvr/gpu-devpod-controlplane/internal/clustergw"
	"github.com/wdvr/gpu-devpod-controlplane/internal/config"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

const (
	warnFile30Min = "WARN_EXPIRES_IN_30MIN.txt"
	warnFile15Min = "WARN_EXPIRES_IN_15MIN.txt"
	warnFile5Min  = "WARN_EXPIRES_IN_5MIN.txt"

	oomEventReason = "OOMKilling"
)

// Stats summarizes one tick, surfaced to the caller for logging/metrics.
type Stats struct {
	Active        int
	WarningsSent  int
	OOMDetections int
	Expired       int
	HardDeleted   int
	Errors        int
}

// Engine runs EE's per-tick work. It holds no state across ticks beyond
// what is persisted to the reservations/disks tables, so a restart picks
// up exactly where the previous instance left off.
type Engine struct {
	cfg *config.Config
	db  DataStore
	cg  clustergw.Gateway
	ca  cloudadapter.Adapter
	log logr.Logger
}

// New builds an Engine backed by a real SDU pool.
func New(cfg *config.Config, pool *store.Pool, cg clustergw.Gateway, ca cloudadapter.Adapter, log logr.Logger) *Engine {
	return NewWithDataStore(cfg, newPoolDataStore(pool), cg, ca, log)
}

// NewWithDataStore builds an Engine against an arbitrary DataStore,
// letting tests substitute FakeDataStore for the real SDU pool.
func NewWithDataStore(cfg *config.Config, db DataStore, cg clustergw.Gateway, ca cloudadapter.Adapter, log logr.Logger) *Engine {
	return &Engine{cfg: cfg, db: db, cg: cg, ca: ca, log: log.WithName("expiry-engine")}
}

// Tick runs one full pass: warnings, OOM detection, expiry, and hard
// deletion of volumes past their soft-delete retention window.
func (e *Engine) Tick(ctx context.Context) (Stats, error) {
	var stats Stats

	active, err := e.db.ListActiveReservations(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing active reservations: %w", err)
	}
	stats.Active = len(active)

	now := time.Now()
	for _, r := range active {
		if r.WarningsSent == nil {
			r.WarningsSent = store.WarningsSent{}
		}
		before := countTrue(r.WarningsSent)
		if err := e.checkWarnings(ctx, r, now); err != nil {
			e.log.Error(err, "warning check failed", "reservationId", r.ID)
			stats.Errors++
		} else {
			stats.WarningsSent += countTrue(r.WarningsSent) - before
		}

		if err := e.checkOOM(ctx, r); err != nil {
			e.log.Error(err, "oom check failed", "reservationId", r.ID)
			stats.Errors++
		}
	}

	toExpire, err := e.db.ListExpiredActiveReservations(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("listing expired reservations: %w", err)
	}
	for _, r := range toExpire {
		if err := e.expireOne(ctx, r, now); err != nil {
			e.log.Error(err, "expiry failed", "reservationId", r.ID)
			stats.Errors++
			continue
		}
		stats.Expired++
	}

	// Retry cleanup (pod delete, volume snapshot+unbind) for rows that
	// transitioned to `expired` recently but whose side effects did not
	// complete on the tick that made the transition.
	recentlyExpired, err := e.db.ListRecentlyExpiredReservations(ctx, now.Add(-e.cfg.ExpiryCleanupRetryWindow))
	if err != nil {
		e.log.Error(err, "listing recently expired reservations for cleanup retry failed")
		stats.Errors++
	} else {
		for _, r := range recentlyExpired {
			if err := e.cleanupAfterExpiry(ctx, r); err != nil {
				e.log.Error(err, "expiry cleanup retry failed", "reservationId", r.ID)
				stats.Errors++
			}
		}
	}

	deleted, err := e.hardDeleteVolumes(ctx, now)
	if err != nil {
		e.log.Error(err, "hard deletion pass failed")
		stats.Errors++
	}
	stats.HardDeleted = deleted

	return stats, nil
}

func countTrue(w store.WarningsSent) int {
	n := 0
	for _, v := range w {
		if v {
			n++
		}
	}
	return n
}
