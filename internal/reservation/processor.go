// Package reservation implements the Reservation Processor (RP): the
// message-consuming worker that drives the reservation
// state machine, admission against GPU capacity, and Kubernetes/cloud
// side effects to convergence.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/wdvr/gpu-devpod-controlplane/internal/cloudadapter"
	"github.com/wdvr/gpu-devpod-controlplane/internal/clustergw"
	"github.com/wdvr/gpu-devpod-controlplane/internal/config"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/sshkeys"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// Processor is one RP replica, running Cfg.Workers (default 4) parallel
// poll loops against the reservations and disk-ops queues.
type Processor struct {
	cfg       *config.Config
	pool      *store.Pool
	reserveQ  queue.Queue
	diskQ     queue.Queue
	cg        clustergw.Gateway
	ca        cloudadapter.Adapter
	keys      *sshkeys.Fetcher
	log       logr.Logger
	workers   int
}

// New builds a Processor. workers defaults to 4 if 0 is
// passed.
func New(cfg *config.Config, pool *store.Pool, reserveQ, diskQ queue.Queue, cg clustergw.Gateway, ca cloudadapter.Adapter, keys *sshkeys.Fetcher, workers int, log logr.Logger) *Processor {
	if workers <= 0 {
		workers = 4
	}
	return &Processor{
		cfg: cfg, pool: pool, reserveQ: reserveQ, diskQ: diskQ,
		cg: cg, ca: ca, keys: keys, workers: workers,
		log: log.WithName("reservation-processor"),
	}
}

// Run starts p.workers goroutines, each alternating between the
// reservations and disk-ops queues (even-numbered workers start on
// reservations, odd ones on disk-ops), blocking until ctx is cancelled. A worker's
// panic is recovered, logged, and the worker restarted rather than
// bringing down the process: the
// teacher's controllers get this for free from controller-runtime;
// RP reimplements it by hand since it is message-driven, not
// reconcile-driven.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := i
		g.Go(func() error {
			p.runWorkerWithRestart(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) runWorkerWithRestart(ctx context.Context, workerID int) {
	log := p.log.WithValues("worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(fmt.Errorf("%v", r), "worker panicked, restarting")
					time.Sleep(time.Second)
				}
			}()
			p.pollLoop(ctx, log, workerID)
		}()
	}
}

// pollLoop alternates between the reservations and disk-ops queues so a
// single worker serves both without starving either; it returns (without
// panicking) only when ctx is cancelled.
func (p *Processor) pollLoop(ctx context.Context, log logr.Logger, workerID int) {
	pollInterval := time.Duration(p.cfg.PollIntervalSeconds) * time.Second
	useReserveQ := workerID%2 == 0
	for {
		if ctx.Err() != nil {
			return
		}
		q := p.reserveQ
		if !useReserveQ {
			q = p.diskQ
		}
		useReserveQ = !useReserveQ

		envs, err := q.Receive(ctx, int32(p.cfg.BatchSize), p.cfg.VisibilityTimeout)
		if err != nil {
			log.Error(err, "queue receive failed")
			sleep(ctx, pollInterval)
			continue
		}
		if len(envs) == 0 {
			sleep(ctx, pollInterval)
			continue
		}
		for _, env := range envs {
			p.handle(ctx, log, q, env)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
