package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GPUTypeStore provides typed access to the `gpu_types` table.
type GPUTypeStore struct{ q Querier }

func NewGPUTypeStore(q Querier) *GPUTypeStore { return &GPUTypeStore{q: q} }

const gpuTypeSelectSQL = `SELECT tag, instance_family, max_gpus_per_node, cpu_per_instance,
	mem_gib_per_instance, max_nodes_per_multinode, total_cluster_gpus, available_gpus,
	max_reservable, full_nodes_available, running_instances, last_availability_update,
	last_availability_updated_by
	FROM gpu_types`

func scanGPUType(row pgx.Row) (*GPUType, error) {
	var g GPUType
	if err := row.Scan(&g.Tag, &g.InstanceFamily, &g.MaxGPUsPerNode, &g.CPUPerInstance,
		&g.MemGiBPerInstance, &g.MaxNodesPerMultinode, &g.TotalClusterGPUs, &g.AvailableGPUs,
		&g.MaxReservable, &g.FullNodesAvailable, &g.RunningInstances, &g.LastAvailabilityUpdate,
		&g.LastAvailabilityUpdatedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning gpu type: %w", err)
	}
	return &g, nil
}

func (s *GPUTypeStore) Get(ctx context.Context, tag string) (*GPUType, error) {
	row := s.q.QueryRow(ctx, gpuTypeSelectSQL+` WHERE tag=$1`, tag)
	return scanGPUType(row)
}

// GetForUpdate row-locks the GPU-type row for the duration of an
// admission transaction, for the admission algorithm. Callers
// must bound the wait with WithLockTimeout so a contended row aborts
// within T_lock rather than blocking the worker; a lock wait that hits the
// timeout returns ErrLockTimeout.
func (s *GPUTypeStore) GetForUpdate(ctx context.Context, tag string) (*GPUType, error) {
	row := s.q.QueryRow(ctx, gpuTypeSelectSQL+` WHERE tag=$1 FOR UPDATE`, tag)
	g, err := scanGPUType(row)
	if err != nil && isLockNotAvailable(err) {
		return nil, ErrLockTimeout
	}
	return g, err
}

func (s *GPUTypeStore) List(ctx context.Context) ([]*GPUType, error) {
	rows, err := s.q.Query(ctx, gpuTypeSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("listing gpu types: %w", err)
	}
	defer rows.Close()
	var out []*GPUType
	for rows.Next() {
		g, err := scanGPUType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DecrementAvailable performs RP's optimistic fast-path decrement at
// admission time: it is intentionally lossy and is
// reconciled back to ground truth by AR every tick.
func (s *GPUTypeStore) DecrementAvailable(ctx context.Context, tag string, by int) error {
	_, err := s.q.Exec(ctx, `UPDATE gpu_types SET available_gpus = available_gpus - $2 WHERE tag=$1`, tag, by)
	return err
}

// SetAvailability overwrites the five dynamic availability columns in a
// single statement, as AR's phase A requires.
func (s *GPUTypeStore) SetAvailability(ctx context.Context, tag string, totalClusterGPUs, availableGPUs, maxReservable, fullNodesAvailable, runningInstances int, updatedBy string, at time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE gpu_types SET total_cluster_gpus=$2, available_gpus=$3,
		max_reservable=$4, full_nodes_available=$5, running_instances=$6,
		last_availability_update=$7, last_availability_updated_by=$8
		WHERE tag=$1`,
		tag, totalClusterGPUs, availableGPUs, maxReservable, fullNodesAvailable, runningInstances, at, updatedBy)
	return err
}
