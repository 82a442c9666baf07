// Package availability implements the Availability Reconciler (AR):
// phase A recomputes GPU-type availability counters from
// cloud and cluster truth; phase B reconciles the volume catalog against
// the cloud's authoritative inventory.
package availability

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

// Stats summarizes one reconciliation pass for logging/metrics as a
// single combined summary.
type Stats struct {
	GPUTypesReconciled int
	AWSVolumes         int
	DBRecords          int
	VolumesSynced      int
	VolumesUpdated     int
	VolumesCreated     int
	Errors             int
}

// Reconciler runs AR's two phases. Both phases tolerate and count
// per-item errors without aborting the run.
type Reconciler struct {
	cfg  *config.Config
	pool *store.Pool
	cg   clustergw.Gateway
	ca   cloudadapter.Adapter
	log  logr.Logger
}

func New(cfg *config.Config, pool *store.Pool, cg clustergw.Gateway, ca cloudadapter.Adapter, log logr.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, pool: pool, cg: cg, ca: ca, log: log.WithName("availability-reconciler")}
}

// Reconcile runs both phases once and returns their combined statistics.
// It is the single entry point shared by the --loop in-process ticker
// and a single pass invoked by an external CronJob, so the two
// invocation styles cannot diverge in behavior.
func (r *Reconciler) Reconcile(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	var stats Stats

	gpuStats, err := r.reconcileAvailability(ctx)
	if err != nil {
		return stats, fmt.Errorf("phase A failed: %w", err)
	}
	stats.GPUTypesReconciled = gpuStats.reconciled
	stats.Errors += gpuStats.errors

	volStats, err := r.reconcileVolumes(ctx)
	if err != nil {
		return stats, fmt.Errorf("phase B failed: %w", err)
	}
	stats.AWSVolumes = volStats.awsVolumes
	stats.DBRecords = volStats.dbRecords
	stats.VolumesSynced = volStats.synced
	stats.VolumesUpdated = volStats.updated
	stats.VolumesCreated = volStats.created
	stats.Errors += volStats.errors

	r.log.Info("reconciliation pass complete",
		"gpuTypesReconciled", stats.GPUTypesReconciled,
		"awsVolumes", stats.AWSVolumes, "dbRecords", stats.DBRecords,
		"volumesSynced", stats.VolumesSynced, "volumesUpdated", stats.VolumesUpdated,
		"volumesCreated", stats.VolumesCreated, "errors", stats.Errors)
	return stats, nil
}

type phaseAStats struct {
	reconciled int
	errors     int
}

// reconcileAvailability implements phase A: availability counters.
func (r *Reconciler) reconcileAvailability(ctx context.Context) (phaseAStats, error) {
	var stats phaseAStats

	var gpuTypes []*store.GPUType
	err := r.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		gpuTypes, err = store.NewGPUTypeStore(q).List(ctx)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("listing gpu types: %w", err)
	}

	asgs, err := r.ca.DescribeASGs(ctx, r.cfg.ClusterNamePrefix)
	if err != nil {
		return stats, fmt.Errorf("describing auto scaling groups: %w", err)
	}
	instancesByTag := map[string]int{}
	for _, a := range asgs {
		instancesByTag[a.GPUType] += a.InServiceCount
	}

	for _, gt := range gpuTypes {
		if err := r.reconcileOneGPUType(ctx, gt, instancesByTag[gt.Tag]); err != nil {
			r.log.Error(err, "reconciling gpu type failed", "tag", gt.Tag)
			stats.errors++
			continue
		}
		stats.reconciled++
	}
	return stats, nil
}

func (r *Reconciler) reconcileOneGPUType(ctx context.Context, gt *store.GPUType, instances int) error {
	nodes, err := r.cg.ListNodesForGPUType(ctx, gt.Tag)
	if err != nil {
		return fmt.Errorf("listing nodes for %s: %w", gt.Tag, err)
	}

	used := 0
	fullNodesAvailable := 0
	for _, n := range nodes {
		used += n.Requested
		if n.Requested == 0 {
			fullNodesAvailable++
		}
	}

	total := instances * gt.MaxGPUsPerNode
	available := total - used
	if available < 0 {
		available = 0
	}

	maxReservable := computeMaxReservable(gt, r.cfg, fullNodesAvailable, nodes)

	now := time.Now()
	return r.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewGPUTypeStore(q).SetAvailability(ctx, gt.Tag, total, available, maxReservable, fullNodesAvailable, instances, "availability-reconciler", now)
	})
}

// computeMaxReservable implements the reservable-capacity ladder. High-end
// tags get the min(4, full_nodes_available) multi-node ladder floored by
// a single node's worth; other GPU tags are capped at one node's worth;
// CPU tags (0 GPUs per node) get 1 iff any node still has a free user
// slot. CPU tags are treated as independent types rather than ranked
// against each other: this function only ever looks at the single gt
// passed in.
func computeMaxReservable(gt *store.GPUType, cfg *config.Config, fullNodesAvailable int, nodes []clustergw.NodeInfo) int {
	if gt.MaxGPUsPerNode == 0 {
		return cpuMaxReservable(nodes, cfg.CPUUsersPerNode)
	}

	_, isHighEnd := cfg.HighEndGPUTags[gt.Tag]
	maxOnSingleNode := maxAvailableOnSingleNode(nodes, gt.MaxGPUsPerNode)

	if !isHighEnd {
		return maxOnSingleNode
	}

	nodeCap := fullNodesAvailable
	if nodeCap > cfg.MaxMultinodeNodes {
		nodeCap = cfg.MaxMultinodeNodes
	}
	ladder := nodeCap * gt.MaxGPUsPerNode
	if ladder < maxOnSingleNode {
		return maxOnSingleNode
	}
	return ladder
}

func maxAvailableOnSingleNode(nodes []clustergw.NodeInfo, maxGPUsPerNode int) int {
	best := 0
	for _, n := range nodes {
		free := n.Allocatable - n.Requested
		if free > best {
			best = free
		}
	}
	if best > maxGPUsPerNode {
		best = maxGPUsPerNode
	}
	return best
}

// cpuMaxReservable treats each CPU-only node as holding up to
// CPUUsersPerNode independent reservation slots.
func cpuMaxReservable(nodes []clustergw.NodeInfo, usersPerNode int) int {
	for _, n := range nodes {
		if n.Requested < usersPerNode {
			return 1
		}
	}
	return 0
}

type phaseBStats struct {
	awsVolumes int
	dbRecords  int
	synced     int
	updated    int
	created    int
	errors     int
}

const volumeTagKey = "osdc.io/managed"

// reconcileVolumes implements phase B's four-way
// classification.
func (r *Reconciler) reconcileVolumes(ctx context.Context) (phaseBStats, error) {
	var stats phaseBStats

	cloudVolumes, err := r.ca.DescribeVolumesByTag(ctx, volumeTagKey, "true")
	if err != nil {
		return stats, fmt.Errorf("describing tagged cloud volumes: %w", err)
	}
	stats.awsVolumes = len(cloudVolumes)
	cloudByID := make(map[string]cloudadapter.Volume, len(cloudVolumes))
	for _, v := range cloudVolumes {
		cloudByID[v.VolumeID] = v
	}

	var dbVolumes []*store.Volume
	err = r.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		dbVolumes, err = store.NewVolumeStore(q).ListAllTagged(ctx)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("listing db volumes: %w", err)
	}
	stats.dbRecords = len(dbVolumes)
	dbByCloudID := make(map[string]*store.Volume, len(dbVolumes))
	for _, v := range dbVolumes {
		if v.CloudVolumeID != "" {
			dbByCloudID[v.CloudVolumeID] = v
		}
	}

	for cloudID, cv := range cloudByID {
		dbv, inDB := dbByCloudID[cloudID]
		if !inDB {
			if err := r.insertFromCloud(ctx, cv); err != nil {
				r.log.Error(err, "failed to insert volume discovered in cloud", "volumeId", cloudID)
				stats.errors++
				continue
			}
			stats.created++
			continue
		}
		if err := r.refreshFromCloud(ctx, dbv, cv); err != nil {
			r.log.Error(err, "failed to refresh volume from cloud", "volumeId", cloudID)
			stats.errors++
			continue
		}
		stats.updated++
	}

	for _, dbv := range dbVolumes {
		if dbv.CloudVolumeID == "" {
			continue
		}
		if _, inCloud := cloudByID[dbv.CloudVolumeID]; inCloud {
			continue
		}
		if dbv.IsDeleted {
			// In SS (deleted), not in CA: no-op, expected.
			stats.synced++
			continue
		}
		if err := r.unbindOrphan(ctx, dbv); err != nil {
			r.log.Error(err, "failed to unbind orphaned volume", "volumeId", dbv.ID)
			stats.errors++
			continue
		}
		stats.synced++
	}

	return stats, nil
}

func (r *Reconciler) insertFromCloud(ctx context.Context, cv cloudadapter.Volume) error {
	return r.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).InsertFromCloud(ctx, &store.Volume{
			ID:            cv.VolumeID,
			UserID:        cv.Tags["osdc.io/user"],
			Name:          cv.Tags["osdc.io/name"],
			SizeGiB:       cv.SizeGiB,
			CloudVolumeID: cv.VolumeID,
			InUse:         cv.AttachedTo != "",
		})
	})
}

func (r *Reconciler) refreshFromCloud(ctx context.Context, dbv *store.Volume, cv cloudadapter.Volume) error {
	inUse := cv.AttachedTo != ""
	snapshotCount, pendingSnapshotCount, lastSnapshotAt, err := r.describeSnapshotState(ctx, cv.VolumeID)
	if err != nil {
		return err
	}
	return r.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).RefreshFromCloud(ctx, dbv.ID, cv.VolumeID, cv.SizeGiB, inUse,
			snapshotCount, pendingSnapshotCount, lastSnapshotAt)
	})
}

// describeSnapshotState summarizes cloud truth for a volume's snapshots:
// total non-errored count, how many are still pending, and the most
// recent completed snapshot's start time.
func (r *Reconciler) describeSnapshotState(ctx context.Context, volumeID string) (count, pending int, lastCompletedAt *time.Time, err error) {
	snaps, err := r.ca.DescribeSnapshotsForVolume(ctx, volumeID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("describing snapshots for volume %s: %w", volumeID, err)
	}
	var lastCompleted time.Time
	for _, s := range snaps {
		if s.State == "error" {
			continue
		}
		count++
		if s.State == "pending" {
			pending++
			continue
		}
		if s.State == "completed" && s.StartTime.After(lastCompleted) {
			lastCompleted = s.StartTime
		}
	}
	if !lastCompleted.IsZero() {
		lastCompletedAt = &lastCompleted
	}
	return count, pending, lastCompletedAt, nil
}

func (r *Reconciler) unbindOrphan(ctx context.Context, dbv *store.Volume) error {
	return r.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		vols := store.NewVolumeStore(q)
		if err := vols.Unbind(ctx, dbv.ID); err != nil {
			return err
		}
		if dbv.ReservationID == nil {
			return nil
		}
		return store.NewReservationStore(q).UpdateVolumeBinding(ctx, *dbv.ReservationID, nil)
	})
}

