package availability

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wdvr/gpu-devpod-controlplane/internal/cloudadapter"
	"github.com/wdvr/gpu-devpod-controlplane/internal/clustergw"
	"github.com/wdvr/gpu-devpod-controlplane/internal/config"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

func TestComputeMaxReservable(t *testing.T) {
	cfg := &config.Config{
		HighEndGPUTags:    map[string]struct{}{"h100": {}},
		MaxMultinodeNodes: 4,
		CPUUsersPerNode:   3,
	}

	tests := []struct {
		name                string
		gt                  *store.GPUType
		fullNodesAvailable  int
		nodes               []clustergw.NodeInfo
		want                int
	}{
		{
			name:               "high end with three full nodes ladders to three nodes worth",
			gt:                 &store.GPUType{Tag: "h100", MaxGPUsPerNode: 8},
			fullNodesAvailable: 3,
			nodes:              []clustergw.NodeInfo{{Allocatable: 8, Requested: 0}, {Allocatable: 8, Requested: 0}, {Allocatable: 8, Requested: 0}},
			want:               24,
		},
		{
			name:               "high end ladder caps at MaxMultinodeNodes",
			gt:                 &store.GPUType{Tag: "h100", MaxGPUsPerNode: 8},
			fullNodesAvailable: 9,
			nodes:              []clustergw.NodeInfo{{Allocatable: 8, Requested: 0}},
			want:               32,
		},
		{
			name:               "non high end capped at one node's worth even with many full nodes",
			gt:                 &store.GPUType{Tag: "a10g", MaxGPUsPerNode: 4},
			fullNodesAvailable: 6,
			nodes:              []clustergw.NodeInfo{{Allocatable: 4, Requested: 0}, {Allocatable: 4, Requested: 2}},
			want:               4,
		},
		{
			name:               "cpu tag returns one slot when a node has room",
			gt:                 &store.GPUType{Tag: "cpu-large", MaxGPUsPerNode: 0},
			fullNodesAvailable: 0,
			nodes:              []clustergw.NodeInfo{{Requested: 3}, {Requested: 1}},
			want:               1,
		},
		{
			name:               "cpu tag returns zero when every node is full",
			gt:                 &store.GPUType{Tag: "cpu-large", MaxGPUsPerNode: 0},
			fullNodesAvailable: 0,
			nodes:              []clustergw.NodeInfo{{Requested: 3}, {Requested: 3}},
			want:               0,
		},
		{
			name:               "high end floors at the single-node max when no full nodes remain",
			gt:                 &store.GPUType{Tag: "h100", MaxGPUsPerNode: 8},
			fullNodesAvailable: 0,
			nodes:              []clustergw.NodeInfo{{Allocatable: 8, Requested: 3}},
			want:               5,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := computeMaxReservable(tc.gt, cfg, tc.fullNodesAvailable, tc.nodes)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMaxAvailableOnSingleNode(t *testing.T) {
	nodes := []clustergw.NodeInfo{
		{Allocatable: 8, Requested: 6},
		{Allocatable: 8, Requested: 0},
	}
	assert.Equal(t, 8, maxAvailableOnSingleNode(nodes, 8))
	assert.Equal(t, 4, maxAvailableOnSingleNode(nodes, 4))
}

func TestCPUMaxReservable(t *testing.T) {
	assert.Equal(t, 1, cpuMaxReservable([]clustergw.NodeInfo{{Requested: 0}}, 3))
	assert.Equal(t, 0, cpuMaxReservable(nil, 3))
}

func TestDescribeSnapshotStateCountsPendingAndFindsLatestCompleted(t *testing.T) {
	ca := cloudadapter.NewFakeAdapter()
	ca.SetVolume(cloudadapter.Volume{VolumeID: "vol-1"})
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ca.SetSnapshot(cloudadapter.Snapshot{SnapshotID: "snap-old", VolumeID: "vol-1", State: "completed", StartTime: older})
	ca.SetSnapshot(cloudadapter.Snapshot{SnapshotID: "snap-new", VolumeID: "vol-1", State: "completed", StartTime: newer})
	ca.SetSnapshot(cloudadapter.Snapshot{SnapshotID: "snap-pending", VolumeID: "vol-1", State: "pending"})
	ca.SetSnapshot(cloudadapter.Snapshot{SnapshotID: "snap-errored", VolumeID: "vol-1", State: "error"})
	ca.SetSnapshot(cloudadapter.Snapshot{SnapshotID: "snap-other-vol", VolumeID: "vol-2", State: "completed", StartTime: newer})

	r := &Reconciler{ca: ca, log: logr.Discard()}
	count, pending, lastAt, err := r.describeSnapshotState(context.Background(), "vol-1")

	require.NoError(t, err)
	assert.Equal(t, 3, count, "errored snapshot is excluded, other volume's snapshot is excluded")
	assert.Equal(t, 1, pending)
	require.NotNil(t, lastAt)
	assert.True(t, lastAt.Equal(newer), "last_snapshot_at must be the most recent completed snapshot, not the first seen")
}

func TestDescribeSnapshotStateNoCompletedSnapshotsLeavesLastAtNil(t *testing.T) {
	ca := cloudadapter.NewFakeAdapter()
	ca.SetVolume(cloudadapter.Volume{VolumeID: "vol-1"})
	ca.SetSnapshot(cloudadapter.Snapshot{SnapshotID: "snap-pending", VolumeID: "vol-1", State: "pending"})

	r := &Reconciler{ca: ca, log: logr.Discard()}
	count, pending, lastAt, err := r.describeSnapshotState(context.Background(), "vol-1")

	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, pending)
	assert.Nil(t, lastAt)
}
