// Package cloudadapter implements the Cloud Adapter (CA) abstraction
// over aws-sdk-go v1: ec2iface.EC2API usage, retry.OnError with a
// jittered wait.Backoff for throttled/transient AWS errors.
package cloudadapter

import (
	"context"
	"time"
)

// Volume is CA's view of an EBS volume, used by AR's phase B disk
// reconciliation.
type Volume struct {
	VolumeID   string
	SizeGiB    int
	State      string // "available", "in-use", "creating", "deleting", ...
	AttachedTo string // instance ID, empty if unattached
	Tags       map[string]string
}

// Snapshot is CA's view of an EBS snapshot.
type Snapshot struct {
	SnapshotID string
	VolumeID   string
	State      string // "pending", "completed", "error"
	Progress   string
	StartTime  time.Time
}

// ASGInfo summarizes one Auto Scaling Group's InService instance count,
// which AR's phase A sums per GPU type to compute total_cluster_gpus
// (full_nodes_available is counted from node GPU usage instead).
type ASGInfo struct {
	Name             string
	GPUType          string
	InServiceCount   int
	DesiredCapacity  int
}

// Adapter is the CA contract.
type Adapter interface {
	// DescribeVolume returns nil, nil if the volume does not exist.
	DescribeVolume(ctx context.Context, volumeID string) (*Volume, error)
	// DescribeVolumesByTag lists all volumes carrying a given tag value,
	// used by AR phase B to find cloud-side volumes untracked in SDU.
	DescribeVolumesByTag(ctx context.Context, tagKey, tagValue string) ([]Volume, error)
	CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*Snapshot, error)
	DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)
	// DescribeSnapshotsForVolume lists every snapshot cloud-side for
	// volumeID, used by AR phase B to refresh snapshot_count,
	// pending_snapshot_count, and last_snapshot_at from cloud truth.
	DescribeSnapshotsForVolume(ctx context.Context, volumeID string) ([]Snapshot, error)
	DeleteVolume(ctx context.Context, volumeID string) error

	// DescribeASGs lists the Auto Scaling Groups whose names start with
	// the given cluster prefix and that carry a GPU-type tag, one ASGInfo
	// per group.
	DescribeASGs(ctx context.Context, clusterPrefix string) ([]ASGInfo, error)
}

// ErrNotFound is returned by lookups when the cloud resource no longer
// exists, distinct from a transient API error.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "cloud resource not found" }
