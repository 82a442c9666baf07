package cloudadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdapterSnapshotLifecycle(t *testing.T) {
	f := NewFakeAdapter()
	f.SetVolume(Volume{VolumeID: "vol-1", SizeGiB: 100})

	snap, err := f.CreateSnapshot(context.Background(), "vol-1", map[string]string{"osdc.io/reservation": "res-1"})
	require.NoError(t, err)
	assert.Equal(t, "pending", snap.State)

	got, err := f.DescribeSnapshot(context.Background(), snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.State)

	f.CompleteSnapshot(snap.SnapshotID)
	got, err = f.DescribeSnapshot(context.Background(), snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.State)
}

func TestFakeAdapterCreateSnapshotErrorsOnMissingVolume(t *testing.T) {
	f := NewFakeAdapter()
	_, err := f.CreateSnapshot(context.Background(), "does-not-exist", nil)
	assert.Error(t, err)
}

func TestFakeAdapterDescribeVolumesByTagFiltersByValue(t *testing.T) {
	f := NewFakeAdapter()
	f.SetVolume(Volume{VolumeID: "vol-1", Tags: map[string]string{"osdc.io/managed": "true"}})
	f.SetVolume(Volume{VolumeID: "vol-2", Tags: map[string]string{"osdc.io/managed": "false"}})

	out, err := f.DescribeVolumesByTag(context.Background(), "osdc.io/managed", "true")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "vol-1", out[0].VolumeID)
}
