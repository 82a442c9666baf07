package cloudadapter

import (
	"context"
	"fmt"
	"sync"
)

// FakeAdapter is a hand-written in-memory Adapter for tests.
type FakeAdapter struct {
	mu        sync.Mutex
	volumes   map[string]Volume
	snapshots map[string]Snapshot
	asgs      []ASGInfo
	nextSnap  int
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{volumes: map[string]Volume{}, snapshots: map[string]Snapshot{}}
}

func (f *FakeAdapter) DescribeVolume(ctx context.Context, volumeID string) (*Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[volumeID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (f *FakeAdapter) DescribeVolumesByTag(ctx context.Context, tagKey, tagValue string) ([]Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Volume
	for _, v := range f.volumes {
		if v.Tags[tagKey] == tagValue {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *FakeAdapter) CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[volumeID]; !ok {
		return nil, fmt.Errorf("volume %s not found", volumeID)
	}
	f.nextSnap++
	snap := Snapshot{SnapshotID: fmt.Sprintf("snap-%d", f.nextSnap), VolumeID: volumeID, State: "pending", Progress: "0%"}
	f.snapshots[snap.SnapshotID] = snap
	return &snap, nil
}

func (f *FakeAdapter) DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[snapshotID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *FakeAdapter) DescribeSnapshotsForVolume(ctx context.Context, volumeID string) ([]Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Snapshot
	for _, s := range f.snapshots {
		if s.VolumeID == volumeID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeAdapter) DeleteVolume(ctx context.Context, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, volumeID)
	return nil
}

func (f *FakeAdapter) DescribeASGs(ctx context.Context, clusterPrefix string) ([]ASGInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ASGInfo(nil), f.asgs...), nil
}

// --- test setup helpers ---

func (f *FakeAdapter) SetVolume(v Volume) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[v.VolumeID] = v
}

func (f *FakeAdapter) SetASGs(asgs []ASGInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asgs = asgs
}

func (f *FakeAdapter) CompleteSnapshot(snapshotID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snapshots[snapshotID]; ok {
		s.State = "completed"
		s.Progress = "100%"
		f.snapshots[snapshotID] = s
	}
}

// SetSnapshot seeds a snapshot directly, for tests that need to control
// State/StartTime without going through CreateSnapshot.
func (f *FakeAdapter) SetSnapshot(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[s.SnapshotID] = s
}

var _ Adapter = (*FakeAdapter)(nil)
