package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// FakeDataStore is a hand-written in-memory DataStore for tests,
// following the same pattern as clustergw.FakeGateway and
// cloudadapter.FakeAdapter: plain maps guarded by a mutex. Rows are
// shallow-copied (a struct copy) on the way in and out, so a test
// changing a scalar field of its own value does not reach the fake's
// state; maps, slices and pointer fields (WarningsSent, StatusHistory,
// EnvVars, ...) are still shared with the stored row.
type FakeDataStore struct {
	mu sync.Mutex

	reservations map[string]*store.Reservation
	volumes      map[string]*store.Volume
}

func NewFakeDataStore() *FakeDataStore {
	return &FakeDataStore{
		reservations: map[string]*store.Reservation{},
		volumes:      map[string]*store.Volume{},
	}
}

func copyReservation(r *store.Reservation) *store.Reservation {
	cp := *r
	return &cp
}

func copyVolume(v *store.Volume) *store.Volume {
	cp := *v
	return &cp
}

func (f *FakeDataStore) ListActiveReservations(ctx context.Context) ([]*store.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Reservation
	for _, r := range f.reservations {
		if !r.Status.Terminal() {
			out = append(out, copyReservation(r))
		}
	}
	return out, nil
}

func (f *FakeDataStore) ListExpiredActiveReservations(ctx context.Context, now time.Time) ([]*store.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Reservation
	for _, r := range f.reservations {
		if r.Status.Terminal() || r.ExpiryTime == nil {
			continue
		}
		if !r.ExpiryTime.After(now) {
			out = append(out, copyReservation(r))
		}
	}
	return out, nil
}

func (f *FakeDataStore) ListRecentlyExpiredReservations(ctx context.Context, since time.Time) ([]*store.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Reservation
	for _, r := range f.reservations {
		if r.Status != store.StatusExpired || r.ReservationEnded == nil {
			continue
		}
		if r.ReservationEnded.After(since) {
			out = append(out, copyReservation(r))
		}
	}
	return out, nil
}

func (f *FakeDataStore) GetReservationForUpdate(ctx context.Context, id string) (*store.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyReservation(r), nil
}

func (f *FakeDataStore) UpdateReservationStatus(ctx context.Context, r *store.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reservations[r.ID]; !ok {
		return store.ErrNotFound
	}
	f.reservations[r.ID] = copyReservation(r)
	return nil
}

func (f *FakeDataStore) UpdateReservationVolumeBinding(ctx context.Context, id string, volumeID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return store.ErrNotFound
	}
	r.VolumeID = volumeID
	return nil
}

func (f *FakeDataStore) UpdateReservationOOM(ctx context.Context, id string, o store.OOMState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return store.ErrNotFound
	}
	r.OOM = o
	return nil
}

func (f *FakeDataStore) UpdateReservationWarnings(ctx context.Context, id string, w store.WarningsSent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return store.ErrNotFound
	}
	r.WarningsSent = w
	return nil
}

func (f *FakeDataStore) GetVolumeByID(ctx context.Context, id string) (*store.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyVolume(v), nil
}

func (f *FakeDataStore) UnbindVolume(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[id]
	if !ok {
		return store.ErrNotFound
	}
	v.InUse = false
	v.ReservationID = nil
	return nil
}

func (f *FakeDataStore) IncrementPendingVolumeSnapshot(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[id]
	if !ok {
		return store.ErrNotFound
	}
	v.PendingSnapshotCount++
	return nil
}

func (f *FakeDataStore) CompleteVolumeSnapshot(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[id]
	if !ok {
		return store.ErrNotFound
	}
	if v.PendingSnapshotCount > 0 {
		v.PendingSnapshotCount--
	}
	v.SnapshotCount++
	atCopy := at
	v.LastSnapshotAt = &atCopy
	return nil
}

func (f *FakeDataStore) ListHardDeletableVolumes(ctx context.Context, asOf time.Time) ([]*store.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Volume
	for _, v := range f.volumes {
		if v.IsDeleted && v.DeleteDate != nil && !v.DeleteDate.After(asOf) {
			out = append(out, copyVolume(v))
		}
	}
	return out, nil
}

func (f *FakeDataStore) PurgeVolumeRow(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, id)
	return nil
}

// --- test setup helpers ---

func (f *FakeDataStore) SetReservation(r *store.Reservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reservations[r.ID] = copyReservation(r)
}

func (f *FakeDataStore) SetVolume(v *store.Volume) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[v.ID] = copyVolume(v)
}

func (f *FakeDataStore) Reservation(id string) *store.Reservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return nil
	}
	return copyReservation(r)
}

func (f *FakeDataStore) Volume(id string) *store.Volume {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[id]
	if !ok {
		return nil
	}
	return copyVolume(v)
}

var _ DataStore = (*FakeDataStore)(nil)
