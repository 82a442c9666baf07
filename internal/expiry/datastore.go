package expiry

import (
	"context"
	"time"

	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// DataStore is the subset of SDU operations EE needs, extracted as an
// interface so Engine's tick logic can run in tests against an
// in-memory FakeDataStore the same way RP tests against
// clustergw.FakeGateway and cloudadapter.FakeAdapter, instead of
// requiring a live Postgres connection for every warning-ladder and
// expiry-sequence scenario.
type DataStore interface {
	ListActiveReservations(ctx context.Context) ([]*store.Reservation, error)
	ListExpiredActiveReservations(ctx context.Context, now time.Time) ([]*store.Reservation, error)
	ListRecentlyExpiredReservations(ctx context.Context, since time.Time) ([]*store.Reservation, error)
	GetReservationForUpdate(ctx context.Context, id string) (*store.Reservation, error)
	UpdateReservationStatus(ctx context.Context, r *store.Reservation) error
	UpdateReservationVolumeBinding(ctx context.Context, id string, volumeID *string) error
	UpdateReservationOOM(ctx context.Context, id string, o store.OOMState) error
	UpdateReservationWarnings(ctx context.Context, id string, w store.WarningsSent) error

	GetVolumeByID(ctx context.Context, id string) (*store.Volume, error)
	UnbindVolume(ctx context.Context, id string) error
	IncrementPendingVolumeSnapshot(ctx context.Context, id string) error
	CompleteVolumeSnapshot(ctx context.Context, id string, at time.Time) error
	ListHardDeletableVolumes(ctx context.Context, asOf time.Time) ([]*store.Volume, error)
	PurgeVolumeRow(ctx context.Context, id string) error
}

// poolDataStore implements DataStore against a real *store.Pool, opening
// one Cursor/ReadonlyCursor per call, exactly as the call sites it
// replaces used to do directly.
type poolDataStore struct {
	pool *store.Pool
}

func newPoolDataStore(pool *store.Pool) *poolDataStore { return &poolDataStore{pool: pool} }

func (p *poolDataStore) ListActiveReservations(ctx context.Context) ([]*store.Reservation, error) {
	var out []*store.Reservation
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = store.NewReservationStore(q).ListActive(ctx)
		return err
	})
	return out, err
}

func (p *poolDataStore) ListExpiredActiveReservations(ctx context.Context, now time.Time) ([]*store.Reservation, error) {
	var out []*store.Reservation
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = store.NewReservationStore(q).ListExpiredActive(ctx, now)
		return err
	})
	return out, err
}

func (p *poolDataStore) ListRecentlyExpiredReservations(ctx context.Context, since time.Time) ([]*store.Reservation, error) {
	var out []*store.Reservation
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = store.NewReservationStore(q).ListRecentlyExpired(ctx, since)
		return err
	})
	return out, err
}

func (p *poolDataStore) GetReservationForUpdate(ctx context.Context, id string) (*store.Reservation, error) {
	var out *store.Reservation
	err := p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = store.NewReservationStore(q).GetForUpdate(ctx, id)
		return err
	})
	return out, err
}

func (p *poolDataStore) UpdateReservationStatus(ctx context.Context, r *store.Reservation) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewReservationStore(q).UpdateStatus(ctx, r)
	})
}

func (p *poolDataStore) UpdateReservationVolumeBinding(ctx context.Context, id string, volumeID *string) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewReservationStore(q).UpdateVolumeBinding(ctx, id, volumeID)
	})
}

func (p *poolDataStore) UpdateReservationOOM(ctx context.Context, id string, o store.OOMState) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewReservationStore(q).UpdateOOM(ctx, id, o)
	})
}

func (p *poolDataStore) UpdateReservationWarnings(ctx context.Context, id string, w store.WarningsSent) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewReservationStore(q).UpdateWarnings(ctx, id, w)
	})
}

func (p *poolDataStore) GetVolumeByID(ctx context.Context, id string) (*store.Volume, error) {
	var out *store.Volume
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = store.NewVolumeStore(q).GetByID(ctx, id)
		return err
	})
	return out, err
}

func (p *poolDataStore) UnbindVolume(ctx context.Context, id string) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).Unbind(ctx, id)
	})
}

func (p *poolDataStore) IncrementPendingVolumeSnapshot(ctx context.Context, id string) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).IncrementPendingSnapshot(ctx, id)
	})
}

func (p *poolDataStore) CompleteVolumeSnapshot(ctx context.Context, id string, at time.Time) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).CompleteSnapshot(ctx, id, at)
	})
}

func (p *poolDataStore) ListHardDeletableVolumes(ctx context.Context, asOf time.Time) ([]*store.Volume, error) {
	var out []*store.Volume
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = store.NewVolumeStore(q).ListHardDeletable(ctx, asOf)
		return err
	})
	return out, err
}

func (p *poolDataStore) PurgeVolumeRow(ctx context.Context, id string) error {
	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewVolumeStore(q).PurgeRow(ctx, id)
	})
}

var _ DataStore = (*poolDataStore)(nil)
