package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/wdvr/gpu-devpod-controlplane/internal/cloudadapter"
	"github.com/wdvr/gpu-devpod-controlplane/internal/clustergw"
	"github.com/wdvr/gpu-devpod-controlplane/internal/config"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

func testEngine(cfg *config.Config, db *FakeDataStore, cg clustergw.Gateway, ca cloudadapter.Adapter) *Engine {
	return NewWithDataStore(cfg, db, cg, ca, logr.Discard())
}

func baseConfig() *config.Config {
	return &config.Config{
		Namespace:                "gpu-devpods",
		WarningThresholdsMinutes: []int{30, 15, 5},
		OOMRateLimitCount:        3,
		OOMRateLimitWindow:       10 * time.Minute,
		ExpiryCleanupRetryWindow: 15 * time.Minute,
	}
}

// Scenario: a reservation sitting at 14m30s from expiry has crossed the
// 15-minute threshold but not the 5-minute one, so the warning ladder
// must fire the 15-minute warning (with broadcast) and leave the
// 30-minute warning alone (already sent earlier) and the 5-minute
// warning unsent.
func TestCheckWarningsFiresFifteenMinuteRungAtFourteenThirty(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(14*time.Minute + 30*time.Second)

	db := NewFakeDataStore()
	cg := clustergw.NewFakeGateway()
	r := &store.Reservation{
		ID:         "res-1",
		Status:     store.StatusActive,
		PodName:    "gpu-pod-1",
		ExpiryTime: &expiry,
		WarningsSent: store.WarningsSent{
			store.Warning30Min: true,
		},
	}
	db.SetReservation(r)

	e := testEngine(baseConfig(), db, cg, nil)
	require.NoError(t, e.checkWarnings(context.Background(), r, now))

	updated := db.Reservation("res-1")
	require.NotNil(t, updated)
	assert.True(t, updated.WarningsSent[store.Warning30Min], "30-minute warning stays recorded as already sent")
	assert.True(t, updated.WarningsSent[store.Warning15Min], "15-minute warning must fire at 14m30s remaining")
	assert.False(t, updated.WarningsSent[store.Warning5Min], "5-minute warning must not fire yet")

	content, ok := cg.FileContent("gpu-devpods", "gpu-pod-1", "~/WARN_EXPIRES_IN_15MIN.txt")
	require.True(t, ok, "15-minute warning file must be written")
	assert.Contains(t, content, "15 minutes")

	_, sent30 := cg.FileContent("gpu-devpods", "gpu-pod-1", "~/WARN_EXPIRES_IN_30MIN.txt")
	assert.False(t, sent30, "30-minute warning file must not be re-written once already sent")

	broadcasts := cg.Broadcasts()
	require.Len(t, broadcasts, 1, "15-minute level broadcasts, unlike the 30-minute level")
	assert.Contains(t, broadcasts[0], "15 minutes")
}

func TestCheckWarningsDoesNothingBeforeFirstThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(45 * time.Minute)

	db := NewFakeDataStore()
	cg := clustergw.NewFakeGateway()
	r := &store.Reservation{ID: "res-2", Status: store.StatusActive, PodName: "gpu-pod-2", ExpiryTime: &expiry}
	db.SetReservation(r)

	e := testEngine(baseConfig(), db, cg, nil)
	require.NoError(t, e.checkWarnings(context.Background(), r, now))

	assert.Empty(t, cg.Broadcasts())
	_, ok := cg.FileContent("gpu-devpods", "gpu-pod-2", "~/WARN_EXPIRES_IN_30MIN.txt")
	assert.False(t, ok)
}

func TestCheckWarningsSkipsAlreadySentLevels(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(2 * time.Minute)

	db := NewFakeDataStore()
	cg := clustergw.NewFakeGateway()
	r := &store.Reservation{
		ID:         "res-3",
		Status:     store.StatusActive,
		PodName:    "gpu-pod-3",
		ExpiryTime: &expiry,
		WarningsSent: store.WarningsSent{
			store.Warning30Min: true,
			store.Warning15Min: true,
			store.Warning5Min:  true,
		},
	}
	db.SetReservation(r)

	e := testEngine(baseConfig(), db, cg, nil)
	require.NoError(t, e.checkWarnings(context.Background(), r, now))

	assert.Empty(t, cg.Broadcasts(), "every level already sent, nothing new fires")
}

// Scenario: a reservation with an attached, in-use disk expires; its pod
// must be deleted and its volume snapshotted then unbound, leaving the
// volume free for a future reservation.
func TestExpireOneWithAttachedDiskSnapshotsAndUnbindsVolume(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	db := NewFakeDataStore()
	cg := clustergw.NewFakeGateway()
	ca := cloudadapter.NewFakeAdapter()

	volID := "vol-1"
	ca.SetVolume(cloudadapter.Volume{VolumeID: "cloud-vol-1"})
	db.SetVolume(&store.Volume{
		ID:            volID,
		CloudVolumeID: "cloud-vol-1",
		InUse:         true,
		ReservationID: strPtr("res-4"),
	})

	r := &store.Reservation{
		ID:         "res-4",
		Status:     store.StatusActive,
		PodName:    "gpu-pod-4",
		ExpiryTime: &past,
		VolumeID:   &volID,
	}
	db.SetReservation(r)
	if _, err := cg.CreatePod(context.Background(), "gpu-devpods", podWithName("gpu-pod-4")); err != nil {
		t.Fatalf("seeding pod: %v", err)
	}

	e := testEngine(baseConfig(), db, cg, ca)
	require.NoError(t, e.expireOne(context.Background(), r, now))

	updated := db.Reservation("res-4")
	require.NotNil(t, updated)
	assert.Equal(t, store.StatusExpired, updated.Status)
	require.NotNil(t, updated.ReservationEnded)
	assert.Nil(t, updated.VolumeID, "volume binding must be cleared once the volume is unbound")

	vol := db.Volume(volID)
	require.NotNil(t, vol)
	assert.False(t, vol.InUse, "disk must be freed for reuse")
	assert.Equal(t, 1, vol.SnapshotCount, "disk must be snapshotted before being freed")
	assert.Equal(t, 0, vol.PendingSnapshotCount)

	_, err := cg.GetPod(context.Background(), "gpu-devpods", "gpu-pod-4")
	assert.Error(t, err, "pod must be deleted as part of expiry cleanup")
}

func TestExpireOneWithoutVolumeOnlyDeletesPod(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	db := NewFakeDataStore()
	cg := clustergw.NewFakeGateway()

	r := &store.Reservation{ID: "res-5", Status: store.StatusActive, PodName: "gpu-pod-5", ExpiryTime: &past}
	db.SetReservation(r)
	if _, err := cg.CreatePod(context.Background(), "gpu-devpods", podWithName("gpu-pod-5")); err != nil {
		t.Fatalf("seeding pod: %v", err)
	}

	e := testEngine(baseConfig(), db, cg, nil)
	require.NoError(t, e.expireOne(context.Background(), r, now))

	updated := db.Reservation("res-5")
	require.NotNil(t, updated)
	assert.Equal(t, store.StatusExpired, updated.Status)

	_, err := cg.GetPod(context.Background(), "gpu-devpods", "gpu-pod-5")
	assert.Error(t, err)
}

func TestExpireOneIsIdempotentOnAlreadyTerminalReservation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	ended := now.Add(-30 * time.Second)

	db := NewFakeDataStore()
	cg := clustergw.NewFakeGateway()

	r := &store.Reservation{
		ID:               "res-6",
		Status:           store.StatusExpired,
		PodName:          "gpu-pod-6",
		ExpiryTime:       &past,
		ReservationEnded: &ended,
	}
	db.SetReservation(r)

	e := testEngine(baseConfig(), db, cg, nil)
	require.NoError(t, e.expireOne(context.Background(), r, now))

	updated := db.Reservation("res-6")
	require.NotNil(t, updated)
	assert.Equal(t, ended, *updated.ReservationEnded, "re-running expiry on a terminal reservation must not touch ReservationEnded again")
}

func TestCheckOOMEscalatesToFailedWithinRateLimitWindow(t *testing.T) {
	// checkOOM compares event age against time.Now() directly (there is
	// no injected clock for OOM detection), so these timestamps must be
	// real wall-clock-relative rather than fixed dates.
	now := time.Now()

	db := NewFakeDataStore()
	cg := clustergw.NewFakeGateway()
	cfg := baseConfig()
	cfg.OOMRateLimitCount = 2
	cfg.OOMRateLimitWindow = 5 * time.Minute

	r := &store.Reservation{ID: "res-7", Status: store.StatusActive, PodName: "gpu-pod-7"}
	db.SetReservation(r)
	cg.SetPodEvents("gpu-devpods", "gpu-pod-7", []clustergw.PodEvent{
		{Reason: oomEventReason, LastTimestamp: now.Add(-3 * time.Minute), ContainerName: "main"},
		{Reason: oomEventReason, LastTimestamp: now.Add(-2 * time.Minute), ContainerName: "main"},
		{Reason: oomEventReason, LastTimestamp: now.Add(-1 * time.Minute), ContainerName: "main"},
	})

	e := testEngine(cfg, db, cg, nil)
	require.NoError(t, e.checkOOM(context.Background(), r))

	updated := db.Reservation("res-7")
	require.NotNil(t, updated)
	assert.Equal(t, store.StatusFailed, updated.Status, "exceeding the OOM ceiling within the window must fail the reservation")
	assert.Equal(t, 3, updated.OOM.Count)
}

func TestCheckOOMStaysActiveUnderRateLimit(t *testing.T) {
	now := time.Now()

	db := NewFakeDataStore()
	cg := clustergw.NewFakeGateway()
	cfg := baseConfig()
	cfg.OOMRateLimitCount = 5

	r := &store.Reservation{ID: "res-8", Status: store.StatusActive, PodName: "gpu-pod-8"}
	db.SetReservation(r)
	cg.SetPodEvents("gpu-devpods", "gpu-pod-8", []clustergw.PodEvent{
		{Reason: oomEventReason, LastTimestamp: now.Add(-1 * time.Minute), ContainerName: "main"},
	})

	e := testEngine(cfg, db, cg, nil)
	require.NoError(t, e.checkOOM(context.Background(), r))

	updated := db.Reservation("res-8")
	require.NotNil(t, updated)
	assert.Equal(t, store.StatusActive, updated.Status)
	assert.Equal(t, 1, updated.OOM.Count)
}

func strPtr(s string) *string { return &s }

func podWithName(name string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name}}
}
