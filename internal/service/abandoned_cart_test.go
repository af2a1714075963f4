package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"almans/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(snaps SnapshotStore, owner models.CartOwner, throttle time.Duration) (*AbandonedCartTracker, *fakeClock) {
	cfg := DefaultTrackerConfig()
	cfg.TriggerThrottle = throttle
	clock := newFakeClock()
	tr := NewAbandonedCartTracker(snaps, staticOwner(owner), cfg, zap.NewNop())
	tr.now = clock.Now
	return tr, clock
}

func sampleLines() []models.CartLine {
	return []models.CartLine{
		line(product("p1", 500), "M", 2),
		line(product("p2", 300), "S", 1),
	}
}

func TestTracker_SyncsAfterIdleThreshold(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{}
	tr, clock := newTestTracker(snaps, models.CartOwner{UserID: "u1"}, 0)

	assert.Equal(t, TrackerIdle, tr.State())
	tr.OnCartChanged(sampleLines())
	assert.Equal(t, TrackerActive, tr.State())

	clock.Advance(29 * time.Minute)
	assert.False(t, tr.Check(ctx))

	clock.Advance(time.Minute)
	var synced SyncResult
	tr.OnSynced(func(_ context.Context, res SyncResult) { synced = res })
	assert.True(t, tr.Check(ctx))
	assert.Equal(t, TrackerSynced, tr.State())

	require.Len(t, snaps.upserts, 1)
	call := snaps.upserts[0]
	assert.Equal(t, models.CartOwner{UserID: "u1"}, call.owner)
	assert.Equal(t, int64(1300), call.total)
	require.Len(t, call.items, 2)
	assert.Equal(t, "Product p1", call.items[0].Name)
	assert.Equal(t, "https://img/p1", call.items[0].Image)

	assert.Equal(t, "snap-1", synced.SnapshotID)
	assert.Equal(t, TriggerInactivity, synced.Trigger)
	assert.Equal(t, 2, synced.ItemCount)

	// once per idle period
	clock.Advance(time.Hour)
	assert.False(t, tr.Check(ctx))
	assert.Equal(t, 1, snaps.upsertCount())
}

func TestTracker_MutationRearms(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{}
	tr, clock := newTestTracker(snaps, models.CartOwner{GuestID: "guest_1"}, 0)

	tr.OnCartChanged(sampleLines())
	clock.Advance(30 * time.Minute)
	require.True(t, tr.Check(ctx))

	tr.OnCartChanged(sampleLines()[:1])
	assert.Equal(t, TrackerActive, tr.State())
	assert.False(t, tr.Check(ctx), "activity timestamp was refreshed")

	clock.Advance(30 * time.Minute)
	assert.True(t, tr.Check(ctx))
	assert.Equal(t, 2, snaps.upsertCount())
	assert.Equal(t, int64(1000), snaps.upserts[1].total)
}

func TestTracker_EmptyCartGoesIdle(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{}
	tr, clock := newTestTracker(snaps, models.CartOwner{UserID: "u1"}, 0)

	tr.OnCartChanged(sampleLines())
	tr.OnCartChanged(nil)
	assert.Equal(t, TrackerIdle, tr.State())

	clock.Advance(time.Hour)
	assert.False(t, tr.Check(ctx))
	assert.False(t, tr.OnVisibilityHidden(ctx))
	assert.Zero(t, snaps.upsertCount())
}

func TestTracker_FailedSyncStaysActive(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{err: errBoom}
	tr, clock := newTestTracker(snaps, models.CartOwner{UserID: "u1"}, 0)

	tr.OnCartChanged(sampleLines())
	clock.Advance(time.Hour)
	assert.False(t, tr.Check(ctx))
	assert.Equal(t, TrackerActive, tr.State())

	snaps.err = nil
	assert.True(t, tr.Check(ctx))
}

func TestTracker_VisibilityHiddenSyncsImmediately(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{}
	tr, _ := newTestTracker(snaps, models.CartOwner{UserID: "u1"}, time.Hour)

	tr.OnCartChanged(sampleLines())
	assert.True(t, tr.OnVisibilityHidden(ctx))
	assert.Equal(t, TrackerSynced, tr.State())

	// throttled, and nothing new to sync anyway
	tr.OnCartChanged(sampleLines())
	assert.False(t, tr.OnVisibilityHidden(ctx))
	assert.Equal(t, 1, snaps.upsertCount())
}

func TestTracker_BeforeUnloadIsBackground(t *testing.T) {
	snaps := &fakeSnapshots{}
	tr, _ := newTestTracker(snaps, models.CartOwner{GuestID: "guest_1"}, 0)

	tr.OnBeforeUnload()
	tr.Wait()
	assert.Zero(t, snaps.upsertCount(), "idle tracker has nothing to send")

	tr.OnCartChanged(sampleLines())
	tr.OnBeforeUnload()
	tr.Wait()
	assert.Equal(t, 1, snaps.upsertCount())
	assert.Equal(t, TrackerSynced, tr.State())
}

func TestTracker_MarkCartRecovered(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{}
	tr, clock := newTestTracker(snaps, models.CartOwner{UserID: "u1"}, 0)

	var recovered models.CartOwner
	tr.OnRecovered(func(_ context.Context, owner models.CartOwner) { recovered = owner })

	tr.OnCartChanged(sampleLines())
	clock.Advance(time.Hour)
	require.True(t, tr.Check(ctx))

	require.NoError(t, tr.MarkCartRecovered(ctx))
	assert.Equal(t, TrackerIdle, tr.State())
	assert.Equal(t, []models.CartOwner{{UserID: "u1"}}, snaps.recovered)
	assert.Equal(t, "u1", recovered.UserID)

	assert.False(t, tr.Check(ctx))
}

func TestTracker_MarkCartRecoveredErrors(t *testing.T) {
	ctx := context.Background()

	tr, _ := newTestTracker(&fakeSnapshots{}, models.CartOwner{}, 0)
	assert.ErrorIs(t, tr.MarkCartRecovered(ctx), ErrNoOwner)

	tr, _ = newTestTracker(&fakeSnapshots{err: errBoom}, models.CartOwner{UserID: "u1"}, 0)
	tr.OnCartChanged(sampleLines())
	assert.ErrorIs(t, tr.MarkCartRecovered(ctx), errBoom)
	assert.Equal(t, TrackerActive, tr.State())
}

func TestTracker_RecoveryWaitsForInFlightSync(t *testing.T) {
	ctx := context.Background()
	snaps := newSnapshotTable()
	snaps.entered = make(chan struct{}, 1)
	snaps.hold = make(chan struct{})
	tr, _ := newTestTracker(snaps, models.CartOwner{UserID: "u1"}, 0)

	var synced atomic.Int32
	tr.OnSynced(func(context.Context, SyncResult) { synced.Add(1) })

	tr.OnCartChanged(sampleLines())
	tr.OnBeforeUnload()
	<-snaps.entered

	recovered := make(chan error, 1)
	go func() { recovered <- tr.MarkCartRecovered(ctx) }()

	assert.Never(t, func() bool { return len(recovered) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"recovery must wait for the snapshot write")

	close(snaps.hold)
	require.NoError(t, <-recovered)
	tr.Wait()

	open, closed := snaps.counts()
	assert.Zero(t, open, "a checked out cart keeps no open snapshot")
	assert.Equal(t, 1, closed)
	assert.Equal(t, TrackerIdle, tr.State())
	assert.Equal(t, int32(1), synced.Load())

	// nothing left to send after recovery
	tr.OnBeforeUnload()
	tr.Wait()
	open, _ = snaps.counts()
	assert.Zero(t, open)
}

func TestTracker_CartChangeDuringSyncIsNotReported(t *testing.T) {
	ctx := context.Background()
	snaps := newSnapshotTable()
	snaps.entered = make(chan struct{}, 1)
	snaps.hold = make(chan struct{})
	tr, _ := newTestTracker(snaps, models.CartOwner{GuestID: "guest_1"}, 0)

	var synced atomic.Int32
	tr.OnSynced(func(context.Context, SyncResult) { synced.Add(1) })

	tr.OnCartChanged(sampleLines())
	done := make(chan bool, 1)
	go func() { done <- tr.OnVisibilityHidden(ctx) }()
	<-snaps.entered

	tr.OnCartChanged(sampleLines()[:1])
	close(snaps.hold)

	assert.False(t, <-done)
	assert.Zero(t, synced.Load())
	assert.Equal(t, TrackerActive, tr.State(), "the newer cart still needs a sync")
}

func TestTracker_StartStopsWithContext(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.PollInterval = time.Millisecond
	cfg.IdleThreshold = 0
	snaps := &fakeSnapshots{}
	tr := NewAbandonedCartTracker(snaps, staticOwner{UserID: "u1"}, cfg, zap.NewNop())
	tr.OnCartChanged(sampleLines())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return snaps.upsertCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, TrackerSynced, tr.State())
}

func TestSnapshotLines(t *testing.T) {
	p := product("p1", 250)
	p.Images = nil
	items, total := SnapshotLines([]models.CartLine{line(p, "XL", 4)})

	require.Len(t, items, 1)
	assert.Equal(t, models.CartLineSnapshot{ProductID: "p1", Name: "Product p1", Size: "XL", Quantity: 4, Price: 250}, items[0])
	assert.Equal(t, int64(1000), total)
}
