package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"almans/internal/models"
	"almans/internal/util"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoOwner means neither a user nor a guest id is available
var ErrNoOwner = errors.New("no cart owner")

// SnapshotStore persists abandoned cart snapshots keyed by owner
type SnapshotStore interface {
	UpsertAbandonedCart(ctx context.Context, owner models.CartOwner, items []models.CartLineSnapshot, total int64) (string, error)
	MarkAbandonedCartRecovered(ctx context.Context, owner models.CartOwner) error
}

// OwnerSource resolves whose cart this is
type OwnerSource interface {
	Owner(ctx context.Context) models.CartOwner
}

// TrackerState is the abandoned cart tracker's phase
type TrackerState string

const (
	TrackerIdle   TrackerState = "idle"
	TrackerActive TrackerState = "active"
	TrackerSynced TrackerState = "synced"
)

// Sync triggers
const (
	TriggerInactivity = "inactivity"
	TriggerHidden     = "visibility_hidden"
	TriggerUnload     = "unload"
)

// TrackerConfig tunes the abandoned cart tracker
type TrackerConfig struct {
	IdleThreshold   time.Duration
	PollInterval    time.Duration
	TriggerThrottle time.Duration
	UnloadTimeout   time.Duration
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		IdleThreshold:   30 * time.Minute,
		PollInterval:    time.Minute,
		TriggerThrottle: 10 * time.Second,
		UnloadTimeout:   2 * time.Second,
	}
}

// SyncResult describes a snapshot written to the remote store
type SyncResult struct {
	SnapshotID string
	Owner      models.CartOwner
	ItemCount  int
	TotalValue int64
	Trigger    string
}

// AbandonedCartTracker watches cart activity and upserts a snapshot of the
// cart once it has sat untouched past the idle threshold, or immediately when
// the page is hidden or unloaded. Any cart change re-arms it.
type AbandonedCartTracker struct {
	mu           sync.Mutex
	syncMu       sync.Mutex // orders snapshot writes against recovery
	store        SnapshotStore
	owners       OwnerSource
	cfg          TrackerConfig
	logger       *zap.Logger
	now          Clock
	limiter      *rate.Limiter
	lines        []models.CartLine
	lastActivity time.Time
	state        TrackerState
	version      uint64
	onSynced     func(ctx context.Context, res SyncResult)
	onRecovered  func(ctx context.Context, owner models.CartOwner)
	pending      sync.WaitGroup
}

func NewAbandonedCartTracker(store SnapshotStore, owners OwnerSource, cfg TrackerConfig, logger *zap.Logger) *AbandonedCartTracker {
	limit := rate.Inf
	if cfg.TriggerThrottle > 0 {
		limit = rate.Every(cfg.TriggerThrottle)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.UnloadTimeout <= 0 {
		cfg.UnloadTimeout = 2 * time.Second
	}

	return &AbandonedCartTracker{
		store:   store,
		owners:  owners,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		limiter: rate.NewLimiter(limit, 1),
		state:   TrackerIdle,
	}
}

// OnSynced registers a callback fired after each successful snapshot upsert
func (t *AbandonedCartTracker) OnSynced(fn func(ctx context.Context, res SyncResult)) {
	t.mu.Lock()
	t.onSynced = fn
	t.mu.Unlock()
}

// OnRecovered registers a callback fired after a snapshot is marked recovered
func (t *AbandonedCartTracker) OnRecovered(fn func(ctx context.Context, owner models.CartOwner)) {
	t.mu.Lock()
	t.onRecovered = fn
	t.mu.Unlock()
}

// State returns the current phase
func (t *AbandonedCartTracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnCartChanged records a cart mutation. It has the signature of a Cart subscriber.
func (t *AbandonedCartTracker) OnCartChanged(lines []models.CartLine) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.version++
	t.lines = append(t.lines[:0:0], lines...)
	if len(lines) == 0 {
		t.state = TrackerIdle
		return
	}
	t.state = TrackerActive
	t.lastActivity = t.now()
}

// Check syncs the cart if it has been idle past the threshold and has not
// been synced since its last change. It reports whether a sync happened.
func (t *AbandonedCartTracker) Check(ctx context.Context) bool {
	t.mu.Lock()
	due := t.state == TrackerActive && t.now().Sub(t.lastActivity) >= t.cfg.IdleThreshold
	t.mu.Unlock()

	if !due {
		return false
	}
	return t.sync(ctx, TriggerInactivity)
}

// Start polls Check until ctx is cancelled
func (t *AbandonedCartTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.logger.Info("Abandoned cart tracker started",
		zap.Duration("idle_threshold", t.cfg.IdleThreshold),
		zap.Duration("poll_interval", t.cfg.PollInterval))

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Abandoned cart tracker stopped")
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}

// OnVisibilityHidden attempts an immediate sync without waiting for the idle
// threshold. Calls are throttled.
func (t *AbandonedCartTracker) OnVisibilityHidden(ctx context.Context) bool {
	if !t.triggerAllowed() {
		return false
	}
	return t.sync(ctx, TriggerHidden)
}

// OnBeforeUnload starts a best-effort sync in the background and returns at
// once. The sync gets its own short deadline since the caller is going away.
func (t *AbandonedCartTracker) OnBeforeUnload() {
	if !t.triggerAllowed() {
		return
	}

	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.UnloadTimeout)
		defer cancel()
		t.sync(ctx, TriggerUnload)
	}()
}

// Wait blocks until background unload syncs have finished
func (t *AbandonedCartTracker) Wait() {
	t.pending.Wait()
}

func (t *AbandonedCartTracker) triggerAllowed() bool {
	t.mu.Lock()
	active := t.state == TrackerActive
	t.mu.Unlock()

	if !active {
		return false
	}
	if !t.limiter.Allow() {
		util.AbandonedCartSyncsTotal.WithLabelValues("throttled", "skipped").Inc()
		return false
	}
	return true
}

// MarkCartRecovered flags the owner's open snapshot as recovered after a
// successful checkout and returns the tracker to idle.
func (t *AbandonedCartTracker) MarkCartRecovered(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "AbandonedCartTracker.MarkCartRecovered")
	defer span.End()

	owner := t.owners.Owner(ctx)
	if !owner.Valid() {
		return ErrNoOwner
	}

	// an upsert still in flight must land before the snapshot is closed
	t.syncMu.Lock()
	if err := t.store.MarkAbandonedCartRecovered(ctx, owner); err != nil {
		t.syncMu.Unlock()
		t.logger.Warn("Failed to mark cart recovered", zap.Stringer("owner", owner), zap.Error(err))
		return fmt.Errorf("failed to mark cart recovered: %w", err)
	}

	t.mu.Lock()
	t.version++
	t.lines = nil
	t.state = TrackerIdle
	cb := t.onRecovered
	t.mu.Unlock()
	t.syncMu.Unlock()

	util.CartsRecoveredTotal.Inc()
	t.logger.Info("Abandoned cart recovered", zap.Stringer("owner", owner))
	if cb != nil {
		cb(ctx, owner)
	}
	return nil
}

// sync upserts the current cart. Writes are serialized with recovery, and a
// sync only counts if the cart did not change while the write was in flight.
func (t *AbandonedCartTracker) sync(ctx context.Context, trigger string) bool {
	ctx, span := util.StartSpan(ctx, "AbandonedCartTracker.sync")
	defer span.End()

	t.syncMu.Lock()
	res, ok := t.upsert(ctx, trigger)
	t.syncMu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	cb := t.onSynced
	t.mu.Unlock()
	if cb != nil {
		cb(ctx, res)
	}
	return true
}

// upsert writes the snapshot. Callers hold syncMu.
func (t *AbandonedCartTracker) upsert(ctx context.Context, trigger string) (SyncResult, bool) {
	t.mu.Lock()
	if t.state != TrackerActive || len(t.lines) == 0 {
		t.mu.Unlock()
		return SyncResult{}, false
	}
	lines := append([]models.CartLine(nil), t.lines...)
	version := t.version
	t.mu.Unlock()

	owner := t.owners.Owner(ctx)
	if !owner.Valid() {
		t.logger.Debug("Skipping abandoned cart sync without an owner")
		return SyncResult{}, false
	}

	items, total := SnapshotLines(lines)
	id, err := t.store.UpsertAbandonedCart(ctx, owner, items, total)
	if err != nil {
		util.AbandonedCartSyncsTotal.WithLabelValues(trigger, "error").Inc()
		t.logger.Warn("Failed to sync abandoned cart",
			zap.String("trigger", trigger),
			zap.Stringer("owner", owner),
			zap.Error(err))
		return SyncResult{}, false
	}

	t.mu.Lock()
	current := version == t.version
	if current {
		t.state = TrackerSynced
	}
	t.mu.Unlock()

	if !current {
		// the next trigger writes the newer cart
		util.AbandonedCartSyncsTotal.WithLabelValues(trigger, "stale").Inc()
		t.logger.Debug("Cart changed during abandoned cart sync",
			zap.String("snapshot_id", id),
			zap.String("trigger", trigger))
		return SyncResult{}, false
	}

	util.AbandonedCartSyncsTotal.WithLabelValues(trigger, "ok").Inc()
	t.logger.Info("Abandoned cart synced",
		zap.String("snapshot_id", id),
		zap.String("trigger", trigger),
		zap.Int("items", len(items)),
		zap.Int64("total", total))

	return SyncResult{
		SnapshotID: id,
		Owner:      owner,
		ItemCount:  len(items),
		TotalValue: total,
		Trigger:    trigger,
	}, true
}

// SnapshotLines denormalizes cart lines for storage and totals them at their
// stored prices
func SnapshotLines(lines []models.CartLine) ([]models.CartLineSnapshot, int64) {
	items := make([]models.CartLineSnapshot, 0, len(lines))
	var total int64
	for _, l := range lines {
		snap := models.CartLineSnapshot{
			ProductID: l.ProductID,
			Name:      l.Product.Name,
			Size:      l.Size,
			Quantity:  l.Quantity,
			Price:     l.StoredPrice(),
		}
		if len(l.Product.Images) > 0 {
			snap.Image = l.Product.Images[0]
		}
		items = append(items, snap)
		total += snap.Price * int64(l.Quantity)
	}
	return items, total
}
