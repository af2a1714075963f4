package service

import (
	"context"
	"sync"
	"testing"

	"almans/internal/kvstore"
	"almans/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func line(p models.Product, size string, qty int) models.CartLine {
	return models.CartLine{ProductID: p.ID, Size: size, Quantity: qty, Product: p}
}

func TestReconcile_LivePricesAndDrift(t *testing.T) {
	lines := []models.CartLine{
		line(product("p1", 500), "M", 2),
		line(product("p2", 300), "S", 1),
	}
	catalog := []models.Product{product("p1", 550), product("p2", 300)}

	lc := Reconcile(lines, catalog)
	require.Len(t, lc.Items, 2)

	assert.Equal(t, int64(550), lc.Items[0].LivePrice)
	assert.Equal(t, int64(500), lc.Items[0].OriginalStoredPrice)
	assert.True(t, lc.Items[0].PriceChanged)
	assert.Equal(t, int64(1100), lc.Items[0].LineTotal)
	assert.False(t, lc.Items[1].PriceChanged)

	assert.Equal(t, int64(1400), lc.LiveSubtotal)
	assert.Equal(t, 3, lc.LiveTotalItems)
	assert.True(t, lc.HasPriceChanges)
	assert.Equal(t, []models.PriceChangeData{{ProductID: "p1", StoredPrice: 500, LivePrice: 550}}, lc.PriceChanges())
}

func TestReconcile_UnavailableExcludedFromTotals(t *testing.T) {
	gone := product("gone", 900)
	inactive := product("off", 400)
	lines := []models.CartLine{
		line(product("p1", 500), "M", 2),
		line(gone, "M", 1),
		line(inactive, "L", 4),
	}
	inactive.IsActive = false
	catalog := []models.Product{product("p1", 500), inactive}

	lc := Reconcile(lines, catalog)
	require.Len(t, lc.Items, 3, "unavailable lines stay visible")

	assert.True(t, lc.Items[1].ProductUnavailable)
	assert.Equal(t, int64(900), lc.Items[1].LivePrice)
	assert.False(t, lc.Items[1].PriceChanged)
	assert.True(t, lc.Items[2].ProductUnavailable)

	assert.Equal(t, int64(1000), lc.LiveSubtotal)
	assert.Equal(t, 2, lc.LiveTotalItems)
	assert.Equal(t, 2, lc.UnavailableCount)
	assert.Equal(t, []int{2}, lc.Quantities())
}

func TestReconcile_InsufficientStockFlagged(t *testing.T) {
	p := product("p1", 500)
	live := p
	live.Stock = 1

	lc := Reconcile([]models.CartLine{line(p, "M", 3)}, []models.Product{live})
	assert.True(t, lc.Items[0].InsufficientStock)
	assert.Equal(t, int64(1500), lc.LiveSubtotal)
}

func TestReconcile_Idempotent(t *testing.T) {
	lines := []models.CartLine{line(product("p1", 500), "M", 2), line(product("p2", 300), "S", 1)}
	catalog := []models.Product{product("p1", 450), product("p2", 300)}

	first := Reconcile(lines, catalog)
	second := Reconcile(lines, catalog)
	assert.Equal(t, first, second)
}

func newTestReconciler(t *testing.T, src ProductSource, cache *OfflineCache) (*CartReconciler, *Cart) {
	t.Helper()
	cart := NewCart(context.Background(), kvstore.NewMemoryStore(), zap.NewNop())
	return NewCartReconciler(cart, src, cache, zap.NewNop()), cart
}

func TestCartReconciler_RefreshAndOneShotNotification(t *testing.T) {
	ctx := context.Background()
	src := &fakeProducts{products: map[string]models.Product{"p1": product("p1", 500)}}
	r, cart := newTestReconciler(t, src, nil)
	require.NoError(t, cart.Add(ctx, product("p1", 500), "M", 1))

	var notifications [][]models.PriceChangeData
	r.OnPriceChange(func(_ context.Context, changes []models.PriceChangeData) {
		notifications = append(notifications, changes)
	})

	lc, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, lc.HasPriceChanges)
	assert.Empty(t, notifications)

	src.set(product("p1", 600))
	for i := 0; i < 3; i++ {
		lc, err = r.Refresh(ctx)
		require.NoError(t, err)
		assert.True(t, lc.HasPriceChanges)
		assert.Equal(t, int64(600), lc.LiveSubtotal)
	}
	require.Len(t, notifications, 1)
	assert.Equal(t, int64(600), notifications[0][0].LivePrice)

	r.ResetSession()
	_, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, notifications, 2)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, lc, latest)
}

func TestCartReconciler_EmptyCart(t *testing.T) {
	src := &fakeProducts{products: map[string]models.Product{}}
	r, _ := newTestReconciler(t, src, nil)

	lc, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lc.Items)
	assert.Zero(t, src.calls)
}

func TestCartReconciler_FetchErrorWithoutCache(t *testing.T) {
	ctx := context.Background()
	src := &fakeProducts{products: map[string]models.Product{}, err: errBoom}
	r, cart := newTestReconciler(t, src, nil)
	require.NoError(t, cart.Add(ctx, product("p1", 500), "M", 1))

	_, err := r.Refresh(ctx)
	assert.ErrorIs(t, err, errBoom)
	_, ok := r.Latest()
	assert.False(t, ok)
}

func TestCartReconciler_FallsBackToCachedCatalog(t *testing.T) {
	ctx := context.Background()
	network := NewNetworkStatus(true)
	cache := NewOfflineCache(kvstore.NewMemoryStore(), network, 0, zap.NewNop())
	src := &fakeProducts{products: map[string]models.Product{"p1": product("p1", 700)}}
	r, cart := newTestReconciler(t, src, cache)
	require.NoError(t, cart.Add(ctx, product("p1", 500), "M", 2))

	lc, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, lc.FromCache)

	src.err = errBoom
	lc, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, lc.FromCache)
	assert.Equal(t, int64(1400), lc.LiveSubtotal)

	// a cart with other ids has no cached catalog
	require.NoError(t, cart.Add(ctx, product("p2", 100), "M", 1))
	network.Set(false)
	_, err = r.Refresh(ctx)
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
}

func TestCartReconciler_OfflineAfterRemovingLine(t *testing.T) {
	ctx := context.Background()
	network := NewNetworkStatus(true)
	cache := NewOfflineCache(kvstore.NewMemoryStore(), network, 0, zap.NewNop())
	src := &fakeProducts{products: map[string]models.Product{
		"p1": product("p1", 500),
		"p2": product("p2", 300),
		"p3": product("p3", 200),
	}}
	r, cart := newTestReconciler(t, src, cache)
	require.NoError(t, cart.Add(ctx, product("p1", 500), "M", 1))
	require.NoError(t, cart.Add(ctx, product("p2", 300), "M", 1))
	require.NoError(t, cart.Add(ctx, product("p3", 200), "M", 1))

	_, err := r.Refresh(ctx)
	require.NoError(t, err)

	network.Set(false)
	require.NoError(t, cart.Remove(ctx, "p2", "M"))

	lc, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, lc.FromCache)
	assert.Equal(t, int64(700), lc.LiveSubtotal)
	assert.Zero(t, lc.UnavailableCount)
	assert.Equal(t, 1, src.calls, "offline refresh does not reach the source")
}

func TestCartReconciler_CachedCatalogRemembersRemovedProducts(t *testing.T) {
	ctx := context.Background()
	network := NewNetworkStatus(true)
	cache := NewOfflineCache(kvstore.NewMemoryStore(), network, 0, zap.NewNop())
	src := &fakeProducts{products: map[string]models.Product{
		"p1": product("p1", 500),
		"p2": product("p2", 300),
	}}
	r, cart := newTestReconciler(t, src, cache)
	require.NoError(t, cart.Add(ctx, product("p1", 500), "M", 1))
	require.NoError(t, cart.Add(ctx, product("p2", 300), "M", 1))

	_, err := r.Refresh(ctx)
	require.NoError(t, err)

	src.remove("p2")
	lc, err := r.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, lc.UnavailableCount)

	network.Set(false)
	lc, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, lc.FromCache)
	assert.Equal(t, 1, lc.UnavailableCount, "the cache does not resurrect p2")
	assert.Equal(t, int64(500), lc.LiveSubtotal)
}

func TestCartReconciler_RemoveUnavailableItems(t *testing.T) {
	ctx := context.Background()
	src := &fakeProducts{products: map[string]models.Product{
		"p1": product("p1", 500),
		"p2": product("p2", 300),
	}}
	r, cart := newTestReconciler(t, src, nil)
	require.NoError(t, cart.Add(ctx, product("p1", 500), "M", 1))
	require.NoError(t, cart.Add(ctx, product("p2", 300), "S", 1))
	require.NoError(t, cart.Add(ctx, product("p2", 300), "L", 2))

	assert.Zero(t, r.RemoveUnavailableItems(ctx), "nothing reconciled yet")

	src.remove("p2")
	lc, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, lc.UnavailableCount)

	assert.Equal(t, 2, r.RemoveUnavailableItems(ctx))
	lines := cart.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "p1", lines[0].ProductID)

	latest, _ := r.Latest()
	assert.Len(t, latest.Items, 1)
	assert.Equal(t, int64(500), latest.LiveSubtotal)
}

// stepProducts releases each fetch only when told, so tests can control the
// order in which responses arrive.
type stepProducts struct {
	mu      sync.Mutex
	n       int
	entered chan int
	gates   []chan struct{}
	results [][]models.Product
}

func (s *stepProducts) GetProductsByIDs(context.Context, []string) ([]models.Product, error) {
	s.mu.Lock()
	i := s.n
	s.n++
	s.mu.Unlock()

	s.entered <- i
	<-s.gates[i]
	return s.results[i], nil
}

func TestCartReconciler_LateResponseIsSuperseded(t *testing.T) {
	ctx := context.Background()
	src := &stepProducts{
		entered: make(chan int, 2),
		gates:   []chan struct{}{make(chan struct{}), make(chan struct{})},
		results: [][]models.Product{
			{product("p1", 500)},
			{product("p1", 800)},
		},
	}
	r, cart := newTestReconciler(t, src, nil)
	require.NoError(t, cart.Add(ctx, product("p1", 500), "M", 1))

	type outcome struct {
		lc  LiveCart
		err error
	}
	older := make(chan outcome, 1)
	newer := make(chan outcome, 1)

	go func() {
		lc, err := r.Refresh(ctx)
		older <- outcome{lc, err}
	}()
	<-src.entered

	go func() {
		lc, err := r.Refresh(ctx)
		newer <- outcome{lc, err}
	}()
	<-src.entered

	close(src.gates[1])
	got := <-newer
	require.NoError(t, got.err)
	assert.Equal(t, int64(800), got.lc.LiveSubtotal)

	close(src.gates[0])
	stale := <-older
	assert.ErrorIs(t, stale.err, ErrSuperseded)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(800), latest.LiveSubtotal)
}
