package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"almans/internal/models"
	"almans/internal/util"

	"go.uber.org/zap"
)

var (
	// ErrSuperseded is returned by Refresh when a newer refresh has already
	// been applied, so this one's result was dropped.
	ErrSuperseded = errors.New("cart refresh superseded")

	// ErrCatalogUnavailable means products could not be fetched and nothing was cached
	ErrCatalogUnavailable = errors.New("product data unavailable")
)

// ProductSource fetches authoritative products. Missing or inactive ids are
// simply absent from the result.
type ProductSource interface {
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
}

// LiveLine is a cart line priced against the live catalog
type LiveLine struct {
	models.CartLine
	LivePrice           int64 `json:"live_price"`
	OriginalStoredPrice int64 `json:"original_stored_price"`
	PriceChanged        bool  `json:"price_changed"`
	ProductUnavailable  bool  `json:"product_unavailable"`
	InsufficientStock   bool  `json:"insufficient_stock"`
	LineTotal           int64 `json:"line_total"`
}

// LiveCart is the reconciled cart. Totals cover available lines only.
type LiveCart struct {
	Items            []LiveLine `json:"items"`
	LiveSubtotal     int64      `json:"live_subtotal"`
	LiveTotalItems   int        `json:"live_total_items"`
	HasPriceChanges  bool       `json:"has_price_changes"`
	UnavailableCount int        `json:"unavailable_count"`
	FromCache        bool       `json:"from_cache"`
}

// Quantities returns the quantities of available lines
func (lc LiveCart) Quantities() []int {
	out := make([]int, 0, len(lc.Items))
	for _, l := range lc.Items {
		if !l.ProductUnavailable {
			out = append(out, l.Quantity)
		}
	}
	return out
}

// PriceChanges lists the lines whose live price moved
func (lc LiveCart) PriceChanges() []models.PriceChangeData {
	var out []models.PriceChangeData
	for _, l := range lc.Items {
		if l.PriceChanged {
			out = append(out, models.PriceChangeData{
				ProductID:   l.ProductID,
				StoredPrice: l.OriginalStoredPrice,
				LivePrice:   l.LivePrice,
			})
		}
	}
	return out
}

// Reconcile prices lines against catalog. A line whose product is missing or
// inactive is kept with its stored price but left out of the totals; every
// other line is totalled at the live price.
func Reconcile(lines []models.CartLine, catalog []models.Product) LiveCart {
	byID := make(map[string]models.Product, len(catalog))
	for _, p := range catalog {
		if p.IsActive {
			byID[p.ID] = p
		}
	}

	lc := LiveCart{Items: make([]LiveLine, 0, len(lines))}
	for _, line := range lines {
		stored := line.StoredPrice()
		ll := LiveLine{CartLine: line, OriginalStoredPrice: stored}

		product, ok := byID[line.ProductID]
		if !ok {
			ll.ProductUnavailable = true
			ll.LivePrice = stored
			ll.LineTotal = stored * int64(line.Quantity)
			lc.UnavailableCount++
			lc.Items = append(lc.Items, ll)
			continue
		}

		ll.LivePrice = product.Price
		ll.PriceChanged = product.Price != stored
		ll.InsufficientStock = product.Stock < line.Quantity
		ll.LineTotal = product.Price * int64(line.Quantity)

		lc.LiveSubtotal += ll.LineTotal
		lc.LiveTotalItems += line.Quantity
		if ll.PriceChanged {
			lc.HasPriceChanges = true
		}
		lc.Items = append(lc.Items, ll)
	}

	return lc
}

// CartReconciler keeps a live view of the cart. Each Refresh takes a sequence
// number; a result is applied only if no later refresh has been applied first.
type CartReconciler struct {
	mu            sync.Mutex
	cart          *Cart
	source        ProductSource
	cache         *OfflineCache
	logger        *zap.Logger
	seq           uint64
	applied       uint64
	latest        *LiveCart
	notified      bool
	onPriceChange func(ctx context.Context, changes []models.PriceChangeData)
}

// NewCartReconciler creates a reconciler. cache may be nil, in which case a
// failed fetch is returned as an error.
func NewCartReconciler(cart *Cart, source ProductSource, cache *OfflineCache, logger *zap.Logger) *CartReconciler {
	return &CartReconciler{
		cart:   cart,
		source: source,
		cache:  cache,
		logger: logger,
	}
}

// OnPriceChange registers the callback fired the first time price drift is
// seen in a session
func (r *CartReconciler) OnPriceChange(fn func(ctx context.Context, changes []models.PriceChangeData)) {
	r.mu.Lock()
	r.onPriceChange = fn
	r.mu.Unlock()
}

// ResetSession re-arms the price change notification
func (r *CartReconciler) ResetSession() {
	r.mu.Lock()
	r.notified = false
	r.mu.Unlock()
}

// Latest returns the last applied reconciliation
func (r *CartReconciler) Latest() (LiveCart, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.latest == nil {
		return LiveCart{}, false
	}
	return *r.latest, true
}

// Refresh fetches live products for the cart and reconciles
func (r *CartReconciler) Refresh(ctx context.Context) (LiveCart, error) {
	ctx, span := util.StartSpan(ctx, "CartReconciler.Refresh")
	defer span.End()

	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	lines := r.cart.Lines()

	var (
		lc  LiveCart
		err error
	)
	if len(lines) == 0 {
		lc = Reconcile(nil, nil)
	} else {
		var catalog []models.Product
		var fromCache bool
		catalog, fromCache, err = r.fetch(ctx, productIDs(lines))
		if err != nil {
			return LiveCart{}, err
		}
		lc = Reconcile(lines, catalog)
		lc.FromCache = fromCache
	}

	r.mu.Lock()
	if seq < r.applied {
		r.mu.Unlock()
		r.logger.Debug("Dropping superseded cart refresh", zap.Uint64("seq", seq))
		return LiveCart{}, ErrSuperseded
	}
	r.applied = seq
	r.latest = &lc

	var notify func(context.Context, []models.PriceChangeData)
	if lc.HasPriceChanges && !r.notified {
		r.notified = true
		notify = r.onPriceChange
	}
	r.mu.Unlock()

	util.CartReconciliationsTotal.Inc()
	changes := lc.PriceChanges()
	util.CartPriceDriftTotal.Add(float64(len(changes)))
	util.CartUnavailableLinesTotal.Add(float64(lc.UnavailableCount))

	if notify != nil {
		r.logger.Info("Cart prices changed",
			zap.Int("lines", len(changes)),
			zap.Int64("live_subtotal", lc.LiveSubtotal))
		notify(ctx, changes)
	}

	return lc, nil
}

func (r *CartReconciler) fetch(ctx context.Context, ids []string) ([]models.Product, bool, error) {
	if r.cache == nil || r.cache.Online() {
		start := time.Now()
		products, err := r.source.GetProductsByIDs(ctx, ids)
		util.CatalogFetchLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			if r.cache != nil {
				r.remember(ctx, ids, products)
			}
			return products, false, nil
		}
		if r.cache == nil {
			return nil, false, fmt.Errorf("failed to fetch products: %w", err)
		}
		util.CacheFallbacksTotal.WithLabelValues("fetch_error").Inc()
		r.logger.Warn("Product fetch failed, pricing from cached products", zap.Error(err))
	} else {
		util.CacheFallbacksTotal.WithLabelValues("offline").Inc()
	}

	products, ok := r.recall(ctx, ids)
	if !ok {
		return nil, false, ErrCatalogUnavailable
	}
	return products, true, nil
}

// cachedProduct is the offline copy of one product. A nil Product records
// that the source stopped returning it.
type cachedProduct struct {
	Product *models.Product `json:"product"`
}

func productCacheKey(id string) string {
	return "product:" + id
}

// remember caches every requested id on its own entry, so any cart made of
// known products can be priced offline
func (r *CartReconciler) remember(ctx context.Context, ids []string, products []models.Product) {
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	for _, id := range ids {
		var entry cachedProduct
		if p, ok := byID[id]; ok {
			entry.Product = &p
		}
		if err := r.cache.Set(ctx, productCacheKey(id), entry, 0); err != nil {
			r.logger.Debug("Failed to cache product", zap.String("product_id", id), zap.Error(err))
		}
	}
}

// recall builds the catalog from cached entries. It fails if any id was
// never cached or has expired.
func (r *CartReconciler) recall(ctx context.Context, ids []string) ([]models.Product, bool) {
	products := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		var entry cachedProduct
		if !r.cache.Get(ctx, productCacheKey(id), &entry) {
			return nil, false
		}
		if entry.Product != nil {
			products = append(products, *entry.Product)
		}
	}
	return products, true
}

// RemoveUnavailableItems drops lines flagged unavailable by the last refresh
// from the cart and returns how many lines went.
func (r *CartReconciler) RemoveUnavailableItems(ctx context.Context) int {
	r.mu.Lock()
	if r.latest == nil || r.latest.UnavailableCount == 0 {
		r.mu.Unlock()
		return 0
	}
	var dead []string
	kept := LiveCart{FromCache: r.latest.FromCache}
	for _, l := range r.latest.Items {
		if l.ProductUnavailable {
			dead = append(dead, l.ProductID)
			continue
		}
		kept.Items = append(kept.Items, l)
		kept.LiveSubtotal += l.LineTotal
		kept.LiveTotalItems += l.Quantity
		kept.HasPriceChanges = kept.HasPriceChanges || l.PriceChanged
	}
	r.latest = &kept
	r.mu.Unlock()

	removed := r.cart.RemoveProducts(ctx, dead)
	r.logger.Info("Removed unavailable cart lines", zap.Int("lines", removed))
	return removed
}

func productIDs(lines []models.CartLine) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.ProductID]; ok {
			continue
		}
		seen[l.ProductID] = struct{}{}
		ids = append(ids, l.ProductID)
	}
	sort.Strings(ids)
	return ids
}
