package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"almans/internal/kvstore"
	"almans/internal/models"
	"almans/internal/policy"
	"almans/internal/service"
	"almans/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// catalog is an in-memory stand-in for the remote data service
type catalog struct {
	products map[string]models.Product
	coupons  map[string]models.Coupon
	accounts map[string]models.LoyaltyAccount
	pingErr  error
}

func (c *catalog) GetProductByID(_ context.Context, id string) (*models.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (c *catalog) GetProductsByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	var out []models.Product
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *catalog) GetActiveCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	cp, ok := c.coupons[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &cp, nil
}

func (c *catalog) GetLoyaltyAccount(_ context.Context, userID string) (*models.LoyaltyAccount, error) {
	a, ok := c.accounts[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (c *catalog) UpsertAbandonedCart(context.Context, models.CartOwner, []models.CartLineSnapshot, int64) (string, error) {
	return "snap-1", nil
}

func (c *catalog) MarkAbandonedCartRecovered(context.Context, models.CartOwner) error {
	return nil
}

func (c *catalog) Ping(context.Context) error {
	return c.pingErr
}

func setupRouter(t *testing.T) (*gin.Engine, *catalog) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	logger := zap.NewNop()
	minOrder := int64(500)
	maxUses := 100

	cat := &catalog{
		products: map[string]models.Product{
			"p1": {ID: "p1", Name: "Kurta", Price: 500, Stock: 50, IsActive: true},
		},
		coupons: map[string]models.Coupon{
			"SAVE10": {
				Code: "SAVE10", DiscountType: models.DiscountTypePercentage, DiscountValue: decimal.NewFromInt(10),
				MinOrderAmount: &minOrder, MaxUses: &maxUses, UsesCount: 99, IsActive: true,
			},
		},
		accounts: map[string]models.LoyaltyAccount{
			"u1": {UserID: "u1", Points: 1200, LifetimePoints: 2100, Tier: models.TierGold},
		},
	}

	local := kvstore.NewMemoryStore()
	session := service.NewSession()
	cart := service.NewCart(ctx, kvstore.WithNamespace(local, "cart"), logger)
	reconciler := service.NewCartReconciler(cart, cat, nil, logger)
	coupons := service.NewCouponValidator(cat, logger)
	owners := service.NewOwnerResolver(session, service.NewGuestIDs(local, logger))
	tracker := service.NewAbandonedCartTracker(cat, owners, service.DefaultTrackerConfig(), logger)
	cart.Subscribe(tracker.OnCartChanged)
	loyalty := policy.DefaultLoyaltyLedger()

	h := NewHandler(Deps{
		Cart:        cart,
		Reconciler:  reconciler,
		Coupons:     coupons,
		Checkout:    service.NewCheckout(cart, reconciler, coupons, policy.DefaultBulkDiscountPolicy(), loyalty, cat, session, tracker, logger),
		RateLimiter: service.NewRateLimiter(local, service.DefaultRateLimitPolicy(), logger),
		Tracker:     tracker,
		Session:     session,
		Loyalty:     loyalty,
		Accounts:    cat,
		Products:    cat,
		Ready:       cat,
	})

	router := gin.New()
	h.SetupRoutes(router)
	return router, cat
}

func do(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	router, cat := setupRouter(t)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/ready", nil).Code)

	cat.pingErr = assert.AnError
	assert.Equal(t, http.StatusServiceUnavailable, do(t, router, http.MethodGet, "/ready", nil).Code)
}

func TestCartAndQuote(t *testing.T) {
	router, cat := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": "p1", "size": "M", "quantity": 12})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": "missing", "size": "M", "quantity": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	cat.products["p1"] = models.Product{ID: "p1", Name: "Kurta", Price: 450, Stock: 50, IsActive: true}

	w = do(t, router, http.MethodPost, "/api/v1/cart/quote", gin.H{"coupon_code": "save10"})
	require.Equal(t, http.StatusOK, w.Code)

	var q service.Quote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.Equal(t, int64(5400), q.Cart.LiveSubtotal)
	assert.True(t, q.Cart.HasPriceChanges)
	assert.Equal(t, int64(270), q.BulkDiscount.DiscountAmount)
	assert.Equal(t, int64(540), q.CouponDiscount)
	assert.Equal(t, int64(4590), q.Total)

	w = do(t, router, http.MethodPost, "/api/v1/cart/quote", gin.H{"redeem_points": 100})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "guests cannot redeem")

	w = do(t, router, http.MethodDelete, "/api/v1/cart/items/p1?size=M", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, http.MethodDelete, "/api/v1/cart/items/p1?size=M", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefreshFlagsUnavailable(t *testing.T) {
	router, cat := setupRouter(t)
	require.Equal(t, http.StatusCreated,
		do(t, router, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": "p1", "size": "M", "quantity": 1}).Code)

	delete(cat.products, "p1")
	w := do(t, router, http.MethodPost, "/api/v1/cart/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var lc service.LiveCart
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lc))
	assert.Equal(t, 1, lc.UnavailableCount)
	assert.Zero(t, lc.LiveSubtotal)

	w = do(t, router, http.MethodDelete, "/api/v1/cart/unavailable", nil)
	assert.JSONEq(t, `{"removed":1}`, w.Body.String())
}

func TestApplyCoupon(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/coupons/apply", gin.H{"code": "SAVE10", "subtotal": 1000})
	require.Equal(t, http.StatusOK, w.Code)
	var res service.CouponResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(100), res.Discount)

	w = do(t, router, http.MethodPost, "/api/v1/coupons/apply", gin.H{"code": "SAVE10", "subtotal": 100})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, service.CouponBelowMinimum, res.Error)
}

func TestLoyaltyView(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(t, router, http.MethodGet, "/api/v1/loyalty/u1?subtotal=1000", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view policy.LoyaltyView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, int64(120), view.PointsValue)
	assert.Equal(t, 1200, view.MaxRedeemable)
	assert.Equal(t, models.TierGold, view.Tier.Name)

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/v1/loyalty/nobody", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/v1/loyalty/u1?subtotal=abc", nil).Code)
}

func TestLoginAttempts(t *testing.T) {
	router, _ := setupRouter(t)

	var status struct {
		Locked            bool  `json:"locked"`
		RemainingMs       int64 `json:"remaining_ms"`
		AttemptsRemaining int   `json:"attempts_remaining"`
	}
	for i := 0; i < 5; i++ {
		w := do(t, router, http.MethodPost, "/api/v1/auth/attempts", gin.H{"success": false})
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	}
	assert.True(t, status.Locked)
	assert.Greater(t, status.RemainingMs, int64(0))

	w := do(t, router, http.MethodPost, "/api/v1/auth/attempts", gin.H{"success": true})
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Locked)
	assert.Equal(t, 5, status.AttemptsRemaining)
}

func TestCheckoutComplete(t *testing.T) {
	router, _ := setupRouter(t)
	require.Equal(t, http.StatusNoContent,
		do(t, router, http.MethodPost, "/api/v1/session", gin.H{"user_id": "u1"}).Code)
	require.Equal(t, http.StatusCreated,
		do(t, router, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": "p1", "size": "M", "quantity": 1}).Code)

	w := do(t, router, http.MethodPost, "/api/v1/cart/visibility-hidden", nil)
	assert.JSONEq(t, `{"synced":true,"state":"synced"}`, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/checkout/complete", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/cart", nil)
	assert.JSONEq(t, `{"items":[],"total_items":0}`, w.Body.String())
}
