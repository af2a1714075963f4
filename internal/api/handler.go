package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"almans/internal/models"
	"almans/internal/policy"
	"almans/internal/service"
	"almans/internal/store"
	"almans/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ProductLookup finds a single product for add-to-cart
type ProductLookup interface {
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
}

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the handler exposes
type Deps struct {
	Cart        *service.Cart
	Reconciler  *service.CartReconciler
	Coupons     *service.CouponValidator
	Checkout    *service.Checkout
	RateLimiter *service.RateLimiter
	Tracker     *service.AbandonedCartTracker
	Session     *service.Session
	Loyalty     *policy.LoyaltyLedger
	Accounts    service.LoyaltySource
	Products    ProductLookup
	Ready       Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:   deps,
		logger: util.Component("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/cart", h.getCart)
		v1.DELETE("/cart", h.clearCart)
		v1.POST("/cart/items", h.addItem)
		v1.PUT("/cart/items", h.updateItem)
		v1.DELETE("/cart/items/:product_id", h.removeItem)
		v1.POST("/cart/refresh", h.refreshCart)
		v1.DELETE("/cart/unavailable", h.removeUnavailable)
		v1.POST("/cart/quote", h.quote)
		v1.POST("/cart/visibility-hidden", h.visibilityHidden)
		v1.POST("/cart/unload", h.unload)
		v1.POST("/checkout/complete", h.completeCheckout)

		v1.POST("/coupons/apply", h.applyCoupon)
		v1.DELETE("/coupons", h.removeCoupon)

		v1.GET("/loyalty/:user_id", h.getLoyalty)

		v1.POST("/session", h.signIn)
		v1.DELETE("/session", h.signOut)
		v1.POST("/auth/attempts", h.recordLoginAttempt)
		v1.GET("/auth/lockout", h.lockoutStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only while the remote data service answers
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unavailable",
				"details": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getCart(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"items":       h.deps.Cart.Lines(),
		"total_items": h.deps.Cart.TotalItems(),
	})
}

func (h *Handler) clearCart(c *gin.Context) {
	h.deps.Cart.Clear(c.Request.Context())
	c.Status(http.StatusNoContent)
}

type cartItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) addItem(c *gin.Context) {
	var req cartItemRequest
	if !bindJSON(c, &req) {
		return
	}

	product, err := h.deps.Products.GetProductByID(c.Request.Context(), req.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}
	if err != nil {
		h.logger.Warn("Product lookup failed", zap.String("product_id", req.ProductID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Product data unavailable",
			"details": err.Error(),
		})
		return
	}

	if err := h.deps.Cart.Add(c.Request.Context(), *product, req.Size, req.Quantity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"items": h.deps.Cart.Lines()})
}

func (h *Handler) updateItem(c *gin.Context) {
	var req cartItemRequest
	if !bindJSON(c, &req) {
		return
	}

	err := h.deps.Cart.UpdateQuantity(c.Request.Context(), req.ProductID, req.Size, req.Quantity)
	if errors.Is(err, service.ErrLineNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cart line not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": h.deps.Cart.Lines()})
}

func (h *Handler) removeItem(c *gin.Context) {
	err := h.deps.Cart.Remove(c.Request.Context(), c.Param("product_id"), c.Query("size"))
	if errors.Is(err, service.ErrLineNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cart line not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) refreshCart(c *gin.Context) {
	lc, err := h.deps.Reconciler.Refresh(c.Request.Context())
	if errors.Is(err, service.ErrSuperseded) {
		lc, _ = h.deps.Reconciler.Latest()
	} else if err != nil {
		h.catalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, lc)
}

func (h *Handler) removeUnavailable(c *gin.Context) {
	removed := h.deps.Reconciler.RemoveUnavailableItems(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) quote(c *gin.Context) {
	var req service.QuoteRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	q, err := h.deps.Checkout.Quote(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, q)
	case errors.Is(err, service.ErrNoLoyaltyAccount),
		errors.Is(err, policy.ErrRedemptionStep),
		errors.Is(err, policy.ErrRedemptionNegative),
		errors.Is(err, policy.ErrRedemptionTooLarge):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.catalogError(c, err)
	}
}

func (h *Handler) visibilityHidden(c *gin.Context) {
	synced := h.deps.Tracker.OnVisibilityHidden(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"synced": synced,
		"state":  h.deps.Tracker.State(),
	})
}

func (h *Handler) unload(c *gin.Context) {
	h.deps.Tracker.OnBeforeUnload()
	c.Status(http.StatusAccepted)
}

func (h *Handler) completeCheckout(c *gin.Context) {
	if err := h.deps.Checkout.Complete(c.Request.Context()); err != nil {
		// the cart is already reset, only the remote snapshot update failed
		c.JSON(http.StatusAccepted, gin.H{
			"status":  "completed",
			"warning": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

type applyCouponRequest struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
}

func (h *Handler) applyCoupon(c *gin.Context) {
	var req applyCouponRequest
	if !bindJSON(c, &req) {
		return
	}

	res := h.deps.Coupons.ApplyCoupon(c.Request.Context(), req.Code, req.Subtotal)
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) removeCoupon(c *gin.Context) {
	h.deps.Coupons.RemoveCoupon()
	c.Status(http.StatusNoContent)
}

func (h *Handler) getLoyalty(c *gin.Context) {
	var subtotal int64
	if raw := c.Query("subtotal"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subtotal"})
			return
		}
		subtotal = v
	}

	account, err := h.deps.Accounts.GetLoyaltyAccount(c.Request.Context(), c.Param("user_id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Loyalty account not found"})
		return
	}
	if err != nil {
		h.logger.Warn("Loyalty lookup failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Loyalty data unavailable"})
		return
	}

	c.JSON(http.StatusOK, h.deps.Loyalty.View(*account, subtotal))
}

type signInRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Email  string `json:"email"`
}

func (h *Handler) signIn(c *gin.Context) {
	var req signInRequest
	if !bindJSON(c, &req) {
		return
	}
	h.deps.Session.SignIn(req.UserID, req.Email)
	c.Status(http.StatusNoContent)
}

func (h *Handler) signOut(c *gin.Context) {
	h.deps.Session.SignOut()
	c.Status(http.StatusNoContent)
}

type loginAttemptRequest struct {
	Success bool `json:"success"`
}

func (h *Handler) recordLoginAttempt(c *gin.Context) {
	var req loginAttemptRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	if req.Success {
		h.deps.RateLimiter.RecordSuccessfulLogin(ctx)
	} else {
		h.deps.RateLimiter.RecordFailedAttempt(ctx)
	}
	h.lockoutStatus(c)
}

func (h *Handler) lockoutStatus(c *gin.Context) {
	ctx := c.Request.Context()
	rl := h.deps.RateLimiter
	c.JSON(http.StatusOK, gin.H{
		"locked":             rl.IsLocked(ctx),
		"remaining_ms":       rl.RemainingLockoutMs(ctx),
		"attempts_remaining": rl.AttemptsRemaining(ctx),
	})
}

func (h *Handler) catalogError(c *gin.Context, err error) {
	h.logger.Warn("Cart pricing failed", zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "Product data unavailable",
		"details": err.Error(),
	})
}

func bindJSON(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
