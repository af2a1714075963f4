package worker

import (
	"context"
	"errors"

	"almans/internal/broker"
	"almans/internal/models"
	"almans/internal/service"
	"almans/internal/util"

	"go.uber.org/zap"
)

// CatalogWorker follows the realtime product feed and re-prices the cart
// whenever a product in it changes or disappears
type CatalogWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	cart         *service.Cart
	reconciler   *service.CartReconciler
	logger       *zap.Logger
}

// NewCatalogWorker creates a new catalog worker
func NewCatalogWorker(
	consumer *broker.Consumer,
	cart *service.Cart,
	reconciler *service.CartReconciler,
) *CatalogWorker {
	w := &CatalogWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		cart:         cart,
		reconciler:   reconciler,
		logger:       util.Component("catalog-worker"),
	}

	w.eventHandler.OnProductUpdated(w.handleProductChange)
	w.eventHandler.OnProductDeleted(w.handleProductChange)
	return w
}

// Start starts the worker
func (w *CatalogWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting catalog worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CatalogWorker) Stop() error {
	w.logger.Info("Stopping catalog worker")
	return w.consumer.Close()
}

func (w *CatalogWorker) handleProductChange(ctx context.Context, event *models.ProductChangedEvent) error {
	if !w.cart.HasProduct(event.ProductID) {
		return nil
	}

	w.logger.Info("Product in cart changed, refreshing",
		zap.String("event", event.EventType),
		zap.String("product_id", event.ProductID))

	_, err := w.reconciler.Refresh(ctx)
	if errors.Is(err, service.ErrSuperseded) {
		return nil
	}
	return err
}

// AbandonedCartWorker runs the abandoned cart tracker's idle poll
type AbandonedCartWorker struct {
	tracker *service.AbandonedCartTracker
	logger  *zap.Logger
}

// NewAbandonedCartWorker creates a new abandoned cart worker
func NewAbandonedCartWorker(tracker *service.AbandonedCartTracker) *AbandonedCartWorker {
	return &AbandonedCartWorker{
		tracker: tracker,
		logger:  util.Component("abandoned-cart-worker"),
	}
}

// Start polls until ctx is cancelled
func (w *AbandonedCartWorker) Start(ctx context.Context) error {
	w.tracker.Start(ctx)
	return nil
}

// Stop waits for in-flight unload syncs
func (w *AbandonedCartWorker) Stop() error {
	w.logger.Info("Stopping abandoned cart worker")
	w.tracker.Wait()
	return nil
}
