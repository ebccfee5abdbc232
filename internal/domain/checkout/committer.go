// internal/domain/checkout/committer.go
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/domain/inventory"
	"github.com/your-org/cartsync/internal/domain/order"
	"github.com/your-org/cartsync/internal/pkg/metrics"
	"github.com/your-org/cartsync/internal/pkg/remote"
	"golang.org/x/sync/errgroup"
)

// Committer turns a cart snapshot into an order. Payment is authorized
// first and the order id is claimed before stock is decremented line by
// line. Lines that lose a stock race are reported instead of failing the
// order.
type Committer struct {
	payments    PaymentGateway
	stock       StockCommitter
	orders      OrderStore
	carts       CartStore
	stockGuard  *remote.Guard
	concurrency int
	metrics     *metrics.CartMetrics
	logger      logrus.FieldLogger
	now         func() time.Time
}

// CommitterOptions wires a Committer
type CommitterOptions struct {
	Payments    PaymentGateway
	Stock       StockCommitter
	Orders      OrderStore
	Carts       CartStore
	StockGuard  *remote.Guard
	Concurrency int
	Metrics     *metrics.CartMetrics
	Logger      logrus.FieldLogger
}

// NewCommitter creates a new checkout committer
func NewCommitter(opts CommitterOptions) *Committer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCartMetrics(prometheus.NewRegistry())
	}

	return &Committer{
		payments:    opts.Payments,
		stock:       opts.Stock,
		orders:      opts.Orders,
		carts:       opts.Carts,
		stockGuard:  opts.StockGuard,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		logger:      opts.Logger.WithField("component", "checkout_committer"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type lineOutcome struct {
	line   cart.CartLine
	reason order.FailureReason
	err    error
}

func (o lineOutcome) ok() bool {
	return o.err == nil
}

// Commit places the order for the cart snapshot in req
func (c *Committer) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if err := c.validate(ctx, req); err != nil {
		c.observe("rejected")
		return nil, err
	}

	log := c.logger.WithFields(logrus.Fields{
		"order_id": req.OrderID,
		"user_id":  req.UserID,
		"lines":    len(req.Cart.Lines),
	})

	authReq := req.Payment
	authReq.OrderID = req.OrderID
	authReq.UserID = req.UserID
	authReq.AmountCents = req.Cart.TotalCents()

	auth, err := c.payments.Authorize(ctx, authReq)
	if err != nil {
		log.WithError(err).Warn("Payment authorization failed")
		c.observe("payment_failed")
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	if auth.Reference == "" {
		log.Warn("Payment authorization has no reference")
		c.observe("payment_failed")
		return nil, fmt.Errorf("%w: authorization has no reference", ErrPaymentFailed)
	}

	o := c.newOrder(req, auth.Reference, auth.AmountCents)
	if err := c.orders.Claim(ctx, o); err != nil {
		switch {
		case errors.Is(err, order.ErrOrderExists):
			c.observe("rejected")
			return nil, ErrOrderAlreadyCommitted
		case errors.Is(err, order.ErrPaymentReused):
			log.WithField("payment_reference", auth.Reference).Warn("Payment already backs another order")
			c.observe("payment_failed")
			return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
		default:
			log.WithError(err).Error("Failed to claim order")
			c.observe("error")
			return nil, err
		}
	}

	if err := c.stockGuard.Do(ctx, "ping", c.stock.Ping); err != nil {
		log.WithError(err).Error("Inventory store unreachable after payment authorization")
		c.release(ctx, log, req.OrderID)
		c.observe("inventory_unavailable")
		return nil, fmt.Errorf("%w: %w", ErrInventoryUnavailable, err)
	}

	outcomes := make([]lineOutcome, len(req.Cart.Lines))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, line := range req.Cart.Lines {
		i, line := i, line
		g.Go(func() error {
			outcomes[i] = c.commitLine(ctx, req.OrderID, line)
			return nil
		})
	}
	_ = g.Wait()

	unavailable := 0
	for _, oc := range outcomes {
		if oc.reason == order.FailureUnavailable {
			unavailable++
		}
	}
	if unavailable == len(outcomes) {
		log.Error("Every stock decrement failed to reach the inventory store")
		c.release(ctx, log, req.OrderID)
		c.observe("inventory_unavailable")
		return nil, ErrInventoryUnavailable
	}

	c.fillOrder(o, outcomes)
	if err := c.orders.Complete(ctx, o); err != nil {
		log.WithError(err).Error("Failed to persist order after stock commit")
		c.restock(ctx, log, req.OrderID, outcomes)
		c.release(ctx, log, req.OrderID)
		c.observe("error")
		return nil, err
	}

	result := &CommitResult{Order: o, FailedLines: []FailedLine{}}
	for _, oc := range outcomes {
		if oc.ok() {
			continue
		}
		result.FailedLines = append(result.FailedLines, FailedLine{
			LineID:    oc.line.ID,
			ProductID: oc.line.ProductID,
			VariantID: oc.line.VariantID,
			Quantity:  oc.line.Quantity,
			Reason:    oc.reason,
		})
	}

	c.clearCommitted(ctx, log, req.UserID, outcomes)

	c.metrics.OrderLines.Observe(float64(len(o.Lines)))
	if result.Partial() {
		c.observe("partial")
	} else {
		c.observe("ok")
	}
	log.WithFields(logrus.Fields{
		"order_number": o.OrderNumber,
		"committed":    len(o.Lines),
		"failed":       len(result.FailedLines),
	}).Info("Order committed")

	return result, nil
}

func (c *Committer) validate(ctx context.Context, req CommitRequest) error {
	if req.OrderID == "" {
		return &cart.ValidationError{Field: "order_id", Message: "is required"}
	}
	if req.UserID == "" {
		return &cart.ValidationError{Field: "user_id", Message: "is required"}
	}
	if req.Cart == nil || len(req.Cart.Lines) == 0 {
		return ErrEmptyCart
	}
	if req.Cart.UserID != "" && req.Cart.UserID != req.UserID {
		return &cart.ValidationError{Field: "cart", Message: "belongs to another user"}
	}
	if req.Cart.Degraded || req.Cart.HasPending() {
		return ErrCartNotSynced
	}
	for _, line := range req.Cart.Lines {
		if line.Quantity <= 0 {
			return &cart.ValidationError{Field: "quantity", Message: "must be greater than 0"}
		}
	}

	_, err := c.orders.GetOrder(ctx, req.OrderID, req.UserID)
	switch {
	case err == nil:
		return ErrOrderAlreadyCommitted
	case errors.Is(err, order.ErrOrderNotFound):
		return nil
	default:
		return fmt.Errorf("failed to check for existing order: %w", err)
	}
}

// commitLine runs the conditional decrement for one line and classifies
// the failure, if any
func (c *Committer) commitLine(ctx context.Context, orderID string, line cart.CartLine) lineOutcome {
	err := c.stockGuard.Do(ctx, "decrement_stock", func(ctx context.Context) error {
		return c.stock.DecrementVariantStock(ctx, line.ProductID, line.VariantID, line.Quantity, orderID)
	})
	if err == nil {
		return lineOutcome{line: line}
	}

	reason := order.FailureError
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		reason = order.FailureStockRaceLost
		c.metrics.StockRacesLost.Inc()
	case errors.Is(err, inventory.ErrStockNotFound):
		reason = order.FailureUnknownVariant
	case remote.IsUnavailable(err):
		reason = order.FailureUnavailable
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"product_id": line.ProductID,
		"variant_id": line.VariantID,
		"quantity":   line.Quantity,
		"reason":     reason,
		"error":      err.Error(),
	}).Warn("Order line not committed")

	return lineOutcome{line: line, reason: reason, err: err}
}

// newOrder is the pending claim for req, before any stock moves
func (c *Committer) newOrder(req CommitRequest, reference string, authorized int64) *order.Order {
	o := &order.Order{
		ID:               req.OrderID,
		UserID:           req.UserID,
		Status:           order.OrderStatusPending,
		PaymentStatus:    order.PaymentStatusAuthorized,
		PaymentReference: reference,
		AuthorizedAmount: authorized,
		CreatedAt:        c.now(),
		Lines:            []order.OrderLine{},
	}
	o.OrderNumber = o.GenerateOrderNumber()
	return o
}

// fillOrder sets the final status, lines and total from the decrement
// outcomes
func (c *Committer) fillOrder(o *order.Order, outcomes []lineOutcome) {
	now := c.now()
	o.Status = order.OrderStatusConfirmed
	o.TotalAmount = 0

	for _, oc := range outcomes {
		if !oc.ok() {
			o.FailedLines = append(o.FailedLines, order.FailedLine{
				OrderID:   o.ID,
				ProductID: oc.line.ProductID,
				VariantID: oc.line.VariantID,
				Quantity:  oc.line.Quantity,
				Reason:    oc.reason,
				CreatedAt: now,
			})
			continue
		}

		total := oc.line.SubtotalCents()
		o.Lines = append(o.Lines, order.OrderLine{
			OrderID:        o.ID,
			ProductID:      oc.line.ProductID,
			VariantID:      oc.line.VariantID,
			Quantity:       oc.line.Quantity,
			UnitPriceCents: oc.line.UnitPriceCents,
			TotalCents:     total,
			CreatedAt:      now,
		})
		o.TotalAmount += total
	}

	if len(o.FailedLines) > 0 {
		o.Status = order.OrderStatusPartiallyFulfilled
	}
}

// restock gives back the units of committed lines when the order could not
// be stored
func (c *Committer) restock(ctx context.Context, log logrus.FieldLogger, orderID string, outcomes []lineOutcome) {
	ctx = context.WithoutCancel(ctx)
	for _, oc := range outcomes {
		if !oc.ok() {
			continue
		}
		err := c.stockGuard.Do(ctx, "release_stock", func(ctx context.Context) error {
			return c.stock.ReleaseVariantStock(ctx, oc.line.ProductID, oc.line.VariantID, oc.line.Quantity, orderID)
		})
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"product_id": oc.line.ProductID,
				"variant_id": oc.line.VariantID,
				"quantity":   oc.line.Quantity,
			}).Error("Failed to release stock of unstored order")
		}
	}
}

// release drops the pending claim so the order id and payment can be retried
func (c *Committer) release(ctx context.Context, log logrus.FieldLogger, orderID string) {
	if err := c.orders.Release(context.WithoutCancel(ctx), orderID); err != nil {
		log.WithError(err).Warn("Failed to release order claim")
	}
}

// clearCommitted drops committed lines from the cart. Failed lines stay so
// the user can resolve them. Errors here never undo the order.
func (c *Committer) clearCommitted(ctx context.Context, log logrus.FieldLogger, userID string, outcomes []lineOutcome) {
	failed := 0
	for _, oc := range outcomes {
		if !oc.ok() {
			failed++
		}
	}

	if failed == 0 {
		if _, err := c.carts.ClearCart(ctx, userID); err != nil {
			log.WithError(err).Warn("Failed to clear cart after checkout")
		}
		return
	}

	for _, oc := range outcomes {
		if !oc.ok() {
			continue
		}
		if _, err := c.carts.RemoveLine(ctx, userID, oc.line.ID); err != nil && !errors.Is(err, cart.ErrLineNotFound) {
			log.WithError(err).WithField("line_id", oc.line.ID).Warn("Failed to remove committed cart line")
		}
	}
}

func (c *Committer) observe(outcome string) {
	c.metrics.CheckoutCommits.WithLabelValues(outcome).Inc()
}
