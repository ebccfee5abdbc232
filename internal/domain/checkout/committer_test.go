package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/domain/inventory"
	"github.com/your-org/cartsync/internal/domain/order"
	"github.com/your-org/cartsync/internal/domain/payment"
	"github.com/your-org/cartsync/internal/pkg/logger"
	"github.com/your-org/cartsync/internal/pkg/metrics"
	"github.com/your-org/cartsync/internal/pkg/remote"
	"github.com/your-org/cartsync/internal/testutil"
)

const (
	almonds  uint = 1
	dates    uint = 2
	grams250 uint = 250
	grams500 uint = 500
)

var errConnRefused = fmt.Errorf("dial tcp 10.0.0.7:5432: %w", syscall.ECONNREFUSED)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Authorize(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error) {
	args := m.Called(ctx, req)
	switch auth := args.Get(0).(type) {
	case *payment.Authorization:
		return auth, args.Error(1)
	case func(payment.AuthorizationRequest) *payment.Authorization:
		return auth(req), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockCarts struct {
	mock.Mock
}

func (m *mockCarts) ClearCart(ctx context.Context, userID string) (*cart.MutationResult, error) {
	args := m.Called(ctx, userID)
	return &cart.MutationResult{}, args.Error(0)
}

func (m *mockCarts) RemoveLine(ctx context.Context, userID, lineID string) (*cart.MutationResult, error) {
	args := m.Called(ctx, userID, lineID)
	return &cart.MutationResult{}, args.Error(0)
}

// flakyStock fails decrements for the listed variants, or everything
// (including Ping) while down is set
type flakyStock struct {
	*inventory.Service
	mu       sync.Mutex
	down     bool
	downKeys map[uint]bool
}

func (f *flakyStock) DecrementVariantStock(ctx context.Context, productID, variantID uint, quantity int, reference string) error {
	f.mu.Lock()
	fail := f.down || f.downKeys[variantID]
	f.mu.Unlock()
	if fail {
		return errConnRefused
	}
	return f.Service.DecrementVariantStock(ctx, productID, variantID, quantity, reference)
}

func (f *flakyStock) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errConnRefused
	}
	return f.Service.Ping(ctx)
}

type fixture struct {
	committer *Committer
	gateway   *mockGateway
	carts     *mockCarts
	stock     *flakyStock
	inventory *inventory.Service
	orders    *order.Service
	metrics   *metrics.CartMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t,
		&inventory.VariantStock{}, &inventory.StockMovement{},
		&order.Order{}, &order.OrderLine{}, &order.FailedLine{},
	)
	inv := inventory.NewService(db)

	f := &fixture{
		gateway:   &mockGateway{},
		carts:     &mockCarts{},
		stock:     &flakyStock{Service: inv, downKeys: map[uint]bool{}},
		inventory: inv,
		orders:    order.NewService(db),
		metrics:   metrics.NewCartMetrics(prometheus.NewRegistry()),
	}
	f.committer = NewCommitter(f.options())
	return f
}

func (f *fixture) options() CommitterOptions {
	return CommitterOptions{
		Payments: f.gateway,
		Stock:    f.stock,
		Orders:   f.orders,
		Carts:    f.carts,
		StockGuard: remote.NewGuard(remote.GuardOptions{
			Name:     "inventory",
			Timeout:  2 * time.Second,
			Failures: 1000,
			Cooldown: time.Millisecond,
			Logger:   logger.Discard(),
		}),
		Concurrency: 4,
		Metrics:     f.metrics,
		Logger:      logger.Discard(),
	}
}

// brokenOrders claims and releases normally but cannot store the lines
type brokenOrders struct {
	*order.Service
}

func (brokenOrders) Complete(ctx context.Context, o *order.Order) error {
	return errors.New("disk full")
}

// priceOf is the catalog price used by the fixtures
func priceOf(productID uint) int64 {
	if productID == dates {
		return 1200
	}
	return 1000
}

func (f *fixture) setStock(t *testing.T, productID, variantID uint, qty int) {
	t.Helper()
	_, err := f.inventory.SetStock(context.Background(), productID, variantID, fmt.Sprintf("SKU-%d-%d", productID, variantID), priceOf(productID), qty)
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, productID, variantID uint) int {
	t.Helper()
	stock, err := f.inventory.GetVariantStock(context.Background(), productID, variantID)
	require.NoError(t, err)
	return stock.AvailableQuantity
}

// authorizeAll authorizes every request with one payment per order id
func (f *fixture) authorizeAll() {
	f.gateway.On("Authorize", mock.Anything, mock.Anything).Return(authorizeOrder, nil)
}

func authorizeOrder(req payment.AuthorizationRequest) *payment.Authorization {
	return &payment.Authorization{Reference: "pay_" + req.OrderID, AmountCents: req.AmountCents, Status: "authorized"}
}

func line(id string, productID, variantID uint, qty int, price int64) cart.CartLine {
	return cart.CartLine{
		ID:             id,
		UserID:         "user-1",
		ProductID:      productID,
		VariantID:      variantID,
		Quantity:       qty,
		UnitPriceCents: price,
		SyncState:      cart.SyncActive,
	}
}

func request(orderID string, lines ...cart.CartLine) CommitRequest {
	return CommitRequest{
		OrderID: orderID,
		UserID:  "user-1",
		Cart:    &cart.Cart{UserID: "user-1", Lines: lines},
		Payment: payment.AuthorizationRequest{
			ProviderOrderID:   "order_abc",
			ProviderPaymentID: "pay_1",
			Signature:         "sig",
		},
	}
}

func TestCommit_AllLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 5)
	f.setStock(t, dates, grams500, 2)
	f.gateway.On("Authorize", mock.Anything, mock.MatchedBy(func(req payment.AuthorizationRequest) bool {
		return req.AmountCents == 3200 && req.OrderID == "ord-1" && req.ProviderPaymentID == "pay_1"
	})).Return(&payment.Authorization{Reference: "pay_1", AmountCents: 3200, Status: "authorized"}, nil)
	f.carts.On("ClearCart", mock.Anything, "user-1").Return(nil)

	result, err := f.committer.Commit(ctx, request("ord-1",
		line("l1", almonds, grams250, 2, 1000),
		line("l2", dates, grams500, 1, 1200),
	))
	require.NoError(t, err)

	assert.False(t, result.Partial())
	assert.Equal(t, order.OrderStatusConfirmed, result.Order.Status)
	assert.Equal(t, int64(3200), result.Order.TotalAmount)
	assert.Equal(t, "pay_1", result.Order.PaymentReference)
	assert.Len(t, result.Order.Lines, 2)
	assert.Equal(t, 3, f.available(t, almonds, grams250))
	assert.Equal(t, 1, f.available(t, dates, grams500))

	stored, err := f.orders.GetOrder(ctx, "ord-1", "user-1")
	require.NoError(t, err)
	assert.Len(t, stored.Lines, 2)

	f.gateway.AssertExpectations(t)
	f.carts.AssertExpectations(t)
	f.carts.AssertNotCalled(t, "RemoveLine", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CheckoutCommits.WithLabelValues("ok")))
}

func TestCommit_PartialFailureKeepsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 5)
	// the cart saw stock for dates, but another checkout took the last unit
	f.setStock(t, dates, grams500, 0)
	f.authorizeAll()
	f.carts.On("RemoveLine", mock.Anything, "user-1", "l1").Return(nil)

	result, err := f.committer.Commit(ctx, request("ord-2",
		line("l1", almonds, grams250, 2, 1000),
		line("l2", dates, grams500, 1, 1200),
	))
	require.NoError(t, err)

	assert.True(t, result.Partial())
	assert.Equal(t, order.OrderStatusPartiallyFulfilled, result.Order.Status)
	require.Len(t, result.Order.Lines, 1)
	assert.Equal(t, almonds, result.Order.Lines[0].ProductID)
	assert.Equal(t, int64(2000), result.Order.TotalAmount)

	require.Len(t, result.FailedLines, 1)
	assert.Equal(t, "l2", result.FailedLines[0].LineID)
	assert.Equal(t, order.FailureStockRaceLost, result.FailedLines[0].Reason)

	assert.Equal(t, 3, f.available(t, almonds, grams250))
	assert.Equal(t, 0, f.available(t, dates, grams500))

	stored, err := f.orders.GetOrder(ctx, "ord-2", "user-1")
	require.NoError(t, err)
	require.Len(t, stored.FailedLines, 1)
	assert.Equal(t, order.FailureStockRaceLost, stored.FailedLines[0].Reason)

	f.carts.AssertExpectations(t)
	f.carts.AssertNotCalled(t, "ClearCart", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.StockRacesLost))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CheckoutCommits.WithLabelValues("partial")))
}

func TestCommit_ConcurrentCheckoutsForLastUnit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 1)
	f.authorizeAll()
	f.carts.On("ClearCart", mock.Anything, mock.Anything).Return(nil)

	const buyers = 5
	results := make([]*CommitResult, buyers)
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			req := request(fmt.Sprintf("ord-race-%d", i), line(fmt.Sprintf("l-%d", i), almonds, grams250, 1, 1000))
			req.UserID = fmt.Sprintf("buyer-%d", i)
			req.Cart.UserID = req.UserID
			results[i], errs[i] = f.committer.Commit(ctx, req)
		}()
	}
	wg.Wait()

	won, lost := 0, 0
	for i := 0; i < buyers; i++ {
		require.NoError(t, errs[i], "a lost race never fails the commit")
		if result := results[i]; result.Partial() {
			lost++
			assert.Equal(t, order.FailureStockRaceLost, result.FailedLines[0].Reason)
			assert.Empty(t, result.Order.Lines)
		} else {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, buyers-1, lost)
	assert.Equal(t, 0, f.available(t, almonds, grams250))
}

func TestCommit_PaymentFailureTouchesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 5)
	f.gateway.On("Authorize", mock.Anything, mock.Anything).Return(nil, payment.ErrNotAuthorized)

	_, err := f.committer.Commit(ctx, request("ord-3", line("l1", almonds, grams250, 2, 1000)))
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.ErrorIs(t, err, payment.ErrNotAuthorized)

	assert.Equal(t, 5, f.available(t, almonds, grams250))
	_, err = f.orders.GetOrder(ctx, "ord-3", "user-1")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
	f.carts.AssertNotCalled(t, "ClearCart", mock.Anything, mock.Anything)
}

func TestCommit_InventoryUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("ping fails", func(t *testing.T) {
		f := newFixture(t)
		f.setStock(t, almonds, grams250, 5)
		f.authorizeAll()
		f.stock.down = true

		_, err := f.committer.Commit(ctx, request("ord-4", line("l1", almonds, grams250, 2, 1000)))
		assert.ErrorIs(t, err, ErrInventoryUnavailable)

		_, err = f.orders.GetOrder(ctx, "ord-4", "user-1")
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})

	t.Run("every decrement fails", func(t *testing.T) {
		f := newFixture(t)
		f.setStock(t, almonds, grams250, 5)
		f.setStock(t, dates, grams500, 5)
		f.authorizeAll()
		f.stock.downKeys[grams250] = true
		f.stock.downKeys[grams500] = true

		_, err := f.committer.Commit(ctx, request("ord-5",
			line("l1", almonds, grams250, 2, 1000),
			line("l2", dates, grams500, 1, 1200),
		))
		assert.ErrorIs(t, err, ErrInventoryUnavailable)

		_, err = f.orders.GetOrder(ctx, "ord-5", "user-1")
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})

	t.Run("some decrements fail", func(t *testing.T) {
		f := newFixture(t)
		f.setStock(t, almonds, grams250, 5)
		f.setStock(t, dates, grams500, 5)
		f.authorizeAll()
		f.carts.On("RemoveLine", mock.Anything, "user-1", "l2").Return(nil)
		f.stock.downKeys[grams250] = true

		result, err := f.committer.Commit(ctx, request("ord-6",
			line("l1", almonds, grams250, 2, 1000),
			line("l2", dates, grams500, 1, 1200),
		))
		require.NoError(t, err)
		require.Len(t, result.FailedLines, 1)
		assert.Equal(t, order.FailureUnavailable, result.FailedLines[0].Reason)
		assert.Equal(t, 4, f.available(t, dates, grams500))
	})
}

func TestCommit_UnknownVariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 5)
	f.authorizeAll()
	f.carts.On("RemoveLine", mock.Anything, "user-1", "l1").Return(nil)

	result, err := f.committer.Commit(ctx, request("ord-7",
		line("l1", almonds, grams250, 1, 1000),
		line("l2", dates, grams500, 1, 1200),
	))
	require.NoError(t, err)
	require.Len(t, result.FailedLines, 1)
	assert.Equal(t, order.FailureUnknownVariant, result.FailedLines[0].Reason)
}

func TestCommit_Rejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 5)

	_, err := f.committer.Commit(ctx, request("ord-8"))
	assert.ErrorIs(t, err, ErrEmptyCart)

	degraded := request("ord-8", line("l1", almonds, grams250, 1, 1000))
	degraded.Cart.Degraded = true
	_, err = f.committer.Commit(ctx, degraded)
	assert.ErrorIs(t, err, ErrCartNotSynced)

	pending := request("ord-8", line("l1", almonds, grams250, 1, 1000))
	pending.Cart.Lines[0].SyncState = cart.SyncPending
	_, err = f.committer.Commit(ctx, pending)
	assert.ErrorIs(t, err, ErrCartNotSynced)

	_, err = f.committer.Commit(ctx, request("", line("l1", almonds, grams250, 1, 1000)))
	assert.True(t, cart.IsValidationError(err))

	foreign := request("ord-8", line("l1", almonds, grams250, 1, 1000))
	foreign.Cart.UserID = "user-2"
	_, err = f.committer.Commit(ctx, foreign)
	assert.True(t, cart.IsValidationError(err))

	f.gateway.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)
	assert.Equal(t, 5, f.available(t, almonds, grams250))
}

func TestCommit_SameOrderTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 5)
	f.authorizeAll()
	f.carts.On("ClearCart", mock.Anything, "user-1").Return(errors.New("redis down"))

	req := request("ord-9", line("l1", almonds, grams250, 2, 1000))
	_, err := f.committer.Commit(ctx, req)
	require.NoError(t, err, "cart cleanup failures are logged only")

	_, err = f.committer.Commit(ctx, req)
	assert.ErrorIs(t, err, ErrOrderAlreadyCommitted)
	assert.Equal(t, 3, f.available(t, almonds, grams250))
	f.gateway.AssertNumberOfCalls(t, "Authorize", 1)
}

func TestCommit_SameOrderConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 10)
	f.carts.On("ClearCart", mock.Anything, "user-1").Return(nil)

	// both commits pass the existing-order check before either authorizes
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.gateway.On("Authorize", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			barrier.Done()
			barrier.Wait()
		}).
		Return(authorizeOrder, nil)

	results := make([]*CommitResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.committer.Commit(ctx, request("order-dup", line(fmt.Sprintf("l-%d", i), almonds, grams250, 2, 1000)))
		}()
	}
	wg.Wait()

	committed := 0
	for i := range results {
		if errs[i] == nil {
			committed++
			assert.Len(t, results[i].Order.Lines, 1)
			continue
		}
		assert.ErrorIs(t, errs[i], ErrOrderAlreadyCommitted)
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 8, f.available(t, almonds, grams250))
	f.gateway.AssertNumberOfCalls(t, "Authorize", 2)

	stored, err := f.orders.GetOrder(ctx, "order-dup", "user-1")
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, 2, stored.Lines[0].Quantity)
}

func TestCommit_PaymentReusedForAnotherOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 10)
	f.gateway.On("Authorize", mock.Anything, mock.Anything).
		Return(&payment.Authorization{Reference: "pay_same", AmountCents: 2000, Status: "authorized"}, nil)
	f.carts.On("ClearCart", mock.Anything, "user-1").Return(nil)

	_, err := f.committer.Commit(ctx, request("ord-a", line("l1", almonds, grams250, 2, 1000)))
	require.NoError(t, err)

	_, err = f.committer.Commit(ctx, request("ord-b", line("l2", almonds, grams250, 3, 1000)))
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.ErrorIs(t, err, order.ErrPaymentReused)

	assert.Equal(t, 8, f.available(t, almonds, grams250))
	_, err = f.orders.GetOrder(ctx, "ord-b", "user-1")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CheckoutCommits.WithLabelValues("payment_failed")))
}

func TestCommit_AuthorizationWithoutReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 5)
	f.gateway.On("Authorize", mock.Anything, mock.Anything).
		Return(&payment.Authorization{AmountCents: 1000, Status: "authorized"}, nil)

	_, err := f.committer.Commit(ctx, request("ord-10", line("l1", almonds, grams250, 1, 1000)))
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, 5, f.available(t, almonds, grams250))
}

func TestCommit_StoreFailureReleasesStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setStock(t, almonds, grams250, 5)
	f.setStock(t, dates, grams500, 5)
	f.authorizeAll()

	opts := f.options()
	opts.Orders = brokenOrders{Service: f.orders}
	broken := NewCommitter(opts)

	req := request("ord-11",
		line("l1", almonds, grams250, 2, 1000),
		line("l2", dates, grams500, 1, 1200),
	)
	_, err := broken.Commit(ctx, req)
	require.Error(t, err)

	assert.Equal(t, 5, f.available(t, almonds, grams250))
	assert.Equal(t, 5, f.available(t, dates, grams500))
	movements, err := f.inventory.GetMovements(ctx, almonds, grams250, 1)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, inventory.ReasonRelease, movements[0].Reason)
	assert.Equal(t, "ord-11", movements[0].ReferenceID)

	_, err = f.orders.GetOrder(ctx, "ord-11", "user-1")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
	f.carts.AssertNotCalled(t, "ClearCart", mock.Anything, mock.Anything)

	// the claim is gone, so the same order and payment can be retried
	f.carts.On("ClearCart", mock.Anything, "user-1").Return(nil)
	result, err := f.committer.Commit(ctx, req)
	require.NoError(t, err)
	assert.Len(t, result.Order.Lines, 2)
	assert.Equal(t, 3, f.available(t, almonds, grams250))
}
