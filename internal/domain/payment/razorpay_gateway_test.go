package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/cartsync/internal/config"
	"github.com/your-org/cartsync/internal/pkg/logger"
)

const testSecret = "rzp_test_secret"

func sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestGateway(t *testing.T, payment RazorpayPayment) *RazorpayGateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rzp_test_key" || pass != testSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/payments/"+payment.ID {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payment)
	}))
	t.Cleanup(srv.Close)

	return NewRazorpayGateway(config.PaymentConfig{
		KeyID:     "rzp_test_key",
		KeySecret: testSecret,
		BaseURL:   srv.URL,
		Currency:  "INR",
		Timeout:   2 * time.Second,
	}, logger.Discard())
}

func authRequest(amount int64) AuthorizationRequest {
	return AuthorizationRequest{
		OrderID:           "ord-1",
		UserID:            "user-1",
		AmountCents:       amount,
		ProviderOrderID:   "order_abc",
		ProviderPaymentID: "pay_xyz",
		Signature:         sign("order_abc", "pay_xyz"),
	}
}

func TestAuthorize(t *testing.T) {
	g := newTestGateway(t, RazorpayPayment{
		ID: "pay_xyz", Amount: 3200, Currency: "INR", Status: "authorized", OrderID: "order_abc",
	})

	auth, err := g.Authorize(context.Background(), authRequest(3200))
	require.NoError(t, err)
	assert.Equal(t, "pay_xyz", auth.Reference)
	assert.Equal(t, int64(3200), auth.AmountCents)
	assert.Equal(t, "authorized", auth.Status)
}

func TestAuthorizeRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("bad signature", func(t *testing.T) {
		g := newTestGateway(t, RazorpayPayment{ID: "pay_xyz", Amount: 3200, Status: "authorized", OrderID: "order_abc"})
		req := authRequest(3200)
		req.Signature = sign("order_other", "pay_xyz")
		_, err := g.Authorize(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidSignature)

		req.Signature = "not-hex"
		_, err = g.Authorize(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("failed payment", func(t *testing.T) {
		g := newTestGateway(t, RazorpayPayment{ID: "pay_xyz", Amount: 3200, Status: "failed", OrderID: "order_abc"})
		_, err := g.Authorize(ctx, authRequest(3200))
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("different order", func(t *testing.T) {
		g := newTestGateway(t, RazorpayPayment{ID: "pay_xyz", Amount: 3200, Status: "captured", OrderID: "order_zzz"})
		_, err := g.Authorize(ctx, authRequest(3200))
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		g := newTestGateway(t, RazorpayPayment{ID: "pay_xyz", Amount: 1000, Status: "captured", OrderID: "order_abc"})
		_, err := g.Authorize(ctx, authRequest(3200))
		assert.ErrorIs(t, err, ErrAmountMismatch)
	})

	t.Run("provider error", func(t *testing.T) {
		g := newTestGateway(t, RazorpayPayment{ID: "pay_other"})
		_, err := g.Authorize(ctx, authRequest(3200))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
	})
}
