// internal/domain/payment/razorpay_gateway.go
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/config"
)

var (
	ErrInvalidSignature = errors.New("payment signature mismatch")
	ErrNotAuthorized    = errors.New("payment is not authorized")
	ErrAmountMismatch   = errors.New("authorized amount does not match order total")
)

// AuthorizationRequest carries the client-side result of the provider
// checkout together with what we expect it to cover
type AuthorizationRequest struct {
	OrderID     string `json:"-"`
	UserID      string `json:"-"`
	AmountCents int64  `json:"-"`

	ProviderOrderID   string `json:"razorpay_order_id" binding:"required"`
	ProviderPaymentID string `json:"razorpay_payment_id" binding:"required"`
	Signature         string `json:"razorpay_signature" binding:"required"`
}

// Authorization is a verified payment authorization
type Authorization struct {
	Reference   string `json:"reference"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

// RazorpayGateway verifies Razorpay payment authorizations
type RazorpayGateway struct {
	keyID      string
	keySecret  string
	baseURL    string
	currency   string
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// NewRazorpayGateway creates a new Razorpay gateway
func NewRazorpayGateway(cfg config.PaymentConfig, logger logrus.FieldLogger) *RazorpayGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &RazorpayGateway{
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		baseURL:   cfg.BaseURL,
		currency:  cfg.Currency,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.WithField("component", "razorpay"),
	}
}

// Authorize checks the checkout signature, then asks Razorpay whether the
// payment is authorized for the expected amount
func (g *RazorpayGateway) Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	if !g.verifySignature(req.ProviderOrderID, req.ProviderPaymentID, req.Signature) {
		return nil, ErrInvalidSignature
	}

	body, err := g.makeAPICall(ctx, http.MethodGet, "/payments/"+url.PathEscape(req.ProviderPaymentID), nil)
	if err != nil {
		return nil, err
	}

	var p RazorpayPayment
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse Razorpay payment response: %w", err)
	}

	log := g.logger.WithFields(logrus.Fields{
		"order_id":   req.OrderID,
		"payment_id": p.ID,
		"status":     p.Status,
	})

	if p.OrderID != req.ProviderOrderID {
		log.Warn("Payment belongs to a different provider order")
		return nil, fmt.Errorf("%w: payment %s is for order %s", ErrNotAuthorized, p.ID, p.OrderID)
	}
	if p.Status != "authorized" && p.Status != "captured" {
		log.Warn("Payment not authorized")
		return nil, fmt.Errorf("%w: status %s", ErrNotAuthorized, p.Status)
	}
	if p.Amount != req.AmountCents {
		log.WithFields(logrus.Fields{
			"authorized": p.Amount,
			"expected":   req.AmountCents,
		}).Warn("Payment amount mismatch")
		return nil, ErrAmountMismatch
	}
	if g.currency != "" && p.Currency != "" && p.Currency != g.currency {
		return nil, fmt.Errorf("%w: currency %s", ErrAmountMismatch, p.Currency)
	}

	log.Info("Payment authorization verified")
	return &Authorization{
		Reference:   p.ID,
		AmountCents: p.Amount,
		Currency:    p.Currency,
		Status:      p.Status,
	}, nil
}

// makeAPICall makes HTTP calls to Razorpay API
func (g *RazorpayGateway) makeAPICall(ctx context.Context, method, endpoint string, data interface{}) ([]byte, error) {
	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request data: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.keyID, g.keySecret)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API call: %w", err)
	}
	defer resp.Body.Close()

	var respBody bytes.Buffer
	if _, err := respBody.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API call failed with status %d: %s", resp.StatusCode, respBody.String())
	}

	return respBody.Bytes(), nil
}

// verifySignature checks HMAC-SHA256(order_id|payment_id) against the
// signature returned to the browser
func (g *RazorpayGateway) verifySignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(g.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hmac.Equal(mac.Sum(nil), expected)
}

// RazorpayPayment is the subset of the payment entity we read
type RazorpayPayment struct {
	ID        string `json:"id"`
	Entity    string `json:"entity"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	OrderID   string `json:"order_id"`
	Method    string `json:"method"`
	CreatedAt int64  `json:"created_at"`
}
