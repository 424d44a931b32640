// Package mpesa is a simulated M-Pesa STK push integration.
package mpesa

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/gateway"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	checkoutRefPrefix = "ws_CO_"
	resultCodeSuccess = 0
	metadataAmount    = "Amount"
)

var phonePattern = regexp.MustCompile(`^254[17][0-9]{8}$`)

// Option configures a Client.
type Option func(*Client)

// WithLatency simulates the round trip to the Daraja API.
func WithLatency(latency time.Duration) Option {
	return func(client *Client) {
		client.latency = latency
	}
}

// WithLogger attaches a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithIDGenerator overrides the reference generator.
func WithIDGenerator(generate func() string) Option {
	return func(client *Client) {
		if generate != nil {
			client.newID = generate
		}
	}
}

// Client implements gateway.Gateway without talking to Safaricom.
type Client struct {
	latency time.Duration
	logger  *zap.Logger
	newID   func() string
}

// NewClient builds a mock client.
func NewClient(options ...Option) *Client {
	client := &Client{logger: zap.NewNop(), newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client
}

// InitiatePayment simulates an STK push and returns the checkout and merchant references.
func (client *Client) InitiatePayment(ctx context.Context, request gateway.PaymentRequest) (gateway.PaymentIntent, error) {
	phone := NormalizePhone(request.Phone)
	if !phonePattern.MatchString(phone) {
		return gateway.PaymentIntent{}, fmt.Errorf("%w: invalid phone number %q", gateway.ErrGatewayRejected, request.Phone)
	}
	if !request.Amount.IsPositive() {
		return gateway.PaymentIntent{}, fmt.Errorf("%w: amount must be positive", gateway.ErrGatewayRejected)
	}
	if client.latency > 0 {
		timer := time.NewTimer(client.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return gateway.PaymentIntent{}, fmt.Errorf("%w: %v", gateway.ErrGatewayUnavailable, ctx.Err())
		}
	}
	intent := gateway.PaymentIntent{
		CheckoutRef: checkoutRefPrefix + client.newID(),
		MerchantRef: client.newID(),
	}
	client.logger.Info("stk push accepted",
		zap.String("booking_id", request.BookingID),
		zap.String("checkout_ref", intent.CheckoutRef),
		zap.String("amount", request.Amount.String()),
		zap.String("currency", request.Amount.Currency.String()),
	)
	return intent, nil
}

// NormalizePhone converts 07XXXXXXXX and +2547XXXXXXXX forms to 2547XXXXXXXX.
func NormalizePhone(raw string) string {
	phone := strings.TrimSpace(raw)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") && len(phone) == 10 {
		phone = "254" + phone[1:]
	}
	return phone
}

// Callback mirrors the Daraja STK callback envelope.
type Callback struct {
	Body struct {
		STKCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []callbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type callbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseCallback decodes a callback body into a gateway result in currency.
func ParseCallback(body []byte, currency ledger.Currency) (gateway.PaymentResult, error) {
	var callback Callback
	if err := json.Unmarshal(body, &callback); err != nil {
		return gateway.PaymentResult{}, fmt.Errorf("%w: malformed callback: %v", ledger.ErrValidation, err)
	}
	stk := callback.Body.STKCallback
	if strings.TrimSpace(stk.CheckoutRequestID) == "" {
		return gateway.PaymentResult{}, fmt.Errorf("%w: callback without checkout request id", ledger.ErrValidation)
	}
	result := gateway.PaymentResult{
		CheckoutRef: stk.CheckoutRequestID,
		MerchantRef: stk.MerchantRequestID,
		Succeeded:   stk.ResultCode == resultCodeSuccess,
		Description: stk.ResultDesc,
		Amount:      ledger.NewMoney(0, currency),
	}
	for _, item := range stk.CallbackMetadata.Item {
		if item.Name != metadataAmount {
			continue
		}
		amount, err := ledger.ParseMoney(strings.Trim(string(item.Value), `"`), currency)
		if err != nil {
			return gateway.PaymentResult{}, err
		}
		result.Amount = amount
	}
	return result, nil
}
