package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

type scriptedGateway struct {
	mutex   sync.Mutex
	results []error
	calls   int
	delay   time.Duration
}

func (gateway *scriptedGateway) InitiatePayment(ctx context.Context, _ PaymentRequest) (PaymentIntent, error) {
	gateway.mutex.Lock()
	index := gateway.calls
	gateway.calls++
	gateway.mutex.Unlock()
	if gateway.delay > 0 {
		select {
		case <-time.After(gateway.delay):
		case <-ctx.Done():
			return PaymentIntent{}, ctx.Err()
		}
	}
	if index < len(gateway.results) && gateway.results[index] != nil {
		return PaymentIntent{}, gateway.results[index]
	}
	return PaymentIntent{CheckoutRef: "checkout-1", MerchantRef: "merchant-1"}, nil
}

func (gateway *scriptedGateway) callCount() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return gateway.calls
}

func newTestRequest() PaymentRequest {
	return PaymentRequest{BookingID: "booking-1", Phone: "254712345678", Amount: ledger.NewMoney(70000, ledger.CurrencyKES)}
}

func mustResilient(test *testing.T, inner Gateway, options ...ResilientOption) *Resilient {
	test.Helper()
	options = append([]ResilientOption{WithBackoffBase(time.Millisecond), WithAttemptTimeout(50 * time.Millisecond)}, options...)
	resilient, err := NewResilient(inner, options...)
	if err != nil {
		test.Fatalf("new resilient: %v", err)
	}
	return resilient
}

func TestResilientRetriesTransientFailures(test *testing.T) {
	test.Parallel()
	inner := &scriptedGateway{results: []error{ErrGatewayUnavailable, ErrGatewayUnavailable}}
	resilient := mustResilient(test, inner)
	intent, err := resilient.InitiatePayment(context.Background(), newTestRequest())
	if err != nil {
		test.Fatalf("expected success on third attempt, got %v", err)
	}
	if intent.CheckoutRef != "checkout-1" {
		test.Fatalf("unexpected intent %+v", intent)
	}
	if inner.callCount() != 3 {
		test.Fatalf("expected 3 attempts, got %d", inner.callCount())
	}
}

func TestResilientSurfacesUnavailableAfterBoundedAttempts(test *testing.T) {
	test.Parallel()
	inner := &scriptedGateway{results: []error{ErrGatewayUnavailable, ErrGatewayUnavailable, ErrGatewayUnavailable, nil}}
	resilient := mustResilient(test, inner)
	_, err := resilient.InitiatePayment(context.Background(), newTestRequest())
	if !errors.Is(err, ErrGatewayUnavailable) || !errors.Is(err, ledger.ErrTransientDependency) {
		test.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if inner.callCount() != 3 {
		test.Fatalf("expected exactly 3 attempts, got %d", inner.callCount())
	}
}

func TestResilientDoesNotRetryRejection(test *testing.T) {
	test.Parallel()
	inner := &scriptedGateway{results: []error{ErrGatewayRejected}}
	resilient := mustResilient(test, inner)
	_, err := resilient.InitiatePayment(context.Background(), newTestRequest())
	if !errors.Is(err, ErrGatewayRejected) {
		test.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if inner.callCount() != 1 {
		test.Fatalf("expected a single attempt, got %d", inner.callCount())
	}
}

func TestResilientTimesOutSlowAttempts(test *testing.T) {
	test.Parallel()
	inner := &scriptedGateway{delay: time.Second}
	resilient := mustResilient(test, inner, WithAttemptTimeout(5*time.Millisecond))
	_, err := resilient.InitiatePayment(context.Background(), newTestRequest())
	if !errors.Is(err, ErrGatewayUnavailable) {
		test.Fatalf("expected ErrGatewayUnavailable after timeouts, got %v", err)
	}
	if inner.callCount() != 3 {
		test.Fatalf("expected 3 timed out attempts, got %d", inner.callCount())
	}
}

func TestResilientOpensBreaker(test *testing.T) {
	test.Parallel()
	failures := make([]error, 10)
	for index := range failures {
		failures[index] = ErrGatewayUnavailable
	}
	inner := &scriptedGateway{results: failures}
	resilient := mustResilient(test, inner, WithAttempts(1), WithBreaker(2, time.Minute))
	for index := 0; index < 2; index++ {
		if _, err := resilient.InitiatePayment(context.Background(), newTestRequest()); !errors.Is(err, ErrGatewayUnavailable) {
			test.Fatalf("call %d: expected unavailable, got %v", index, err)
		}
	}
	_, err := resilient.InitiatePayment(context.Background(), newTestRequest())
	if !errors.Is(err, ErrGatewayUnavailable) {
		test.Fatalf("expected unavailable from open breaker, got %v", err)
	}
	if inner.callCount() != 2 {
		test.Fatalf("expected breaker to short-circuit the third call, got %d calls", inner.callCount())
	}
}

func TestNewResilientRejectsNilGateway(test *testing.T) {
	test.Parallel()
	if _, err := NewResilient(nil); err == nil {
		test.Fatalf("expected error for nil gateway")
	}
}
