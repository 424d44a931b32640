package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

const (
	defaultAttempts         = 3
	defaultAttemptTimeout   = 5 * time.Second
	defaultBackoffBase      = 200 * time.Millisecond
	defaultBreakerName      = "payment-gateway"
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 30 * time.Second
)

// Resilient wraps a Gateway with per-attempt timeouts, bounded exponential retry and a circuit breaker.
type Resilient struct {
	inner          Gateway
	attempts       uint64
	attemptTimeout time.Duration
	backoffBase    time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// ResilientOption configures a Resilient gateway.
type ResilientOption func(*resilientConfig)

type resilientConfig struct {
	attempts        uint64
	attemptTimeout  time.Duration
	backoffBase     time.Duration
	breakerFailures uint32
	breakerTimeout  time.Duration
}

// WithAttempts sets the total number of attempts per call.
func WithAttempts(attempts uint64) ResilientOption {
	return func(config *resilientConfig) {
		config.attempts = attempts
	}
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(timeout time.Duration) ResilientOption {
	return func(config *resilientConfig) {
		config.attemptTimeout = timeout
	}
}

// WithBackoffBase sets the first retry delay; later delays double.
func WithBackoffBase(base time.Duration) ResilientOption {
	return func(config *resilientConfig) {
		config.backoffBase = base
	}
}

// WithBreaker sets how many consecutive unavailable calls open the breaker and how long it stays open.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) ResilientOption {
	return func(config *resilientConfig) {
		config.breakerFailures = consecutiveFailures
		config.breakerTimeout = openFor
	}
}

// NewResilient wraps inner.
func NewResilient(inner Gateway, options ...ResilientOption) (*Resilient, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	config := resilientConfig{
		attempts:        defaultAttempts,
		attemptTimeout:  defaultAttemptTimeout,
		backoffBase:     defaultBackoffBase,
		breakerFailures: defaultBreakerFailures,
		breakerTimeout:  defaultBreakerOpenDelay,
	}
	for _, option := range options {
		if option != nil {
			option(&config)
		}
	}
	if config.attempts == 0 {
		config.attempts = 1
	}
	breakerFailures := config.breakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        defaultBreakerName,
		MaxRequests: 1,
		Timeout:     config.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return breakerFailures > 0 && counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrGatewayRejected)
		},
	})
	return &Resilient{
		inner:          inner,
		attempts:       config.attempts,
		attemptTimeout: config.attemptTimeout,
		backoffBase:    config.backoffBase,
		breaker:        breaker,
	}, nil
}

// InitiatePayment calls the wrapped gateway, retrying transient failures.
func (resilient *Resilient) InitiatePayment(ctx context.Context, request PaymentRequest) (PaymentIntent, error) {
	result, err := resilient.breaker.Execute(func() (interface{}, error) {
		return resilient.initiateWithRetry(ctx, request)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return PaymentIntent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if err != nil {
		return PaymentIntent{}, err
	}
	return result.(PaymentIntent), nil
}

func (resilient *Resilient) initiateWithRetry(ctx context.Context, request PaymentRequest) (PaymentIntent, error) {
	var intent PaymentIntent
	backoff := retry.WithMaxRetries(resilient.attempts-1, retry.NewExponential(resilient.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, resilient.attemptTimeout)
		defer cancel()
		attemptIntent, err := resilient.inner.InitiatePayment(attemptCtx, request)
		if err == nil {
			intent = attemptIntent
			return nil
		}
		if errors.Is(err, ErrGatewayRejected) {
			return err
		}
		if errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return intent, nil
	}
	if errors.Is(err, ErrGatewayRejected) || errors.Is(err, ErrGatewayUnavailable) {
		return PaymentIntent{}, err
	}
	return PaymentIntent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}
