package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrorClass classifies an adapter-observed failure for retry policy
// selection (spec §4.2, §7).
type ErrorClass int

const (
	ErrorRetryable ErrorClass = iota
	ErrorAuth
	ErrorFatal
)

// ClassifyHTTPStatus maps an HTTP status code to an ErrorClass.
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrorRetryable
	default:
		return ErrorFatal
	}
}

// Base supplies the HTTP client, per-(tenant,provider) rate limiting,
// exponential backoff with jitter, and a circuit breaker shared by every
// concrete adapter. It is composed into adapters, never inherited from.
type Base struct {
	HTTPClient *http.Client
	providerID string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBase constructs a Base for the given provider id with a 30s default
// HTTP timeout (spec §5: a single adapter HTTP call = 30s).
func NewBase(providerID string) *Base {
	return &Base{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		providerID: providerID,
		limiters:   make(map[string]*rate.Limiter),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func bucketKey(tenantID string) string { return tenantID }

// Limiter returns the token-bucket rate limiter for (tenantID, provider),
// creating it on first use with the given requests-per-second quota.
func (b *Base) Limiter(tenantID string, perSecond int) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := bucketKey(tenantID)
	l, ok := b.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		b.limiters[key] = l
	}
	return l
}

// Breaker returns the circuit breaker for (tenantID, provider), opening
// after 50% failures over a 1-minute window (min 20 samples), per spec §7.
func (b *Base) Breaker(tenantID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := bucketKey(tenantID)
	cb, ok := b.breakers[key]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("%s:%s", b.providerID, tenantID),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
		})
		b.breakers[key] = cb
	}
	return cb
}

// Do executes fn under the (tenantID)-scoped rate limiter and circuit
// breaker, retrying on ErrorRetryable with exponential backoff and jitter
// (base 5s, factor 2, cap 5 min, max 10 attempts).
func (b *Base) Do(ctx context.Context, tenantID string, perSecond int, fn func(ctx context.Context) error) error {
	limiter := b.Limiter(tenantID, perSecond)
	breaker := b.Breaker(tenantID)

	operation := func() (struct{}, error) {
		if err := limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		_, err := breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return struct{}{}, nil
		}

		var classified *ClassifiedError
		if errors.As(err, &classified) {
			switch classified.Class {
			case ErrorFatal:
				return struct{}{}, backoff.Permanent(err)
			case ErrorAuth:
				return struct{}{}, backoff.Permanent(err)
			}
		}
		return struct{}{}, err
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 5 * time.Second
	boff.Multiplier = 2
	boff.MaxInterval = 5 * time.Minute

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(boff), backoff.WithMaxTries(10))
	return err
}

// ClassifiedError wraps an error with its retry classification so Do can
// decide whether to keep retrying.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given class for use with Do.
func Classify(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}
