package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/metrics"
	"github.com/rs/zerolog"
)

// StatusError is a provider API response with a non-success status code
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err looks temporary: timeouts, 5xx and 429
// responses, and errors marked with Transient
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RetryPolicy bounds the retries around provider calls
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries up to 3 times with exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
	}
}

type retrying struct {
	Adapter
	policy RetryPolicy
	logger zerolog.Logger
}

// WithRetry wraps an adapter so transient failures are retried and a failed
// launch never leaves a half-created machine behind. Final errors wrap
// ErrProviderFailure.
func WithRetry(a Adapter, policy RetryPolicy) Adapter {
	return &retrying{
		Adapter: a,
		policy:  policy,
		logger:  log.WithComponent("provider").With().Str("provider", a.Name()).Logger(),
	}
}

func (r *retrying) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)
}

// LaunchNewServer launches with retries, removing any partially created machine
func (r *retrying) LaunchNewServer(ctx context.Context) (*Launched, error) {
	var result *Launched
	attempts := 0
	op := func() error {
		attempts++
		launched, err := r.Adapter.LaunchNewServer(ctx)
		if err == nil {
			result = launched
			return nil
		}
		r.cleanup(ctx, launched)
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn().Err(err).Int("attempt", attempts).Msg("Launch failed, retrying")
		return err
	}

	if err := backoff.Retry(op, r.backOff(ctx)); err != nil {
		metrics.ProviderLaunchesTotal.WithLabelValues(r.Name(), "failure").Inc()
		return nil, fmt.Errorf("%w: %s launch failed after %d attempts: %w", ErrProviderFailure, r.Name(), attempts, err)
	}
	metrics.ProviderLaunchesTotal.WithLabelValues(r.Name(), "success").Inc()
	return result, nil
}

func (r *retrying) cleanup(ctx context.Context, launched *Launched) {
	if launched == nil || launched.Host == nil || launched.Host.ProviderID == "" {
		return
	}
	if !r.Adapter.SupportsRemoval() {
		r.logger.Error().
			Str("provider_id", launched.Host.ProviderID).
			Msg("Launch left a machine behind and the provider cannot remove it")
		return
	}
	if err := r.Adapter.RemoveServer(ctx, launched.Host.ProviderID); err != nil {
		r.logger.Error().Err(err).
			Str("provider_id", launched.Host.ProviderID).
			Msg("Failed to remove partially launched machine")
		return
	}
	r.logger.Info().Str("provider_id", launched.Host.ProviderID).Msg("Removed partially launched machine")
}

// RemoveServer removes with retries
func (r *retrying) RemoveServer(ctx context.Context, providerID string) error {
	attempts := 0
	op := func() error {
		attempts++
		err := r.Adapter.RemoveServer(ctx, providerID)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn().Err(err).Str("provider_id", providerID).Int("attempt", attempts).Msg("Remove failed, retrying")
		return err
	}

	if err := backoff.Retry(op, r.backOff(ctx)); err != nil {
		metrics.ProviderRemovalsTotal.WithLabelValues(r.Name(), "failure").Inc()
		return fmt.Errorf("%w: %s remove %s failed after %d attempts: %w", ErrProviderFailure, r.Name(), providerID, attempts, err)
	}
	metrics.ProviderRemovalsTotal.WithLabelValues(r.Name(), "success").Inc()
	return nil
}
