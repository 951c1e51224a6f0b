// Package retrier wraps operations with classified retry: transient
// failures back off exponentially, fatal failures return immediately, and
// an expired auth token triggers one silent refresh that does not consume
// retry budget.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Classification buckets an error for retry purposes.
type Classification int

const (
	// Fatal errors abort immediately; the operation will not succeed on retry.
	Fatal Classification = iota
	// Retryable errors are transient (5xx, timeout, throttling).
	Retryable
	// AuthExpired errors are repaired by refreshing the access token once.
	AuthExpired
)

// Classifier maps an operation error to a Classification.
type Classifier func(error) Classification

// TokenRefresher performs a silent credential refresh. Satisfied by
// *bitable.Client.
type TokenRefresher interface {
	RefreshAuth(ctx context.Context) error
}

// Default backoff parameters. Base 500ms doubling with ±20% jitter,
// capped at 30s.
const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
	jitterPercent    = 20
)

// Policy is a reusable retry configuration. Zero-value durations fall
// back to the package defaults.
type Policy struct {
	Attempts  int // additional attempts after the first (0 = try once)
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Classify  Classifier
	Refresher TokenRefresher // nil disables the auth-refresh path
	Logger    *slog.Logger
}

// Do runs op under the policy. Each attempt observes ctx: cancellation
// aborts both in-flight attempts and backoff sleeps. name appears in
// retry log lines.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	backoff := retry.NewExponential(base)
	backoff = retry.WithJitterPercent(jitterPercent, backoff)
	backoff = retry.WithCappedDuration(maxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(p.Attempts), backoff)

	refreshed := false
	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		opErr := op(ctx)
		if opErr == nil {
			return nil
		}

		// One silent token refresh, then re-run the operation within the
		// same attempt so the refresh consumes no budget.
		if p.classify(opErr) == AuthExpired && p.Refresher != nil && !refreshed {
			refreshed = true

			logger.Info("refreshing expired credentials",
				slog.String("operation", name),
			)

			if refreshErr := p.Refresher.RefreshAuth(ctx); refreshErr != nil {
				return fmt.Errorf("retrier: refreshing credentials for %s: %w", name, refreshErr)
			}

			opErr = op(ctx)
			if opErr == nil {
				return nil
			}
		}

		switch p.classify(opErr) {
		case Retryable, AuthExpired:
			logger.Warn("retryable failure",
				slog.String("operation", name),
				slog.Int("attempt", attempt),
				slog.String("error", opErr.Error()),
			)

			return retry.RetryableError(opErr)
		default:
			return opErr
		}
	})
	if err != nil {
		// Context errors surface as-is so callers can distinguish
		// cancellation from operation failure.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}

		return fmt.Errorf("retrier: %s: %w", name, err)
	}

	return nil
}

func (p *Policy) classify(err error) Classification {
	if p.Classify == nil {
		return Fatal
	}

	return p.Classify(err)
}
