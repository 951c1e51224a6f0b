package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
	errExpired   = errors.New("token expired")
)

func classify(err error) Classification {
	switch {
	case errors.Is(err, errExpired):
		return AuthExpired
	case errors.Is(err, errTransient):
		return Retryable
	default:
		return Fatal
	}
}

// fastPolicy keeps backoff sleeps negligible for tests.
func fastPolicy(attempts int, refresher TokenRefresher) *Policy {
	return &Policy{
		Attempts:  attempts,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Classify:  classify,
		Refresher: refresher,
	}
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) RefreshAuth(context.Context) error {
	f.calls++
	return f.err
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0

	err := fastPolicy(3, nil).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	t.Parallel()

	calls := 0

	err := fastPolicy(3, nil).Do(context.Background(), "op", func(context.Context) error {
		calls++

		if calls < 3 {
			return errTransient
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnFatal(t *testing.T) {
	t.Parallel()

	calls := 0

	err := fastPolicy(3, nil).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errFatal
	})

	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	t.Parallel()

	calls := 0

	err := fastPolicy(2, nil).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls) // first try + 2 retries
}

func TestDoRefreshesAuthWithoutConsumingBudget(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{}
	calls := 0

	// First call fails with an expired token; the refreshed re-run inside
	// the same attempt succeeds.
	err := fastPolicy(0, refresher).Do(context.Background(), "op", func(context.Context) error {
		calls++

		if calls == 1 {
			return errExpired
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 2, calls)
}

func TestDoRefreshesOnlyOnce(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{}
	calls := 0

	err := fastPolicy(1, refresher).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errExpired
	})

	require.Error(t, err)
	assert.Equal(t, 1, refresher.calls)
}

func TestDoRefreshFailureSurfaces(t *testing.T) {
	t.Parallel()

	refreshErr := errors.New("refresh denied")
	refresher := &fakeRefresher{err: refreshErr}

	err := fastPolicy(0, refresher).Do(context.Background(), "op", func(context.Context) error {
		return errExpired
	})

	require.ErrorIs(t, err, refreshErr)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	policy := &Policy{
		Attempts:  10,
		BaseDelay: time.Hour, // cancellation must interrupt the sleep
		Classify:  classify,
	}

	done := make(chan error, 1)

	go func() {
		done <- policy.Do(ctx, "op", func(context.Context) error {
			return errTransient
		})
	}()

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoNilClassifierIsFatal(t *testing.T) {
	t.Parallel()

	calls := 0
	policy := &Policy{Attempts: 3, BaseDelay: time.Millisecond}

	err := policy.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
