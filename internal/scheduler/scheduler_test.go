package scheduler

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minghsu/prodsync/internal/config"
	"github.com/minghsu/prodsync/internal/product"
)

type startCall struct {
	mode product.SyncMode
	opts product.SyncOptions
}

type fakeStarter struct {
	mu       sync.Mutex
	active   bool
	startErr error
	calls    []startCall
}

func (f *fakeStarter) Start(mode product.SyncMode, opts product.SyncOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, startCall{mode: mode, opts: opts})

	if f.startErr != nil {
		return "", f.startErr
	}

	return "run-1", nil
}

func (f *fakeStarter) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.active
}

func (f *fakeStarter) startCalls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]startCall(nil), f.calls...)
}

func TestNewRegistersConfiguredTriggers(t *testing.T) {
	t.Parallel()

	s, err := New(&fakeStarter{}, config.Schedule{
		Incremental: "0 * * * *",
		Full:        "0 3 * * *",
		Validation:  "0 4 * * 0",
		Timezone:    "Asia/Shanghai",
	}, nil)
	require.NoError(t, err)

	assert.Len(t, s.cron.Entries(), 3)
}

func TestNewSkipsEmptyExpressions(t *testing.T) {
	t.Parallel()

	s, err := New(&fakeStarter{}, config.Schedule{Incremental: "0 * * * *"}, nil)
	require.NoError(t, err)

	assert.Len(t, s.cron.Entries(), 1)
}

func TestNewIdleWithoutTriggers(t *testing.T) {
	t.Parallel()

	s, err := New(&fakeStarter{}, config.Schedule{}, nil)
	require.NoError(t, err)
	assert.Empty(t, s.cron.Entries())

	// A scheduler with no entries starts and stops cleanly.
	s.Start()
	s.Stop()
}

func TestNewRejectsInvalidExpression(t *testing.T) {
	t.Parallel()

	_, err := New(&fakeStarter{}, config.Schedule{Full: "not a cron line"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	t.Parallel()

	_, err := New(&fakeStarter{}, config.Schedule{Timezone: "Mars/Olympus"}, nil)
	require.Error(t, err)
}

func TestJobStartsSync(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}

	s, err := New(starter, config.Schedule{}, nil)
	require.NoError(t, err)

	s.job("incremental", product.ModeIncremental, product.SyncOptions{})()

	calls := starter.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, product.ModeIncremental, calls[0].mode)
}

func TestJobSkipsWhenSyncActive(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{active: true}

	s, err := New(starter, config.Schedule{}, nil)
	require.NoError(t, err)

	s.job("incremental", product.ModeIncremental, product.SyncOptions{})()

	assert.Empty(t, starter.startCalls())
}

func TestJobSwallowsStartError(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{startErr: errors.New("engine down")}

	s, err := New(starter, config.Schedule{}, nil)
	require.NoError(t, err)

	// Must not panic; the error is logged and the next slot retries.
	s.job("full", product.ModeFull, product.SyncOptions{})()

	require.Len(t, starter.startCalls(), 1)
}

func TestValidationTriggerForcesWrites(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}

	s, err := New(starter, config.Schedule{}, nil)
	require.NoError(t, err)

	s.job("validation", product.ModeFull, product.SyncOptions{ForceUpdate: true, SkipDelete: true})()

	calls := starter.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, product.ModeFull, calls[0].mode)
	assert.True(t, calls[0].opts.ForceUpdate)
	assert.True(t, calls[0].opts.SkipDelete)
}
