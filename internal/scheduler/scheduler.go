// Package scheduler triggers periodic syncs from cron expressions. Each
// trigger is skipped, not queued, when a run is already active: syncs
// are idempotent, so the next slot picks up whatever the skipped one
// would have done.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/minghsu/prodsync/internal/config"
	"github.com/minghsu/prodsync/internal/product"
)

// Starter admits sync runs. Satisfied by *engine.Engine.
type Starter interface {
	Start(mode product.SyncMode, opts product.SyncOptions) (string, error)
	Active() bool
}

// Scheduler owns the cron runner and its registered triggers.
type Scheduler struct {
	engine Starter
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds a Scheduler from the configured expressions. Empty
// expressions register nothing; a scheduler with no entries is valid and
// simply idle. The validation trigger runs a full sync with writes
// forced, re-verifying every stored record against upstream.
func New(eng Starter, cfg config.Schedule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: loading timezone %q: %w", cfg.Timezone, err)
	}

	s := &Scheduler{
		engine: eng,
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger,
	}

	type trigger struct {
		name string
		expr string
		mode product.SyncMode
		opts product.SyncOptions
	}

	triggers := []trigger{
		{"incremental", cfg.Incremental, product.ModeIncremental, product.SyncOptions{}},
		{"full", cfg.Full, product.ModeFull, product.SyncOptions{}},
		{"validation", cfg.Validation, product.ModeFull, product.SyncOptions{
			ForceUpdate: true,
			SkipDelete:  true,
		}},
	}

	for _, t := range triggers {
		if t.expr == "" {
			continue
		}

		if _, err := s.cron.AddFunc(t.expr, s.job(t.name, t.mode, t.opts)); err != nil {
			return nil, fmt.Errorf("scheduler: invalid %s expression %q: %w", t.name, t.expr, err)
		}

		logger.Info("scheduled sync",
			slog.String("trigger", t.name),
			slog.String("expression", t.expr),
			slog.String("timezone", cfg.Timezone),
		)
	}

	return s, nil
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Triggers reports how many cron entries are registered.
func (s *Scheduler) Triggers() int {
	return len(s.cron.Entries())
}

// Stop halts scheduling and waits for a running job callback to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) job(name string, mode product.SyncMode, opts product.SyncOptions) func() {
	return func() {
		if s.engine.Active() {
			s.logger.Info("scheduled sync skipped, another sync is active",
				slog.String("trigger", name),
			)

			return
		}

		id, err := s.engine.Start(mode, opts)
		if err != nil {
			s.logger.Error("scheduled sync failed to start",
				slog.String("trigger", name),
				slog.String("error", err.Error()),
			)

			return
		}

		s.logger.Info("scheduled sync started",
			slog.String("trigger", name),
			slog.String("sync_id", id),
		)
	}
}
