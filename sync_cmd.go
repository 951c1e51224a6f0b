package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/minghsu/prodsync/internal/product"
	"github.com/minghsu/prodsync/internal/progress"
)

func newSyncCmd() *cobra.Command {
	var (
		flagMode       string
		flagProductIDs []string
		flagBatchSize  int
		flagSkipImages bool
		flagSkipDelete bool
		flagForce      bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync to completion and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := product.SyncOptions{
				BatchSize:         flagBatchSize,
				SkipImageDownload: flagSkipImages,
				SkipDelete:        flagSkipDelete,
				ForceUpdate:       flagForce,
				ProductIDs:        flagProductIDs,
			}

			return runOnce(cmd.Context(), product.SyncMode(flagMode), opts)
		},
	}

	cmd.Flags().StringVar(&flagMode, "mode", "incremental", "sync mode: full, incremental, or selective")
	cmd.Flags().StringSliceVar(&flagProductIDs, "product-ids", nil, "record ids for selective mode")
	cmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "records per upstream page (0 = configured default)")
	cmd.Flags().BoolVar(&flagSkipImages, "skip-images", false, "skip the image pipeline")
	cmd.Flags().BoolVar(&flagSkipDelete, "skip-delete", false, "skip soft-deleting records absent upstream")
	cmd.Flags().BoolVar(&flagForce, "force", false, "write every record even when unchanged")

	return cmd
}

// runOnce starts a sync, follows its events on the bus, and exits with
// the run's terminal status.
func runOnce(parent context.Context, mode product.SyncMode, opts product.SyncOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()
	defer deps.engine.Shutdown()

	// Subscribe before starting so no event is missed.
	events, unsubscribe := deps.bus.Subscribe(progress.AllSyncs)
	defer unsubscribe()

	id, err := deps.engine.Start(mode, opts)
	if err != nil {
		return err
	}

	logger.Info("sync started", slog.String("sync_id", id))

	for {
		select {
		case <-ctx.Done():
			// First signal: cancel cooperatively, then keep draining events
			// until the engine reports the terminal state.
			logger.Info("interrupt received, cancelling sync")

			if err := deps.engine.Cancel(id); err != nil {
				return err
			}

			stop()

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before sync finished")
			}

			if ev.SyncID != id {
				continue
			}

			if done, err := reportEvent(logger, ev); done {
				return err
			}
		}
	}
}

// reportEvent logs one bus event. Returns done=true on the completion
// frame, with err set when the run did not complete successfully.
func reportEvent(logger *slog.Logger, ev progress.Event) (bool, error) {
	switch data := ev.Data.(type) {
	case progress.ProgressData:
		logger.Info("progress",
			slog.String("stage", string(data.Stage)),
			slog.Int("current", data.Progress.Current),
			slog.Int("total", data.Progress.Total),
			slog.String("operation", data.CurrentOperation),
		)

	case progress.ErrorData:
		logger.Warn("sync error",
			slog.String("type", data.ErrorType),
			slog.String("product_id", data.ProductID),
			slog.String("error", data.Message),
		)

	case progress.CompletionData:
		logger.Info("sync finished",
			slog.String("status", string(data.Status)),
			slog.Int("created", data.Stats.Created),
			slog.Int("updated", data.Stats.Updated),
			slog.Int("skipped", data.Stats.Skipped),
			slog.Int("errors", data.Stats.Errors),
			slog.Float64("duration_seconds", data.Duration),
		)

		if data.Status != product.SyncCompleted {
			return true, fmt.Errorf("sync %s", data.Status)
		}

		return true, nil
	}

	return false, nil
}
