package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minghsu/prodsync/internal/bitable"
	"github.com/minghsu/prodsync/internal/images"
	"github.com/minghsu/prodsync/internal/product"
	"github.com/minghsu/prodsync/internal/retrier"
	"github.com/minghsu/prodsync/internal/store"
)

// drive executes one sync run to a terminal state. It is the only
// goroutine that mutates the run's counters.
func (e *Engine) drive(ctx context.Context, run *Run) {
	defer run.cancel()

	run.setStatus(product.SyncRunning)
	run.logf("sync started: mode=%s", run.mode)
	e.publishStatus(run, product.SyncPending, product.SyncRunning, "sync started")

	// The initial log row makes the run visible in history immediately.
	if err := e.repo.PutSyncLog(ctx, run.Snapshot()); err != nil {
		e.logger.Warn("failed to persist initial sync log",
			slog.String("sync_id", run.ID()),
			slog.String("error", err.Error()),
		)
	}

	err := e.runLoop(ctx, run)

	switch {
	case err == nil:
		run.updateProgress(func(p *product.SyncProgress) {
			p.Stage = product.StageCompleted
			p.CurrentOperation = ""
		})
		e.finish(ctx, run, product.SyncCompleted, e.summary(run))

	case run.wasCancelled() || errors.Is(err, context.Canceled):
		e.finish(ctx, run, product.SyncCancelled, "sync cancelled")

	default:
		run.logf("fatal error: %v", err)
		e.publishError(run, errorKind(err), err.Error(), "", false)
		e.finish(ctx, run, product.SyncFailed, err.Error())
	}
}

// runLoop is the paged main loop shared by all modes.
func (e *Engine) runLoop(ctx context.Context, run *Run) error {
	opts := run.options
	policy := e.upstreamPolicy(opts)

	run.updateProgress(func(p *product.SyncProgress) {
		p.Stage = product.StagePreparing
		p.CurrentOperation = "counting upstream records"
	})
	e.publishProgress(run, run.snapshotProgress(), run.startTime)

	selective := makeIDSet(opts.ProductIDs)
	observed := make(map[string]struct{})

	cursor := ""
	firstPage := true
	totalKnown := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		run.updateProgress(func(p *product.SyncProgress) {
			p.Stage = product.StageFetching
			p.CurrentOperation = "fetching records"
		})
		e.publishProgress(run, run.snapshotProgress(), run.startTime)

		var page *bitable.RecordPage

		err := policy.Do(ctx, "list records", func(ctx context.Context) error {
			var err error

			page, err = e.source.ListRecords(ctx, cursor, opts.BatchSize)
			if err != nil && bitable.IsRetryable(err) {
				// Transient fetch failures are visible in the log even
				// when a later attempt succeeds.
				e.publishError(run, "TransientUpstream", err.Error(), "", true)
			}

			return err
		})
		if err != nil {
			return fmt.Errorf("engine: fetching records: %w", err)
		}

		if firstPage {
			firstPage = false

			if page.TotalHint > 0 {
				totalKnown = true

				run.updateProgress(func(p *product.SyncProgress) { p.Total = page.TotalHint })
				run.logf("upstream reports %d records", page.TotalHint)
			}
		}

		// Without an upstream total the denominator grows page by page,
		// keeping current <= total at every point in the run.
		if !totalKnown {
			run.updateProgress(func(p *product.SyncProgress) { p.Total += len(page.Records) })
		}

		e.publishProgress(run, run.snapshotProgress(), run.startTime)

		if err := e.processPage(ctx, run, page.Records, selective, observed); err != nil {
			return err
		}

		// Page boundary: honor the pause latch, then cancellation.
		if err := run.waitIfPaused(ctx); err != nil {
			return err
		}

		if page.NextCursor == "" {
			break
		}

		cursor = page.NextCursor
	}

	if run.mode == product.ModeFull && !opts.SkipDelete {
		if err := e.softDeleteMissing(ctx, run, observed); err != nil {
			return err
		}
	}

	return nil
}

// processPage transforms, diffs, fetches images for, and upserts one page
// of records.
func (e *Engine) processPage(
	ctx context.Context, run *Run, records []bitable.Record,
	selective map[string]struct{}, observed map[string]struct{},
) error {
	opts := run.options

	var toProcess []*product.Product

	for i := range records {
		rec := &records[i]

		if err := ctx.Err(); err != nil {
			return err
		}

		// Selective mode: records outside the requested set are invisible
		// to the run and do not advance counters.
		if run.mode == product.ModeSelective {
			if _, wanted := selective[rec.RecordID]; !wanted {
				run.updateProgress(func(p *product.SyncProgress) {
					if p.Total > 0 {
						p.Total--
					}
				})

				continue
			}
		}

		p, warnings, err := e.mapper.Transform(rec)
		if err != nil {
			run.updateProgress(func(pr *product.SyncProgress) {
				pr.Current++
				pr.Errors++
			})
			e.publishError(run, "TransformFailure", err.Error(), rec.RecordID, true)

			continue
		}

		for _, w := range warnings {
			run.logf("record %s: %s (%s): %s", rec.RecordID, w.Path, w.Field, w.Message)
		}

		observed[p.ProductID] = struct{}{}

		// Incremental mode skips records whose digest matches storage
		// without touching images or the repository.
		if run.mode == product.ModeIncremental && !opts.ForceUpdate {
			stored, err := e.repo.GetDigest(ctx, p.ProductID)
			if err == nil && stored == product.ContentDigest(p) {
				run.updateProgress(func(pr *product.SyncProgress) {
					pr.Current++
					pr.Skipped++
				})

				continue
			}

			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("engine: diffing record %s: %w", p.ProductID, err)
			}
		}

		toProcess = append(toProcess, p)
	}

	if len(toProcess) == 0 {
		e.publishProgress(run, run.snapshotProgress(), run.startTime)
		return nil
	}

	if !opts.SkipImageDownload {
		if err := e.fetchImages(ctx, run, toProcess); err != nil {
			return err
		}
	}

	run.updateProgress(func(p *product.SyncProgress) {
		p.Stage = product.StageProcessing
		p.CurrentOperation = fmt.Sprintf("writing %d products", len(toProcess))
	})
	e.publishProgress(run, run.snapshotProgress(), run.startTime)

	var res store.BatchResult

	err := e.storagePolicy(opts).Do(ctx, "upsert products", func(ctx context.Context) error {
		var err error

		res, err = e.repo.UpsertBatch(ctx, toProcess, opts.ForceUpdate)

		return err
	})
	if err != nil {
		return fmt.Errorf("engine: upserting batch: %w", err)
	}

	prog := run.updateProgress(func(p *product.SyncProgress) {
		p.Current += len(toProcess)
		p.Created += res.Created
		p.Updated += res.Updated
		p.Skipped += res.Skipped
	})

	run.logf("page done: +%d created, +%d updated, +%d skipped", res.Created, res.Updated, res.Skipped)
	e.publishProgress(run, prog, run.startTime)

	return nil
}

// fetchImages runs the attachment pipeline for a page and swaps resolved
// object keys into the products. A stored image replaces the token in
// the entity; failed items keep nothing (the token must not leak into
// persisted state).
func (e *Engine) fetchImages(ctx context.Context, run *Run, page []*product.Product) error {
	var reqs []images.Request

	for _, p := range page {
		for _, role := range product.Roles {
			token, ok := p.Images[role]
			if !ok || token == "" {
				continue
			}

			reqs = append(reqs, images.Request{ProductID: p.ProductID, Role: role, Token: token})
		}
	}

	if len(reqs) == 0 {
		return nil
	}

	run.updateProgress(func(p *product.SyncProgress) {
		p.Stage = product.StageImages
		p.CurrentOperation = fmt.Sprintf("downloading %d images", len(reqs))
	})
	e.publishProgress(run, run.snapshotProgress(), run.startTime)

	byID := make(map[string]*product.Product, len(page))
	for _, p := range page {
		byID[p.ProductID] = p
	}

	results := e.fetcher.FetchAll(ctx, reqs, images.Options{
		Concurrency:   run.options.ConcurrentImages,
		ResolveBatch:  e.defaults.ResolveBatchSize,
		RetryAttempts: run.options.RetryAttempts,
	})

	for _, res := range results {
		p := byID[res.Request.ProductID]

		if res.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			// The record proceeds without this image; the failure is
			// recoverable and the token is dropped from the entity.
			delete(p.Images, res.Request.Role)
			e.publishError(run, "ValidationIssue(image)",
				res.Err.Error(), res.Request.ProductID, true)

			continue
		}

		p.Images[res.Request.Role] = res.Image.ObjectKey
	}

	return nil
}

// softDeleteMissing marks products absent from a full sync as deleted.
func (e *Engine) softDeleteMissing(ctx context.Context, run *Run, observed map[string]struct{}) error {
	run.updateProgress(func(p *product.SyncProgress) {
		p.Stage = product.StageValidating
		p.CurrentOperation = "reconciling deleted products"
	})
	e.publishProgress(run, run.snapshotProgress(), run.startTime)

	stored, err := e.repo.FindIDs(ctx, nil)
	if err != nil {
		return fmt.Errorf("engine: listing stored ids: %w", err)
	}

	var missing []string

	for id := range stored {
		if _, ok := observed[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	err = e.storagePolicy(run.options).Do(ctx, "soft delete products", func(ctx context.Context) error {
		return e.repo.SoftDelete(ctx, missing)
	})
	if err != nil {
		return fmt.Errorf("engine: soft-deleting: %w", err)
	}

	run.logf("soft-deleted %d products absent upstream", len(missing))

	return nil
}

// upstreamPolicy retries upstream calls with auth refresh.
func (e *Engine) upstreamPolicy(opts product.SyncOptions) *retrier.Policy {
	return &retrier.Policy{
		Attempts:  opts.RetryAttempts,
		Classify:  classifyUpstream,
		Refresher: e.source,
		Logger:    e.logger,
	}
}

// storagePolicy retries document-store writes. Everything is considered
// transient up to the budget; past it the run fails.
func (e *Engine) storagePolicy(opts product.SyncOptions) *retrier.Policy {
	return &retrier.Policy{
		Attempts: opts.RetryAttempts,
		Classify: func(error) retrier.Classification { return retrier.Retryable },
		Logger:   e.logger,
	}
}

func (e *Engine) summary(run *Run) string {
	p := run.snapshotProgress()

	return fmt.Sprintf("%d created, %d updated, %d skipped, %d errors in %s",
		p.Created, p.Updated, p.Skipped, p.Errors,
		time.Since(run.startTime).Round(time.Millisecond))
}

// errorKind maps a fatal loop error to the taxonomy used on the wire.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	case bitable.IsAuthExpired(err):
		return "AuthExpired"
	case bitable.IsRetryable(err):
		return "TransientUpstream"
	default:
		return "StorageFailure"
	}
}

func makeIDSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}
