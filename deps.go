package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minghsu/prodsync/internal/bitable"
	"github.com/minghsu/prodsync/internal/config"
	"github.com/minghsu/prodsync/internal/engine"
	"github.com/minghsu/prodsync/internal/images"
	"github.com/minghsu/prodsync/internal/mapper"
	"github.com/minghsu/prodsync/internal/objstore"
	"github.com/minghsu/prodsync/internal/progress"
	"github.com/minghsu/prodsync/internal/store"
)

// deps is the assembled service graph shared by serve and the one-shot
// sync command.
type deps struct {
	store   *store.Store
	objects *objstore.ObjectStore
	bus     *progress.Bus
	engine  *engine.Engine
}

// buildDeps opens storage, connects the object store, and wires the
// upstream client, image pipeline, bus, and engine together.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	st, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	objects, err := objstore.New(ctx, cfg.ObjectStore, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connecting object store: %w", err)
	}

	httpClient := newHTTPClient(cfg)

	tokens := bitable.NewTokenManager(
		cfg.Upstream.BaseURL, cfg.Upstream.AppID, cfg.Upstream.Secret,
		httpClient, logger,
	)

	upstream := bitable.NewClient(
		cfg.Upstream.BaseURL, cfg.Upstream.AppToken, cfg.Upstream.TableID,
		httpClient, tokens,
		engine.NewLimiter(cfg.Sync.UpstreamRPS), logger,
	)

	fetcher := images.New(
		upstream, objects, st,
		httpClient,
		engine.NewLimiter(cfg.Sync.ImageRPS),
		upstream, logger,
	)

	bus := progress.NewBus(logger)

	eng := engine.New(engine.Config{
		Source:   upstream,
		Mapper:   mapper.New(),
		Repo:     st,
		Fetcher:  fetcher,
		Bus:      bus,
		Defaults: cfg.Sync,
		Logger:   logger,
	})

	return &deps{
		store:   st,
		objects: objects,
		bus:     bus,
		engine:  eng,
	}, nil
}

func (d *deps) close() {
	d.bus.Close()

	if err := d.store.Close(); err != nil {
		slog.Warn("closing store", slog.String("error", err.Error()))
	}
}
