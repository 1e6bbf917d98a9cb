package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/wsi-batch/internal/config"
	"github.com/animus-labs/wsi-batch/internal/events"
	"github.com/animus-labs/wsi-batch/internal/manifest"
	"github.com/animus-labs/wsi-batch/internal/pipeline"
	"github.com/animus-labs/wsi-batch/internal/platform/objectstore"
	"github.com/animus-labs/wsi-batch/internal/platform/postgres"
	"github.com/animus-labs/wsi-batch/internal/statuscache"
)

// backends are the manifest sinks and result recorders of one submit run.
// The manifest file is always written; every other backend is enabled by
// its environment variables.
type backends struct {
	sinks     []pipeline.Sink
	recorders []pipeline.Recorder
	closers   []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, logger *slog.Logger, cfg config.Config, fileOnly bool) (*backends, error) {
	b := &backends{}
	file, err := manifest.NewFileSink(cfg.ManifestPath())
	if err != nil {
		return nil, err
	}
	b.sinks = append(b.sinks, file)
	if fileOnly {
		return b, nil
	}

	if err := b.openLedger(ctx, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := b.openObjectStore(ctx, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := b.openStatusCache(ctx, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := b.openEvents(logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) openLedger(ctx context.Context, logger *slog.Logger) error {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if !dbCfg.Enabled() {
		return nil
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	b.closers = append(b.closers, db.Close)

	sink := manifest.NewPostgresSink(db)
	if err := sink.EnsureSchema(ctx); err != nil {
		return err
	}
	b.sinks = append(b.sinks, sink)
	logger.Info("manifest ledger enabled")
	return nil
}

func (b *backends) openObjectStore(ctx context.Context, logger *slog.Logger) error {
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid object store config: %w", err)
	}
	if !storeCfg.Enabled() {
		return nil
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return fmt.Errorf("object store client init failed: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, storeCfg); err != nil {
		return fmt.Errorf("object store unavailable: %w", err)
	}
	store, err := objectstore.NewMinioStore(client)
	if err != nil {
		return err
	}
	sink, err := manifest.NewObjectSink(store, storeCfg.Bucket)
	if err != nil {
		return err
	}
	b.sinks = append(b.sinks, sink)
	logger.Info("manifest upload enabled", "bucket", storeCfg.Bucket)
	return nil
}

func (b *backends) openStatusCache(ctx context.Context, logger *slog.Logger) error {
	cacheCfg, err := statuscache.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid redis config: %w", err)
	}
	if !cacheCfg.Enabled() {
		return nil
	}
	rec, client, err := statuscache.NewRedisRecorder(ctx, cacheCfg)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, client.Close)
	b.recorders = append(b.recorders, rec)
	logger.Info("status cache enabled", "key_prefix", cacheCfg.KeyPrefix)
	return nil
}

func (b *backends) openEvents(logger *slog.Logger) error {
	evCfg, err := events.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid amqp config: %w", err)
	}
	if !evCfg.Enabled() {
		return nil
	}
	pub, err := events.Dial(evCfg)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, pub.Close)
	b.recorders = append(b.recorders, pub)
	logger.Info("submission events enabled", "queue", evCfg.Queue)
	return nil
}
