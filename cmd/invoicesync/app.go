package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/agentworkforce/invoicesync/internal/config"
	"github.com/agentworkforce/invoicesync/internal/erpsync"
	"github.com/agentworkforce/invoicesync/internal/httpapi"
	"github.com/agentworkforce/invoicesync/internal/ledger"
	"github.com/agentworkforce/invoicesync/internal/risk"
	"github.com/agentworkforce/invoicesync/internal/ttlcache"
)

// app holds the process-wide components shared by every command.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     ledger.Store
	source    erpsync.Source
	dirSource *erpsync.DirSource
	cache     *ttlcache.Cache[any]
	feed      *httpapi.Feed
	engine    *erpsync.Engine
}

func newApp(cfg config.Config, logOutput io.Writer) (*app, error) {
	logger := config.NewLogger(cfg.Log, logOutput)
	slog.SetDefault(logger)

	store, err := ledger.BuildStoreFromDSN(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	source, dirSource, err := buildSource(cfg.ERP, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize ERP source: %w", err)
	}
	scorer, err := buildScorer(cfg.AI, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cache := ttlcache.New[any]()
	feed := httpapi.NewFeed(logger)
	engine, err := erpsync.NewEngine(source, store, scorer, erpsync.EngineOptions{
		MaxCandidates:       cfg.Sync.MaxChangedPerCycle,
		FetchConcurrency:    cfg.Sync.FetchConcurrency,
		HoldCursorOnFailure: cfg.Sync.HoldCursorOnFailure,
		Cache:               cache,
		OnReport:            feed.Publish,
		Logger:              logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		source:    source,
		dirSource: dirSource,
		cache:     cache,
		feed:      feed,
		engine:    engine,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func buildSource(cfg config.ERPConfig, logger *slog.Logger) (erpsync.Source, *erpsync.DirSource, error) {
	if dir := strings.TrimSpace(cfg.SourceDir); dir != "" {
		dirSource, err := erpsync.NewDirSource(dir, logger)
		if err != nil {
			return nil, nil, err
		}
		return dirSource, dirSource, nil
	}
	client := erpsync.NewERPNextClient(erpsync.ERPNextOptions{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	return client, nil, nil
}

func buildScorer(cfg config.AIConfig, logger *slog.Logger) (*risk.Scorer, error) {
	opts := risk.ScorerOptions{Timeout: cfg.Timeout, Logger: logger}
	if cfg.EnrichmentEnabled() {
		enricher, err := risk.NewOpenAIEnricher(risk.OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize enrichment: %w", err)
		}
		opts.Enricher = enricher
		opts.Provider = config.ProviderOpenAI
	}
	return risk.NewScorer(opts), nil
}

func (a *app) newScheduler() *erpsync.Scheduler {
	return erpsync.NewScheduler(a.engine, erpsync.SchedulerOptions{
		Interval:     a.cfg.Sync.Interval(),
		CycleTimeout: a.cfg.Sync.CycleTimeout,
		Logger:       a.logger,
	})
}

// watchSource requests an early cycle whenever the directory source changes.
func (a *app) watchSource(ctx context.Context, trigger func()) {
	if a.dirSource == nil {
		return
	}
	go func() {
		if err := erpsync.WatchDir(ctx, a.dirSource.Dir(), 0, trigger, a.logger); err != nil {
			a.logger.Warn("source directory watch stopped", "dir", a.dirSource.Dir(), "error", err)
		}
	}()
}

func (a *app) runLoop(ctx context.Context) error {
	scheduler := a.newScheduler()
	if !scheduler.Start(ctx) {
		return errors.New("scheduler already running")
	}
	a.watchSource(ctx, scheduler.Trigger)
	<-ctx.Done()
	scheduler.Stop()
	return nil
}
