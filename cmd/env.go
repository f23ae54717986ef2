package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/orchestrator"
	"github.com/v-shaal/arbitageX/internal/provider"
	"github.com/v-shaal/arbitageX/internal/stage"
	"github.com/v-shaal/arbitageX/internal/taskstore"
	anthropicpkg "github.com/v-shaal/arbitageX/pkg/anthropic"
	"github.com/v-shaal/arbitageX/pkg/firecrawl"
	"github.com/v-shaal/arbitageX/pkg/jina"
)

// pipelineEnv holds the initialized store and dispatcher needed by the
// serve/run/tasks commands.
type pipelineEnv struct {
	Store      taskstore.Store
	Dispatcher *orchestrator.Dispatcher
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (taskstore.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "arbitagex.db"
		}
		return taskstore.NewSQLite(path)
	case "postgres":
		return taskstore.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, the provider clients, and the dispatcher.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	fetchClient := &http.Client{Timeout: time.Duration(cfg.Crawl.TimeoutSecs) * time.Second}
	jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL), jina.WithHTTPClient(fetchClient)}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)
	firecrawlClient := firecrawl.NewClient(cfg.Firecrawl.Key,
		firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL),
		firecrawl.WithHTTPClient(fetchClient),
	)
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	fields := provider.DefaultFields()
	if cfg.Extract.FieldsPath != "" {
		fields, err = provider.LoadFields(cfg.Extract.FieldsPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load extraction fields")
		}
		zap.L().Info("loaded extraction fields", zap.String("path", cfg.Extract.FieldsPath), zap.Int("count", len(fields)))
	}

	orchCfg := orchestrator.Config{
		MaxAttempts:      cfg.Orchestrator.MaxAttempts,
		TaskTimeout:      time.Duration(cfg.Orchestrator.TaskTimeoutSecs) * time.Second,
		ReapInterval:     time.Duration(cfg.Orchestrator.ReapIntervalSecs) * time.Second,
		FailOnNoResults:  cfg.Orchestrator.FailOnNoResults,
		MaxSearchResults: cfg.Search.MaxResults,
		Workers: orchestrator.WorkerConfig{
			Search:  cfg.Orchestrator.SearchWorkers,
			Crawl:   cfg.Orchestrator.CrawlWorkers,
			Extract: cfg.Orchestrator.ExtractWorkers,
			Store:   cfg.Orchestrator.StoreWorkers,
		},
		Rates: orchestrator.RateConfig{
			Search:  cfg.Orchestrator.SearchRate,
			Crawl:   cfg.Orchestrator.CrawlRate,
			Extract: cfg.Orchestrator.ExtractRate,
		},
	}

	d, err := orchestrator.New(st, orchCfg,
		stage.NewSearchExecutor(provider.NewJinaSearch(jinaClient), cfg.Search.MaxResults),
		stage.NewCrawlExecutor(provider.NewCrawlChain(firecrawlClient, jinaClient)),
		stage.NewExtractExecutor(provider.NewClaudeExtractor(anthropicClient, cfg.Anthropic.Model, fields,
			provider.WithMaxTokens(int64(cfg.Anthropic.MaxTokens)))),
		stage.NewStoreExecutor(provider.NewRecordSink(st)),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &pipelineEnv{Store: st, Dispatcher: d}, nil
}
