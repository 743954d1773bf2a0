package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/periscopehq/periscope/assistant"
	"github.com/periscopehq/periscope/config"
	"github.com/periscopehq/periscope/internal/telemetry"
	"github.com/periscopehq/periscope/llm/openaicompat"
	"github.com/periscopehq/periscope/observability"
	"github.com/periscopehq/periscope/search"
)

// App 把配置装配为可运行的问答流水线及其观测设施
type App struct {
	Assistant *assistant.Assistant

	exporter  *observability.IngestExporter
	providers *telemetry.Providers
	logger    *zap.Logger
}

// newApp 按配置装配流水线：LLM Provider、搜索客户端与缓存、
// 追踪器与上报器、OTel 遥测。
func newApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	app.providers = providers

	var tracer *observability.Tracer
	if cfg.Observability.Enabled {
		exporter := observability.NewIngestExporter(cfg.Observability.Ingest, logger)
		metrics := observability.NewMetrics(cfg.Observability.MetricsNamespace, nil)
		exporter.SetMetrics(metrics)
		app.exporter = exporter

		tracer = observability.NewTracer(observability.TracerConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Exporter:    exporter,
			Metrics:     metrics,
		}, providers.Tracer("periscope"), logger)
	}

	provider := openaicompat.New(openaicompat.Config{
		ProviderName: cfg.LLM.Provider,
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout,
	}, logger)

	cache, err := buildCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	searcher := search.New(cfg.Search, cache, logger)

	a, err := assistant.New(cfg.Assistant, provider, searcher, tracer, logger)
	if err != nil {
		return nil, err
	}
	app.Assistant = a
	return app, nil
}

// buildCache 按配置选择搜索缓存后端
func buildCache(cfg config.CacheConfig, logger *zap.Logger) (search.Cache, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return search.NewMemoryCache(cfg.TTL), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return search.NewRedisCache(client, cfg.TTL, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Close 送出剩余追踪事件并关闭遥测
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.exporter != nil {
		if err := a.exporter.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.providers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
