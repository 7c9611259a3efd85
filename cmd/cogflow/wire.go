package main

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"go.opentelemetry.io/otel"

	cognitiveworkflow "github.com/NiccoloCase/cognitive-workflow"
	"github.com/NiccoloCase/cognitive-workflow/catalog"
	"github.com/NiccoloCase/cognitive-workflow/config"
	"github.com/NiccoloCase/cognitive-workflow/engine"
	"github.com/NiccoloCase/cognitive-workflow/logging"
	"github.com/NiccoloCase/cognitive-workflow/model"
	"github.com/NiccoloCase/cognitive-workflow/model/anthropic"
	"github.com/NiccoloCase/cognitive-workflow/model/openai"
	"github.com/NiccoloCase/cognitive-workflow/model/rediscache"
	"github.com/NiccoloCase/cognitive-workflow/observability"
)

func newLogger(cfg config.LogConfig) (*logging.StructuredLogger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewSlogLogger(level, cfg.Format, cfg.AddSource), nil
}

// newEmbedder builds the configured embedder, rate limited and optionally
// fronted by the redis cache.
func newEmbedder(cfg *config.Config, logger logging.Logger) (model.Embedder, func() error, error) {
	var emb model.Embedder
	namespace := cfg.Provider.Embedding.Provider
	switch cfg.Provider.Embedding.Provider {
	case "hash":
		emb = model.NewHashEmbedder(0)
	case "openai":
		emb = openai.NewEmbedder(func(o *openai.Options) {
			if cfg.Provider.Embedding.Model != "" {
				o.EmbeddingModel = cfg.Provider.Embedding.Model
			}
			o.APIKey = cfg.Provider.Embedding.APIKey
			o.BaseURL = cfg.Provider.Embedding.BaseURL
		})
		namespace += ":" + cfg.Provider.Embedding.Model
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider.Embedding.Provider)
	}

	if limiter := model.NewLimiter(cfg.Provider.RateLimit, cfg.Provider.Burst); limiter != nil {
		emb = model.NewRateLimitedEmbedder(emb, limiter)
	}

	closer := func() error { return nil }
	if cfg.Cache.RedisAddr != "" {
		client := rediscache.NewClient(cfg.Cache.RedisAddr)
		emb = rediscache.New(emb, client, func(o *rediscache.Options) {
			o.Namespace = namespace
			o.TTL = cfg.Cache.TTL
			o.Logger = logger
		})
		closer = client.Close
	}
	return emb, closer, nil
}

// newCompletionModel builds the configured completion model.
func newCompletionModel(cfg *config.Config) (model.Model, error) {
	mc := cfg.Provider.Completion
	var m model.Model
	switch mc.Provider {
	case "mock":
		m = model.NewMockModel(orDefault(mc.Model, "mock"))
	case "openai":
		m = openai.NewModel(func(o *openai.Options) {
			if mc.Model != "" {
				o.Model = mc.Model
			}
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
		})
	case "anthropic":
		m = anthropic.NewModel(func(o *anthropic.Options) {
			if mc.Model != "" {
				o.Model = anthropicsdk.Model(mc.Model)
			}
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
		})
	default:
		return nil, fmt.Errorf("unknown completion provider %q", mc.Provider)
	}

	if limiter := model.NewLimiter(cfg.Provider.RateLimit, cfg.Provider.Burst); limiter != nil {
		m = model.NewRateLimitedModel(m, limiter)
	}
	return m, nil
}

// newSink returns the log sink, teed into an OTLP exporting sink when
// telemetry is enabled. The returned shutdown flushes the exporter.
func newSink(ctx context.Context, cfg config.TelemetryConfig, logger logging.Logger) (observability.Sink, func(context.Context) error, error) {
	logSink := observability.NewLogSink(logger)
	if !cfg.Enabled {
		return logSink, func(context.Context) error { return nil }, nil
	}

	tp, err := observability.NewTracerProvider(ctx, observability.TracerConfig{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.Insecure,
	})
	if err != nil {
		return nil, nil, err
	}
	otelSink, err := observability.NewOTelSink(tp, otel.GetMeterProvider())
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	return observability.MultiSink{logSink, otelSink}, tp.Shutdown, nil
}

// openStore opens the configured catalog store.
func openStore(ctx context.Context, cfg config.CatalogConfig, logger logging.Logger) (catalog.Store, func() error, error) {
	switch cfg.Driver {
	case "file":
		return catalog.NewFileSource(cfg.Path), func() error { return nil }, nil
	case "sqlite", "postgres":
		store, err := catalog.Open(ctx, catalog.Dialect(cfg.Driver), cfg.DSN, func(o *catalog.SQLStoreOptions) {
			o.Logger = logger
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown catalog driver %q", cfg.Driver)
	}
}

// runtime is a fully wired System plus the resources to release afterwards.
type runtime struct {
	system  *cognitiveworkflow.System
	logger  *logging.StructuredLogger
	closers []func(context.Context) error
}

func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// newRuntime wires a System from cfg and loads the configured catalog into it.
func newRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	rt := &runtime{logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()

	emb, closeCache, err := newEmbedder(cfg, logger.WithComponent("embedder"))
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return closeCache() })

	completion, err := newCompletionModel(cfg)
	if err != nil {
		return nil, err
	}

	sink, shutdown, err := newSink(ctx, cfg.Telemetry, logger.WithComponent("observability"))
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, shutdown)

	store, closeStore, err := openStore(ctx, cfg.Catalog, logger.WithComponent("catalog"))
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return closeStore() })

	rt.system, err = cognitiveworkflow.New(func(o *cognitiveworkflow.Options) {
		o.Engine = engine.Config{
			MaxParallelNodes: cfg.Engine.MaxParallelNodes,
			MaxAICalls:       cfg.Engine.MaxAICalls,
			RunTimeout:       cfg.Engine.RunTimeout,
		}
		o.MaxConcurrentRuns = cfg.Engine.MaxConcurrentRuns
		o.Threshold = cfg.Intent.Threshold
		o.TopK = cfg.Intent.TopK
		o.ReloadConcurrency = cfg.Intent.ReloadConcurrency
		o.Embedder = emb
		o.Models = map[string]model.Model{completion.Info().Name: completion}
		o.DefaultModel = completion
		o.NodeTimeout = cfg.Engine.NodeTimeout
		o.Sink = sink
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	if err := rt.system.LoadFrom(ctx, store); err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return rt, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
