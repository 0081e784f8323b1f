package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/config"
	"github.com/ent0n29/abel/internal/conversation"
	"github.com/ent0n29/abel/internal/memory"
	"github.com/ent0n29/abel/internal/observability"
	"github.com/ent0n29/abel/internal/service"
	"github.com/ent0n29/abel/internal/supabase"
	"github.com/ent0n29/abel/internal/tools"
	"github.com/ent0n29/abel/internal/voice"
)

func newAuth(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) *supabase.Client {
	return supabase.New(ctx, supabase.Config{
		URL:             cfg.SupabaseURL,
		AnonKey:         cfg.SupabaseAnonKey,
		DatabaseURL:     cfg.DatabaseURL,
		RequireDatabase: cfg.MemoryBackend == "" || cfg.MemoryBackend == "postgres",
		Timeout:         cfg.SupabaseTimeout,
		AllowMock:       cfg.AllowMockMode,
		ProbeTimeout:    cfg.ProbeTimeout,
		Logger:          logger.With().Str("component", "supabase").Logger(),
		Observer:        metrics,
	})
}

// newMemory builds the store and pipeline. The postgres store rides on the
// auth_db pool and state; other backends get their own vector_store state,
// returned for registration.
func newMemory(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics, auth *supabase.Client, embedder memory.Embedder) (*memory.Pipeline, *service.State, func() error, error) {
	logger = logger.With().Str("component", "memory").Str("backend", cfg.MemoryBackend).Logger()
	opts := memory.PipelineOptions{
		Embedder:        embedder,
		Dimensions:      cfg.MemoryEmbeddingDim,
		DefaultTopK:     cfg.MemoryRecallTopK,
		DefaultMinScore: cfg.MemoryRecallMinimum,
		StorageTimeout:  cfg.StorageTimeout,
		Logger:          logger,
		Observer:        metrics,
		OnResult:        metrics.ObserveMemory,
	}
	noop := func() error { return nil }

	if cfg.MemoryBackend == "" || cfg.MemoryBackend == "postgres" {
		opts.State = auth.State()
		// The pool exists once auth_db has connected, possibly only after a
		// reprobe; the pipeline opens the store on first use after that.
		opts.OpenStore = func(ctx context.Context) (memory.Store, error) {
			pool := auth.Pool()
			if pool == nil {
				return nil, apperr.Unavailable(memory.ServiceName, "open", errors.New("database pool not connected"))
			}
			return memory.NewStore(ctx, memory.BackendConfig{Backend: "postgres", Dimensions: cfg.MemoryEmbeddingDim, Pool: pool})
		}
		if pool := auth.Pool(); pool != nil && auth.State().Availability() == service.Available {
			store, err := opts.OpenStore(ctx)
			if err != nil {
				if !cfg.AllowMockMode {
					return nil, nil, nil, fmt.Errorf("memory store init failed: %w", err)
				}
				logger.Warn().Err(err).Msg("memory schema unavailable, retrying on first use")
			} else {
				opts.Store = store
			}
		}
		pipeline := memory.NewPipeline(opts)
		return pipeline, nil, pipeline.Close, nil
	}

	store, openErr := memory.NewStore(ctx, memory.BackendConfig{
		Backend:    cfg.MemoryBackend,
		SQLitePath: cfg.MemorySQLitePath,
		Dimensions: cfg.MemoryEmbeddingDim,
	})
	if openErr != nil && !cfg.AllowMockMode {
		return nil, nil, nil, fmt.Errorf("memory store init failed: %w", openErr)
	}
	state := service.Init(ctx, service.Spec{
		Name:         memory.ServiceName,
		Kind:         service.KindVector,
		HasMock:      true,
		AllowMock:    cfg.AllowMockMode,
		ProbeTimeout: cfg.ProbeTimeout,
	}, func(ctx context.Context) error {
		if store == nil {
			return apperr.Storage(cfg.MemoryBackend, "open", openErr)
		}
		return store.Ping(ctx)
	}, logger)

	opts.Store = store
	opts.State = state
	closeStore := noop
	if store != nil {
		closeStore = store.Close
	}
	return memory.NewPipeline(opts), state, closeStore, nil
}

// newHistory uses Redis when REDIS_URL is set. Without it history stays in
// process and no cache service is registered.
func newHistory(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (conversation.HistoryStore, *service.State, func() error) {
	if cfg.RedisURL == "" {
		return conversation.NewMemoryHistory(0), nil, func() error { return nil }
	}
	h := conversation.NewRedisHistory(ctx, conversation.RedisConfig{
		URL:          cfg.RedisURL,
		TTL:          cfg.ConversationHistoryTTL,
		AllowMock:    cfg.AllowMockMode,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       logger.With().Str("component", "redis").Logger(),
		Observer:     metrics,
	})
	return h, h.State(), h.Close
}

func newTools(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (*tools.Registry, error) {
	reg := tools.NewRegistry(tools.Options{
		Timeout:      cfg.ToolTimeout,
		AllowMock:    cfg.AllowMockMode,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       logger.With().Str("component", "tools").Logger(),
		Observer:     metrics,
		OnMock:       metrics.ObserveMock,
	})
	all := []tools.Tool{
		tools.NewWeather(tools.WeatherConfig{BaseURL: cfg.WeatherBaseURL, GeocodeURL: cfg.WeatherGeocodeURL}),
		tools.NewNews(tools.NewsConfig{APIKey: cfg.NewsAPIKey, BaseURL: cfg.NewsBaseURL}),
	}
	for _, t := range all {
		if err := reg.Register(ctx, t); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}
	return reg, nil
}

func newVoice(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) *voice.Client {
	return voice.New(ctx, voice.Config{
		APIKey:       cfg.ElevenLabsAPIKey,
		BaseURL:      cfg.ElevenLabsBaseURL,
		WSBaseURL:    cfg.ElevenLabsWSBaseURL,
		VoiceID:      cfg.ElevenLabsVoiceID,
		TTSModelID:   cfg.ElevenLabsTTSModel,
		STTModelID:   cfg.ElevenLabsSTTModel,
		OutputFormat: cfg.ElevenLabsOutputFormat,
		Timeout:      cfg.VoiceTimeout,
		AllowMock:    cfg.AllowMockMode,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       logger.With().Str("component", "voice").Logger(),
		Observer:     metrics,
		OnMock:       metrics.ObserveMock,
	})
}

func janitorInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}
