package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/config"
	"github.com/ent0n29/abel/internal/conversation"
	"github.com/ent0n29/abel/internal/httpapi"
	"github.com/ent0n29/abel/internal/llm"
	"github.com/ent0n29/abel/internal/memory"
	"github.com/ent0n29/abel/internal/observability"
	"github.com/ent0n29/abel/internal/orchestrator"
	"github.com/ent0n29/abel/internal/service"
	"github.com/ent0n29/abel/internal/supabase"
	"github.com/ent0n29/abel/internal/tools"
	"github.com/ent0n29/abel/internal/voice"
)

type BuildResult struct {
	Config        config.Config
	API           *httpapi.Server
	Registry      *service.Registry
	Conversations *conversation.Manager
	Metrics       *observability.Metrics

	// Cleanup releases pools and connections and stops background work.
	Cleanup func() error
}

// Build constructs every client, registers its service state and wires the
// HTTP API. With mock mode disallowed, a required service missing its
// credentials fails the build with that ConfigurationError.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	registry := service.NewRegistry(cfg.RequiredServices)
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))

	var closers []func() error
	cleanup := func() error {
		stop()
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	auth := newAuth(ctx, cfg, logger, metrics)
	closers = append(closers, func() error { auth.Close(); return nil })

	llmClient, err := newLLM(ctx, cfg, logger, metrics)
	if err != nil {
		return fail(err)
	}

	pipeline, storeState, closeStore, err := newMemory(ctx, cfg, logger, metrics, auth, llmClient)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	history, cacheState, closeHistory := newHistory(ctx, cfg, logger, metrics)
	closers = append(closers, closeHistory)
	conversations := conversation.NewManager(cfg.ConversationInactivityTimeout, history, logger.With().Str("component", "conversations").Logger())
	conversations.SetExpireHook(func(c *conversation.Conversation) {
		logger.Debug().Str("conversation_id", c.ID).Int("turns", c.Turns).Msg("conversation expired")
	})
	conversations.StartJanitor(runCtx, janitorInterval(cfg.ConversationInactivityTimeout))

	toolRegistry, err := newTools(ctx, cfg, logger, metrics)
	if err != nil {
		return fail(err)
	}

	speech := newVoice(ctx, cfg, logger, metrics)

	states := []*service.State{auth.State(), llmClient.State(), speech.State()}
	if storeState != nil {
		states = append(states, storeState)
	}
	if cacheState != nil {
		states = append(states, cacheState)
	}
	states = append(states, toolRegistry.States()...)
	for _, s := range states {
		if err := registry.Register(s); err != nil {
			return fail(err)
		}
	}

	if err := startupError(cfg, registry); err != nil {
		return fail(err)
	}

	report := registry.Snapshot()
	httpapi.RecordAvailability(metrics, report)
	for _, h := range report.Details {
		logger.Info().
			Str("service", h.Name).
			Str("availability", string(h.Availability)).
			Str("last_error", h.LastError).
			Msg("service initialized")
	}
	logger.Info().Str("status", report.Status).Bool("degraded", report.OverallDegraded).Msg(report.Message)

	assistant := orchestrator.New(orchestrator.Options{
		LLM:           llmClient,
		Memory:        pipeline,
		Tools:         toolRegistry,
		Conversations: conversations,
		SystemPrompt:  cfg.SystemPrompt,
		HistoryLimit:  cfg.ConversationHistoryLimit,
		RecallTopK:    cfg.MemoryRecallTopK,
		AutoStore:     cfg.MemoryAutoStore,
		Logger:        logger.With().Str("component", "orchestrator").Logger(),
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Assistant:     assistant,
		Memory:        pipeline,
		Auth:          auth,
		Tools:         toolRegistry,
		Voice:         speech,
		Readiness:     registry,
		Conversations: conversations,
		Metrics:       metrics,
		Logger:        logger.With().Str("component", "http").Logger(),
	})

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Registry:      registry,
		Conversations: conversations,
		Metrics:       metrics,
		Cleanup:       cleanup,
	}, nil
}

// startupError applies the mock policy to required services: when mocks are
// not allowed, a missing credential is fatal instead of a degraded start.
func startupError(cfg config.Config, registry *service.Registry) error {
	if cfg.AllowMockMode {
		return nil
	}
	for _, name := range cfg.RequiredServices {
		s, ok := registry.Get(strings.TrimSpace(name))
		if !ok || s.Availability() != service.Unavailable {
			continue
		}
		if err := s.InitErr(); errors.Is(err, apperr.ErrConfiguration) {
			return err
		}
	}
	return nil
}

func newLLM(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (*llm.Client, error) {
	provider, setupErr := llm.NewProvider(ctx, llm.SelectConfig{
		Mode: cfg.LLMProvider,
		Gemini: llm.GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			ChatModel:  cfg.GeminiChatModel,
			EmbedModel: cfg.GeminiEmbedModel,
		},
		OpenAI: llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			ChatModel:  cfg.OpenAIChatModel,
			EmbedModel: cfg.OpenAIEmbedModel,
		},
		Gen: llm.GenerationOptions{
			Temperature: cfg.LLMTemperature,
			MaxTokens:   cfg.LLMMaxTokens,
			Dimensions:  cfg.MemoryEmbeddingDim,
		},
	})
	if setupErr != nil && apperr.KindOf(setupErr) == apperr.KindInternal {
		return nil, fmt.Errorf("llm provider init failed: %w", setupErr)
	}
	return llm.New(ctx, provider, setupErr, llm.Options{
		AllowMock:    cfg.AllowMockMode,
		ProbeTimeout: cfg.ProbeTimeout,
		ChatTimeout:  cfg.LLMTimeout,
		EmbedTimeout: cfg.EmbeddingTimeout,
		Dimensions:   cfg.MemoryEmbeddingDim,
		Logger:       logger.With().Str("component", "llm").Logger(),
		Observer:     metrics,
		OnMock:       metrics.ObserveMock,
	}), nil
}
