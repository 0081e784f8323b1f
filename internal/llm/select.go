package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/abel/internal/apperr"
)

// SelectConfig controls provider construction.
type SelectConfig struct {
	Mode   string // auto|gemini|openai|mock
	Gemini GeminiConfig
	OpenAI OpenAIConfig
	Gen    GenerationOptions
}

// NewProvider builds the provider for cfg.Mode. In auto mode Gemini wins
// when its key is set, then OpenAI. The returned error is the setup error
// to hand to New; a nil provider with an error means no backend is usable.
func NewProvider(ctx context.Context, cfg SelectConfig) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.Gemini.APIKey) != "" {
			return newGemini(ctx, cfg)
		}
		if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
			return newOpenAI(cfg)
		}
		return nil, apperr.Configuration(ServiceName, "GEMINI_API_KEY")
	case "gemini":
		return newGemini(ctx, cfg)
	case "openai":
		return newOpenAI(cfg)
	case "mock":
		return NewMockProvider(cfg.Gen.Dimensions), &apperr.Error{
			Kind:     apperr.KindConfiguration,
			Provider: ServiceName,
			Msg:      "LLM_PROVIDER=mock selects synthetic responses",
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Mode)
	}
}

func newGemini(ctx context.Context, cfg SelectConfig) (Provider, error) {
	p, err := NewGeminiProvider(ctx, cfg.Gemini, cfg.Gen)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newOpenAI(cfg SelectConfig) (Provider, error) {
	p, err := NewOpenAIProvider(cfg.OpenAI, cfg.Gen)
	if err != nil {
		return nil, err
	}
	return p, nil
}
