package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ent0n29/abel/internal/apperr"
)

// OpenAIProvider uses the OpenAI chat and embeddings APIs. Any compatible
// endpoint works through BaseURL.
type OpenAIProvider struct {
	client     openai.Client
	chatModel  string
	embedModel string
	opts       GenerationOptions
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

func NewOpenAIProvider(cfg OpenAIConfig, opts GenerationOptions) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperr.Configuration("openai", "OPENAI_API_KEY")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are driven by reliability.Call so timeouts stay bounded.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client:     openai.NewClient(reqOpts...),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		opts:       opts,
	}, nil
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.chatModel }

func (p *OpenAIProvider) Probe(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.chatModel); err != nil {
		return translateOpenAIError("probe", err)
	}
	return nil
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		if normalizeRole(m.Role) == RoleUser {
			messages = append(messages, openai.UserMessage(m.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.chatModel),
		Messages:    messages,
		Temperature: openai.Float(p.opts.Temperature),
	}
	if p.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.opts.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", translateOpenAIError("chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Upstream("openai", "chat", 0, errors.New("no choices returned"))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", apperr.Upstream("openai", "chat", 0, errors.New("empty response"))
	}
	return text, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string, _ EmbedTask) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	}
	if p.opts.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(p.opts.Dimensions))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, translateOpenAIError("embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, apperr.Upstream("openai", "embed", 0, errors.New("no embeddings returned"))
	}
	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out, nil
}

func translateOpenAIError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apperr.Upstream("openai", op, apiErr.StatusCode, errors.New(apiErr.Type))
	}
	return apperr.Upstream("openai", op, 0, err)
}
