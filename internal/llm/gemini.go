package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/abel/internal/apperr"
)

// GeminiProvider talks to the Gemini API through the genai SDK.
type GeminiProvider struct {
	client     *genai.Client
	chatModel  string
	embedModel string
	opts       GenerationOptions
}

type GeminiConfig struct {
	APIKey     string
	ChatModel  string
	EmbedModel string
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig, opts GenerationOptions) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperr.Configuration("gemini", "GEMINI_API_KEY")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, apperr.Invalid("gemini", "GEMINI_API_KEY", err)
	}
	return &GeminiProvider{
		client:     client,
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		opts:       opts,
	}, nil
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.chatModel }

// Probe fetches the chat model metadata, which fails on a bad key.
func (p *GeminiProvider) Probe(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.chatModel, nil); err != nil {
		return translateGeminiError("probe", err)
	}
	return nil
}

func (p *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (string, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleModel)
		if normalizeRole(m.Role) == RoleUser {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	gc := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.opts.Temperature)),
		MaxOutputTokens: int32(p.opts.MaxTokens),
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.chatModel, contents, gc)
	if err != nil {
		return "", translateGeminiError("chat", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", apperr.Upstream("gemini", "chat", 0, errors.New("empty response"))
	}
	return text, nil
}

func (p *GeminiProvider) Embed(ctx context.Context, text string, task EmbedTask) ([]float32, error) {
	ec := &genai.EmbedContentConfig{TaskType: string(task)}
	if p.opts.Dimensions > 0 {
		ec.OutputDimensionality = genai.Ptr(int32(p.opts.Dimensions))
	}
	result, err := p.client.Models.EmbedContent(ctx, p.embedModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, ec)
	if err != nil {
		return nil, translateGeminiError("embed", err)
	}
	if len(result.Embeddings) == 0 || result.Embeddings[0] == nil {
		return nil, apperr.Upstream("gemini", "embed", 0, errors.New("no embeddings returned"))
	}
	return result.Embeddings[0].Values, nil
}

func translateGeminiError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apperr.Upstream("gemini", op, apiErr.Code, fmt.Errorf("%s", apiErr.Status))
	}
	return apperr.Upstream("gemini", op, 0, err)
}
