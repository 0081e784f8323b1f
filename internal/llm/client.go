package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/reliability"
	"github.com/ent0n29/abel/internal/service"
)

// ServiceName is the registry name of the LLM client.
const ServiceName = "llm"

// Completion is a chat result.
type Completion struct {
	Text  string
	Model string
	Mock  bool
}

// Embedding is a vector plus whether it came from the mock.
type Embedding struct {
	Vector []float32
	Mock   bool
}

type Options struct {
	AllowMock    bool
	ProbeTimeout time.Duration
	ChatTimeout  time.Duration
	EmbedTimeout time.Duration
	Dimensions   int
	Logger       zerolog.Logger
	Observer     reliability.Observer
	// OnMock is called whenever a synthetic answer is served.
	OnMock func(service string)
}

// Client gates provider calls on the service state.
type Client struct {
	state    *service.State
	provider Provider
	mock     *MockProvider
	opts     Options
}

// New probes provider once. setupErr is the error from building the
// provider (for instance a missing API key); it becomes the probe result.
func New(ctx context.Context, provider Provider, setupErr error, opts Options) *Client {
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 60 * time.Second
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 20 * time.Second
	}
	c := &Client{
		provider: provider,
		mock:     NewMockProvider(opts.Dimensions),
		opts:     opts,
	}
	probe := func(ctx context.Context) error {
		if setupErr != nil {
			return setupErr
		}
		if provider == nil {
			return apperr.Configuration(ServiceName, "LLM_PROVIDER")
		}
		return provider.Probe(ctx)
	}
	c.state = service.Init(ctx, service.Spec{
		Name:         ServiceName,
		Kind:         service.KindLLM,
		HasMock:      true,
		AllowMock:    opts.AllowMock,
		ProbeTimeout: opts.ProbeTimeout,
	}, probe, opts.Logger)
	return c
}

func (c *Client) State() *service.State { return c.state }

// Model reports the chat model name, "mock" while degraded.
func (c *Client) Model() string {
	if c.provider == nil || c.state.Availability() != service.Available {
		return c.mock.Model()
	}
	return c.provider.Model()
}

// Chat returns a completion, a marked mock answer while degraded, or a
// ServiceUnavailable error without any network I/O.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (Completion, error) {
	mock, err := c.state.Gate("chat")
	if err != nil {
		return Completion{}, err
	}
	if mock {
		c.noteMock()
		text, _ := c.mock.Chat(ctx, req)
		return Completion{Text: text, Model: c.mock.Model(), Mock: true}, nil
	}

	text, err := reliability.Call(ctx, c.callSpec("chat", c.opts.ChatTimeout), func(ctx context.Context) (string, error) {
		return c.provider.Chat(ctx, req)
	})
	if err != nil {
		return Completion{}, err
	}
	return Completion{Text: text, Model: c.provider.Model()}, nil
}

// EmbedDocument embeds text for storage.
func (c *Client) EmbedDocument(ctx context.Context, text string) (Embedding, error) {
	return c.embed(ctx, text, TaskDocument)
}

// EmbedQuery embeds a search query.
func (c *Client) EmbedQuery(ctx context.Context, text string) (Embedding, error) {
	return c.embed(ctx, text, TaskQuery)
}

func (c *Client) embed(ctx context.Context, text string, task EmbedTask) (Embedding, error) {
	mock, err := c.state.Gate("embed")
	if err != nil {
		return Embedding{}, err
	}
	if mock {
		vec, _ := c.mock.Embed(ctx, text, task)
		return Embedding{Vector: vec, Mock: true}, nil
	}

	vec, err := reliability.Call(ctx, c.callSpec("embed", c.opts.EmbedTimeout), func(ctx context.Context) ([]float32, error) {
		return c.provider.Embed(ctx, text, task)
	})
	if err != nil {
		return Embedding{}, err
	}
	if c.opts.Dimensions > 0 && len(vec) != c.opts.Dimensions {
		return Embedding{}, apperr.Upstream(c.provider.Name(), "embed", 0,
			fmt.Errorf("embedding has %d dimensions, want %d", len(vec), c.opts.Dimensions))
	}
	return Embedding{Vector: vec}, nil
}

func (c *Client) callSpec(op string, timeout time.Duration) reliability.CallSpec {
	return reliability.CallSpec{
		Provider: c.provider.Name(),
		Op:       op,
		Timeout:  timeout,
		Logger:   c.opts.Logger,
		Observer: c.opts.Observer,
	}
}

func (c *Client) noteMock() {
	if c.opts.OnMock != nil {
		c.opts.OnMock(ServiceName)
	}
}
