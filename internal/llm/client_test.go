package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/service"
)

type fakeProvider struct {
	probeErr error
	chat     func(ctx context.Context, req ChatRequest) (string, error)
	vec      []float32
	calls    atomic.Int32
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-model" }
func (f *fakeProvider) Probe(context.Context) error {
	return f.probeErr
}
func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (string, error) {
	f.calls.Add(1)
	if f.chat != nil {
		return f.chat(ctx, req)
	}
	return "hello from fake", nil
}
func (f *fakeProvider) Embed(context.Context, string, EmbedTask) ([]float32, error) {
	f.calls.Add(1)
	return f.vec, nil
}

func TestChatAvailable(t *testing.T) {
	p := &fakeProvider{}
	c := New(context.Background(), p, nil, Options{AllowMock: true, Logger: zerolog.Nop()})
	require.Equal(t, service.Available, c.State().Availability())

	got, err := c.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from fake", got.Text)
	assert.Equal(t, "fake-model", got.Model)
	assert.False(t, got.Mock)
}

func TestChatMockModeIsMarked(t *testing.T) {
	var mocks atomic.Int32
	c := New(context.Background(), nil, apperr.Configuration("gemini", "GEMINI_API_KEY"), Options{
		AllowMock: true,
		Logger:    zerolog.Nop(),
		OnMock:    func(string) { mocks.Add(1) },
	})
	require.Equal(t, service.MockMode, c.State().Availability())

	got, err := c.Chat(context.Background(), ChatRequest{Prompt: "Hello"})
	require.NoError(t, err)
	assert.True(t, got.Mock)
	assert.True(t, strings.HasPrefix(got.Text, MockMarker))
	assert.Contains(t, got.Text, "Hello")
	assert.Equal(t, int32(1), mocks.Load())
}

func TestUnavailableFailsFastWithoutProviderCalls(t *testing.T) {
	p := &fakeProvider{probeErr: errors.New("401 unauthorized")}
	c := New(context.Background(), p, nil, Options{AllowMock: false, Logger: zerolog.Nop()})
	require.Equal(t, service.Unavailable, c.State().Availability())

	_, err := c.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	_, err = c.EmbedQuery(context.Background(), "hi")
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestChatTimeout(t *testing.T) {
	p := &fakeProvider{chat: func(ctx context.Context, _ ChatRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := New(context.Background(), p, nil, Options{ChatTimeout: 20 * time.Millisecond, Logger: zerolog.Nop()})

	_, err := c.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.ErrorIs(t, err, apperr.ErrTimeout)
}

func TestChatUpstreamFailureIsNotRetried(t *testing.T) {
	p := &fakeProvider{chat: func(context.Context, ChatRequest) (string, error) {
		return "", apperr.Upstream("fake", "chat", 503, nil)
	}}
	c := New(context.Background(), p, nil, Options{Logger: zerolog.Nop()})

	_, err := c.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	p := &fakeProvider{vec: []float32{1, 0, 0}}
	c := New(context.Background(), p, nil, Options{Dimensions: 4, Logger: zerolog.Nop()})

	_, err := c.EmbedDocument(context.Background(), "tea")
	require.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestMockEmbeddingsAreDeterministicAndSimilar(t *testing.T) {
	a := HashEmbedding("I like tea", 768)
	b := HashEmbedding("I like tea", 768)
	q := HashEmbedding("tea", 768)
	other := HashEmbedding("quantum chromodynamics lecture", 768)

	assert.Equal(t, a, b)
	assert.Greater(t, dot(a, q), dot(other, q))
	assert.InDelta(t, 1.0, dot(a, a), 1e-5)
}

func TestMockReplyTruncatesPrompt(t *testing.T) {
	long := strings.Repeat("x", 80)
	got := MockReply(long)
	assert.Contains(t, got, "'"+strings.Repeat("x", 50)+"...'")
	assert.NotContains(t, got, strings.Repeat("x", 51))
}

func TestNewProviderAutoWithoutKeysNamesVariable(t *testing.T) {
	p, err := NewProvider(context.Background(), SelectConfig{Mode: "auto"})
	assert.Nil(t, p)
	require.ErrorIs(t, err, apperr.ErrConfiguration)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestNewProviderOpenAIFallback(t *testing.T) {
	p, err := NewProvider(context.Background(), SelectConfig{Mode: "auto", OpenAI: OpenAIConfig{APIKey: "sk-test", ChatModel: "gpt-4o-mini"}})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
