package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ent0n29/abel/internal/apperr"
)

func newGeminiTestServer(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewGeminiProvider(context.Background(), GeminiConfig{
		APIKey:     "g-test",
		ChatModel:  "gemini-test",
		EmbedModel: "embed-test",
		BaseURL:    srv.URL,
	}, GenerationOptions{Temperature: 0.7, MaxTokens: 64, Dimensions: 3})
	require.NoError(t, err)
	return p
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

func TestGeminiChatMapsRolesAndSystemInstruction(t *testing.T) {
	var got struct {
		Contents          []geminiContent `json:"contents"`
		SystemInstruction *geminiContent  `json:"systemInstruction"`
		GenerationConfig  struct {
			Temperature     float64 `json:"temperature"`
			MaxOutputTokens int     `json:"maxOutputTokens"`
		} `json:"generationConfig"`
	}
	p := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent"), r.URL.Path)
		assert.Equal(t, "g-test", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":" Tea is lovely. "}]},"finishReason":"STOP"}]}`))
	})

	text, err := p.Chat(context.Background(), ChatRequest{
		System:  "be brief",
		History: []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
		Prompt:  "tea?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Tea is lovely.", text)

	require.Len(t, got.Contents, 3)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)
	assert.Equal(t, "user", got.Contents[2].Role)
	assert.Equal(t, "tea?", got.Contents[2].Parts[0].Text)

	require.NotNil(t, got.SystemInstruction)
	require.Len(t, got.SystemInstruction.Parts, 1)
	assert.Equal(t, "be brief", got.SystemInstruction.Parts[0].Text)
	assert.Equal(t, 64, got.GenerationConfig.MaxOutputTokens)
	assert.InDelta(t, 0.7, got.GenerationConfig.Temperature, 1e-6)
}

func TestGeminiChatEmptyResponseIsUpstream(t *testing.T) {
	p := newGeminiTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"  "}]}}]}`))
	})

	_, err := p.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestGeminiEmbedRequestsDimensionality(t *testing.T) {
	var body string
	p := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "models/embed-test:")
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embeddings":[{"values":[0.5,0.25,-1]}],"embedding":{"values":[0.5,0.25,-1]}}`))
	})

	vec, err := p.Embed(context.Background(), "tea", TaskQuery)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, -1}, vec)
	assert.Contains(t, body, `"outputDimensionality":3`)
	assert.Contains(t, body, string(TaskQuery))
}

func TestGeminiErrorsCarryStatus(t *testing.T) {
	p := newGeminiTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exhausted","status":"RESOURCE_EXHAUSTED"}}`))
	})

	_, err := p.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusTooManyRequests, ae.Status)
	assert.Equal(t, "chat", ae.Op)
}

func TestTranslateGeminiError(t *testing.T) {
	err := translateGeminiError("embed", fmt.Errorf("send: %w", genai.APIError{Code: 503, Status: "UNAVAILABLE", Message: "overloaded"}))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindUpstream, ae.Kind)
	assert.Equal(t, 503, ae.Status)
	assert.Equal(t, "embed", ae.Op)
	assert.NotContains(t, apperr.PublicMessage(err), "overloaded")

	assert.ErrorIs(t, translateGeminiError("chat", context.DeadlineExceeded), context.DeadlineExceeded)

	err = translateGeminiError("chat", fmt.Errorf("dial tcp: connection refused"))
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 0, ae.Status)
}
