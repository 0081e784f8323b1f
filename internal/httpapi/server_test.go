package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/config"
	"github.com/ent0n29/abel/internal/conversation"
	"github.com/ent0n29/abel/internal/llm"
	"github.com/ent0n29/abel/internal/memory"
	"github.com/ent0n29/abel/internal/observability"
	"github.com/ent0n29/abel/internal/orchestrator"
	"github.com/ent0n29/abel/internal/protocol"
	"github.com/ent0n29/abel/internal/service"
	"github.com/ent0n29/abel/internal/supabase"
	"github.com/ent0n29/abel/internal/voice"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestServer(t *testing.T, cfg config.Config, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics("test_httpapi")
	}
	ts := httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return res, out
}

// mockStack wires the real clients with no credentials and mock mode on.
func mockStack(t *testing.T, allowMock bool) (*llm.Client, *supabase.Client, *service.Registry) {
	t.Helper()
	ctx := context.Background()
	_, setupErr := llm.NewProvider(ctx, llm.SelectConfig{Mode: "auto"})
	lc := llm.New(ctx, nil, setupErr, llm.Options{AllowMock: allowMock, Dimensions: 64, Logger: zerolog.Nop()})
	auth := supabase.New(ctx, supabase.Config{AllowMock: allowMock, Logger: zerolog.Nop()})
	t.Cleanup(auth.Close)

	reg := service.NewRegistry([]string{llm.ServiceName, supabase.ServiceName})
	require.NoError(t, reg.Register(lc.State()))
	require.NoError(t, reg.Register(auth.State()))
	return lc, auth, reg
}

func TestHealthRoutes(t *testing.T) {
	_, _, reg := mockStack(t, true)
	ts := newTestServer(t, config.Config{}, Deps{Readiness: reg, Logger: zerolog.Nop()})

	res, body := doJSON(t, http.MethodGet, ts.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	_, body = doJSON(t, http.MethodGet, ts.URL+"/health/live", nil, nil)
	assert.Equal(t, "alive", body["status"])

	res, body = doJSON(t, http.MethodGet, ts.URL+"/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, service.StatusReady, body["status"])
	assert.Equal(t, true, body["degraded"])
	services, _ := body["services"].(map[string]any)
	assert.Equal(t, "mock_mode", services["llm"])
	assert.Equal(t, "mock_mode", services["auth_db"])

	res, body = doJSON(t, http.MethodPost, ts.URL+"/health/reprobe", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, service.StatusReady, body["status"])
}

func TestReadyReportsRequiredServiceDown(t *testing.T) {
	_, _, reg := mockStack(t, false)
	ts := newTestServer(t, config.Config{}, Deps{Readiness: reg, Logger: zerolog.Nop()})

	res, body := doJSON(t, http.MethodGet, ts.URL+"/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, service.StatusNotReady, body["status"])
	services, _ := body["services"].(map[string]any)
	assert.Equal(t, "unavailable", services["llm"])
}

func TestChatWithoutCredentialsAnswersInMockMode(t *testing.T) {
	lc, auth, reg := mockStack(t, true)
	conv := conversation.NewManager(time.Minute, nil, zerolog.Nop())
	ts := newTestServer(t, config.Config{}, Deps{
		Assistant:     orchestrator.New(orchestrator.Options{LLM: lc, Conversations: conv, Logger: zerolog.Nop()}),
		Auth:          auth,
		Readiness:     reg,
		Conversations: conv,
		Logger:        zerolog.Nop(),
	})

	res, body := doJSON(t, http.MethodPost, ts.URL+"/chat", map[string]any{"message": "Hello"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body["message"], llm.MockMarker)
	assert.Equal(t, true, body["mock"])
	assert.Equal(t, "mock", body["model"])
	convID, _ := body["conversation_id"].(string)
	require.NotEmpty(t, convID)

	// Any bearer token resolves to the mock user while auth is mocked, so the
	// conversation started anonymously is not visible to it.
	res, _ = doJSON(t, http.MethodGet, ts.URL+"/conversations/"+convID, nil, map[string]string{"Authorization": "Bearer whatever"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = doJSON(t, http.MethodGet, ts.URL+"/conversations/"+convID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	turns, _ := body["turns"].([]any)
	assert.Len(t, turns, 2)

	res, _ = doJSON(t, http.MethodDelete, ts.URL+"/conversations/"+convID, nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

type hashEmbedder struct{ dim int }

func (e hashEmbedder) EmbedDocument(_ context.Context, text string) (llm.Embedding, error) {
	return llm.Embedding{Vector: llm.HashEmbedding(text, e.dim)}, nil
}

func (e hashEmbedder) EmbedQuery(_ context.Context, text string) (llm.Embedding, error) {
	return llm.Embedding{Vector: llm.HashEmbedding(text, e.dim)}, nil
}

func newMemoryPipeline() *memory.Pipeline {
	return memory.NewPipeline(memory.PipelineOptions{
		Store:           memory.NewInMemoryStore(),
		Embedder:        hashEmbedder{dim: 256},
		Dimensions:      256,
		DefaultMinScore: 0.1,
		Logger:          zerolog.Nop(),
	})
}

func TestMemoryStoreThenSearch(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{Memory: newMemoryPipeline(), Logger: zerolog.Nop()})
	alice := map[string]string{UserIDHeader: "alice"}

	res, stored := doJSON(t, http.MethodPost, ts.URL+"/memory", map[string]any{"content": "I like tea", "category": "preference"}, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id, _ := stored["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, false, stored["deduplicated"])
	assert.Equal(t, false, stored["mock"])

	_, _ = doJSON(t, http.MethodPost, ts.URL+"/memory", map[string]any{"content": "Meetings run long on Mondays"}, alice)

	res, again := doJSON(t, http.MethodPost, ts.URL+"/memory", map[string]any{"content": "I like tea"}, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, id, again["id"])
	assert.Equal(t, true, again["deduplicated"])

	search := func(owner map[string]string) []map[string]any {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/memory/search?query=tea&topK=5", nil)
		require.NoError(t, err)
		for k, v := range owner {
			req.Header.Set(k, v)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
		var hits []map[string]any
		require.NoError(t, json.NewDecoder(res.Body).Decode(&hits))
		return hits
	}

	hits := search(alice)
	require.NotEmpty(t, hits)
	assert.Equal(t, "I like tea", hits[0]["content"])
	assert.Equal(t, id, hits[0]["id"])
	assert.Equal(t, hits, search(alice))
	assert.Empty(t, search(map[string]string{UserIDHeader: "bob"}))

	res, _ = doJSON(t, http.MethodDelete, ts.URL+"/memory/"+id, nil, map[string]string{UserIDHeader: "bob"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, body := doJSON(t, http.MethodDelete, ts.URL+"/memory/"+id, nil, alice)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["deleted"])
}

func TestMemoryValidation(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{Memory: newMemoryPipeline(), Logger: zerolog.Nop()})

	res, body := doJSON(t, http.MethodPost, ts.URL+"/memory", map[string]any{"content": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, string(apperr.KindValidation), body["error"])

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/memory/search?query=tea&topK=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/memory/search?query=tea&topK=50", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

type blockingProvider struct{}

func (blockingProvider) Name() string { return "gemini" }

func (blockingProvider) Model() string { return "gemini-test" }

func (blockingProvider) Probe(context.Context) error { return nil }

func (blockingProvider) Chat(ctx context.Context, _ llm.ChatRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingProvider) Embed(ctx context.Context, _ string, _ llm.EmbedTask) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestChatTimeoutReturnsGenericServiceUnavailable(t *testing.T) {
	logs := &syncBuffer{}
	logger := zerolog.New(logs)
	lc := llm.New(context.Background(), blockingProvider{}, nil, llm.Options{
		ChatTimeout: 50 * time.Millisecond,
		Logger:      logger,
	})
	require.Equal(t, service.Available, lc.State().Availability())

	ts := newTestServer(t, config.Config{}, Deps{
		Assistant: orchestrator.New(orchestrator.Options{LLM: lc, Logger: logger}),
		Logger:    logger,
	})

	start := time.Now()
	res, body := doJSON(t, http.MethodPost, ts.URL+"/chat", map[string]any{"message": "Hello", "use_memory": false}, nil)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, string(apperr.KindTimeout), body["error"])
	assert.Equal(t, "upstream service timed out, please retry", body["message"])

	out := logs.String()
	assert.Contains(t, out, `"provider":"gemini"`)
	assert.Contains(t, out, `"elapsed":`)
	assert.Contains(t, out, "provider call timed out")
}

type scriptedAssistant struct {
	mu    sync.Mutex
	last  orchestrator.Input
	reply func(in orchestrator.Input) (orchestrator.AssistantTurn, error)
}

func (a *scriptedAssistant) Respond(_ context.Context, in orchestrator.Input) (orchestrator.AssistantTurn, error) {
	a.mu.Lock()
	a.last = in
	a.mu.Unlock()
	if a.reply != nil {
		return a.reply(in)
	}
	return orchestrator.AssistantTurn{Message: "hi " + in.OwnerID, Model: "test", ConversationID: "c-1", Timestamp: time.Now().UTC()}, nil
}

func (a *scriptedAssistant) lastInput() orchestrator.Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func TestUpstreamDetailsNeverReachTheClient(t *testing.T) {
	assistant := &scriptedAssistant{reply: func(orchestrator.Input) (orchestrator.AssistantTurn, error) {
		return orchestrator.AssistantTurn{}, apperr.Upstream("openai", "chat", 500, errors.New("internal stack: secret-key-123"))
	}}
	ts := newTestServer(t, config.Config{}, Deps{Assistant: assistant, Logger: zerolog.Nop()})

	res, body := doJSON(t, http.MethodPost, ts.URL+"/chat", map[string]any{"message": "Hello"}, nil)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, map[string]any{"error": "upstream", "message": "upstream service error"}, body)
}

type fakeAuth struct {
	mu           sync.Mutex
	refreshes    int
	availability service.Availability
}

func (f *fakeAuth) Availability() service.Availability { return f.availability }

func (f *fakeAuth) GetUser(_ context.Context, token string) (supabase.User, error) {
	switch token {
	case "good":
		return supabase.User{ID: "user-1", Email: "a@example.com"}, nil
	case "down":
		return supabase.User{}, apperr.Unavailable(supabase.ServiceName, "get_user", nil)
	}
	return supabase.User{}, apperr.Unauthorized("invalid or expired credentials")
}

func (f *fakeAuth) SignIn(_ context.Context, email, _ string) (supabase.Session, error) {
	return supabase.Session{AccessToken: "good", RefreshToken: "r-1", ExpiresIn: 3600, User: supabase.User{ID: "user-1", Email: email}}, nil
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password string) (supabase.Session, error) {
	return f.SignIn(ctx, email, password)
}

func (f *fakeAuth) RefreshSession(_ context.Context, token string) (supabase.Session, error) {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	if token != "r-1" {
		return supabase.Session{}, apperr.Unauthorized("invalid or expired credentials")
	}
	return supabase.Session{AccessToken: "good", RefreshToken: "r-2", ExpiresIn: 3600}, nil
}

func (f *fakeAuth) SignOut(context.Context, string) error { return nil }

func TestOwnerResolution(t *testing.T) {
	assistant := &scriptedAssistant{}
	deps := Deps{Assistant: assistant, Auth: &fakeAuth{availability: service.Unavailable}, Logger: zerolog.Nop()}
	ts := newTestServer(t, config.Config{}, deps)
	chat := map[string]any{"message": "Hello"}

	cases := []struct {
		name   string
		header map[string]string
		status int
		owner  string
	}{
		{"anonymous", nil, http.StatusOK, AnonymousOwner},
		{"header", map[string]string{UserIDHeader: "bob"}, http.StatusOK, "bob"},
		{"verified token wins", map[string]string{"Authorization": "Bearer good", UserIDHeader: "bob"}, http.StatusOK, "user-1"},
		{"auth down falls back", map[string]string{"Authorization": "Bearer down", UserIDHeader: "bob"}, http.StatusOK, "bob"},
		{"rejected token", map[string]string{"Authorization": "Bearer bad"}, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, _ := doJSON(t, http.MethodPost, ts.URL+"/chat", chat, tc.header)
			require.Equal(t, tc.status, res.StatusCode)
			if tc.owner != "" {
				assert.Equal(t, tc.owner, assistant.lastInput().OwnerID)
			}
		})
	}

	strict := newTestServer(t, config.Config{RequireAuth: true}, deps)
	res, body := doJSON(t, http.MethodPost, strict.URL+"/chat", chat, map[string]string{UserIDHeader: "bob"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, string(apperr.KindUnauthorized), body["error"])
	res, _ = doJSON(t, http.MethodPost, strict.URL+"/chat", chat, map[string]string{"Authorization": "Bearer down"})
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestHeaderIdentityRejectedWhileAuthIsAvailable(t *testing.T) {
	assistant := &scriptedAssistant{}
	ts := newTestServer(t, config.Config{}, Deps{
		Assistant: assistant,
		Memory:    newMemoryPipeline(),
		Auth:      &fakeAuth{availability: service.Available},
		Logger:    zerolog.Nop(),
	})
	spoofed := map[string]string{UserIDHeader: "alice"}

	res, body := doJSON(t, http.MethodGet, ts.URL+"/memory", nil, spoofed)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, string(apperr.KindUnauthorized), body["error"])

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/memory/search?query=tea", nil, spoofed)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = doJSON(t, http.MethodDelete, ts.URL+"/memory/some-id", nil, spoofed)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = doJSON(t, http.MethodPost, ts.URL+"/chat", map[string]any{"message": "Hello"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, ts.URL+"/chat", map[string]any{"message": "Hello"},
		map[string]string{"Authorization": "Bearer good", UserIDHeader: "alice"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "user-1", assistant.lastInput().OwnerID)
}

func TestAuthRoutes(t *testing.T) {
	auth := &fakeAuth{}
	ts := newTestServer(t, config.Config{}, Deps{Auth: auth, Logger: zerolog.Nop()})

	res, body := doJSON(t, http.MethodPost, ts.URL+"/auth/login", map[string]string{"email": "a@example.com", "password": "secret"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "good", body["access_token"])

	res, body = doJSON(t, http.MethodPost, ts.URL+"/auth/refresh", map[string]string{"refresh_token": "r-1"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "r-2", body["refresh_token"])
	assert.Equal(t, float64(3600), body["expires_in"])

	res, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/refresh", map[string]string{"refresh_token": "stale"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, body = doJSON(t, http.MethodGet, ts.URL+"/auth/me", nil, map[string]string{"Authorization": "Bearer good"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "user-1", body["id"])

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/auth/me", nil, map[string]string{UserIDHeader: "bob"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/logout", nil, map[string]string{"Authorization": "Bearer good"})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestRequestIDIsEchoedOrGenerated(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{Logger: zerolog.Nop()})

	res, _ := doJSON(t, http.MethodGet, ts.URL+"/health", nil, map[string]string{RequestIDHeader: "req-42"})
	assert.Equal(t, "req-42", res.Header.Get(RequestIDHeader))

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/health", nil, nil)
	assert.Len(t, res.Header.Get(RequestIDHeader), 21)
}

func TestMissingComponentsAnswerUnavailable(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{Logger: zerolog.Nop()})
	for _, path := range []string{"/tools", "/memory", "/health/ready"} {
		res, body := doJSON(t, http.MethodGet, ts.URL+path, nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, path)
		assert.Equal(t, "service temporarily unavailable", body["message"], path)
	}
}

func TestVoiceRoutesInMockMode(t *testing.T) {
	vc := voice.New(context.Background(), voice.Config{AllowMock: true, Logger: zerolog.Nop()})
	ts := newTestServer(t, config.Config{}, Deps{Voice: vc, Logger: zerolog.Nop()})

	raw, _ := json.Marshal(map[string]string{"text": "Good morning"})
	res, err := http.Post(ts.URL+"/voice/tts", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	audio, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "audio/wav", res.Header.Get("Content-Type"))
	assert.Equal(t, "true", res.Header.Get(MockHeader))
	assert.Equal(t, "RIFF", string(audio[:4]))

	res, err = http.Post(ts.URL+"/voice/stt", "audio/wav", bytes.NewReader(audio))
	require.NoError(t, err)
	var tr map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&tr))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, tr["mock"])
	assert.True(t, strings.HasPrefix(tr["text"].(string), llm.MockMarker))

	res, err = http.Post(ts.URL+"/voice/stt", "audio/wav", http.NoBody)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestWebsocketChat(t *testing.T) {
	assistant := &scriptedAssistant{}
	ts := newTestServer(t, config.Config{}, Deps{Assistant: assistant, Logger: zerolog.Nop()})

	header := http.Header{}
	header.Set(UserIDHeader, "ws-user")
	conn, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/chat", header)
	require.NoError(t, err)
	res.Body.Close()
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(protocol.ChatRequest{Type: protocol.TypeChatRequest, RequestID: "r1", Message: "Hello"}))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, string(protocol.TypeAssistantMessage), reply["type"])
	assert.Equal(t, "r1", reply["request_id"])
	assert.Equal(t, "hi ws-user", reply["message"])
	assert.True(t, assistant.lastInput().UseMemory)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_request","message":""}`)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, string(protocol.TypeErrorEvent), reply["type"])
	assert.Equal(t, string(apperr.KindValidation), reply["code"])

	require.NoError(t, conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionPing}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["code"])

	require.NoError(t, conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionEndConversation, ConversationID: "missing"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, string(protocol.TypeErrorEvent), reply["type"])
	assert.Equal(t, "service temporarily unavailable", reply["message"])
}

func TestCanceledRequestIsNotLoggedAsError(t *testing.T) {
	var logs syncBuffer
	logger := zerolog.New(&logs).Level(zerolog.InfoLevel)
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req = req.WithContext(logger.WithContext(req.Context()))
	rec := httptest.NewRecorder()

	respondError(rec, req, fmt.Errorf("chat: %w", context.Canceled))

	assert.Equal(t, apperr.StatusClientClosedRequest, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "canceled", body.Error)
	assert.Empty(t, logs.String())
}

func TestAuthRoutesAreRateLimitedPerClient(t *testing.T) {
	ts := newTestServer(t, config.Config{RateLimitAuth: 2}, Deps{Auth: &fakeAuth{}, Logger: zerolog.Nop()})
	creds := map[string]string{"email": "a@example.com", "password": "secret"}

	for i := 0; i < 2; i++ {
		res, _ := doJSON(t, http.MethodPost, ts.URL+"/auth/login", creds, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, "attempt %d", i+1)
	}
	res, body := doJSON(t, http.MethodPost, ts.URL+"/auth/login", creds, nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", body["error"])

	// Routes outside the auth scope keep their own budget.
	res, _ = doJSON(t, http.MethodGet, ts.URL+"/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestSecurityHeadersAndContentType(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{Memory: newMemoryPipeline(), Logger: zerolog.Nop()})

	res, _ := doJSON(t, http.MethodGet, ts.URL+"/health/live", nil, nil)
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", res.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", res.Header.Get("Referrer-Policy"))

	res, err := http.Post(ts.URL+"/memory", "text/plain", strings.NewReader(`{"content":"tea"}`))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	res.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
	assert.Equal(t, "unsupported_media_type", body["error"])

	res, err = http.Post(ts.URL+"/memory", "application/json; charset=utf-8", strings.NewReader(`{"content":"I like green tea"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}
