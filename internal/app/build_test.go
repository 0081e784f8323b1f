package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/config"
	"github.com/ent0n29/abel/internal/llm"
	"github.com/ent0n29/abel/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// offlineConfig has no credentials at all and keeps memory in process.
func offlineConfig() config.Config {
	return config.Config{
		AllowMockMode:       true,
		RequiredServices:    []string{"llm", "auth_db"},
		LLMProvider:         "auto",
		MemoryBackend:       "memory",
		MemoryEmbeddingDim:  768,
		MemoryRecallTopK:    5,
		MemoryRecallMinimum: 0.2,
	}
}

func post(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res, out
}

func TestBuildWithoutCredentialsServesMockAnswers(t *testing.T) {
	res, err := Build(context.Background(), offlineConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer func() { assert.NoError(t, res.Cleanup()) }()

	report := res.Registry.Snapshot()
	assert.Equal(t, service.StatusReady, report.Status)
	assert.True(t, report.OverallDegraded)
	assert.Equal(t, service.MockMode, report.Services["llm"])
	assert.Equal(t, service.MockMode, report.Services["auth_db"])
	assert.Equal(t, service.MockMode, report.Services["tts_stt"])
	assert.Equal(t, service.Available, report.Services["vector_store"])
	assert.Equal(t, report, res.Registry.Snapshot())

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()

	chatRes, chat := post(t, ts.URL+"/chat", map[string]any{"message": "Hello"})
	require.Equal(t, http.StatusOK, chatRes.StatusCode)
	assert.Contains(t, chat["message"], llm.MockMarker)
	assert.Equal(t, true, chat["mock"])

	storeRes, stored := post(t, ts.URL+"/memory", map[string]any{"content": "I like tea"})
	require.Equal(t, http.StatusCreated, storeRes.StatusCode)
	require.NotEmpty(t, stored["id"])

	searchRes, err := http.Get(ts.URL + "/memory/search?query=tea")
	require.NoError(t, err)
	defer searchRes.Body.Close()
	require.Equal(t, http.StatusOK, searchRes.StatusCode)
	var hits []map[string]any
	require.NoError(t, json.NewDecoder(searchRes.Body).Decode(&hits))
	require.NotEmpty(t, hits)
	assert.Equal(t, "I like tea", hits[0]["content"])
}

func TestBuildFailsOnMissingCredentialWhenMockDisallowed(t *testing.T) {
	cfg := offlineConfig()
	cfg.AllowMockMode = false

	res, err := Build(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")

	cfg.RequiredServices = []string{"auth_db"}
	_, err = Build(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUPABASE_URL")
}

func TestStartupErrorIgnoresOutagesAndOptionalServices(t *testing.T) {
	cfg := config.Config{RequiredServices: []string{"llm"}}
	ctx := context.Background()

	down := service.Init(ctx, service.Spec{Name: "llm", Kind: service.KindLLM}, func(context.Context) error {
		return apperr.Upstream("gemini", "probe", http.StatusBadGateway, nil)
	}, zerolog.Nop())
	optional := service.Init(ctx, service.Spec{Name: "tts_stt", Kind: service.KindTTSSTT}, func(context.Context) error {
		return apperr.Configuration("elevenlabs", "ELEVENLABS_API_KEY")
	}, zerolog.Nop())

	reg := service.NewRegistry(cfg.RequiredServices)
	require.NoError(t, reg.Register(down))
	require.NoError(t, reg.Register(optional))

	assert.NoError(t, startupError(cfg, reg))
	assert.Equal(t, service.StatusNotReady, reg.Snapshot().Status)

	cfg.AllowMockMode = true
	assert.NoError(t, startupError(cfg, reg))
}
