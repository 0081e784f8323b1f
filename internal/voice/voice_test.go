package voice

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/audio"
	"github.com/ent0n29/abel/internal/llm"
	"github.com/ent0n29/abel/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeElevenLabs struct {
	srv        *httptest.Server
	ttsTexts   atomic.Int32
	sttHits    atomic.Int32
	ttsHandler func(conn *websocket.Conn)
}

func newFakeElevenLabs(t *testing.T) *fakeElevenLabs {
	t.Helper()
	f := &fakeElevenLabs{}
	f.ttsHandler = func(conn *websocket.Conn) {
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			text, _ := msg["text"].(string)
			if text == "" {
				chunk := base64.StdEncoding.EncodeToString([]byte("audio-bytes"))
				_ = conn.WriteJSON(map[string]any{"audio": chunk})
				_ = conn.WriteJSON(map[string]any{"isFinal": true})
				return
			}
			if strings.TrimSpace(text) != "" {
				f.ttsTexts.Add(1)
			}
		}
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "el-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/v1/text-to-speech/voice-1/stream-input", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mp3_44100_128", r.URL.Query().Get("output_format"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.ttsHandler(conn)
	})
	mux.HandleFunc("/v1/speech-to-text", func(w http.ResponseWriter, r *http.Request) {
		f.sttHits.Add(1)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "scribe_v1", r.FormValue("model_id"))
		file, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		if len(body) < 4 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		assert.Equal(t, "audio.wav", hdr.Filename)
		_, _ = w.Write([]byte(`{"text":"hello there","language_code":"en"}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeElevenLabs) config() Config {
	return Config{
		APIKey:    "el-key",
		BaseURL:   f.srv.URL,
		WSBaseURL: "ws" + strings.TrimPrefix(f.srv.URL, "http"),
		VoiceID:   "voice-1",
		Timeout:   2 * time.Second,
		Logger:    zerolog.Nop(),
	}
}

func TestSynthesizeCollectsStreamedAudio(t *testing.T) {
	f := newFakeElevenLabs(t)
	c := New(context.Background(), f.config())
	require.Equal(t, service.Available, c.State().Availability())

	out, err := c.Synthesize(context.Background(), "Hello there", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), out.Audio)
	assert.Equal(t, "audio/mpeg", out.ContentType)
	assert.False(t, out.Mock)
	assert.Equal(t, int32(1), f.ttsTexts.Load())
}

func TestSynthesizeProviderError(t *testing.T) {
	f := newFakeElevenLabs(t)
	f.ttsHandler = func(conn *websocket.Conn) {
		var msg map[string]any
		_ = conn.ReadJSON(&msg)
		_ = conn.WriteJSON(map[string]any{"error": "quota_exceeded", "message": "secret detail"})
	}
	c := New(context.Background(), f.config())

	_, err := c.Synthesize(context.Background(), "Hello", "")
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Equal(t, "upstream service error", apperr.PublicMessage(err))
}

func TestSynthesizeTimeout(t *testing.T) {
	f := newFakeElevenLabs(t)
	f.ttsHandler = func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	cfg := f.config()
	cfg.Timeout = 100 * time.Millisecond
	c := New(context.Background(), cfg)

	_, err := c.Synthesize(context.Background(), "Hello", "")
	require.ErrorIs(t, err, apperr.ErrTimeout)
}

func TestTranscribe(t *testing.T) {
	f := newFakeElevenLabs(t)
	c := New(context.Background(), f.config())

	wav, err := audio.EncodeWAVPCM16LE(audio.Silence(100*time.Millisecond, 16000), 16000)
	require.NoError(t, err)

	out, err := c.Transcribe(context.Background(), wav, "")
	require.NoError(t, err)
	assert.Equal(t, Transcript{Text: "hello there", Language: "en"}, out)

	_, err = c.Transcribe(context.Background(), []byte("ab"), "clip.wav")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTranscribeUpstreamFailureIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/v1/speech-to-text", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(context.Background(), Config{
		APIKey:  "el-key",
		BaseURL: srv.URL,
		VoiceID: "voice-1",
		Timeout: 2 * time.Second,
		Logger:  zerolog.Nop(),
	})
	require.Equal(t, service.Available, c.State().Availability())

	wav, err := audio.EncodeWAVPCM16LE(audio.Silence(100*time.Millisecond, 16000), 16000)
	require.NoError(t, err)
	_, err = c.Transcribe(context.Background(), wav, "")
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Equal(t, int32(1), hits.Load())
}

func TestInputValidationBeforeAnyIO(t *testing.T) {
	f := newFakeElevenLabs(t)
	c := New(context.Background(), f.config())

	_, err := c.Synthesize(context.Background(), "   ", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = c.Transcribe(context.Background(), nil, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, int32(0), f.sttHits.Load())
}

func TestMockMode(t *testing.T) {
	var mocked atomic.Int32
	c := New(context.Background(), Config{
		AllowMock: true,
		Logger:    zerolog.Nop(),
		OnMock:    func(string) { mocked.Add(1) },
	})
	require.Equal(t, service.MockMode, c.State().Availability())
	assert.Equal(t, "ELEVENLABS_API_KEY is not set", c.State().Handle().LastError)

	syn, err := c.Synthesize(context.Background(), "Hello", "")
	require.NoError(t, err)
	assert.True(t, syn.Mock)
	assert.Equal(t, "audio/wav", syn.ContentType)
	assert.True(t, audio.IsWAV(syn.Audio))

	tr, err := c.Transcribe(context.Background(), []byte("anything"), "")
	require.NoError(t, err)
	assert.True(t, tr.Mock)
	assert.True(t, strings.HasPrefix(tr.Text, llm.MockMarker))
	assert.Equal(t, int32(2), mocked.Load())
}

func TestUnavailableFailsFast(t *testing.T) {
	f := newFakeElevenLabs(t)
	cfg := f.config()
	cfg.APIKey = "wrong"
	c := New(context.Background(), cfg)
	require.Equal(t, service.Unavailable, c.State().Availability())

	_, err := c.Transcribe(context.Background(), []byte("RIFF....WAVE"), "")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Equal(t, int32(0), f.sttHits.Load())
}

func TestVoiceSettingsClamp(t *testing.T) {
	got := voiceSettings(Settings{Stability: 3, SimilarityBoost: 0, Speed: 0.2})
	assert.Equal(t, 1.0, got["stability"])
	assert.Equal(t, 0.85, got["similarity_boost"])
	assert.Equal(t, 0.7, got["speed"])
}
