// Package voice converts between text and speech through ElevenLabs, with
// synthetic audio and transcripts while the service is in mock mode.
package voice

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/audio"
	"github.com/ent0n29/abel/internal/reliability"
	"github.com/ent0n29/abel/internal/service"
)

// ServiceName is the registry name of the TTS/STT client.
const ServiceName = "tts_stt"

const (
	maxSynthesisChars = 5000
	maxAudioBytes     = 25 << 20
)

type Config struct {
	APIKey       string
	BaseURL      string
	WSBaseURL    string
	VoiceID      string
	TTSModelID   string
	STTModelID   string
	OutputFormat string
	Settings     Settings
	Timeout      time.Duration

	AllowMock    bool
	ProbeTimeout time.Duration
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	Observer     reliability.Observer
	OnMock       func(service string)
}

// Settings tune the synthesized voice. Zero values select defaults.
type Settings struct {
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

// Synthesis is generated speech.
type Synthesis struct {
	Audio       []byte
	ContentType string
	Mock        bool
}

// Transcript is recognized speech.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Mock     bool   `json:"mock"`
}

// Client owns the tts_stt service state.
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	state  *service.State
}

func New(ctx context.Context, cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.WSBaseURL = strings.TrimRight(strings.TrimSpace(cfg.WSBaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if cfg.TTSModelID == "" {
		cfg.TTSModelID = "eleven_turbo_v2_5"
	}
	if cfg.STTModelID == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{
		cfg:    cfg,
		http:   hc,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	c.state = service.Init(ctx, service.Spec{
		Name:         ServiceName,
		Kind:         service.KindTTSSTT,
		HasMock:      true,
		AllowMock:    cfg.AllowMock,
		ProbeTimeout: cfg.ProbeTimeout,
	}, c.probe, cfg.Logger)
	return c
}

func (c *Client) State() *service.State { return c.state }

// Synthesize turns text into audio in the configured output format. An
// empty voiceID selects the default voice.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) (Synthesis, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Synthesis{}, apperr.Validation("text is required")
	}
	if utf8.RuneCountInString(text) > maxSynthesisChars {
		return Synthesis{}, apperr.Validation("text is too long")
	}
	if voiceID == "" {
		voiceID = c.cfg.VoiceID
	}
	mock, err := c.state.Gate("tts")
	if err != nil {
		return Synthesis{}, err
	}
	if mock {
		c.noteMock()
		return mockSynthesis(text)
	}
	if voiceID == "" {
		return Synthesis{}, apperr.Validation("voice_id is required")
	}
	speech, err := reliability.Call(ctx, c.callSpec("tts"), func(ctx context.Context) ([]byte, error) {
		return c.streamTTS(ctx, text, voiceID)
	})
	if err != nil {
		return Synthesis{}, err
	}
	return Synthesis{Audio: speech, ContentType: contentType(c.cfg.OutputFormat)}, nil
}

// Transcribe recognizes speech in audio. filename only hints the container
// format to the provider.
func (c *Client) Transcribe(ctx context.Context, data []byte, filename string) (Transcript, error) {
	if len(data) == 0 {
		return Transcript{}, apperr.Validation("audio is required")
	}
	if len(data) > maxAudioBytes {
		return Transcript{}, apperr.Validation("audio is too large")
	}
	if filename == "" {
		filename = "audio.webm"
		if audio.IsWAV(data) {
			filename = "audio.wav"
		}
	}
	mock, err := c.state.Gate("stt")
	if err != nil {
		return Transcript{}, err
	}
	if mock {
		c.noteMock()
		return mockTranscript(), nil
	}
	return reliability.Call(ctx, c.callSpec("stt"), func(ctx context.Context) (Transcript, error) {
		return c.transcribe(ctx, data, filename)
	})
}

func (c *Client) callSpec(op string) reliability.CallSpec {
	return reliability.CallSpec{
		Provider: provider,
		Op:       op,
		Timeout:  c.cfg.Timeout,
		Logger:   c.cfg.Logger,
		Observer: c.cfg.Observer,
	}
}

func (c *Client) noteMock() {
	if c.cfg.OnMock != nil {
		c.cfg.OnMock(ServiceName)
	}
}

// voiceSettings clamps s into the ranges the provider accepts.
func voiceSettings(s Settings) map[string]any {
	stability := s.Stability
	if stability <= 0 {
		stability = 0.42
	} else if stability > 1 {
		stability = 1
	}
	similarity := s.SimilarityBoost
	if similarity <= 0 {
		similarity = 0.85
	} else if similarity > 1 {
		similarity = 1
	}
	speed := s.Speed
	if speed <= 0 {
		speed = 1.0
	}
	if speed < 0.7 {
		speed = 0.7
	} else if speed > 1.2 {
		speed = 1.2
	}
	return map[string]any{
		"stability":        stability,
		"similarity_boost": similarity,
		"speed":            speed,
	}
}

func contentType(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	case strings.HasPrefix(format, "opus"):
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
