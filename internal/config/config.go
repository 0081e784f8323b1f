package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the assistant backend.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	AllowMockMode    bool
	RequireAuth      bool
	RequiredServices []string
	ProbeTimeout     time.Duration

	// Per-IP request budgets per minute; zero disables a limit.
	RateLimitAuth  int
	RateLimitChat  int
	RateLimitVoice int

	LogLevel     string
	LogFormat    string
	LogRedaction bool

	LLMProvider      string
	GeminiAPIKey     string
	GeminiChatModel  string
	GeminiEmbedModel string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIChatModel  string
	OpenAIEmbedModel string
	LLMTemperature   float64
	LLMMaxTokens     int
	LLMTimeout       time.Duration
	EmbeddingTimeout time.Duration
	SystemPrompt     string

	SupabaseURL     string
	SupabaseAnonKey string
	DatabaseURL     string
	SupabaseTimeout time.Duration

	MemoryBackend       string
	MemorySQLitePath    string
	MemoryEmbeddingDim  int
	MemoryRecallTopK    int
	MemoryRecallMinimum float64
	MemoryAutoStore     bool
	StorageTimeout      time.Duration

	RedisURL                      string
	ConversationHistoryLimit      int
	ConversationInactivityTimeout time.Duration
	ConversationHistoryTTL        time.Duration

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsWSBaseURL    string
	ElevenLabsVoiceID      string
	ElevenLabsTTSModel     string
	ElevenLabsSTTModel     string
	ElevenLabsOutputFormat string
	VoiceTimeout           time.Duration

	ToolTimeout       time.Duration
	WeatherBaseURL    string
	WeatherGeocodeURL string
	NewsAPIKey        string
	NewsBaseURL       string
}

// Load reads environment variables and applies safe defaults. An optional
// dotenv file (APP_ENV_FILE, default ".env") fills variables the process
// environment leaves unset.
func Load() (Config, error) {
	if err := loadEnvFile(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "abel"),
		AllowMockMode:    true,
		RequiredServices: splitList(envOrDefault("APP_REQUIRED_SERVICES", "llm,auth_db")),
		ProbeTimeout:     10 * time.Second,
		ShutdownTimeout:  15 * time.Second,

		RateLimitAuth:  5,
		RateLimitChat:  30,
		RateLimitVoice: 10,

		LogLevel:     envOrDefault("LOG_LEVEL", "info"),
		LogFormat:    envOrDefault("LOG_FORMAT", "json"),
		LogRedaction: true,

		LLMProvider:      strings.ToLower(envOrDefault("LLM_PROVIDER", "auto")),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiChatModel:  envOrDefault("GEMINI_CHAT_MODEL", "gemini-2.0-flash"),
		GeminiEmbedModel: envOrDefault("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:    stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIChatModel:  envOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		OpenAIEmbedModel: envOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		LLMTemperature:   0.7,
		LLMMaxTokens:     2048,
		LLMTimeout:       60 * time.Second,
		EmbeddingTimeout: 20 * time.Second,
		SystemPrompt:     envOrDefault("LLM_SYSTEM_PROMPT", defaultSystemPrompt),

		SupabaseURL:     strings.TrimRight(stringsTrimSpace("SUPABASE_URL"), "/"),
		SupabaseAnonKey: stringsTrimSpace("SUPABASE_ANON_KEY"),
		DatabaseURL:     stringsTrimSpace("DATABASE_URL"),
		SupabaseTimeout: 10 * time.Second,

		MemoryBackend:       strings.ToLower(envOrDefault("MEMORY_BACKEND", "postgres")),
		MemorySQLitePath:    envOrDefault("MEMORY_SQLITE_PATH", "data/memory.db"),
		MemoryEmbeddingDim:  768,
		MemoryRecallTopK:    5,
		MemoryRecallMinimum: 0.5,
		StorageTimeout:      10 * time.Second,

		RedisURL:                      stringsTrimSpace("REDIS_URL"),
		ConversationHistoryLimit:      10,
		ConversationInactivityTimeout: 30 * time.Minute,
		ConversationHistoryTTL:        24 * time.Hour,

		ElevenLabsAPIKey:       stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:      envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL:    envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsVoiceID:      envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsTTSModel:     envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_turbo_v2_5"),
		ElevenLabsSTTModel:     envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "mp3_44100_128"),
		VoiceTimeout:           30 * time.Second,

		ToolTimeout:       10 * time.Second,
		WeatherBaseURL:    envOrDefault("WEATHER_BASE_URL", "https://api.open-meteo.com"),
		WeatherGeocodeURL: envOrDefault("WEATHER_GEOCODE_URL", "https://geocoding-api.open-meteo.com"),
		NewsAPIKey:        stringsTrimSpace("NEWS_API_KEY"),
		NewsBaseURL:       envOrDefault("NEWS_BASE_URL", "https://newsapi.org"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_PROBE_TIMEOUT", &cfg.ProbeTimeout},
		{"LLM_TIMEOUT", &cfg.LLMTimeout},
		{"EMBEDDING_TIMEOUT", &cfg.EmbeddingTimeout},
		{"SUPABASE_TIMEOUT", &cfg.SupabaseTimeout},
		{"STORAGE_TIMEOUT", &cfg.StorageTimeout},
		{"CONVERSATION_INACTIVITY_TIMEOUT", &cfg.ConversationInactivityTimeout},
		{"CONVERSATION_HISTORY_TTL", &cfg.ConversationHistoryTTL},
		{"VOICE_TIMEOUT", &cfg.VoiceTimeout},
		{"TOOL_TIMEOUT", &cfg.ToolTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LLM_MAX_TOKENS", &cfg.LLMMaxTokens},
		{"MEMORY_EMBEDDING_DIM", &cfg.MemoryEmbeddingDim},
		{"MEMORY_RECALL_TOP_K", &cfg.MemoryRecallTopK},
		{"CONVERSATION_HISTORY_LIMIT", &cfg.ConversationHistoryLimit},
		{"RATE_LIMIT_AUTH_PER_MINUTE", &cfg.RateLimitAuth},
		{"RATE_LIMIT_CHAT_PER_MINUTE", &cfg.RateLimitChat},
		{"RATE_LIMIT_VOICE_PER_MINUTE", &cfg.RateLimitVoice},
	}
	for _, i := range ints {
		if *i.dst, err = intFromEnv(i.key, *i.dst); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"APP_ALLOW_MOCK_MODE", &cfg.AllowMockMode},
		{"APP_REQUIRE_AUTH", &cfg.RequireAuth},
		{"LOG_PII_REDACTION", &cfg.LogRedaction},
		{"MEMORY_AUTO_STORE", &cfg.MemoryAutoStore},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.LLMTemperature, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemperature); err != nil {
		return Config{}, err
	}
	if cfg.MemoryRecallMinimum, err = floatFromEnv("MEMORY_RECALL_MIN_SCORE", cfg.MemoryRecallMinimum); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LLMProvider {
	case "auto", "gemini", "openai", "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of auto|gemini|openai|mock")
	}
	switch c.MemoryBackend {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("MEMORY_BACKEND must be one of postgres|sqlite|memory")
	}
	if c.MemoryEmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.MemoryRecallTopK <= 0 {
		return fmt.Errorf("MEMORY_RECALL_TOP_K must be positive")
	}
	if c.MemoryRecallMinimum < -1 || c.MemoryRecallMinimum > 1 {
		return fmt.Errorf("MEMORY_RECALL_MIN_SCORE must be within [-1, 1]")
	}
	if c.ConversationHistoryLimit <= 0 {
		return fmt.Errorf("CONVERSATION_HISTORY_LIMIT must be positive")
	}
	if c.ConversationInactivityTimeout < 5*time.Second {
		return fmt.Errorf("CONVERSATION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.LLMMaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}
	if c.RateLimitAuth < 0 || c.RateLimitChat < 0 || c.RateLimitVoice < 0 {
		return fmt.Errorf("RATE_LIMIT_*_PER_MINUTE must not be negative")
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"LLM_TIMEOUT", c.LLMTimeout},
		{"EMBEDDING_TIMEOUT", c.EmbeddingTimeout},
		{"TOOL_TIMEOUT", c.ToolTimeout},
		{"VOICE_TIMEOUT", c.VoiceTimeout},
		{"APP_PROBE_TIMEOUT", c.ProbeTimeout},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	return nil
}

const defaultSystemPrompt = "You are ABEL, a helpful personal AI assistant. Answer concisely and use the provided context when it is relevant."

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
