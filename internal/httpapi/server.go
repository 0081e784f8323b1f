package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/config"
	"github.com/ent0n29/abel/internal/conversation"
	"github.com/ent0n29/abel/internal/memory"
	"github.com/ent0n29/abel/internal/observability"
	"github.com/ent0n29/abel/internal/orchestrator"
	"github.com/ent0n29/abel/internal/service"
	"github.com/ent0n29/abel/internal/supabase"
	"github.com/ent0n29/abel/internal/tools"
	"github.com/ent0n29/abel/internal/voice"
)

type Assistant interface {
	Respond(ctx context.Context, in orchestrator.Input) (orchestrator.AssistantTurn, error)
}

type Memories interface {
	Store(ctx context.Context, req memory.StoreRequest) (memory.StoreResult, error)
	Recall(ctx context.Context, req memory.RecallRequest) (memory.RecallResult, error)
	List(ctx context.Context, ownerID, category string, limit int) ([]memory.Record, error)
	Delete(ctx context.Context, ownerID, id string) error
}

type Auth interface {
	Availability() service.Availability
	GetUser(ctx context.Context, accessToken string) (supabase.User, error)
	SignIn(ctx context.Context, email, password string) (supabase.Session, error)
	SignUp(ctx context.Context, email, password string) (supabase.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (supabase.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

type ToolRunner interface {
	List() []tools.Definition
	Execute(ctx context.Context, name string, params map[string]any) (tools.Output, error)
}

type Speech interface {
	Synthesize(ctx context.Context, text, voiceID string) (voice.Synthesis, error)
	Transcribe(ctx context.Context, data []byte, filename string) (voice.Transcript, error)
}

type Readiness interface {
	Snapshot() service.Report
	Reprobe(ctx context.Context) service.Report
}

type Conversations interface {
	Get(id string) (*conversation.Conversation, error)
	Recent(ctx context.Context, id string, n int) ([]conversation.Turn, error)
	End(ctx context.Context, id string) (*conversation.Conversation, error)
}

// Deps are the components behind the routes. Nil components make their
// routes answer 503.
type Deps struct {
	Assistant     Assistant
	Memory        Memories
	Auth          Auth
	Tools         ToolRunner
	Voice         Speech
	Readiness     Readiness
	Conversations Conversations
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.accessLog, middleware.Recoverer, securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Post("/health/reprobe", s.handleReprobe)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/perf/latency", s.handlePerfLatency)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit("auth", s.cfg.RateLimitAuth), jsonBody)

		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/refresh", s.handleRefresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit("chat", s.cfg.RateLimitChat), s.resolveOwner)

		r.With(jsonBody).Post("/chat", s.handleChat)
		r.Get("/ws/chat", s.handleChatWS)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit("voice", s.cfg.RateLimitVoice), s.resolveOwner)

		r.With(jsonBody).Post("/voice/tts", s.handleTTS)
		r.With(uploadBody).Post("/voice/stt", s.handleSTT)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.resolveOwner)

		r.Get("/auth/me", s.handleMe)
		r.With(jsonBody).Post("/auth/logout", s.handleLogout)

		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleEndConversation)

		r.With(jsonBody).Post("/memory", s.handleStoreMemory)
		r.Get("/memory", s.handleListMemories)
		r.Get("/memory/search", s.handleSearchMemories)
		r.Delete("/memory/{id}", s.handleDeleteMemory)

		r.Get("/tools", s.handleListTools)
		r.With(jsonBody).Post("/tools/{name}", s.handleRunTool)
	})

	return r
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	ownerKey
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id, _ = gonanoid.New()
		}
		w.Header().Set(RequestIDHeader, id)
		logger := s.logger.With().Str("request_id", id).Logger()
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.deps.Metrics.ObserveHTTP(route, status)

		ev := zerolog.Ctx(r.Context()).Info()
		if status >= http.StatusInternalServerError {
			ev = zerolog.Ctx(r.Context()).Warn()
		}
		ev.Str("method", r.Method).
			Str("path", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errEmptyBody = errors.New("empty body")

const maxJSONBody = 1 << 20

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return apperr.Validation("malformed JSON body")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the public view of err. Details stay in the log.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	logger := zerolog.Ctx(r.Context())
	ev := logger.Debug()
	if status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).Str("kind", string(apperr.KindOf(err))).Msg("request failed")
	respondJSON(w, status, errorResponse{
		Error:   string(apperr.KindOf(err)),
		Message: apperr.PublicMessage(err),
	})
}

func unavailable(name string) error {
	return apperr.Unavailable(name, "route", errors.New("component not configured"))
}
