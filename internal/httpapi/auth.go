package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/service"
	"github.com/ent0n29/abel/internal/supabase"
)

// AnonymousOwner owns requests that carry no identity.
const AnonymousOwner = "anonymous"

// UserIDHeader names the caller while the auth service is not available.
// Once it is, only verified bearer tokens identify a caller.
const UserIDHeader = "X-User-ID"

// Owner is the identity memories and conversations are scoped to.
type Owner struct {
	ID       string
	Email    string
	Verified bool
	Mock     bool
	token    string
}

func ownerFrom(ctx context.Context) Owner {
	o, ok := ctx.Value(ownerKey).(Owner)
	if !ok {
		return Owner{ID: AnonymousOwner}
	}
	return o
}

func (s *Server) resolveOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.owner(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		logger := zerolog.Ctx(r.Context()).With().Str("owner_id", owner.ID).Logger()
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

// owner prefers a verified bearer token. The X-User-ID header and the
// anonymous owner are only accepted while auth is not available and not
// required.
func (s *Server) owner(r *http.Request) (Owner, error) {
	if token := bearerToken(r); token != "" && s.deps.Auth != nil {
		user, err := s.deps.Auth.GetUser(r.Context(), token)
		switch {
		case err == nil:
			return Owner{ID: user.ID, Email: user.Email, Verified: true, Mock: user.Mock, token: token}, nil
		case apperr.KindOf(err) == apperr.KindUnavailable && !s.cfg.RequireAuth:
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("auth unavailable, using header identity")
		default:
			return Owner{}, err
		}
	}
	if s.cfg.RequireAuth || s.authAvailable() {
		return Owner{}, apperr.Unauthorized("a valid bearer token is required")
	}
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return Owner{ID: id}, nil
	}
	return Owner{ID: AnonymousOwner}, nil
}

func (s *Server) authAvailable() bool {
	return s.deps.Auth != nil && s.deps.Auth.Availability() == service.Available
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on websocket upgrades, so those may pass access_token in the query.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if websocket.IsWebSocketUpgrade(r) {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type,omitempty"`
	ExpiresIn    int           `json:"expires_in"`
	User         supabase.User `json:"user"`
}

func toSessionResponse(s supabase.Session) sessionResponse {
	return sessionResponse{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		ExpiresIn:    s.ExpiresIn,
		User:         s.User,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.credentialsCall(w, r, http.StatusOK, func(c credentials) (supabase.Session, error) {
		return s.deps.Auth.SignIn(r.Context(), c.Email, c.Password)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.credentialsCall(w, r, http.StatusCreated, func(c credentials) (supabase.Session, error) {
		return s.deps.Auth.SignUp(r.Context(), c.Email, c.Password)
	})
}

func (s *Server) credentialsCall(w http.ResponseWriter, r *http.Request, status int, call func(credentials) (supabase.Session, error)) {
	if s.deps.Auth == nil {
		respondError(w, r, unavailable(supabase.ServiceName))
		return
	}
	var c credentials
	if err := decodeJSON(r, &c); err != nil {
		respondError(w, r, apperr.Validation("email and password are required"))
		return
	}
	sess, err := call(c)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, status, toSessionResponse(sess))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		respondError(w, r, unavailable(supabase.ServiceName))
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, r, apperr.Validation("refresh_token is required"))
		return
	}
	sess, err := s.deps.Auth.RefreshSession(r.Context(), body.RefreshToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if !owner.Verified {
		respondError(w, r, apperr.Unauthorized("a valid bearer token is required"))
		return
	}
	respondJSON(w, http.StatusOK, supabase.User{ID: owner.ID, Email: owner.Email, Mock: owner.Mock})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if !owner.Verified {
		respondError(w, r, apperr.Unauthorized("a valid bearer token is required"))
		return
	}
	if err := s.deps.Auth.SignOut(r.Context(), owner.token); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
