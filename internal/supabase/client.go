// Package supabase is the auth and database client. Auth goes through the
// GoTrue REST API; the database is reached directly with pgx.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/reliability"
	"github.com/ent0n29/abel/internal/service"
)

// ServiceName is the registry name of the auth/DB client.
const ServiceName = "auth_db"

const provider = "supabase"

// MockUserID identifies the synthetic user served in mock mode.
const MockUserID = "mock-user"

type Config struct {
	URL         string
	AnonKey     string
	DatabaseURL string
	// RequireDatabase makes DATABASE_URL mandatory.
	RequireDatabase bool
	Timeout         time.Duration
	AllowMock       bool
	ProbeTimeout    time.Duration
	HTTPClient      *http.Client
	Logger          zerolog.Logger
	Observer        reliability.Observer
}

// User is an authenticated principal.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Mock  bool   `json:"mock,omitempty"`
}

// Session is a token pair issued by the auth server.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         User   `json:"user"`
}

// Client owns the auth_db service state.
type Client struct {
	cfg   Config
	http  *http.Client
	state *service.State

	poolMu sync.Mutex
	pool   *pgxpool.Pool

	refreshes singleflight.Group
}

// New builds the client and probes it once.
func New(ctx context.Context, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{cfg: cfg, http: hc}
	c.state = service.Init(ctx, service.Spec{
		Name:         ServiceName,
		Kind:         service.KindAuthDB,
		HasMock:      true,
		AllowMock:    cfg.AllowMock,
		ProbeTimeout: cfg.ProbeTimeout,
	}, c.probe, cfg.Logger)
	return c
}

func (c *Client) State() *service.State { return c.state }

func (c *Client) Availability() service.Availability { return c.state.Availability() }

// Pool returns the database pool, or nil when the database is not in use.
func (c *Client) Pool() *pgxpool.Pool {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	return c.pool
}

func (c *Client) Close() {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
}

func (c *Client) probe(ctx context.Context) error {
	if c.cfg.URL == "" {
		return apperr.Configuration(provider, "SUPABASE_URL")
	}
	if c.cfg.AnonKey == "" {
		return apperr.Configuration(provider, "SUPABASE_ANON_KEY")
	}
	if c.cfg.RequireDatabase && c.cfg.DatabaseURL == "" {
		return apperr.Configuration(provider, "DATABASE_URL")
	}
	if c.cfg.DatabaseURL != "" {
		pool, err := c.ensurePool(ctx)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			return apperr.Upstream(provider, "db_ping", 0, err)
		}
	}
	resp, err := c.do(ctx, http.MethodGet, "/auth/v1/health", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Upstream(provider, "health", resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) ensurePool(ctx context.Context) (*pgxpool.Pool, error) {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.pool != nil {
		return c.pool, nil
	}
	pool, err := pgxpool.New(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return nil, apperr.Invalid(provider, "DATABASE_URL", err)
	}
	c.pool = pool
	return pool, nil
}

// GetUser resolves an access token. In mock mode every token maps to the
// synthetic mock user.
func (c *Client) GetUser(ctx context.Context, accessToken string) (User, error) {
	if strings.TrimSpace(accessToken) == "" {
		return User{}, apperr.Unauthorized("missing access token")
	}
	mock, err := c.state.Gate("get_user")
	if err != nil {
		return User{}, err
	}
	if mock {
		return User{ID: MockUserID, Email: "mock@localhost", Mock: true}, nil
	}
	return reliability.Call(ctx, c.callSpec("get_user"), func(ctx context.Context) (User, error) {
		var u User
		err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &u)
		return u, err
	})
}

// SignIn exchanges email and password for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return Session{}, apperr.Validation("email and password are required")
	}
	return c.tokenCall(ctx, "sign_in", "/auth/v1/token?grant_type=password", map[string]string{
		"email":    email,
		"password": password,
	})
}

// SignUp registers a new account. Depending on project settings the
// returned session may be empty until the email is confirmed.
func (c *Client) SignUp(ctx context.Context, email, password string) (Session, error) {
	if strings.TrimSpace(email) == "" || len(password) < 8 {
		return Session{}, apperr.Validation("email and a password of at least 8 characters are required")
	}
	return c.tokenCall(ctx, "sign_up", "/auth/v1/signup", map[string]string{
		"email":    email,
		"password": password,
	})
}

// RefreshSession exchanges a refresh token for a new session. Concurrent
// calls with the same token share one upstream request and its outcome.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, apperr.Validation("refresh_token is required")
	}
	if _, err := c.state.Gate("refresh"); err != nil {
		return Session{}, err
	}

	ch := c.refreshes.DoChan(refreshToken, func() (any, error) {
		// Detached so one caller leaving does not fail the others.
		return c.tokenCall(context.WithoutCancel(ctx), "refresh", "/auth/v1/token?grant_type=refresh_token", map[string]string{
			"refresh_token": refreshToken,
		})
	})
	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return apperr.Unauthorized("missing access token")
	}
	mock, err := c.state.Gate("sign_out")
	if err != nil {
		return err
	}
	if mock {
		return nil
	}
	_, err = reliability.Call(ctx, c.callSpec("sign_out"), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
	})
	return err
}

// tokenCall posts to a token endpoint. Credentials have no safe mock, so
// mock mode reports the service unavailable.
func (c *Client) tokenCall(ctx context.Context, op, path string, body any) (Session, error) {
	mock, err := c.state.Gate(op)
	if err != nil {
		return Session{}, err
	}
	if mock {
		return Session{}, apperr.Unavailable(ServiceName, op, errors.New("auth is in mock mode"))
	}
	return reliability.Call(ctx, c.callSpec(op), func(ctx context.Context) (Session, error) {
		var s Session
		err := c.doJSON(ctx, http.MethodPost, path, "", body, &s)
		return s, err
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

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	resp, err := c.do(ctx, method, path, bearer, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperr.Unauthorized("invalid or expired credentials")
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		if strings.Contains(path, "grant_type") {
			return apperr.Unauthorized("invalid or expired credentials")
		}
		return apperr.Validation("request rejected by auth server")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return apperr.Upstream(provider, path, resp.StatusCode, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Upstream(provider, path, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.AnonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Upstream(provider, path, 0, err)
	}
	return resp, nil
}
