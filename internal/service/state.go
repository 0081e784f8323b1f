// Package service tracks the availability of each external dependency and
// aggregates it into a readiness report.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
)

// Kind groups services by role.
type Kind string

const (
	KindAuthDB Kind = "auth_db"
	KindLLM    Kind = "llm"
	KindTTSSTT Kind = "tts_stt"
	KindTool   Kind = "tool"
	KindCache  Kind = "cache"
	KindVector Kind = "vector_store"
)

// Availability is the externally visible state of a service.
type Availability string

const (
	Available   Availability = "available"
	MockMode    Availability = "mock_mode"
	Unavailable Availability = "unavailable"
)

// Handle is a point-in-time view of one service.
type Handle struct {
	Name         string       `json:"name"`
	Kind         Kind         `json:"kind"`
	Availability Availability `json:"availability"`
	LastError    string       `json:"last_error,omitempty"`
	CheckedAt    time.Time    `json:"checked_at"`
}

// ProbeFunc verifies credentials and connectivity. It must honor ctx.
type ProbeFunc func(ctx context.Context) error

// Spec describes a service before it is probed.
type Spec struct {
	Name string
	Kind Kind
	// HasMock is true when the client can produce a safe synthetic result.
	HasMock bool
	// AllowMock is the process-wide mock policy.
	AllowMock bool
	// ProbeTimeout bounds a single probe. Zero means 10s.
	ProbeTimeout time.Duration
}

// State owns the availability of one service. It changes only through Init
// and Reprobe.
type State struct {
	spec   Spec
	probe  ProbeFunc
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	handle  Handle
	initErr error
}

// Init probes once and records the outcome. It never panics and never
// returns; failures are kept as the handle's state.
func Init(ctx context.Context, spec Spec, probe ProbeFunc, logger zerolog.Logger) *State {
	if spec.ProbeTimeout <= 0 {
		spec.ProbeTimeout = 10 * time.Second
	}
	s := &State{
		spec:   spec,
		probe:  probe,
		logger: logger.With().Str("service", spec.Name).Str("kind", string(spec.Kind)).Logger(),
		now:    time.Now,
	}
	s.run(ctx)
	return s
}

// Reprobe re-runs the probe and returns the new handle. Calling it again
// with unchanged credentials yields the same availability.
func (s *State) Reprobe(ctx context.Context) Handle {
	s.run(ctx)
	return s.Handle()
}

func (s *State) run(ctx context.Context) {
	err := s.safeProbe(ctx)
	h := Handle{
		Name:      s.spec.Name,
		Kind:      s.spec.Kind,
		CheckedAt: s.now().UTC(),
	}
	switch {
	case err == nil:
		h.Availability = Available
		s.logger.Info().Msg("service available")
	case s.spec.AllowMock && s.spec.HasMock:
		h.Availability = MockMode
		h.LastError = summarize(err)
		s.logger.Warn().Err(err).Msg("service degraded, using mock responses")
	default:
		h.Availability = Unavailable
		h.LastError = summarize(err)
		s.logger.Error().Err(err).Msg("service unavailable")
	}

	s.mu.Lock()
	s.handle = h
	s.initErr = err
	s.mu.Unlock()
}

func (s *State) safeProbe(ctx context.Context) (err error) {
	if s.probe == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Upstream(s.spec.Name, "probe", 0, errors.New("probe panicked"))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.spec.ProbeTimeout)
	defer cancel()
	return s.probe(ctx)
}

// Handle returns the current view.
func (s *State) Handle() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Name of the service.
func (s *State) Name() string { return s.spec.Name }

// Availability of the service.
func (s *State) Availability() Availability { return s.Handle().Availability }

// InitErr is the error from the latest probe, nil when available.
func (s *State) InitErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initErr
}

// Gate decides how a call proceeds. It returns (true, nil) when the caller
// must answer with its mock, (false, nil) for a real call, and a
// ServiceUnavailable error when no call may be made.
func (s *State) Gate(op string) (mock bool, err error) {
	switch s.Availability() {
	case Available:
		return false, nil
	case MockMode:
		return true, nil
	default:
		return false, apperr.Unavailable(s.spec.Name, op, s.InitErr())
	}
}

// summarize keeps handle errors free of provider payloads.
func summarize(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		if e.Kind == apperr.KindConfiguration && e.Msg != "" {
			return e.Msg
		}
		return string(e.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(apperr.KindTimeout)
	}
	return "probe failed"
}
