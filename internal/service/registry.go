package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Readiness status values.
const (
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// Report is the aggregated readiness view.
type Report struct {
	Status          string                  `json:"status"`
	Services        map[string]Availability `json:"services"`
	Details         []Handle                `json:"details"`
	OverallDegraded bool                    `json:"degraded"`
	Message         string                  `json:"message"`
}

// Registry holds every service state. Reports are computed on demand.
type Registry struct {
	mu       sync.RWMutex
	states   map[string]*State
	order    []string
	required map[string]struct{}
}

// NewRegistry returns an empty registry. required names the services whose
// unavailability makes the process not ready.
func NewRegistry(required []string) *Registry {
	req := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name != "" {
			req[name] = struct{}{}
		}
	}
	return &Registry{
		states:   make(map[string]*State),
		required: req,
	}
}

// Register adds s. Names must be unique.
func (r *Registry) Register(s *State) error {
	if s == nil {
		return fmt.Errorf("service state is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[s.Name()]; exists {
		return fmt.Errorf("service %q already registered", s.Name())
	}
	r.states[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

// Get returns the named state.
func (r *Registry) Get(name string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[name]
	return s, ok
}

// Required reports whether name is a required service.
func (r *Registry) Required(name string) bool {
	_, ok := r.required[name]
	return ok
}

// Snapshot builds a report from current handles without probing.
func (r *Registry) Snapshot() Report {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.order))
	for _, name := range r.order {
		handles = append(handles, r.states[name].Handle())
	}
	r.mu.RUnlock()
	return r.build(handles)
}

// Reprobe re-initializes every service concurrently and returns the
// resulting report.
func (r *Registry) Reprobe(ctx context.Context) Report {
	r.mu.RLock()
	states := make([]*State, 0, len(r.order))
	for _, name := range r.order {
		states = append(states, r.states[name])
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range states {
		g.Go(func() error {
			s.Reprobe(gctx)
			return nil
		})
	}
	_ = g.Wait()
	return r.Snapshot()
}

func (r *Registry) build(handles []Handle) Report {
	rep := Report{
		Status:   StatusReady,
		Services: make(map[string]Availability, len(handles)),
		Details:  handles,
	}
	var mocked, down []string
	for _, h := range handles {
		rep.Services[h.Name] = h.Availability
		switch h.Availability {
		case Available:
		case MockMode:
			rep.OverallDegraded = true
			mocked = append(mocked, h.Name)
		default:
			rep.OverallDegraded = true
			down = append(down, h.Name)
			if r.Required(h.Name) {
				rep.Status = StatusNotReady
			}
		}
	}
	sort.Strings(mocked)
	sort.Strings(down)

	switch {
	case rep.Status == StatusNotReady:
		rep.Message = "required services unavailable: " + strings.Join(down, ", ")
	case len(down) > 0:
		rep.Message = "optional services unavailable: " + strings.Join(down, ", ")
	case len(mocked) > 0:
		rep.Message = "running in mock mode for: " + strings.Join(mocked, ", ")
	default:
		rep.Message = "all services available"
	}
	return rep
}
