// Package tools runs the external lookups the assistant can use to answer
// (weather, news) behind JSON-schema validated parameters.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/llm"
	"github.com/ent0n29/abel/internal/reliability"
	"github.com/ent0n29/abel/internal/service"
)

// Definition describes a tool to clients and to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool is one external lookup.
type Tool interface {
	Definition() Definition
	// Probe checks credentials. It should not need network access.
	Probe(ctx context.Context) error
	Run(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Output is the result of one tool call.
type Output struct {
	Tool   string         `json:"tool"`
	Result map[string]any `json:"result"`
	Mock   bool           `json:"mock"`
}

// Summary returns the result's human readable summary, if any.
func (o Output) Summary() string {
	s, _ := o.Result["summary"].(string)
	return s
}

type Options struct {
	Timeout      time.Duration
	AllowMock    bool
	ProbeTimeout time.Duration
	Logger       zerolog.Logger
	Observer     reliability.Observer
	OnMock       func(service string)
}

type entry struct {
	tool   Tool
	def    Definition
	schema *gojsonschema.Schema
	state  *service.State
}

// Registry holds the available tools. Each tool has its own service state.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	tools map[string]*entry
}

func NewRegistry(opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Registry{opts: opts, tools: make(map[string]*entry)}
}

// Register compiles the tool's parameter schema and probes it once.
func (r *Registry) Register(ctx context.Context, t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Parameters))
	if err != nil {
		return fmt.Errorf("compile %s parameter schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	state := service.Init(ctx, service.Spec{
		Name:         def.Name,
		Kind:         service.KindTool,
		HasMock:      true,
		AllowMock:    r.opts.AllowMock,
		ProbeTimeout: r.opts.ProbeTimeout,
	}, t.Probe, r.opts.Logger)
	r.tools[def.Name] = &entry{tool: t, def: def, schema: schema, state: state}
	return nil
}

// States returns the tools' service states ordered by name.
func (r *Registry) States() []*service.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*service.State, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		out = append(out, r.tools[name].state)
	}
	return out
}

// List returns the tool definitions ordered by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Execute validates params and runs the named tool under the tool timeout.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (Output, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Output{}, apperr.NotFound(fmt.Sprintf("unknown tool %q", name))
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := validate(e.schema, params); err != nil {
		return Output{}, err
	}

	mock, err := e.state.Gate("run")
	if err != nil {
		return Output{}, err
	}
	if mock {
		if r.opts.OnMock != nil {
			r.opts.OnMock(name)
		}
		return Output{Tool: name, Mock: true, Result: map[string]any{
			"mock":    true,
			"summary": fmt.Sprintf("%s %s is not configured, no live data available.", llm.MockMarker, name),
		}}, nil
	}

	res, err := reliability.Call(ctx, reliability.CallSpec{
		Provider: name,
		Op:       "run",
		Timeout:  r.opts.Timeout,
		Logger:   r.opts.Logger,
		Observer: r.opts.Observer,
	}, func(ctx context.Context) (map[string]any, error) {
		return e.tool.Run(ctx, params)
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Tool: name, Result: res}, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validate(schema *gojsonschema.Schema, params map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return apperr.Validation(fmt.Sprintf("invalid tool parameters: %v", err))
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return apperr.Validation("invalid tool parameters: " + strings.Join(msgs, "; "))
}
