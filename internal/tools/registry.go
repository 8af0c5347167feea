// Package tools provides the tool registry and the executor that runs
// batches of tool calls on behalf of the response processor.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidArgs   = errors.New("invalid tool arguments")
)

// Func is the callable behind a tool. Returning an error marks the call failed.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered callable with its metadata
type Tool struct {
	Name        string
	Description string
	// Schema describes the arguments; nil accepts anything
	Schema *jsonschema.Schema
	// Terminating tools end the run after a successful call
	Terminating bool
	Fn          Func

	resolved *jsonschema.Resolved
}

// Definition is the model-facing description of a tool
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// Registry stores tools by name
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. The schema, if any, is resolved once here.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Fn == nil {
		return fmt.Errorf("tool needs a name and a function")
	}
	if t.Schema != nil {
		resolved, err := t.Schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("failed to resolve schema for %s: %w", t.Name, err)
		}
		t.resolved = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = &t
	return nil
}

// RegisterTyped registers a tool whose arguments decode into P.
// The argument schema is inferred from P's json and jsonschema tags.
func RegisterTyped[P any](r *Registry, name, description string, terminating bool, fn func(ctx context.Context, params P) (any, error)) error {
	schema, err := jsonschema.For[P](nil)
	if err != nil {
		return fmt.Errorf("failed to infer schema for %s: %w", name, err)
	}
	return r.Register(Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		Terminating: terminating,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var params P
			data, err := json.Marshal(args)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
			}
			return fn(ctx, params)
		},
	})
}

// Resolve looks a tool up by name
func (r *Registry) Resolve(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// IsTerminating reports whether name is a registered terminating tool
func (r *Registry) IsTerminating(name string) bool {
	t, ok := r.Resolve(name)
	return ok && t.Terminating
}

// Definitions returns the model-facing definitions sorted by name
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Validate checks args against the tool's schema
func (t *Tool) Validate(args map[string]any) error {
	if t.resolved == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.resolved.Validate(args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}
