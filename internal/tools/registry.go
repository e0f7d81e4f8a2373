// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools holds the tool-execution collaborator used by tool_call steps.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bartekus/skillflow/internal/workflow"
)

// Tool is one named operation a skill can invoke.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, params workflow.Context) (workflow.Value, error)
}

// Func adapts a plain function to Tool.
type Func struct {
	name string
	fn   func(ctx context.Context, params workflow.Context) (workflow.Value, error)
}

func NewFunc(name string, fn func(ctx context.Context, params workflow.Context) (workflow.Value, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Invoke(ctx context.Context, params workflow.Context) (workflow.Value, error) {
	return f.fn(ctx, params)
}

// Registry stores tools by name and routes invocations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tools, replacing any existing tool with the same name.
func (r *Registry) Register(tools ...Tool) error {
	for i, tool := range tools {
		if tool == nil {
			return fmt.Errorf("tool at index %d is nil", i)
		}
		if tool.Name() == "" {
			return fmt.Errorf("tool at index %d has empty name", i)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tool := range tools {
		r.tools[tool.Name()] = tool
	}
	return nil
}

// Invoke runs the named tool. Unrecognised names fail with ErrUnknownTool.
func (r *Registry) Invoke(ctx context.Context, name string, params workflow.Context) (workflow.Value, error) {
	r.mu.RLock()
	tool := r.tools[name]
	r.mu.RUnlock()
	if tool == nil {
		return workflow.Null, fmt.Errorf("%w: %s", workflow.ErrUnknownTool, name)
	}

	select {
	case <-ctx.Done():
		return workflow.Null, ctx.Err()
	default:
	}
	return tool.Invoke(ctx, params)
}

// Names returns the registered tool names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
