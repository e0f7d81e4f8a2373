// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records tool invocations and step-level errors as an
// operation log. Sinks are fire-and-forget: a failing sink never breaks the
// workflow that reported to it.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// OpType classifies an audit entry.
type OpType string

const (
	// OpToolCall is one invocation of a tool by a tool_call step.
	OpToolCall OpType = "tool_call"
	// OpStepError is a step attempt that returned an error.
	OpStepError OpType = "step_error"
)

// Entry is one operation-log record.
type Entry struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	Skill       string         `json:"skill,omitempty"`
	Step        string         `json:"step,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	OpType      OpType         `json:"op_type"`
	Params      map[string]any `json:"params,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	At          time.Time      `json:"at"`
}

// Failed reports whether the entry records an error.
func (e Entry) Failed() bool { return e.Error != "" }

// Logger receives audit entries.
type Logger interface {
	Log(ctx context.Context, e Entry)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Log(context.Context, Entry) {}

// Multi fans an entry out to every sink in order.
type Multi []Logger

func (m Multi) Log(ctx context.Context, e Entry) {
	for _, l := range m {
		if l != nil {
			l.Log(ctx, e)
		}
	}
}

// SlogSink writes entries to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{logger: l}
}

func (s *SlogSink) Log(ctx context.Context, e Entry) {
	attrs := []any{
		"op_type", string(e.OpType),
		"execution_id", e.ExecutionID,
		"skill", e.Skill,
		"step", e.Step,
	}
	if e.Tool != "" {
		attrs = append(attrs, "tool", e.Tool)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Failed() {
		s.logger.WarnContext(ctx, "audit", append(attrs, "err", e.Error)...)
		return
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}

// Scope identifies the execution an audited operation belongs to.
type Scope struct {
	ExecutionID string
	Skill       string
}

type scopeKey struct{}

// WithScope attaches s to ctx so sinks and the step executor can stamp
// entries with it.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope attached to ctx, if any.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}
