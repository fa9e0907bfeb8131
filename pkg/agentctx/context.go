// Package agentctx carries per-run execution scope (session, workspace,
// stores) through the agent call tree.
package agentctx

import (
	"context"
	"errors"
	"sync"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

// ErrNoScope indicates no agent scope is reachable from the call site.
var ErrNoScope = errors.New("agentctx: no scope in context and no process default set")

// Scope is the execution context of one agent run. Tool implementations
// resolve it from the context.Context they receive; the process default
// exists only for call sites that cannot thread a context through.
type Scope struct {
	SessionID   string
	WorkspaceID string
	// WorkspaceRoot is the absolute workspace path as seen by this process.
	WorkspaceRoot string
	Framework     models.Framework
	RunID         string

	Events   store.EventStore
	Messages store.MessageStore
	Sessions store.SessionStore
}

type scopeKey struct{}

var (
	defaultMu    sync.RWMutex
	defaultScope *Scope
)

// WithScope returns a context carrying the scope.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext resolves the scope, preferring the context chain over the
// process default.
func FromContext(ctx context.Context) (*Scope, error) {
	if s, ok := ctx.Value(scopeKey{}).(*Scope); ok && s != nil {
		return s, nil
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultScope != nil {
		return defaultScope, nil
	}
	return nil, ErrNoScope
}

// SetProcessDefault installs the process-wide fallback scope. The agent
// runner owns exactly one session per process, so a single default is
// safe there; other processes must not call this.
func SetProcessDefault(s *Scope) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultScope = s
}

// ClearProcessDefault removes the fallback, for test isolation.
func ClearProcessDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultScope = nil
}
