// Package reqctx carries per-invocation request context (correlation id,
// tool name, optional session token) through a [context.Context] so that the
// executor and loggers deep in the call chain can reach it without explicit
// parameters.
//
// A [Manager] opens a context at the start of a tool invocation with
// [Manager.Begin] and must close it with [Manager.Clear], typically in a
// defer so that the context is removed even when the invocation fails:
//
//	ctx, rc := mgr.Begin(ctx, "get_balance")
//	defer mgr.Clear(rc.CorrelationID())
//
// Concurrent invocations derive their own context chains and therefore never
// observe each other's values.
package reqctx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/exchangemcp/internal/observe"
)

// RequestContext describes one tool invocation. Its mutable fields are
// guarded by an internal mutex; use the accessor methods.
type RequestContext struct {
	ToolName  string
	CreatedAt time.Time

	mu            sync.RWMutex
	correlationID string
	sessionToken  string
}

// CorrelationID returns the invocation's correlation id.
func (rc *RequestContext) CorrelationID() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.correlationID
}

// SessionToken returns the session token, or "" if none was set.
func (rc *RequestContext) SessionToken() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.sessionToken
}

type ctxKey struct{}

// Manager allocates request contexts and tracks the ones currently open.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	active map[string]*RequestContext

	// newID is swapped in tests.
	newID func() string
}

// NewManager returns an empty [Manager].
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]*RequestContext),
		newID:  uuid.NewString,
	}
}

// Begin opens a request context for toolName with a fresh correlation id and
// returns a child of ctx carrying it.
func (m *Manager) Begin(ctx context.Context, toolName string) (context.Context, *RequestContext) {
	rc := &RequestContext{
		ToolName:      toolName,
		CreatedAt:     time.Now(),
		correlationID: m.newID(),
	}

	m.mu.Lock()
	m.active[rc.correlationID] = rc
	m.mu.Unlock()

	return context.WithValue(ctx, ctxKey{}, rc), rc
}

// Clear removes the request context registered under id. Clearing an unknown
// id is a no-op.
func (m *Manager) Clear(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Lookup returns the open request context registered under id.
func (m *Manager) Lookup(id string) (*RequestContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.active[id]
	return rc, ok
}

// Active returns the number of request contexts currently open.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// FromContext returns the request context carried by ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok
}

// CorrelationID returns the correlation id of the active request context, or
// "" when ctx carries none.
func CorrelationID(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.CorrelationID()
	}
	return ""
}

// SetCorrelationID overrides the correlation id of the active request context,
// for instance to adopt an id supplied by the caller. The [Manager] keeps
// tracking the context under the id it was opened with. It reports whether
// ctx carried a request context.
func SetCorrelationID(ctx context.Context, id string) bool {
	rc, ok := FromContext(ctx)
	if !ok {
		return false
	}
	rc.mu.Lock()
	rc.correlationID = id
	rc.mu.Unlock()
	return true
}

// SessionToken returns the session token of the active request context.
func SessionToken(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.SessionToken()
	}
	return ""
}

// SetSessionToken stores token on the active request context. It reports
// whether ctx carried a request context.
func SetSessionToken(ctx context.Context, token string) bool {
	rc, ok := FromContext(ctx)
	if !ok {
		return false
	}
	rc.mu.Lock()
	rc.sessionToken = token
	rc.mu.Unlock()
	return true
}

// Logger returns the trace-aware logger from [observe.Logger] tagged with
// the correlation id and tool name of the active request context.
func Logger(ctx context.Context) *slog.Logger {
	rc, ok := FromContext(ctx)
	if !ok {
		return observe.Logger(ctx)
	}
	return observe.Logger(observe.WithCorrelationID(ctx, rc.CorrelationID())).
		With(slog.String("tool", rc.ToolName))
}
