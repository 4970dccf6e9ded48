// Package dispatch resolves incoming requests to controller actions: route
// matching, access validation, hook invocation, and error rendering.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/reaction-framework/reaction/internal/identity"
)

// Format is the negotiated response format used to pick an error-rendering
// strategy.
type Format int

const (
	FormatJSON Format = iota
	FormatHTML
	FormatText
)

// Services is the explicit service registry handed to actions instead of
// global application state. Entries are registered once at startup.
type Services struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewServices constructs an empty registry.
func NewServices() *Services {
	return &Services{entries: make(map[string]any)}
}

// Set registers a service under a name. Later registrations replace earlier
// ones.
func (s *Services) Set(name string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = v
}

// Get looks a service up by name.
func (s *Services) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[name]
	return v, ok
}

// Ctx carries per-request state through action resolution. Components take
// it explicitly rather than reaching for process-global state.
type Ctx struct {
	parent    context.Context
	Request   *http.Request
	Principal identity.Principal
	Params    map[string]string
	Format    Format
	Services  *Services
	Logger    *slog.Logger
}

// NewCtx builds a request context. A nil parent defaults to
// context.Background; a nil logger defaults to slog.Default.
func NewCtx(parent context.Context, logger *slog.Logger) *Ctx {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ctx{
		parent:   parent,
		Params:   make(map[string]string),
		Services: NewServices(),
		Logger:   logger,
	}
}

// Context returns the underlying context for blocking calls.
func (c *Ctx) Context() context.Context { return c.parent }

// Param returns a route parameter by name, empty when absent.
func (c *Ctx) Param(name string) string { return c.Params[name] }

// negotiateFormat derives the response format from the Accept header.
func negotiateFormat(r *http.Request) Format {
	if r == nil {
		return FormatText
	}
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return FormatHTML
	case strings.Contains(accept, "application/json"), strings.Contains(accept, "*/*"), accept == "":
		return FormatJSON
	default:
		return FormatText
	}
}
