package dispatch

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/reaction-framework/reaction/internal/identity"
)

// RouteMatch is the result of matching a request path against the route
// table.
type RouteMatch struct {
	Controller *Controller
	Action     string
	Pattern    string
	Params     map[string]string
}

type routeEntry struct {
	controller *Controller
	action     string
}

// Router maps method+pattern pairs onto controller actions. Matching is
// delegated to a chi mux so patterns use chi syntax ({id}, wildcards).
type Router struct {
	mux mux

	mu      sync.RWMutex
	entries map[string]routeEntry
}

// mux is the subset of chi.Mux the router relies on.
type mux interface {
	Match(rctx *chi.Context, method, path string) bool
	Method(method, pattern string, h http.Handler)
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{
		mux:     chi.NewMux(),
		entries: make(map[string]routeEntry),
	}
}

// Handle binds method+pattern to a controller action. The empty action binds
// the controller's default action.
func (r *Router) Handle(method, pattern string, c *Controller, action string) {
	if action == "" {
		action = DefaultAction
	}
	method = strings.ToUpper(method)
	r.mu.Lock()
	r.entries[routeKey(method, pattern)] = routeEntry{controller: c, action: normalizeAction(action)}
	r.mu.Unlock()
	// The mux only records the pattern; dispatch happens through
	// SearchRoute, not through chi's handler chain.
	r.mux.Method(method, pattern, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
}

// SearchRoute matches a request against the route table. The second return
// is false when no route matches.
func (r *Router) SearchRoute(req *http.Request) (RouteMatch, bool) {
	rctx := chi.NewRouteContext()
	if !r.mux.Match(rctx, req.Method, req.URL.Path) {
		return RouteMatch{}, false
	}
	pattern := rctx.RoutePattern()

	r.mu.RLock()
	entry, ok := r.entries[routeKey(req.Method, pattern)]
	r.mu.RUnlock()
	if !ok {
		return RouteMatch{}, false
	}

	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		params[key] = rctx.URLParams.Values[i]
	}
	return RouteMatch{
		Controller: entry.controller,
		Action:     entry.action,
		Pattern:    pattern,
		Params:     params,
	}, true
}

func routeKey(method, pattern string) string {
	return method + " " + pattern
}

// Handler adapts the router plus a resolver into an http.Handler. Principal
// extraction is pluggable so the session middleware can sit in front.
type Handler struct {
	Router   *Router
	Resolver *Resolver
	Services *Services
}

// ServeHTTP resolves the request end to end: route match, pipeline
// execution, and result or error rendering.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rc := h.newCtx(req)

	match, ok := h.Router.SearchRoute(req)
	if !ok {
		h.writeError(w, rc, ErrActionNotFound)
		return
	}
	for k, v := range match.Params {
		rc.Params[k] = v
	}

	result, err := h.Resolver.ResolveAction(rc, match.Controller, match.Action).Await(req.Context())
	if err != nil {
		h.writeError(w, rc, err)
		return
	}
	h.writeResult(w, rc, result)
}

func (h *Handler) newCtx(req *http.Request) *Ctx {
	rc := NewCtx(req.Context(), h.Resolver.Logger)
	rc.Request = req
	rc.Format = negotiateFormat(req)
	if h.Services != nil {
		rc.Services = h.Services
	}
	rc.Principal = identity.PrincipalFrom(req.Context())
	return rc
}

func (h *Handler) writeError(w http.ResponseWriter, rc *Ctx, err error) {
	resp := h.Resolver.ResolveError(rc, err, false)
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) writeResult(w http.ResponseWriter, rc *Ctx, result any) {
	switch v := result.(type) {
	case Response:
		w.Header().Set("Content-Type", v.ContentType)
		w.WriteHeader(v.Status)
		_, _ = w.Write(v.Body)
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case string:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(v))
	case []byte:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		_, _ = w.Write(v)
	default:
		writeJSON(w, rc, v)
	}
}

func writeJSON(w http.ResponseWriter, rc *Ctx, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		rc.Logger.Error("dispatch: response encoding failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
