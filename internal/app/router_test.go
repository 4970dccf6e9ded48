package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reaction-framework/reaction/internal/dispatch"
	"github.com/reaction-framework/reaction/internal/identity"
	"github.com/reaction-framework/reaction/internal/observability"
	"github.com/reaction-framework/reaction/internal/site"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &Config{
		AppEnv:             "test",
		AppRequestTimeout:  5 * time.Second,
		RateLimitPerMinute: 1000,
		SessionCookie:      "reaction_session",
		SessionTTL:         time.Hour,
		CSRFSecret:         "test-secret",
	}
	logger := NewLogger(cfg)
	sessions := identity.NewSessionManager(client, cfg.SessionCookie, cfg.SessionTTL, false)
	csrf := identity.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	router := dispatch.NewRouter()
	users := identity.NewMemoryUserStore()
	hash, err := identity.HashPassword("secret")
	require.NoError(t, err)
	users.Add(identity.User{ID: "u1", Name: "ada", PasswordHash: hash, IsActive: true})
	site.Mount(router, identity.NewAuthenticator(users), sessions, nil)

	resolver := dispatch.NewResolver(logger)
	resolver.ErrorController = site.NewErrorController()

	return NewRouter(RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessions,
		CSRFManager:    csrf,
		Metrics:        metrics,
		Dispatch: &dispatch.Handler{
			Router:   router,
			Resolver: resolver,
			Services: dispatch.NewServices(),
		},
		Redis: client,
	})
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestReadyz(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reaction_http_requests_total")
}

func TestDispatchCatchAllIssuesSessionCookie(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, "reaction_session", cookies[0].Name)
}

func TestCSRFRequiredOnMutations(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	h.ServeHTTP(rec, req)
	// No CSRF token supplied, so the middleware rejects before dispatch.
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnknownRouteRendersDispatchError(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Not Found")
}

func TestSessionMiddlewareIssuesCSRFToken(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(identity.CSRFHeader))
}

func TestLoginThroughFullRouter(t *testing.T) {
	h := newTestRouter(t)

	// Establish a session first; the response carries the cookie and the
	// CSRF token for the follow-up mutation.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	token := rec.Header().Get(identity.CSRFHeader)
	require.NotEmpty(t, token)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"username":"ada","password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(identity.CSRFHeader, token)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"ada"`)
}

func TestLoginWithStaleCSRFTokenIsForbidden(t *testing.T) {
	h := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"username":"ada","password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.CSRFHeader, "not-the-issued-token")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
