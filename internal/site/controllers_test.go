package site

import (
	"context"
	"encoding/json"
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
	"github.com/reaction-framework/reaction/internal/rbac"
)

type fixture struct {
	handler  *dispatch.Handler
	sessions *identity.SessionManager
	manager  *rbac.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	users := identity.NewMemoryUserStore()
	hash, err := identity.HashPassword("s3cret")
	require.NoError(t, err)
	users.Add(identity.User{ID: "u1", Name: "alice", PasswordHash: hash, IsActive: true})

	sessions := identity.NewSessionManager(client, "reaction_session", time.Hour, false)
	manager := rbac.NewManager(rbac.NewMemoryStore())

	router := dispatch.NewRouter()
	Mount(router, identity.NewAuthenticator(users), sessions, manager)

	resolver := dispatch.NewResolver(nil)
	resolver.ErrorController = NewErrorController()

	return &fixture{
		handler:  &dispatch.Handler{Router: router, Resolver: resolver, Services: dispatch.NewServices()},
		sessions: sessions,
		manager:  manager,
	}
}

// serve runs a request through the dispatch handler with a session attached,
// the way the app middleware does in production.
func (f *fixture) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *identity.Session) {
	t.Helper()
	sess, err := f.sessions.Load(req.Context(), req)
	require.NoError(t, err)
	ctx := identity.WithSession(req.Context(), sess)
	ctx = identity.WithPrincipal(ctx, sess.Principal())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req.WithContext(ctx))
	require.NoError(t, f.sessions.Commit(context.Background(), rec, sess))
	return rec, sess
}

func TestSiteIndex(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")

	rec, _ := f.serve(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "reaction", body["name"])
	assert.Equal(t, false, body["authenticated"])
}

func TestLoginSetsSessionPrincipal(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"username":"alice","password":"s3cret"}`))
	req.Header.Set("Accept", "application/json")

	rec, sess := f.serve(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "u1", sess.Principal().ID)
}

func TestLoginBadPassword(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"username":"alice","password":"wrong"}`))
	req.Header.Set("Accept", "application/json")

	rec, sess := f.serve(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, sess.Principal().IsGuest())
}

func TestLoginRejectedWhenAlreadyAuthenticated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"username":"alice","password":"s3cret"}`))
	req.Header.Set("Accept", "application/json")
	ctx := identity.WithPrincipal(req.Context(), identity.Principal{ID: "u1", Name: "alice"})

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req.WithContext(ctx))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminRequiresPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Add(ctx, f.manager.NewPermission("admin.access")))
	require.NoError(t, f.manager.Add(ctx, f.manager.NewRole("admin")))
	require.NoError(t, f.manager.AddChild(ctx, "admin", "admin.access"))
	_, err := f.manager.Assign(ctx, "admin", "u1")
	require.NoError(t, err)

	// Guest is denied before the permission check runs.
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Accept", "application/json")
	rec, _ := f.serve(t, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Assigned user passes both validators.
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Accept", "application/json")
	authed := identity.WithPrincipal(req.Context(), identity.Principal{ID: "u1", Name: "alice"})
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req.WithContext(authed))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Unassigned user is authenticated but lacks the permission.
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Accept", "application/json")
	other := identity.WithPrincipal(req.Context(), identity.Principal{ID: "u2", Name: "bob"})
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req.WithContext(other))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHTMLErrorPage(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set("Accept", "text/html")

	rec, _ := f.serve(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Page not found")
}
