package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAuthenticateSuccess(t *testing.T) {
	store := NewMemoryUserStore()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	store.Add(User{ID: "u1", Name: "alice", PasswordHash: hash, IsActive: true})

	auth := NewAuthenticator(store)
	p, err := auth.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.ID)
	assert.False(t, p.IsGuest())
}

func TestAuthenticateFailures(t *testing.T) {
	store := NewMemoryUserStore()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	store.Add(User{ID: "u1", Name: "alice", PasswordHash: hash, IsActive: true})
	store.Add(User{ID: "u2", Name: "bob", PasswordHash: hash, IsActive: false})

	auth := NewAuthenticator(store)

	cases := []struct {
		name     string
		user     string
		password string
	}{
		{"wrong password", "alice", "nope"},
		{"unknown user", "carol", "s3cret"},
		{"inactive account", "bob", "s3cret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := auth.Authenticate(context.Background(), tc.user, tc.password)
			require.ErrorIs(t, err, ErrInvalidCredentials)
			assert.True(t, p.IsGuest())
		})
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{ID: "u1", Name: "alice"})
	assert.Equal(t, "u1", PrincipalFrom(ctx).ID)
	assert.True(t, PrincipalFrom(context.Background()).IsGuest())
}

func TestSessionLifecycle(t *testing.T) {
	client := newTestRedis(t)
	sm := NewSessionManager(client, "reaction_session", time.Hour, false)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	require.True(t, sess.Principal().IsGuest())

	sess.SetPrincipal(Principal{ID: "u1", Name: "alice"})
	sess.Set("theme", "dark")

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "reaction_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	// Second request carrying the cookie resumes the same state.
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookies[0])
	loaded, err := sm.Load(ctx, req2)
	require.NoError(t, err)
	assert.Equal(t, "u1", loaded.Principal().ID)
	assert.Equal(t, "dark", loaded.Get("theme"))
}

func TestSessionDestroy(t *testing.T) {
	client := newTestRedis(t)
	sm := NewSessionManager(client, "reaction_session", time.Hour, false)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetPrincipal(Principal{ID: "u1", Name: "alice"})
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	cookie := rec.Result().Cookies()[0]

	sm.Destroy(sess)
	rec2 := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec2, sess))
	expired := rec2.Result().Cookies()
	require.Len(t, expired, 1)
	assert.Less(t, expired[0].MaxAge, 0)

	// Session data is gone server-side.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	loaded, err := sm.Load(ctx, req)
	require.NoError(t, err)
	assert.True(t, loaded.Principal().IsGuest())
}

func TestSessionStaleCookieGetsFreshState(t *testing.T) {
	client := newTestRedis(t)
	sm := NewSessionManager(client, "reaction_session", time.Hour, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "reaction_session", Value: "expired-id"})
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "expired-id", sess.ID)
	assert.True(t, sess.Principal().IsGuest())
}

func TestCSRFTokenLifecycle(t *testing.T) {
	client := newTestRedis(t)
	sm := NewSessionManager(client, "reaction_session", time.Hour, false)
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	csrf := NewCSRFManager("secret-key")
	token, err := csrf.EnsureToken(sess)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Stable across EnsureToken calls within the session.
	again, err := csrf.EnsureToken(sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	require.NoError(t, csrf.VerifyToken(sess, token))
	assert.ErrorIs(t, csrf.VerifyToken(sess, "forged"), ErrCSRFTokenMismatch)
	assert.ErrorIs(t, csrf.VerifyToken(sess, ""), ErrCSRFTokenMissing)
	assert.ErrorIs(t, csrf.VerifyToken(nil, token), ErrCSRFTokenMissing)
}
