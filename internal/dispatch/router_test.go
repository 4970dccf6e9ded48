package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchRouteMatchesPatternAndParams(t *testing.T) {
	posts := NewController("post")
	posts.MustRegister(Action{Name: "view", Handler: func(*Ctx) (any, error) { return nil, nil }})

	r := NewRouter()
	r.Handle(http.MethodGet, "/posts/{id}", posts, "view")

	match, ok := r.SearchRoute(httptest.NewRequest(http.MethodGet, "/posts/42", nil))
	require.True(t, ok)
	assert.Equal(t, "post", match.Controller.Name)
	assert.Equal(t, "view", match.Action)
	assert.Equal(t, "/posts/{id}", match.Pattern)
	assert.Equal(t, "42", match.Params["id"])
}

func TestSearchRouteNoMatch(t *testing.T) {
	r := NewRouter()
	_, ok := r.SearchRoute(httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.False(t, ok)
}

func TestSearchRouteMethodMismatch(t *testing.T) {
	site := NewController("site")
	site.MustRegister(Action{Name: "index", Handler: func(*Ctx) (any, error) { return nil, nil }})

	r := NewRouter()
	r.Handle(http.MethodGet, "/", site, "")

	_, ok := r.SearchRoute(httptest.NewRequest(http.MethodDelete, "/", nil))
	assert.False(t, ok)
}

func TestSearchRouteDefaultAction(t *testing.T) {
	site := NewController("site")
	site.MustRegister(Action{Name: "index", Handler: func(*Ctx) (any, error) { return nil, nil }})

	r := NewRouter()
	r.Handle(http.MethodGet, "/", site, "")

	match, ok := r.SearchRoute(httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, ok)
	assert.Equal(t, DefaultAction, match.Action)
}

func newTestHandler(router *Router) *Handler {
	return &Handler{Router: router, Resolver: NewResolver(nil), Services: NewServices()}
}

func TestHandlerServesJSONResult(t *testing.T) {
	posts := NewController("post")
	posts.MustRegister(Action{Name: "view", Handler: func(rc *Ctx) (any, error) {
		return map[string]string{"id": rc.Param("id")}, nil
	}})

	router := NewRouter()
	router.Handle(http.MethodGet, "/posts/{id}", posts, "view")
	h := newTestHandler(router)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/posts/7", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "7", body["id"])
}

func TestHandlerServesStringAsHTML(t *testing.T) {
	site := NewController("site")
	site.MustRegister(Action{Name: "index", Handler: func(*Ctx) (any, error) {
		return "<p>hello</p>", nil
	}})

	router := NewRouter()
	router.Handle(http.MethodGet, "/", site, "")
	h := newTestHandler(router)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "<p>hello</p>", rec.Body.String())
}

func TestHandlerUnknownRouteIs404(t *testing.T) {
	h := newTestHandler(NewRouter())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, http.StatusNotFound, payload.Code)
	assert.Equal(t, "Not Found", payload.Name)
}

func TestHandlerValidatorDenialIs403(t *testing.T) {
	admin := NewController("admin")
	admin.Validators = []Validator{RequireAuthenticated{}}
	admin.MustRegister(Action{Name: "index", Handler: func(*Ctx) (any, error) {
		return "secret", nil
	}})

	router := NewRouter()
	router.Handle(http.MethodGet, "/admin", admin, "")
	h := newTestHandler(router)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestHandlerNilResultIsNoContent(t *testing.T) {
	site := NewController("site")
	site.MustRegister(Action{Name: "ping", Handler: func(*Ctx) (any, error) {
		return nil, nil
	}})

	router := NewRouter()
	router.Handle(http.MethodPost, "/ping", site, "ping")
	h := newTestHandler(router)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerServesBytesAsOctetStream(t *testing.T) {
	files := NewController("file")
	files.MustRegister(Action{Name: "download", Handler: func(*Ctx) (any, error) {
		return []byte{0x1f, 0x8b, 0x00}, nil
	}})

	router := NewRouter()
	router.Handle(http.MethodGet, "/download", files, "download")
	h := newTestHandler(router)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x1f, 0x8b, 0x00}, rec.Body.Bytes())
}
