// Package site provides the built-in controllers: the landing pages, the
// login/logout flow, and the error pages used for HTML error rendering.
package site

import (
	"fmt"
	"net/http"

	"github.com/reaction-framework/reaction/internal/dispatch"
	"github.com/reaction-framework/reaction/internal/identity"
)

// NewSiteController serves the public landing endpoints.
func NewSiteController() *dispatch.Controller {
	c := dispatch.NewController("site")
	c.MustRegister(dispatch.Action{
		Name: "index",
		Handler: func(rc *dispatch.Ctx) (any, error) {
			if rc.Format == dispatch.FormatHTML {
				return "<h1>Reaction</h1><p>It works.</p>", nil
			}
			return map[string]any{
				"name":          "reaction",
				"authenticated": !rc.Principal.IsGuest(),
			}, nil
		},
	})
	return c
}

// NewErrorController renders HTML error pages. The resolver tries the
// status-specific action first, then the generic one.
func NewErrorController() *dispatch.Controller {
	c := dispatch.NewController("error")
	c.MustRegister(dispatch.Action{
		Name: "error404",
		Handler: func(rc *dispatch.Ctx) (any, error) {
			return "<h1>Page not found</h1>", nil
		},
	})
	c.MustRegister(dispatch.Action{
		Name: "error",
		Handler: func(rc *dispatch.Ctx) (any, error) {
			return fmt.Sprintf("<h1>Something went wrong</h1><p>%s</p>", rc.Param("errorMessage")), nil
		},
	})
	return c
}

type loginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// NewAuthController handles login and logout against the session store.
func NewAuthController(auth *identity.Authenticator, sessions *identity.SessionManager) *dispatch.Controller {
	c := dispatch.NewController("auth")
	c.MustRegister(dispatch.Action{
		Name:       "login",
		Validators: []dispatch.Validator{dispatch.RequireGuest{}},
		Handler: func(rc *dispatch.Ctx) (any, error) {
			var in loginInput
			if err := dispatch.BindJSON(rc, &in); err != nil {
				return nil, err
			}
			principal, err := auth.Authenticate(rc.Context(), in.Username, in.Password)
			if err != nil {
				return nil, err
			}
			if sess := identity.SessionFrom(rc.Context()); sess != nil {
				sess.SetPrincipal(principal)
			}
			return map[string]string{"id": principal.ID, "name": principal.Name}, nil
		},
	})
	c.MustRegister(dispatch.Action{
		Name:       "logout",
		Validators: []dispatch.Validator{dispatch.RequireAuthenticated{}},
		Handler: func(rc *dispatch.Ctx) (any, error) {
			if sess := identity.SessionFrom(rc.Context()); sess != nil {
				sessions.Destroy(sess)
			}
			return nil, nil
		},
	})
	return c
}

// NewAdminController demonstrates permission-guarded actions.
func NewAdminController(checker dispatch.AccessChecker) *dispatch.Controller {
	c := dispatch.NewController("admin")
	c.Validators = []dispatch.Validator{dispatch.RequireAuthenticated{}}
	c.MustRegister(dispatch.Action{
		Name: "index",
		Validators: []dispatch.Validator{
			dispatch.RequirePermissions{Checker: checker, Permissions: []string{"admin.access"}},
		},
		Handler: func(rc *dispatch.Ctx) (any, error) {
			return map[string]string{"area": "admin", "user": rc.Principal.Name}, nil
		},
	})
	return c
}

// Mount registers the built-in routes on the dispatch router.
func Mount(r *dispatch.Router, auth *identity.Authenticator, sessions *identity.SessionManager, checker dispatch.AccessChecker) {
	siteCtl := NewSiteController()
	authCtl := NewAuthController(auth, sessions)
	adminCtl := NewAdminController(checker)

	r.Handle(http.MethodGet, "/", siteCtl, "")
	r.Handle(http.MethodPost, "/auth/login", authCtl, "login")
	r.Handle(http.MethodPost, "/auth/logout", authCtl, "logout")
	r.Handle(http.MethodGet, "/admin", adminCtl, "")
}
