package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/reaction-framework/reaction/internal/async"
	"github.com/reaction-framework/reaction/internal/identity"
	"github.com/reaction-framework/reaction/internal/rbac"
)

// Resolution errors surfaced by ResolveAction.
var (
	// ErrActionNotFound indicates the controller has no matching handler.
	ErrActionNotFound = errors.New("dispatch: action not found")
	// ErrExecutionAborted indicates a BeforeAction hook declined to continue.
	ErrExecutionAborted = errors.New("dispatch: action execution aborted")
)

// Response is a rendered error response body.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// ErrorPayload is the fixed error shape serialized for structured formats.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Trace   string `json:"trace,omitempty"`
}

// Resolver orchestrates the per-request pipeline: validation, hooks, handler
// invocation, and error rendering.
type Resolver struct {
	Logger *slog.Logger

	// Debug includes traces in rendered errors. Never enable in production.
	Debug bool

	// ErrorController, when set, supplies error actions for HTML rendering:
	// "error404" style status-specific handlers first, then "error".
	ErrorController *Controller
}

// NewResolver constructs a Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Logger: logger}
}

// ResolveAction runs the full pipeline for one action. The returned promise
// fulfills with the handler's (post-processed) result or rejects with the
// first failure: validation denial, aborted hook, or handler error.
func (r *Resolver) ResolveAction(rc *Ctx, c *Controller, actionName string) *async.Promise[any] {
	action, ok := c.Action(actionName)
	if !ok {
		return async.Rejected[any](fmt.Errorf("%w: %s/%s", ErrActionNotFound, c.Name, normalizeAction(actionName)))
	}

	validators := make([]Validator, 0, len(c.Validators)+len(action.Validators))
	validators = append(validators, c.Validators...)
	validators = append(validators, action.Validators...)

	return async.FlatMap(RunChain(rc, validators...), func(bool) *async.Promise[any] {
		if c.BeforeAction != nil {
			proceed, err := c.BeforeAction(rc, action.Name)
			if err != nil {
				return async.Rejected[any](err)
			}
			if !proceed {
				return async.Rejected[any](fmt.Errorf("%w: %s/%s", ErrExecutionAborted, c.Name, action.Name))
			}
		}

		result, err := action.Handler(rc)
		if err != nil {
			return async.Rejected[any](err)
		}
		inner, isPromise := result.(*async.Promise[any])
		if !isPromise {
			inner = async.Resolved(result)
		}
		if c.AfterAction == nil {
			return inner
		}
		return async.Map(inner, func(res any) (any, error) {
			return c.AfterAction(rc, action.Name, res)
		})
	})
}

// StatusFor maps the error taxonomy to HTTP status codes. Unknown errors are
// treated as internal.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrActionNotFound), errors.Is(err, rbac.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ResolveError renders a failure according to the negotiated format. HTML
// requests go through the error-action chain and fall back to plain text;
// structured formats serialize the fixed payload shape. Internal errors are
// masked unless Debug is set.
func (r *Resolver) ResolveError(rc *Ctx, err error, asPlainText bool) Response {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError && !r.Debug {
		message = http.StatusText(http.StatusInternalServerError)
	}
	r.Logger.Error("dispatch: action failed",
		slog.Int("status", status),
		slog.Any("error", err))

	if asPlainText || rc.Format == FormatText {
		return textResponse(status, message)
	}

	if rc.Format == FormatHTML {
		if body, ok := r.renderErrorAction(rc, status, err); ok {
			return Response{Status: status, ContentType: "text/html; charset=utf-8", Body: body}
		}
		return textResponse(status, message)
	}

	payload := ErrorPayload{
		Message: message,
		Code:    status,
		Name:    http.StatusText(status),
	}
	if r.Debug {
		payload.Trace = string(debug.Stack())
	}
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return textResponse(status, message)
	}
	return Response{Status: status, ContentType: "application/json", Body: body}
}

// renderErrorAction tries the status-specific error action, then the generic
// one.
func (r *Resolver) renderErrorAction(rc *Ctx, status int, cause error) ([]byte, bool) {
	if r.ErrorController == nil {
		return nil, false
	}
	for _, name := range []string{fmt.Sprintf("error%d", status), "error"} {
		action, ok := r.ErrorController.Action(name)
		if !ok {
			continue
		}
		rc.Params["errorMessage"] = cause.Error()
		result, err := action.Handler(rc)
		if err != nil {
			r.Logger.Warn("dispatch: error action failed",
				slog.String("action", name), slog.Any("error", err))
			continue
		}
		if p, isPromise := result.(*async.Promise[any]); isPromise {
			result, err = p.Await(rc.Context())
			if err != nil {
				continue
			}
		}
		return []byte(fmt.Sprint(result)), true
	}
	return nil, false
}

func textResponse(status int, message string) Response {
	body := fmt.Sprintf("%d %s", status, strings.TrimSpace(message))
	return Response{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}
