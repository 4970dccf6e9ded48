package dispatch

import (
	"fmt"
	"strings"
)

// DefaultAction is resolved when no action name is given.
const DefaultAction = "index"

// HandlerFunc is a controller action. It may return a plain value, an
// *async.Promise[any] to be awaited by the resolver, or an error.
type HandlerFunc func(rc *Ctx) (any, error)

// Action binds a handler and its action-level validators to a name.
type Action struct {
	Name       string
	Handler    HandlerFunc
	Validators []Validator
}

// Controller groups actions under a name with controller-level validators
// applied to every action. The action table is an explicit registry built at
// startup; nothing is discovered reflectively at request time.
type Controller struct {
	Name    string
	actions map[string]Action

	// Validators run before any action-level validator, for every action.
	Validators []Validator

	// BeforeAction runs after validation, before the handler. Returning
	// false aborts execution.
	BeforeAction func(rc *Ctx, action string) (bool, error)

	// AfterAction post-processes the handler result.
	AfterAction func(rc *Ctx, action string, result any) (any, error)
}

// NewController constructs an empty controller.
func NewController(name string) *Controller {
	return &Controller{Name: name, actions: make(map[string]Action)}
}

// Register adds an action to the controller's table.
func (c *Controller) Register(a Action) error {
	name := normalizeAction(a.Name)
	if name == "" {
		return fmt.Errorf("dispatch: action name required on controller %s", c.Name)
	}
	if a.Handler == nil {
		return fmt.Errorf("dispatch: action %s/%s has no handler", c.Name, name)
	}
	if _, exists := c.actions[name]; exists {
		return fmt.Errorf("dispatch: action %s/%s registered twice", c.Name, name)
	}
	a.Name = name
	c.actions[name] = a
	return nil
}

// MustRegister is Register for startup wiring where failure is fatal.
func (c *Controller) MustRegister(a Action) {
	if err := c.Register(a); err != nil {
		panic(err)
	}
}

// Action looks up an action by name, applying the default-action rule.
func (c *Controller) Action(name string) (Action, bool) {
	normalized := normalizeAction(name)
	if normalized == "" {
		normalized = DefaultAction
	}
	a, ok := c.actions[normalized]
	return a, ok
}

func normalizeAction(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
