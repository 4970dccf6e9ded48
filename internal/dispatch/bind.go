package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrBadRequest wraps body decoding and validation failures so error
// rendering can map them to a 400.
var ErrBadRequest = errors.New("dispatch: bad request")

var structValidator = validator.New()

// BindJSON decodes the request body into dst and runs struct validation on
// the result. Unknown fields are rejected.
func BindJSON(rc *Ctx, dst any) error {
	if rc.Request == nil || rc.Request.Body == nil {
		return fmt.Errorf("%w: empty body", ErrBadRequest)
	}
	dec := json.NewDecoder(rc.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return validateStruct(dst)
}

// BindForm reads url-encoded form fields into a map and leaves per-field
// validation to the caller's struct tags via ValidateStruct.
func BindForm(rc *Ctx) (map[string]string, error) {
	if rc.Request == nil {
		return nil, fmt.Errorf("%w: no request", ErrBadRequest)
	}
	if err := rc.Request.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	fields := make(map[string]string, len(rc.Request.PostForm))
	for key := range rc.Request.PostForm {
		fields[key] = rc.Request.PostFormValue(key)
	}
	return fields, nil
}

// ValidateStruct runs tag based validation and flattens failures into one
// ErrBadRequest with per-field messages.
func ValidateStruct(dst any) error { return validateStruct(dst) }

func validateStruct(dst any) error {
	err := structValidator.Struct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrBadRequest, strings.Join(msgs, "; "))
}
