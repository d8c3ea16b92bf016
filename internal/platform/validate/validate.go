// Package validate builds the shared struct validator and turns its errors
// into messages fit for an API response.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clinic/clinic/internal/platform/store"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// New returns a validator with the clinic's custom tags registered:
// "date" (YYYY-MM-DD), "clock" (HH:MM, 24h) and "segment", which accepts
// strings usable as a single store key (use it on map keys with
// dive,keys,segment,endkeys).
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("date", layoutValidator(DateLayout))
	_ = v.RegisterValidation("clock", layoutValidator(TimeLayout))
	_ = v.RegisterValidation("segment", func(fl validator.FieldLevel) bool {
		return store.ValidateSegment(fl.Field().String()) == nil
	})
	return v
}

func layoutValidator(layout string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		_, err := time.Parse(layout, fl.Field().String())
		return err == nil
	}
}

// Message flattens validation errors into "field: rule" pairs. Other errors
// are returned as their text.
func Message(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Error wraps validation failures so callers can tell them apart from
// store errors with errors.As.
type Error struct {
	Err error
}

func (e *Error) Error() string { return Message(e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Struct validates s with v and wraps any failure in *Error.
func Struct(v *validator.Validate, s any) error {
	if err := v.Struct(s); err != nil {
		return &Error{Err: err}
	}
	return nil
}

// IsValidation reports whether err is (or wraps) a validation failure.
func IsValidation(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}
