package schema

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fastyrai/turingagents/pkg/serrors"
)

var ErrValidation = serrors.NewError("SCHEMA_VALIDATION_FAILED", "message failed schema validation", "")

var validate = sync.OnceValue(func() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
})

// Validate checks a message against the structural schema. Failures wrap
// ErrValidation so callers can classify them without inspecting field errors.
func Validate(msg *RequestMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", ErrValidation)
	}
	if err := validate().Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
