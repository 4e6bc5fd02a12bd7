package users

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxEmailLength = 320

type fieldValidator struct {
	validate *validator.Validate
}

func newFieldValidator() *fieldValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return &fieldValidator{validate: validate}
}

// Struct validates tagged fields and reports the first failure as a ValidationError.
func (v *fieldValidator) Struct(value any) error {
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		fieldError := fieldErrors[0]
		return &ValidationError{
			Field:   fieldError.Field(),
			Message: fmt.Sprintf("failed on '%s' validation", fieldError.Tag()),
		}
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// NormalizeEmail trims and lower-cases raw and rejects malformed addresses.
func (v *fieldValidator) NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(normalize(raw))
	if email == "" {
		return "", &ValidationError{Field: string(FieldEmail), Message: "is required"}
	}
	if len(email) > maxEmailLength {
		return "", &ValidationError{Field: string(FieldEmail), Message: "is too long"}
	}
	if err := v.validate.Var(email, "email"); err != nil {
		return "", &ValidationError{Field: string(FieldEmail), Message: "is invalid"}
	}
	return email, nil
}

// realEmail reports whether raw is a well-formed, non-placeholder address and returns it normalized.
func (v *fieldValidator) realEmail(raw string) (string, bool) {
	email, err := v.NormalizeEmail(raw)
	if err != nil || IsPlaceholderEmail(email) {
		return "", false
	}
	return email, true
}
