package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field string
	Tag   string
	Value interface{}
}

func (e *ValidationError) Error() string {
	switch e.Tag {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", e.Field)
	case "min":
		return fmt.Sprintf("%s is below the allowed minimum", e.Field)
	case "max":
		return fmt.Sprintf("%s is above the allowed maximum", e.Field)
	case "oneof":
		return fmt.Sprintf("%s has an unsupported value %v", e.Field, e.Value)
	default:
		return fmt.Sprintf("%s failed %s validation", e.Field, e.Tag)
	}
}

// ValidationErrors aggregates every invalid field of one document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return "config validation failed: " + strings.Join(msgs, "; ")
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks every field constraint, reporting all violations at once.
func (c *Config) Validate() error {
	err := configValidator().Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("config validation failed: %w", err)
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, ve := range verrs {
		field := strings.TrimPrefix(ve.Namespace(), "Config.")
		out = append(out, ValidationError{
			Field: field,
			Tag:   ve.Tag(),
			Value: ve.Value(),
		})
	}
	return out
}
