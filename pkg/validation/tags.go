package validation

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/instructor-ai/instructor-sub002/pkg/errors"
)

var (
	tagValidatorOnce sync.Once
	tagValidator     *validator.Validate
)

func taggedValidator() *validator.Validate {
	tagValidatorOnce.Do(func() {
		tagValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return tagValidator
}

// validateTags runs struct-tag validation and converts the library's errors
// into Failures. A non-validation error (e.g. a non-struct instance) is
// fatal.
func validateTags(instance interface{}) ([]Failure, error) {
	err := taggedValidator().Struct(instance)
	if err == nil {
		return nil, nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil, errors.Wrap(err, errors.Unknown, "struct-tag validation failed unexpectedly")
	}

	failures := make([]Failure, 0, len(verrs))
	for _, e := range verrs {
		failures = append(failures, Failure{
			Path:      namespaceToPath(e.Namespace()),
			Message:   tagMessage(e),
			Validator: "tag:" + e.Tag(),
		})
	}
	return failures, nil
}

// namespaceToPath strips the leading type name from the validator namespace
// ("Person.Address.City" -> "Address.City").
func namespaceToPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func tagMessage(e validator.FieldError) string {
	if e.Param() != "" {
		return "failed '" + e.Tag() + "=" + e.Param() + "' constraint"
	}
	return "failed '" + e.Tag() + "' constraint"
}
