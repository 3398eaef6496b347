package schema

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/instructor-ai/instructor-sub002/pkg/errors"
)

// FieldDef declares one field of a structured type. Field names must match
// the JSON names of the Go type the schema constructs into.
type FieldDef struct {
	name        string
	kind        Kind
	description string
	required    bool
	nested      Schema    // object fields described by another schema
	items       *FieldDef // array element shape
	selfRef     bool      // recursive reference back to the enclosing type
}

// F declares a field with the given name and kind.
func F(name string, kind Kind) *FieldDef {
	return &FieldDef{name: name, kind: kind}
}

// Required marks the field as required.
func (f *FieldDef) Required() *FieldDef {
	f.required = true
	return f
}

// Desc attaches a human-readable description sent to the provider.
func (f *FieldDef) Desc(description string) *FieldDef {
	f.description = description
	return f
}

// Nested describes an object field by delegating to another schema.
func (f *FieldDef) Nested(s Schema) *FieldDef {
	f.kind = Object
	f.nested = s
	return f
}

// Of sets the element shape of an array field.
func (f *FieldDef) Of(elem *FieldDef) *FieldDef {
	f.kind = Array
	f.items = elem
	return f
}

// SelfRef marks the field as a recursive reference to the enclosing type.
// Describe cuts the cycle at one level of indirection, since many schema
// consumers cannot represent true cycles.
func (f *FieldDef) SelfRef() *FieldDef {
	f.selfRef = true
	return f
}

// StructSchema is a Schema whose Construct produces a *T. Create instances
// with Define.
type StructSchema[T any] struct {
	name     string
	fields   []*FieldDef
	byName   map[string]*FieldDef
	describe sync.Once
	derived  *Definition
}

// Define builds the schema for T under the given type name and registers it
// with the default registry.
func Define[T any](name string, fields ...*FieldDef) *StructSchema[T] {
	byName := make(map[string]*FieldDef, len(fields))
	for _, f := range fields {
		byName[f.name] = f
	}
	s := &StructSchema[T]{
		name:   name,
		fields: fields,
		byName: byName,
	}
	defaultRegistry.Register(s)
	return s
}

func (s *StructSchema[T]) TypeName() string {
	return s.name
}

// Describe derives the machine schema once and reuses it afterwards.
func (s *StructSchema[T]) Describe() *Definition {
	s.describe.Do(func() {
		def := &Definition{
			Name:       s.name,
			Kind:       Object,
			Properties: make(map[string]*Definition, len(s.fields)),
			Required:   sortedRequired(s.fields),
		}
		for _, f := range s.fields {
			def.Properties[f.name] = s.fieldDefinition(f)
		}
		s.derived = def
	})
	return s.derived
}

func (s *StructSchema[T]) fieldDefinition(f *FieldDef) *Definition {
	if f.selfRef {
		// Recursion cut: a bare object reference instead of a cycle.
		return &Definition{
			Kind:        Object,
			Name:        s.name,
			Description: "recursive reference to " + s.name,
		}
	}
	if f.nested != nil {
		nested := *f.nested.Describe()
		if f.description != "" {
			nested.Description = f.description
		}
		return &nested
	}
	def := &Definition{
		Kind:        f.kind,
		Description: f.description,
	}
	if f.kind == Array && f.items != nil {
		def.Items = s.fieldDefinition(f.items)
	}
	return def
}

// Construct validates data against the declared fields and maps it onto a
// new *T.
func (s *StructSchema[T]) Construct(data map[string]interface{}) (interface{}, error) {
	if data == nil {
		return nil, errors.New(errors.ConstructionFailed, "no data to construct from")
	}

	for _, f := range s.fields {
		value, present := data[f.name]
		if !present || value == nil {
			if f.required {
				return nil, constructionError(f.name, "missing required field")
			}
			continue
		}
		coerced, err := coerceValue(f.name, f, value)
		if err != nil {
			return nil, err
		}
		data[f.name] = coerced
	}

	return s.materialize(data)
}

// ConstructPartial maps whatever fields are present and coercible onto a new
// *T, skipping required-field enforcement. Used while a response document is
// still streaming.
func (s *StructSchema[T]) ConstructPartial(data map[string]interface{}) (interface{}, error) {
	if data == nil {
		data = map[string]interface{}{}
	}

	cleaned := make(map[string]interface{}, len(data))
	for _, f := range s.fields {
		value, present := data[f.name]
		if !present || value == nil {
			continue
		}
		coerced, err := coerceValue(f.name, f, value)
		if err != nil {
			continue
		}
		cleaned[f.name] = coerced
	}

	return s.materialize(cleaned)
}

func (s *StructSchema[T]) materialize(data map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ConstructionFailed, "failed to encode response data")
	}
	instance := new(T)
	if err := json.Unmarshal(raw, instance); err != nil {
		return nil, errors.Wrap(err, errors.ConstructionFailed, "response data does not fit target type")
	}
	return instance, nil
}

// coerceValue checks value against the declared kind, descending into nested
// schemas and array elements, and returns the (possibly coerced) value.
func coerceValue(path string, f *FieldDef, value interface{}) (interface{}, error) {
	if f.selfRef {
		// One level of indirection: the referenced value must at least be
		// an object; deeper checking happens if the caller constructs it.
		if _, ok := value.(map[string]interface{}); !ok {
			return nil, constructionError(path, "expected object for recursive reference")
		}
		return value, nil
	}

	switch f.kind {
	case String:
		s, ok := value.(string)
		if !ok {
			return nil, constructionError(path, fmt.Sprintf("expected string, got %T", value))
		}
		return s, nil

	case Integer:
		return coerceInteger(path, value)

	case Number:
		return coerceNumber(path, value)

	case Boolean:
		switch b := value.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, constructionError(path, "cannot coerce string to boolean")
			}
			return parsed, nil
		default:
			return nil, constructionError(path, fmt.Sprintf("expected boolean, got %T", value))
		}

	case Object:
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil, constructionError(path, fmt.Sprintf("expected object, got %T", value))
		}
		if f.nested != nil {
			if _, err := f.nested.Construct(m); err != nil {
				return nil, prefixPath(err, path)
			}
		}
		return m, nil

	case Array:
		arr, ok := value.([]interface{})
		if !ok {
			return nil, constructionError(path, fmt.Sprintf("expected array, got %T", value))
		}
		if f.items != nil {
			for i, elem := range arr {
				coerced, err := coerceValue(fmt.Sprintf("%s[%d]", path, i), f.items, elem)
				if err != nil {
					return nil, err
				}
				arr[i] = coerced
			}
		}
		return arr, nil

	default:
		return value, nil
	}
}

func coerceInteger(path string, value interface{}) (interface{}, error) {
	switch n := value.(type) {
	case float64:
		if n != math.Trunc(n) {
			return nil, constructionError(path, "expected integer, got fractional number")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil, constructionError(path, "expected integer")
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, constructionError(path, "cannot coerce string to integer")
		}
		return i, nil
	default:
		return nil, constructionError(path, fmt.Sprintf("expected integer, got %T", value))
	}
}

func coerceNumber(path string, value interface{}) (interface{}, error) {
	switch n := value.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, constructionError(path, "expected number")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, constructionError(path, "cannot coerce string to number")
		}
		return f, nil
	default:
		return nil, constructionError(path, fmt.Sprintf("expected number, got %T", value))
	}
}

func constructionError(path, msg string) error {
	return errors.WithFields(
		errors.New(errors.ConstructionFailed, msg),
		errors.Fields{"path": path})
}

// prefixPath re-scopes the path of a nested construction error under the
// enclosing field.
func prefixPath(err error, prefix string) error {
	var e *errors.Error
	if !stderrors.As(err, &e) {
		return errors.WithFields(err, errors.Fields{"path": prefix})
	}
	fields := e.Fields()
	if p, ok := fields["path"].(string); ok && p != "" {
		fields["path"] = prefix + "." + p
	} else {
		fields["path"] = prefix
	}
	return errors.WithFields(err, fields)
}
