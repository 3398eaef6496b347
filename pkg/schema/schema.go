// Package schema describes user-defined structured types to the provider and
// constructs typed instances from parsed responses.
//
// Schemas are built explicitly at registration time through Define and the
// field builder; the engine never introspects struct metadata at runtime to
// derive a shape.
package schema

import (
	"sort"
	"sync"
)

// Kind is the type tag of a field in a machine schema.
type Kind string

const (
	String  Kind = "string"
	Integer Kind = "integer"
	Number  Kind = "number"
	Boolean Kind = "boolean"
	Object  Kind = "object"
	Array   Kind = "array"
)

// Definition is the canonical machine-readable shape of a type, a
// JSON-Schema-like tree. Immutable once derived.
type Definition struct {
	Name        string                 `json:"title,omitempty"`
	Kind        Kind                   `json:"type"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*Definition `json:"properties,omitempty"`
	// Required lists every required field name explicitly, sorted. Some
	// providers silently drop fields whose required status is ambiguous,
	// so requiredness is always spelled out rather than implied by the
	// absence of a default.
	Required []string    `json:"required,omitempty"`
	Items    *Definition `json:"items,omitempty"`
}

// Schema identifies a target structured type, exposes its machine-readable
// shape, and constructs instances from response data.
type Schema interface {
	// TypeName returns the identifying name of the target type.
	TypeName() string

	// Describe derives the canonical machine schema. Deterministic and
	// pure; implementations cache the derived tree.
	Describe() *Definition

	// Construct validates and maps data onto an instance of the target
	// type. Failures return a ConstructionFailed error carrying the
	// offending field path.
	Construct(data map[string]interface{}) (interface{}, error)
}

// PartialConstructor is implemented by schemas that can materialize
// best-effort instances from incomplete data while a document is still
// streaming. Required-field enforcement is skipped and mismatched fields are
// dropped instead of failing.
type PartialConstructor interface {
	ConstructPartial(data map[string]interface{}) (interface{}, error)
}

// Registry caches schemas per distinct type name for the process lifetime.
type Registry struct {
	schemas sync.Map // type name -> Schema
}

var defaultRegistry = &Registry{}

// DefaultRegistry returns the process-wide schema registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register stores the schema under its type name, replacing any previous
// registration.
func (r *Registry) Register(s Schema) {
	r.schemas.Store(s.TypeName(), s)
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (Schema, bool) {
	v, ok := r.schemas.Load(name)
	if !ok {
		return nil, false
	}
	return v.(Schema), true
}

func sortedRequired(fields []*FieldDef) []string {
	var required []string
	for _, f := range fields {
		if f.required {
			required = append(required, f.name)
		}
	}
	sort.Strings(required)
	return required
}
