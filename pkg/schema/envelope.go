package schema

import (
	"sync"

	"github.com/instructor-ai/instructor-sub002/pkg/errors"
)

// EnvelopeSchema wraps a self-referential type in a non-recursive envelope
// before describing it. The envelope has a single required "value" property
// holding the wrapped type, so consumers that cannot represent cycles only
// ever see one level of indirection.
type EnvelopeSchema struct {
	inner    Schema
	describe sync.Once
	derived  *Definition
}

// Envelope wraps inner and registers the envelope with the default registry.
func Envelope(inner Schema) *EnvelopeSchema {
	e := &EnvelopeSchema{inner: inner}
	defaultRegistry.Register(e)
	return e
}

func (e *EnvelopeSchema) TypeName() string {
	return e.inner.TypeName() + "Envelope"
}

func (e *EnvelopeSchema) Describe() *Definition {
	e.describe.Do(func() {
		e.derived = &Definition{
			Name: e.TypeName(),
			Kind: Object,
			Properties: map[string]*Definition{
				"value": e.inner.Describe(),
			},
			Required: []string{"value"},
		}
	})
	return e.derived
}

// Construct unwraps the envelope and constructs the inner type.
func (e *EnvelopeSchema) Construct(data map[string]interface{}) (interface{}, error) {
	raw, present := data["value"]
	if !present || raw == nil {
		return nil, constructionError("value", "missing required field")
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, constructionError("value", "expected object")
	}
	v, err := e.inner.Construct(m)
	if err != nil {
		return nil, prefixPath(err, "value")
	}
	return v, nil
}

// ConstructPartial unwraps best-effort, tolerating an absent value while the
// document is still streaming.
func (e *EnvelopeSchema) ConstructPartial(data map[string]interface{}) (interface{}, error) {
	m, _ := data["value"].(map[string]interface{})
	if pc, ok := e.inner.(PartialConstructor); ok {
		return pc.ConstructPartial(m)
	}
	if m == nil {
		return nil, errors.New(errors.ConstructionFailed, "no data to construct from")
	}
	return e.inner.Construct(m)
}
