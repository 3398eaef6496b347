package validation

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/instructor-ai/instructor-sub002/pkg/errors"
)

// FieldFunc validates one field value. Return nil to accept, Fail/Failf to
// reject, anything else to abort the whole invocation.
type FieldFunc func(ctx context.Context, value interface{}, vctx *Context) error

// ModelFunc validates the whole candidate instance.
type ModelFunc func(ctx context.Context, instance interface{}, vctx *Context) error

type kind int

const (
	kindField kind = iota
	kindModel
)

// descriptor is one registered validator: an explicit tagged variant rather
// than anything scanned off the type.
type descriptor struct {
	name  string
	kind  kind
	path  string // field validators only
	async bool   // model validators only
	field FieldFunc
	model ModelFunc
}

// Set is an ordered list of validator descriptors for one target type,
// populated via the builder methods.
type Set struct {
	validators []descriptor
	tagged     bool
}

// NewSet creates an empty validator set.
func NewSet() *Set {
	return &Set{}
}

// Field registers a synchronous field-level validator for the value at path.
func (s *Set) Field(name, path string, fn FieldFunc) *Set {
	s.validators = append(s.validators, descriptor{
		name:  name,
		kind:  kindField,
		path:  path,
		field: fn,
	})
	return s
}

// Model registers a synchronous model-level validator.
func (s *Set) Model(name string, fn ModelFunc) *Set {
	s.validators = append(s.validators, descriptor{
		name:  name,
		kind:  kindModel,
		model: fn,
	})
	return s
}

// AsyncModel registers a model-level validator that may suspend, typically
// on a nested extraction call. Async validators run concurrently with each
// other; ordering across them is unspecified, but all complete before
// failures are aggregated.
func (s *Set) AsyncModel(name string, fn ModelFunc) *Set {
	s.validators = append(s.validators, descriptor{
		name:  name,
		kind:  kindModel,
		async: true,
		model: fn,
	})
	return s
}

// WithStructTags additionally runs go-playground/validator struct-tag
// validation against the candidate instance.
func (s *Set) WithStructTags() *Set {
	s.tagged = true
	return s
}

// Validate runs every registered validator against instance. It never
// short-circuits: each validator runs even after earlier ones have failed.
// The returned error is non-nil only for unexpected validator failures,
// which are fatal to the invocation rather than retryable.
func (s *Set) Validate(ctx context.Context, instance interface{}, vctx *Context) ([]Failure, error) {
	if s == nil {
		return nil, nil
	}

	var failures []Failure

	if s.tagged {
		tagged, err := validateTags(instance)
		if err != nil {
			return nil, err
		}
		failures = append(failures, tagged...)
	}

	// Field paths resolve against the instance's JSON form, the same shape
	// construction mapped from.
	var tree interface{}
	if raw, err := json.Marshal(instance); err == nil {
		_ = json.Unmarshal(raw, &tree)
	}

	var asyncs []descriptor
	for _, d := range s.validators {
		if d.async {
			asyncs = append(asyncs, d)
			continue
		}
		failure, err := s.runOne(ctx, d, instance, tree, vctx)
		if err != nil {
			return nil, err
		}
		failures = append(failures, failure...)
	}

	if len(asyncs) > 0 {
		var mu sync.Mutex
		p := pool.New().WithContext(ctx)
		for _, d := range asyncs {
			d := d
			p.Go(func(ctx context.Context) error {
				failure, err := s.runOne(ctx, d, instance, tree, vctx)
				if err != nil {
					return err
				}
				mu.Lock()
				failures = append(failures, failure...)
				mu.Unlock()
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return nil, err
		}
	}

	return failures, nil
}

// runOne executes a single validator, converting RuleError rejections into
// failures and containing panics as fatal errors.
func (s *Set) runOne(ctx context.Context, d descriptor, instance, tree interface{}, vctx *Context) (failures []Failure, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			fatal = errors.WithFields(
				errors.Newf(errors.Unknown, "validator %q panicked: %v", d.name, r),
				errors.Fields{"validator": d.name})
		}
	}()

	var err error
	switch d.kind {
	case kindField:
		value, _ := lookupPath(tree, d.path)
		err = d.field(ctx, value, vctx)
	case kindModel:
		err = d.model(ctx, instance, vctx)
	}

	if err == nil {
		return nil, nil
	}

	var rule *RuleError
	if stderrors.As(err, &rule) {
		path := rule.Path
		if path == "" {
			path = d.path
		}
		return []Failure{{Path: path, Message: rule.Message, Validator: d.name}}, nil
	}

	// Unexpected internal failure: fatal, never aggregated.
	return nil, errors.WithFields(
		errors.Wrap(err, errors.Unknown, fmt.Sprintf("validator %q failed unexpectedly", d.name)),
		errors.Fields{"validator": d.name})
}

// lookupPath walks dot/bracket notation ("items[2].name") through the JSON
// form of the instance.
func lookupPath(tree interface{}, path string) (interface{}, bool) {
	if path == "" {
		return tree, true
	}
	current := tree
	for _, segment := range strings.Split(path, ".") {
		name := segment
		var indexes []int
		for strings.HasSuffix(name, "]") {
			open := strings.LastIndex(name, "[")
			if open < 0 {
				return nil, false
			}
			idx, err := strconv.Atoi(name[open+1 : len(name)-1])
			if err != nil {
				return nil, false
			}
			indexes = append([]int{idx}, indexes...)
			name = name[:open]
		}

		if name != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indexes {
			arr, ok := current.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}
