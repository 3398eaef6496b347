package extract

import (
	"context"

	"github.com/google/uuid"

	"github.com/instructor-ai/instructor-sub002/pkg/core"
	"github.com/instructor-ai/instructor-sub002/pkg/errors"
	"github.com/instructor-ai/instructor-sub002/pkg/hooks"
	"github.com/instructor-ai/instructor-sub002/pkg/logging"
	"github.com/instructor-ai/instructor-sub002/pkg/partialjson"
	"github.com/instructor-ai/instructor-sub002/pkg/schema"
	"github.com/instructor-ai/instructor-sub002/pkg/usage"
	"github.com/instructor-ai/instructor-sub002/pkg/validation"
)

// Partial is one snapshot of a streaming extraction. Intermediate snapshots
// carry a best-effort value with Complete false; the final emission carries
// either the fully validated value with Complete true and the accumulated
// usage, or the terminal error.
type Partial struct {
	Value    interface{}
	Complete bool
	Usage    usage.Usage
	Err      error
}

// Element is one item of an iterable extraction. A failed element carries
// Err instead of Value; later elements may still follow when the failure was
// local to this one.
type Element struct {
	Index int
	Value interface{}
	Err   error
}

// RunPartial streams best-effort snapshots of the value as the provider
// produces it, then validates the completed document with the same rigor as
// Run. Intermediate snapshots skip required-field checks and validators;
// only the final, Complete snapshot has passed both. The channel is closed
// after the final emission.
func (r *Runner) RunPartial(ctx context.Context, req *core.Request, s schema.Schema, opts ...RunOption) <-chan Partial {
	o := newCallOptions(opts)
	out := make(chan Partial)

	inv := &invocation{
		runner:  r,
		id:      uuid.New().String(),
		request: req,
		schema:  s,
		options: o,
		policy:  o.retryPolicy(),
		shaped:  r.shapeRequest(req, s.Describe(), o, false),
	}

	go func() {
		defer close(out)
		inv.runPartial(ctx, out)
	}()
	return out
}

func (inv *invocation) runPartial(ctx context.Context, out chan<- Partial) {
	r := inv.runner

	for attempt := 0; ; attempt++ {
		actx := logging.WithInvocation(ctx, inv.id, attempt)

		r.bus.Publish(actx, hooks.Event{
			Kind:         hooks.RequestIssued,
			InvocationID: inv.id,
			Attempt:      attempt,
			Payload:      inv.shaped,
		})

		value, err := inv.attemptPartial(actx, attempt, out)
		if err == nil {
			r.bus.Publish(actx, hooks.Event{
				Kind:         hooks.ResponseReceived,
				InvocationID: inv.id,
				Attempt:      attempt,
				Payload:      inv.last,
			})
			emit(ctx, out, Partial{Value: value, Complete: true, Usage: inv.total})
			return
		}

		var engineErr *errors.Error
		if !asEngineError(err, &engineErr) || !engineErr.Retryable() {
			emit(ctx, out, Partial{Err: err, Usage: inv.total})
			return
		}

		delay, retry := inv.policy.Next(attempt)
		if !retry {
			rex := inv.exhausted(err)
			r.bus.Publish(actx, hooks.Event{
				Kind:         hooks.RetriesExhausted,
				InvocationID: inv.id,
				Attempt:      attempt,
				Payload:      rex,
				Err:          err,
			})
			emit(ctx, out, Partial{Err: rex, Usage: inv.total})
			return
		}

		r.logger.Debug(actx, "streaming attempt %d failed, retrying: %v", attempt, err)
		if err := sleepCtx(ctx, delay); err != nil {
			emit(ctx, out, Partial{Err: err, Usage: inv.total})
			return
		}
	}
}

// attemptPartial streams one attempt, emitting an intermediate snapshot after
// every fragment that materializes a value. The completed document then goes
// through full construction and validation.
func (inv *invocation) attemptPartial(ctx context.Context, attempt int, out chan<- Partial) (interface{}, error) {
	parser := partialjson.NewParser()
	partialer, _ := inv.schema.(schema.PartialConstructor)

	content, err := inv.consumeStream(ctx, parser, func(value interface{}) {
		data, ok := value.(map[string]interface{})
		if !ok || partialer == nil {
			return
		}
		snapshot, err := partialer.ConstructPartial(data)
		if err != nil {
			return
		}
		emit(ctx, out, Partial{Value: snapshot})
	})
	if err != nil {
		inv.failStreamAttempt(ctx, attempt, content, err)
		return nil, err
	}
	inv.last = &core.Response{Content: content}

	if !parser.Complete() {
		err := errors.New(errors.ParseFailed, "stream ended before the document completed")
		inv.failStreamAttempt(ctx, attempt, content, err)
		return nil, err
	}

	data, ok := parser.Value().(map[string]interface{})
	if !ok {
		err := errors.Newf(errors.ParseFailed, "expected a JSON object, got %T", parser.Value())
		inv.failStreamAttempt(ctx, attempt, content, err)
		return nil, err
	}

	value, err := inv.schema.Construct(data)
	if err != nil {
		inv.failStreamAttempt(ctx, attempt, content, err)
		return nil, err
	}

	failures, fatal := inv.options.validators.Validate(ctx, value, inv.options.vctx)
	if fatal != nil {
		return nil, fatal
	}
	if len(failures) > 0 {
		aggErr := errors.Wrap(validation.Aggregate(failures), errors.ValidationFailed, "candidate rejected")
		inv.record(AttemptRecord{Index: attempt, Response: inv.last, Candidate: value, Failures: failures, Err: aggErr})
		inv.appendTurns(core.Message{Role: core.RoleAssistant, Content: content}, correctiveForFailures(failures))
		inv.publishFailure(ctx, hooks.AttemptFailed, attempt, aggErr)
		return nil, aggErr
	}

	inv.record(AttemptRecord{Index: attempt, Response: inv.last, Candidate: value})
	return value, nil
}

// failStreamAttempt records a pre-validation streaming failure and appends
// the matching corrective turn.
func (inv *invocation) failStreamAttempt(ctx context.Context, attempt int, content string, err error) {
	var resp *core.Response
	if content != "" {
		resp = &core.Response{Content: content}
	}
	inv.record(AttemptRecord{Index: attempt, Response: resp, Err: err})

	kind := hooks.ParseFailed
	if errors.CodeOf(err) == errors.ProviderFailure {
		kind = hooks.AttemptFailed
		inv.appendTurns(core.Message{Role: core.RoleAssistant, Content: content}, correctiveForProvider())
	} else {
		inv.appendTurns(core.Message{Role: core.RoleAssistant, Content: content}, correctiveForParse(err))
	}
	inv.publishFailure(ctx, kind, attempt, err)
}

// consumeStream drains one streaming provider call into parser, invoking
// onValue after every fragment that yields a materialized value. It returns
// the accumulated text. Usage reported on the final chunk is added to the
// invocation total before any error is returned.
func (inv *invocation) consumeStream(ctx context.Context, parser *partialjson.Parser, onValue func(interface{})) (string, error) {
	stream, err := inv.runner.client.InvokeStream(ctx, inv.shaped)
	if err != nil {
		return "", errors.Wrap(err, errors.ProviderFailure, "provider stream failed")
	}
	defer stream.Cancel()

	for {
		select {
		case <-ctx.Done():
			return parser.Buffer(), errors.Wrap(ctx.Err(), errors.Canceled, "extraction canceled")
		case chunk, ok := <-stream.Chunks:
			if !ok {
				return parser.Buffer(), nil
			}
			if chunk.Err != nil {
				return parser.Buffer(), errors.Wrap(chunk.Err, errors.ProviderFailure, "provider stream failed")
			}
			if chunk.RawUsage != nil {
				used, err := usage.Normalize(chunk.RawUsage)
				if err != nil {
					return parser.Buffer(), err
				}
				inv.total = inv.total.Add(used)
			}
			if chunk.Content != "" {
				value, _, err := parser.Feed(chunk.Content)
				if err != nil {
					return parser.Buffer(), err
				}
				if value != nil && onValue != nil {
					onValue(value)
				}
			}
			if chunk.Done {
				return parser.Buffer(), nil
			}
		}
	}
}

// RunIterable extracts a stream of elements from a top-level JSON array,
// yielding each element as soon as its closing brace arrives. Every element
// is constructed and validated individually; a failed element is yielded
// with Err set and the stream continues. Provider or parse failures before
// the first element retry like Run; after the first element has been
// yielded the failure is surfaced as an error element and the stream ends.
func (r *Runner) RunIterable(ctx context.Context, req *core.Request, s schema.Schema, opts ...RunOption) <-chan Element {
	o := newCallOptions(opts)
	out := make(chan Element)

	inv := &invocation{
		runner:  r,
		id:      uuid.New().String(),
		request: req,
		schema:  s,
		options: o,
		policy:  o.retryPolicy(),
		shaped:  r.shapeRequest(req, s.Describe(), o, true),
	}

	go func() {
		defer close(out)
		inv.runIterable(ctx, out)
	}()
	return out
}

func (inv *invocation) runIterable(ctx context.Context, out chan<- Element) {
	r := inv.runner

	for attempt := 0; ; attempt++ {
		actx := logging.WithInvocation(ctx, inv.id, attempt)

		r.bus.Publish(actx, hooks.Event{
			Kind:         hooks.RequestIssued,
			InvocationID: inv.id,
			Attempt:      attempt,
			Payload:      inv.shaped,
		})

		yielded, err := inv.attemptIterable(actx, attempt, out)
		if err == nil {
			r.bus.Publish(actx, hooks.Event{
				Kind:         hooks.ResponseReceived,
				InvocationID: inv.id,
				Attempt:      attempt,
				Payload:      inv.last,
			})
			return
		}

		// Once elements have been handed to the consumer the conversation
		// cannot be replayed without duplicating them, so the failure is
		// yielded in-band instead of retried.
		if yielded > 0 {
			emit(ctx, out, Element{Index: yielded, Err: err})
			return
		}

		var engineErr *errors.Error
		if !asEngineError(err, &engineErr) || !engineErr.Retryable() {
			emit(ctx, out, Element{Err: err})
			return
		}

		delay, retry := inv.policy.Next(attempt)
		if !retry {
			rex := inv.exhausted(err)
			r.bus.Publish(actx, hooks.Event{
				Kind:         hooks.RetriesExhausted,
				InvocationID: inv.id,
				Attempt:      attempt,
				Payload:      rex,
				Err:          err,
			})
			emit(ctx, out, Element{Err: rex})
			return
		}

		r.logger.Debug(actx, "iterable attempt %d failed, retrying: %v", attempt, err)
		if err := sleepCtx(ctx, delay); err != nil {
			emit(ctx, out, Element{Err: err})
			return
		}
	}
}

// attemptIterable streams one attempt, constructing and validating each
// top-level array element as it closes. It returns the number of elements
// yielded to the consumer, successful or not.
func (inv *invocation) attemptIterable(ctx context.Context, attempt int, out chan<- Element) (int, error) {
	parser := partialjson.NewParser()
	yielded := 0

	content, err := inv.consumeStream(ctx, parser, func(interface{}) {
		for _, raw := range parser.Elements()[yielded:] {
			emit(ctx, out, inv.buildElement(ctx, yielded, raw))
			yielded++
		}
	})
	if err != nil {
		inv.failStreamAttempt(ctx, attempt, content, err)
		return yielded, err
	}
	inv.last = &core.Response{Content: content}

	if !parser.Complete() {
		err := errors.New(errors.ParseFailed, "stream ended before the array completed")
		inv.failStreamAttempt(ctx, attempt, content, err)
		return yielded, err
	}
	if _, ok := parser.Value().([]interface{}); !ok {
		err := errors.Newf(errors.ParseFailed, "expected a JSON array, got %T", parser.Value())
		inv.failStreamAttempt(ctx, attempt, content, err)
		return yielded, err
	}

	// The strict final parse may close elements the tolerant scan had not
	// yet counted.
	for _, raw := range parser.Elements()[yielded:] {
		emit(ctx, out, inv.buildElement(ctx, yielded, raw))
		yielded++
	}

	inv.record(AttemptRecord{Index: attempt, Response: inv.last})
	return yielded, nil
}

// buildElement constructs and validates one closed array element. Failures
// stay local to the element.
func (inv *invocation) buildElement(ctx context.Context, index int, raw interface{}) Element {
	data, ok := raw.(map[string]interface{})
	if !ok {
		return Element{Index: index, Err: errors.Newf(errors.ParseFailed, "element %d: expected a JSON object, got %T", index, raw)}
	}

	value, err := inv.schema.Construct(data)
	if err != nil {
		return Element{Index: index, Err: err}
	}

	failures, fatal := inv.options.validators.Validate(ctx, value, inv.options.vctx)
	if fatal != nil {
		return Element{Index: index, Err: fatal}
	}
	if len(failures) > 0 {
		return Element{Index: index, Err: errors.Wrap(validation.Aggregate(failures), errors.ValidationFailed, "element rejected")}
	}
	return Element{Index: index, Value: value}
}

func emit[T any](ctx context.Context, out chan<- T, v T) {
	select {
	case out <- v:
	case <-ctx.Done():
	}
}
