// Package extract implements the structured-extraction retry engine: it
// shapes a request from a schema, calls the provider, parses and validates
// the response, and on failure appends a corrective turn and retries within
// an attempt budget while accumulating token usage.
package extract

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/instructor-ai/instructor-sub002/pkg/cache"
	"github.com/instructor-ai/instructor-sub002/pkg/core"
	"github.com/instructor-ai/instructor-sub002/pkg/errors"
	"github.com/instructor-ai/instructor-sub002/pkg/hooks"
	"github.com/instructor-ai/instructor-sub002/pkg/logging"
	"github.com/instructor-ai/instructor-sub002/pkg/partialjson"
	"github.com/instructor-ai/instructor-sub002/pkg/schema"
	"github.com/instructor-ai/instructor-sub002/pkg/usage"
	"github.com/instructor-ai/instructor-sub002/pkg/validation"
)

// DefaultMaxRetries is the retry budget used when the caller supplies
// neither a count nor a policy: 2 additional attempts, 3 provider calls.
const DefaultMaxRetries = 2

// Runner orchestrates extraction invocations. Each invocation owns its own
// conversation state and attempt records; concurrent invocations are fully
// independent. The hook bus is the only structure shared across them.
type Runner struct {
	client    core.ProviderClient
	bus       *hooks.Bus
	logger    *logging.Logger
	templater core.Templater

	cache    cache.Cache
	keygen   *cache.KeyGenerator
	cacheTTL time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBus sets the hook bus observers subscribe to.
func WithBus(bus *hooks.Bus) RunnerOption {
	return func(r *Runner) { r.bus = bus }
}

// WithLogger sets the logger; defaults to the global one.
func WithLogger(logger *logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithTemplater sets the message-templating collaborator applied once
// before the first request when template variables are supplied.
func WithTemplater(t core.Templater) RunnerOption {
	return func(r *Runner) { r.templater = t }
}

// WithCache enables provider-response caching. Cached hits skip the
// provider call and contribute zero usage.
func WithCache(c cache.Cache, ttl time.Duration) RunnerOption {
	return func(r *Runner) {
		r.cache = c
		r.cacheTTL = ttl
		r.keygen = cache.NewKeyGenerator("")
	}
}

// NewRunner creates a Runner around the given provider client.
func NewRunner(client core.ProviderClient, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:    client,
		logger:    logging.GetLogger(),
		templater: core.VariableTemplater{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = hooks.NewBus(r.logger)
	}
	return r
}

// Bus returns the runner's hook bus.
func (r *Runner) Bus() *hooks.Bus {
	return r.bus
}

type callOptions struct {
	maxRetries int
	policy     RetryPolicy
	validators *validation.Set
	vctx       *validation.Context
	vars       map[string]interface{}
}

// RunOption configures a single invocation.
type RunOption func(*callOptions)

// WithMaxRetries allows n additional attempts after the first, i.e. n+1
// total provider calls.
func WithMaxRetries(n int) RunOption {
	return func(o *callOptions) { o.maxRetries = n }
}

// WithRetryPolicy supplies a custom stop/backoff rule, overriding the
// fixed retry count.
func WithRetryPolicy(p RetryPolicy) RunOption {
	return func(o *callOptions) { o.policy = p }
}

// WithValidators attaches the validator set run against each candidate.
func WithValidators(set *validation.Set) RunOption {
	return func(o *callOptions) { o.validators = set }
}

// WithValidationContext supplies side data available to validators.
func WithValidationContext(vctx *validation.Context) RunOption {
	return func(o *callOptions) { o.vctx = vctx }
}

// WithTemplateVars substitutes {{name}} placeholders in the request
// messages before the first provider call.
func WithTemplateVars(vars map[string]interface{}) RunOption {
	return func(o *callOptions) { o.vars = vars }
}

func newCallOptions(opts []RunOption) *callOptions {
	o := &callOptions{maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *callOptions) retryPolicy() RetryPolicy {
	if o.policy != nil {
		return o.policy
	}
	return MaxRetries(o.maxRetries)
}

// Run extracts one value conforming to s. It returns the constructed
// instance and the usage accumulated across every attempt, or a
// *RetryExhaustedError once the attempt budget runs out. Unexpected
// validator failures and usage-format errors escape immediately.
func (r *Runner) Run(ctx context.Context, req *core.Request, s schema.Schema, opts ...RunOption) (interface{}, usage.Usage, error) {
	o := newCallOptions(opts)

	inv := &invocation{
		runner:  r,
		id:      uuid.New().String(),
		request: req,
		schema:  s,
		options: o,
		policy:  o.retryPolicy(),
		shaped:  r.shapeRequest(req, s.Describe(), o, false),
	}
	return inv.run(ctx)
}

// shapeRequest clones the caller's request, applies template variables, and
// prepends the schema instruction turn. The clone is this invocation's
// conversation state; the caller's request is never mutated.
func (r *Runner) shapeRequest(req *core.Request, def *schema.Definition, o *callOptions, iterable bool) *core.Request {
	shaped := req.Clone()

	if len(o.vars) > 0 && r.templater != nil {
		if applied, err := r.templater.Apply(shaped.Messages, o.vars); err == nil {
			shaped.Messages = applied
		}
	}

	instruction := schemaInstruction(def, iterable)
	shaped.Messages = append([]core.Message{instruction}, shaped.Messages...)
	return shaped
}

// invocation is the single-flight state of one Run call: its own
// conversation, attempt records and usage total, nothing shared.
type invocation struct {
	runner  *Runner
	id      string
	request *core.Request // caller's original request
	schema  schema.Schema
	options *callOptions
	policy  RetryPolicy

	shaped  *core.Request // conversation state, corrective turns appended
	records []AttemptRecord
	total   usage.Usage
	last    *core.Response
}

func (inv *invocation) run(ctx context.Context) (interface{}, usage.Usage, error) {
	r := inv.runner

	for attempt := 0; ; attempt++ {
		actx := logging.WithInvocation(ctx, inv.id, attempt)

		r.bus.Publish(actx, hooks.Event{
			Kind:         hooks.RequestIssued,
			InvocationID: inv.id,
			Attempt:      attempt,
			Payload:      inv.shaped,
		})

		value, err := inv.attempt(actx, attempt)
		if err == nil {
			r.bus.Publish(actx, hooks.Event{
				Kind:         hooks.ResponseReceived,
				InvocationID: inv.id,
				Attempt:      attempt,
				Payload:      inv.last,
			})
			return value, inv.total, nil
		}

		// Fatal failures escape immediately; only retryable ones loop.
		var engineErr *errors.Error
		if !asEngineError(err, &engineErr) || !engineErr.Retryable() {
			return nil, inv.total, err
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
			return nil, inv.total, rex
		}

		r.logger.Debug(actx, "attempt %d failed, retrying: %v", attempt, err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, inv.total, err
		}
	}
}

// attempt performs one Requesting -> Parsing -> Validating pass, appending
// the appropriate corrective turn on failure.
func (inv *invocation) attempt(ctx context.Context, attempt int) (interface{}, error) {
	r := inv.runner

	resp, used, err := r.invoke(ctx, inv.shaped, inv.schema.Describe())
	inv.total = inv.total.Add(used)
	if err != nil {
		if errors.CodeOf(err) == errors.UsageFormatInvalid {
			// Accounting must never mask its own failure.
			return nil, err
		}
		inv.record(AttemptRecord{Index: attempt, Err: err})
		inv.appendTurns(core.Message{}, correctiveForProvider())
		inv.publishFailure(ctx, hooks.AttemptFailed, attempt, err)
		return nil, err
	}
	inv.last = resp

	value, err := parseCandidate(resp.Content, inv.schema)
	if err != nil {
		inv.record(AttemptRecord{Index: attempt, Response: resp, Err: err})
		inv.appendTurns(core.Message{Role: core.RoleAssistant, Content: resp.Content}, correctiveForParse(err))
		inv.publishFailure(ctx, hooks.ParseFailed, attempt, err)
		return nil, err
	}

	failures, fatal := inv.options.validators.Validate(ctx, value, inv.options.vctx)
	if fatal != nil {
		return nil, fatal
	}
	if len(failures) > 0 {
		aggErr := errors.Wrap(validation.Aggregate(failures), errors.ValidationFailed, "candidate rejected")
		inv.record(AttemptRecord{Index: attempt, Response: resp, Candidate: value, Failures: failures, Err: aggErr})
		inv.appendTurns(core.Message{Role: core.RoleAssistant, Content: resp.Content}, correctiveForFailures(failures))
		inv.publishFailure(ctx, hooks.AttemptFailed, attempt, aggErr)
		return nil, aggErr
	}

	inv.record(AttemptRecord{Index: attempt, Response: resp, Candidate: value})
	return value, nil
}

func (inv *invocation) record(rec AttemptRecord) {
	inv.records = append(inv.records, rec)
}

// appendTurns appends the assistant's rejected output (when there was one)
// and the corrective follow-up to the conversation.
func (inv *invocation) appendTurns(assistant, corrective core.Message) {
	if assistant.Content != "" {
		inv.shaped.Messages = append(inv.shaped.Messages, assistant)
	}
	inv.shaped.Messages = append(inv.shaped.Messages, corrective)
}

func (inv *invocation) publishFailure(ctx context.Context, kind hooks.EventKind, attempt int, err error) {
	inv.runner.bus.Publish(ctx, hooks.Event{
		Kind:         kind,
		InvocationID: inv.id,
		Attempt:      attempt,
		Payload:      lastRecord(inv.records),
		Err:          err,
	})
}

func (inv *invocation) exhausted(cause error) *RetryExhaustedError {
	return &RetryExhaustedError{
		Attempts:     len(inv.records),
		LastResponse: inv.last,
		History:      append([]core.Message(nil), inv.shaped.Messages...),
		Usage:        inv.total,
		Request:      inv.request,
		Records:      inv.records,
		cause:        cause,
	}
}

func lastRecord(records []AttemptRecord) interface{} {
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1]
}

// cachedResponse is the serialized form stored in the response cache.
type cachedResponse struct {
	Content string `json:"content"`
}

// invoke performs one provider call, going through the response cache when
// one is configured. Cached hits contribute zero usage.
func (r *Runner) invoke(ctx context.Context, req *core.Request, def *schema.Definition) (*core.Response, usage.Usage, error) {
	var key string
	if r.cache != nil {
		key = r.keygen.GenerateKey(req, def)
		if raw, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			var cached cachedResponse
			if err := json.Unmarshal(raw, &cached); err == nil {
				r.logger.Debug(ctx, "response cache hit")
				return &core.Response{Content: cached.Content}, usage.Usage{}, nil
			}
		}
	}

	resp, err := r.client.Invoke(ctx, req)
	if err != nil {
		return nil, usage.Usage{}, errors.Wrap(err, errors.ProviderFailure, "provider call failed")
	}

	// A provider that reports no usage at all is tolerated; a provider
	// that reports usage in an unrecognized shape is not.
	var used usage.Usage
	if resp.RawUsage != nil {
		used, err = usage.Normalize(resp.RawUsage)
		if err != nil {
			return nil, usage.Usage{}, err
		}
	}

	if r.cache != nil {
		if raw, err := json.Marshal(cachedResponse{Content: resp.Content}); err == nil {
			if err := r.cache.Set(ctx, key, raw, r.cacheTTL); err != nil {
				r.logger.Warn(ctx, "response cache write failed: %v", err)
			}
		}
	}

	return resp, used, nil
}

// parseCandidate turns raw provider text into a constructed instance.
// Parse and construction failures are both retryable.
func parseCandidate(content string, s schema.Schema) (interface{}, error) {
	cleaned := stripMarkdown(content)

	parser := partialjson.NewParser()
	value, complete, err := parser.Feed(cleaned)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, errors.New(errors.ParseFailed, "response document is incomplete")
	}

	m, ok := value.(map[string]interface{})
	if !ok {
		return nil, errors.Newf(errors.ParseFailed, "expected a JSON object, got %T", value)
	}
	return s.Construct(m)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.Canceled, "extraction canceled")
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.Canceled, "extraction canceled")
	case <-timer.C:
		return nil
	}
}

func asEngineError(err error, target **errors.Error) bool {
	e, ok := err.(*errors.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
