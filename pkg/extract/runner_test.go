package extract

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructor-ai/instructor-sub002/internal/testutil"
	"github.com/instructor-ai/instructor-sub002/pkg/cache"
	"github.com/instructor-ai/instructor-sub002/pkg/core"
	"github.com/instructor-ai/instructor-sub002/pkg/errors"
	"github.com/instructor-ai/instructor-sub002/pkg/hooks"
	"github.com/instructor-ai/instructor-sub002/pkg/schema"
	"github.com/instructor-ai/instructor-sub002/pkg/validation"
)

type person struct {
	Name string `json:"name"`
	Age  int64  `json:"age"`
}

func personSchema() schema.Schema {
	return schema.Define[person]("ExtractPerson",
		schema.F("name", schema.String).Required(),
		schema.F("age", schema.Integer).Required(),
	)
}

func userRequest(prompt string) *core.Request {
	return &core.Request{
		Model:    "test-model",
		Messages: []core.Message{{Role: core.RoleUser, Content: prompt}},
	}
}

func adultValidator() *validation.Set {
	return validation.NewSet().Field("age-adult", "age", func(ctx context.Context, v interface{}, _ *validation.Context) error {
		n, _ := v.(float64)
		if n < 18 {
			return validation.Failf("age", "must be at least 18, got %v", n)
		}
		return nil
	})
}

func uppercaseValidator() *validation.Set {
	return validation.NewSet().Field("name-upper", "name", func(ctx context.Context, v interface{}, _ *validation.Context) error {
		s, _ := v.(string)
		if s != strings.ToUpper(s) {
			return validation.Fail("name", "must be uppercase")
		}
		return nil
	})
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{
		Content:  `{"name": "Jason", "age": 25}`,
		RawUsage: map[string]interface{}{"input_tokens": 10, "output_tokens": 5},
	})
	runner := NewRunner(client)

	v, used, err := runner.Run(context.Background(), userRequest("Extract: Jason is 25"), personSchema())
	require.NoError(t, err)

	p := v.(*person)
	assert.Equal(t, "Jason", p.Name)
	assert.Equal(t, int64(25), p.Age)
	assert.Equal(t, 10, used.InputTokens)
	assert.Equal(t, 5, used.OutputTokens)
	assert.Equal(t, 15, used.TotalTokens)
	assert.Equal(t, 1, client.Calls())

	// One system instruction plus the caller's turn; no corrective turns.
	req := client.Requests[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, core.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "JSON object")
	assert.Contains(t, req.Messages[0].Content, "ExtractPerson")
	assert.Equal(t, core.RoleUser, req.Messages[1].Role)
}

func TestRunRetriesOnValidationFailure(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "Jason", "age": 10}`},
		testutil.Turn{Content: `{"name": "Jason", "age": 25}`},
	)
	runner := NewRunner(client)

	v, _, err := runner.Run(context.Background(), userRequest("Extract Jason"), personSchema(),
		WithValidators(adultValidator()))
	require.NoError(t, err)
	assert.Equal(t, int64(25), v.(*person).Age)
	assert.Equal(t, 2, client.Calls())

	// The second call carries the rejected output and a corrective turn
	// naming the offending path.
	second := client.Requests[1]
	require.Len(t, second.Messages, 4)
	assert.Equal(t, core.RoleAssistant, second.Messages[2].Role)
	assert.Contains(t, second.Messages[2].Content, `"age": 10`)
	assert.Equal(t, core.RoleUser, second.Messages[3].Role)
	assert.Contains(t, second.Messages[3].Content, "failed validation")
	assert.Contains(t, second.Messages[3].Content, "- age: must be at least 18")
}

func TestRunUppercaseCorrection(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "jason", "age": 25}`},
		testutil.Turn{Content: `{"name": "JASON", "age": 25}`},
	)
	runner := NewRunner(client)

	v, _, err := runner.Run(context.Background(), userRequest("Extract jason"), personSchema(),
		WithValidators(uppercaseValidator()))
	require.NoError(t, err)
	assert.Equal(t, "JASON", v.(*person).Name)
	assert.Equal(t, 2, client.Calls())
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	perCall := map[string]interface{}{"input_tokens": 10, "output_tokens": 5}
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "Jason", "age": 10}`, RawUsage: perCall},
		testutil.Turn{Content: `{"name": "Jason", "age": 11}`, RawUsage: perCall},
		testutil.Turn{Content: `{"name": "Jason", "age": 12}`, RawUsage: perCall},
	)
	runner := NewRunner(client)

	// max retries 2 means exactly 3 provider calls.
	_, used, err := runner.Run(context.Background(), userRequest("Extract Jason"), personSchema(),
		WithMaxRetries(2), WithValidators(adultValidator()))
	require.Error(t, err)
	assert.Equal(t, 3, client.Calls())

	var rex *RetryExhaustedError
	require.True(t, stderrors.As(err, &rex))
	assert.Equal(t, 3, rex.Attempts)
	assert.Len(t, rex.Records, 3)
	require.Len(t, rex.LastFailures(), 1)
	assert.Equal(t, "age", rex.LastFailures()[0].Path)
	assert.Contains(t, rex.LastResponse.Content, `"age": 12`)

	// Failed attempts still consume tokens.
	assert.Equal(t, 30, used.InputTokens)
	assert.Equal(t, 15, used.OutputTokens)
	assert.Equal(t, rex.Usage, used)

	// History retains the corrective turns of every attempt.
	assert.Greater(t, len(rex.History), len(rex.Request.Messages))
}

func TestRunZeroRetries(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "Jason", "age": 10}`},
	)
	runner := NewRunner(client)

	_, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema(),
		WithMaxRetries(0), WithValidators(adultValidator()))
	require.Error(t, err)
	assert.Equal(t, 1, client.Calls())
}

func TestRunRetriesOnMalformedJSON(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `I think the answer is {name: Jason}`},
		testutil.Turn{Content: `{"name": "Jason", "age": 25}`},
	)
	runner := NewRunner(client)

	v, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema())
	require.NoError(t, err)
	assert.Equal(t, "Jason", v.(*person).Name)
	assert.Equal(t, 2, client.Calls())

	corrective := client.Requests[1].Messages[3]
	assert.Equal(t, core.RoleUser, corrective.Role)
	assert.Contains(t, corrective.Content, "could not be mapped")
}

func TestRunRetriesOnTruncatedResponse(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "Jason", "age":`},
		testutil.Turn{Content: `{"name": "Jason", "age": 25}`},
	)
	runner := NewRunner(client)

	_, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema())
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls())
}

func TestRunRetriesOnMissingRequiredField(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "Jason"}`},
		testutil.Turn{Content: `{"name": "Jason", "age": 25}`},
	)
	runner := NewRunner(client)

	_, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema())
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls())
}

func TestRunStripsMarkdownFence(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{
		Content: "```json\n{\"name\": \"Jason\", \"age\": 25}\n```",
	})
	runner := NewRunner(client)

	v, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema())
	require.NoError(t, err)
	assert.Equal(t, "Jason", v.(*person).Name)
}

func TestRunRetriesOnProviderFailure(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Err: stderrors.New("rate limited")},
		testutil.Turn{Content: `{"name": "Jason", "age": 25}`},
	)
	runner := NewRunner(client)

	_, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema())
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls())

	// No assistant turn to echo back, just the retry nudge.
	second := client.Requests[1]
	require.Len(t, second.Messages, 3)
	assert.Contains(t, second.Messages[2].Content, "failed before producing a response")
}

func TestRunUsageFormatErrorIsFatal(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{
		Content:  `{"name": "Jason", "age": 25}`,
		RawUsage: map[string]interface{}{"tokens_burned": 99},
	})
	runner := NewRunner(client)

	_, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema())
	require.Error(t, err)
	assert.Equal(t, errors.UsageFormatInvalid, errors.CodeOf(err))
	assert.Equal(t, 1, client.Calls())

	var rex *RetryExhaustedError
	assert.False(t, stderrors.As(err, &rex))
}

func TestRunValidatorInternalErrorIsFatal(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{
		Content: `{"name": "Jason", "age": 25}`,
	})
	runner := NewRunner(client)

	set := validation.NewSet().Model("broken", func(ctx context.Context, _ interface{}, _ *validation.Context) error {
		return stderrors.New("lookup table unreachable")
	})

	_, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema(),
		WithValidators(set))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup table unreachable")
	assert.Equal(t, 1, client.Calls())
}

func TestRunHookEventSequence(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "Jason", "age": 10}`},
		testutil.Turn{Content: `{"name": "Jason", "age": 25}`},
	)
	runner := NewRunner(client)

	var kinds []hooks.EventKind
	record := func(ctx context.Context, e hooks.Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	}
	for _, k := range []hooks.EventKind{hooks.RequestIssued, hooks.ResponseReceived, hooks.AttemptFailed, hooks.ParseFailed, hooks.RetriesExhausted} {
		runner.Bus().Subscribe(k, record)
	}

	_, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema(),
		WithValidators(adultValidator()))
	require.NoError(t, err)

	assert.Equal(t, []hooks.EventKind{
		hooks.RequestIssued,
		hooks.AttemptFailed,
		hooks.RequestIssued,
		hooks.ResponseReceived,
	}, kinds)
}

func TestRunHookFailureDoesNotAbort(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{
		Content: `{"name": "Jason", "age": 25}`,
	})
	runner := NewRunner(client)

	runner.Bus().Subscribe(hooks.RequestIssued, func(ctx context.Context, e hooks.Event) error {
		return stderrors.New("telemetry sink down")
	})
	runner.Bus().Subscribe(hooks.ResponseReceived, func(ctx context.Context, e hooks.Event) error {
		panic("observer bug")
	})

	v, _, err := runner.Run(context.Background(), userRequest("Extract"), personSchema())
	require.NoError(t, err)
	assert.Equal(t, "Jason", v.(*person).Name)
}

func TestRunCachedResponseSkipsProvider(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{
		Content:  `{"name": "Jason", "age": 25}`,
		RawUsage: map[string]interface{}{"input_tokens": 10, "output_tokens": 5},
	})
	runner := NewRunner(client, WithCache(cache.NewMemoryCache(0), time.Minute))

	req := userRequest("Extract Jason")

	_, used, err := runner.Run(context.Background(), req, personSchema())
	require.NoError(t, err)
	assert.Equal(t, 15, used.TotalTokens)
	assert.Equal(t, 1, client.Calls())

	// The script has a single turn: a second provider call would panic.
	v, used, err := runner.Run(context.Background(), req, personSchema())
	require.NoError(t, err)
	assert.Equal(t, "Jason", v.(*person).Name)
	assert.True(t, used.IsZero())
	assert.Equal(t, 1, client.Calls())
}

func TestRunTemplateVariables(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{
		Content: `{"name": "Jason", "age": 25}`,
	})
	runner := NewRunner(client)

	_, _, err := runner.Run(context.Background(), userRequest("Extract {{who}} from: {{text}}"), personSchema(),
		WithTemplateVars(map[string]interface{}{"who": "the person", "text": "Jason is 25"}))
	require.NoError(t, err)

	sent := client.Requests[0].Messages[1].Content
	assert.Equal(t, "Extract the person from: Jason is 25", sent)
}

func TestRunDoesNotMutateCallerRequest(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "Jason", "age": 10}`},
		testutil.Turn{Content: `{"name": "Jason", "age": 25}`},
	)
	runner := NewRunner(client)

	req := userRequest("Extract Jason")
	_, _, err := runner.Run(context.Background(), req, personSchema(),
		WithValidators(adultValidator()))
	require.NoError(t, err)

	// Corrective turns never leak into the caller's request.
	require.Len(t, req.Messages, 1)
	assert.Equal(t, core.RoleUser, req.Messages[0].Role)
}

func TestRunCanceledContext(t *testing.T) {
	client := testutil.NewScriptedClient(
		testutil.Turn{Content: `{"name": "Jason", "age": 10}`},
		testutil.Turn{Content: `{"name": "Jason", "age": 25}`},
	)
	runner := NewRunner(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := runner.Run(ctx, userRequest("Extract"), personSchema(),
		WithValidators(adultValidator()))
	require.Error(t, err)
	assert.Equal(t, errors.Canceled, errors.CodeOf(err))
	assert.Equal(t, 1, client.Calls())
}
