package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastyrai/turingagents/pkg/audit"
	"github.com/fastyrai/turingagents/pkg/dispatch"
	"github.com/fastyrai/turingagents/pkg/idempotency"
	"github.com/fastyrai/turingagents/pkg/schema"
)

type delayed struct {
	body     []byte
	delay    time.Duration
	priority uint8
}

type response struct {
	agentID string
	body    []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	delays    []delayed
	dead      [][]byte
	responses []response

	delayErr    error
	responseErr error
}

func (f *fakeTransport) PublishDelay(_ context.Context, _ string, body []byte, delay time.Duration, priority uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delayErr != nil {
		return f.delayErr
	}
	f.delays = append(f.delays, delayed{body: body, delay: delay, priority: priority})
	return nil
}

func (f *fakeTransport) PublishDeadLetter(_ context.Context, _ string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = append(f.dead, body)
	return nil
}

func (f *fakeTransport) PublishResponse(_ context.Context, _ string, agentID string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responseErr != nil {
		return f.responseErr
	}
	f.responses = append(f.responses, response{agentID: agentID, body: body})
	return nil
}

type fixture struct {
	transport *fakeTransport
	store     *idempotency.MemStore
	sink      *audit.MemSink
	registry  *Registry
	worker    *Worker
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		store:     idempotency.NewMemStore(),
		sink:      audit.NewMemSink(),
		registry:  NewRegistry(nil, nil),
	}
	opts.OrgID = "org-1"
	f.worker = New(f.transport, f.store, f.store, f.sink, f.registry, opts)
	return f
}

func testMessage() *schema.RequestMessage {
	return &schema.RequestMessage{
		MessageID:  uuid.NewString(),
		Version:    "1.0.0",
		OrgID:      "org-1",
		AgentID:    "agent-1",
		Type:       schema.TypeTaskExecute,
		Priority:   int(dispatch.P1),
		CreatedBy:  schema.CreatedBy{Type: "user", ID: "user-1"},
		CreatedAt:  time.Now().UTC(),
		MaxRetries: 5,
	}
}

func encode(t *testing.T, msg *schema.RequestMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func TestProcessCompletesAndResponds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))

	msg := testMessage()
	f.worker.Process(context.Background(), encode(t, msg))

	require.Len(t, f.transport.responses, 1)
	assert.Equal(t, "agent-1", f.transport.responses[0].agentID)

	var res schema.ResponseMessage
	require.NoError(t, json.Unmarshal(f.transport.responses[0].body, &res))
	assert.Equal(t, msg.MessageID, res.RequestID)
	assert.Equal(t, "task_execute.result", res.Type)

	rec := f.sink.Message(msg.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, dispatch.StatusCompleted, rec.Status)
	assert.Len(t, f.sink.EventsByType(msg.MessageID, "COMPLETED"), 1)
	assert.Empty(t, f.transport.delays)
	assert.Empty(t, f.transport.dead)
}

func TestProcessResponseFallsBackToDefaultAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{DefaultAgentID: "overseer"})
	f.registry.Register(schema.TypeAgentPing, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, nil
	}))

	msg := testMessage()
	msg.Type = schema.TypeAgentPing
	msg.AgentID = ""
	f.worker.Process(context.Background(), encode(t, msg))

	require.Len(t, f.transport.responses, 1)
	assert.Equal(t, "overseer", f.transport.responses[0].agentID)
}

// Same logical content submitted twice under different message IDs must
// invoke the handler exactly once.
func TestProcessSkipsDuplicateContent(t *testing.T) {
	t.Parallel()

	var invocations int
	f := newFixture(t, Options{})
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		invocations++
		return nil, nil
	}))

	first := testMessage()
	second := *first
	second.MessageID = uuid.NewString()

	f.worker.Process(context.Background(), encode(t, first))
	f.worker.Process(context.Background(), encode(t, &second))

	assert.Equal(t, 1, invocations)
	assert.Len(t, f.transport.responses, 1)
	assert.Len(t, f.sink.EventsByType(second.MessageID, "DUPLICATE_SKIPPED"), 1)

	rec := f.sink.Message(second.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, dispatch.StatusDuplicate, rec.Status)
}

func TestProcessSchedulesRetryOnTransientFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, errors.New("downstream unavailable")
	}))

	msg := testMessage()
	f.worker.Process(context.Background(), encode(t, msg))

	require.Len(t, f.transport.delays, 1)
	d := f.transport.delays[0]
	assert.Equal(t, 5*time.Second, d.delay)
	assert.Equal(t, dispatch.P1.Transport(), d.priority)

	var next schema.RequestMessage
	require.NoError(t, json.Unmarshal(d.body, &next))
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, int(dispatch.P1), next.Priority)
	assert.Equal(t, msg.MessageID, next.MessageID)

	assert.Len(t, f.sink.EventsByType(msg.MessageID, "RETRY_SCHEDULED"), 1)
	rec := f.sink.Message(msg.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, dispatch.StatusRetrying, rec.Status)

	// The mark must have been released so the redelivery is not treated as a
	// duplicate.
	dup, err := f.store.CheckAndMark(context.Background(), msg.OrgID, schema.DedupKey(msg))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestProcessDemotesPriorityOnRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.registry.Register(schema.TypeToolCall, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, dispatch.Classify(dispatch.KindRateLimited, errors.New("429 from downstream"))
	}))

	msg := testMessage()
	msg.Type = schema.TypeToolCall
	f.worker.Process(context.Background(), encode(t, msg))

	require.Len(t, f.transport.delays, 1)
	d := f.transport.delays[0]
	assert.Equal(t, dispatch.RateLimitBackoff, d.delay)
	assert.Equal(t, dispatch.P2.Transport(), d.priority)

	var next schema.RequestMessage
	require.NoError(t, json.Unmarshal(d.body, &next))
	assert.Equal(t, int(dispatch.P2), next.Priority)
}

func TestProcessDeadLettersValidationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, dispatch.Classify(dispatch.KindValidation, errors.New("payload contract violated"))
	}))

	msg := testMessage()
	f.worker.Process(context.Background(), encode(t, msg))

	assert.Empty(t, f.transport.delays)
	require.Len(t, f.transport.dead, 1)

	var env schema.DLQEnvelope
	require.NoError(t, json.Unmarshal(f.transport.dead[0], &env))
	assert.Equal(t, "validation", env.Error.Type)
	assert.False(t, env.CanReplay)

	rows := f.sink.DLQ()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].CanReplay)
	assert.Equal(t, dispatch.StatusDeadLettered, f.sink.Message(msg.MessageID).Status)
}

func TestProcessDeadLettersExhaustedBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, errors.New("still failing")
	}))

	msg := testMessage()
	msg.RetryCount = msg.MaxRetries
	f.worker.Process(context.Background(), encode(t, msg))

	assert.Empty(t, f.transport.delays)
	require.Len(t, f.transport.dead, 1)

	var env schema.DLQEnvelope
	require.NoError(t, json.Unmarshal(f.transport.dead[0], &env))
	assert.Equal(t, "transient", env.Error.Type)
	assert.True(t, env.CanReplay)

	var original schema.RequestMessage
	require.NoError(t, json.Unmarshal(env.OriginalMessage, &original))
	assert.Equal(t, msg.MessageID, original.MessageID)

	assert.Len(t, f.sink.EventsByType(msg.MessageID, "DEAD_LETTER"), 1)
}

// A message that always fails transiently walks the backoff ladder until its
// budget runs out, then lands in the DLQ as replayable.
func TestMessageLifecycleExhaustsLadderThenDeadLetters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{PoisonThreshold: 10})
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, errors.New("always failing")
	}))

	msg := testMessage()
	msg.MaxRetries = 2

	body := encode(t, msg)
	for i := 0; i < 3; i++ {
		f.worker.Process(context.Background(), body)
		if len(f.transport.delays) > i {
			body = f.transport.delays[i].body
		}
	}

	require.Len(t, f.transport.delays, 2)
	assert.Equal(t, dispatch.DefaultBackoffLadder[0], f.transport.delays[0].delay)
	assert.Equal(t, dispatch.DefaultBackoffLadder[1], f.transport.delays[1].delay)

	assert.Len(t, f.sink.EventsByType(msg.MessageID, "RETRY_SCHEDULED"), 2)
	assert.Len(t, f.sink.EventsByType(msg.MessageID, "DEAD_LETTER"), 1)

	rows := f.sink.DLQ()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].CanReplay)
}

// A message whose handler keeps failing must be quarantined on the delivery
// that pushes its failure count past the threshold, regardless of remaining
// retry budget.
func TestProcessQuarantinesPoisonPill(t *testing.T) {
	t.Parallel()

	const threshold = 3

	f := newFixture(t, Options{PoisonThreshold: threshold})
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, errors.New("poison")
	}))

	msg := testMessage()
	msg.MaxRetries = 10
	for i := 0; i <= threshold; i++ {
		delivery := *msg
		delivery.RetryCount = i
		f.worker.Process(context.Background(), encode(t, &delivery))
	}

	assert.Len(t, f.transport.delays, threshold)
	assert.Empty(t, f.transport.dead)

	events := f.sink.EventsByType(msg.MessageID, "POISON_QUARANTINED")
	require.Len(t, events, 1)
	assert.Equal(t, int64(threshold+1), events[0].Details["failures"])

	rec := f.sink.Message(msg.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, dispatch.StatusQuarantined, rec.Status)
}

func TestProcessDeadLettersUndecodableBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.worker.Process(context.Background(), []byte("{not json"))

	require.Len(t, f.transport.dead, 1)
	rows := f.sink.DLQ()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].CanReplay)
	assert.Equal(t, "validation", rows[0].ErrorType)
}

func TestProcessDeadLettersWhenRetryPublishFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.transport.delayErr = errors.New("channel closed")
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, errors.New("transient failure")
	}))

	msg := testMessage()
	f.worker.Process(context.Background(), encode(t, msg))

	assert.Empty(t, f.transport.delays)
	require.Len(t, f.transport.dead, 1)
	assert.Equal(t, dispatch.StatusDeadLettered, f.sink.Message(msg.MessageID).Status)
}

func TestProcessRetriesWhenResponsePublishFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.transport.responseErr = errors.New("broker gone")
	f.registry.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))

	msg := testMessage()
	f.worker.Process(context.Background(), encode(t, msg))

	require.Len(t, f.transport.delays, 1)
	rec := f.sink.Message(msg.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, dispatch.StatusRetrying, rec.Status)
}

func TestRegistryFallsBackForUnknownType(t *testing.T) {
	t.Parallel()

	var fallbackHit bool
	reg := NewRegistry(HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		fallbackHit = true
		return nil, nil
	}), nil)
	reg.Register(schema.TypeTaskExecute, HandlerFunc(func(context.Context, *schema.RequestMessage) (map[string]any, error) {
		return nil, nil
	}))

	msg := testMessage()
	msg.Type = "future_type"
	_, err := reg.Resolve(msg.Type).Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, fallbackHit)
}
