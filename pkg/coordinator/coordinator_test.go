package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastyrai/turingagents/pkg/schema"
)

type fakeSource struct {
	declared   []string
	deliveries map[string]chan amqp.Delivery
}

func newFakeSource() *fakeSource {
	return &fakeSource{deliveries: make(map[string]chan amqp.Delivery)}
}

func (f *fakeSource) DeclareAgentQueue(_, agentID string) error {
	f.declared = append(f.declared, agentID)
	return nil
}

func (f *fakeSource) ConsumeResponses(_, agentID string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery, 16)
	f.deliveries[agentID] = ch
	return nil, ch, nil
}

func (f *fakeSource) deliver(t *testing.T, agentID string, res *schema.ResponseMessage) {
	t.Helper()
	body, err := json.Marshal(res)
	require.NoError(t, err)
	f.deliveries[agentID] <- amqp.Delivery{Body: body}
}

func TestSubscribeFansInResponses(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	c := New(src, Options{OrgID: "org-1"})

	out, err := c.Subscribe(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, src.declared)

	src.deliver(t, "agent-1", &schema.ResponseMessage{
		RequestID: "req-1",
		Type:      "task_execute.result",
		AgentID:   "agent-1",
	})

	select {
	case res := <-out:
		assert.Equal(t, "req-1", res.RequestID)
		assert.Equal(t, "task_execute.result", res.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestSubscribeIsIdempotentPerAgent(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	c := New(src, Options{OrgID: "org-1"})

	first, err := c.Subscribe(context.Background(), "agent-1")
	require.NoError(t, err)
	second, err := c.Subscribe(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, src.declared, 1)
	assert.Equal(t, first, c.Responses("agent-1"))
	assert.Nil(t, c.Responses("agent-2"))
}

func TestSubscriptionsAreIndependentPerAgent(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	c := New(src, Options{OrgID: "org-1"})

	outA, err := c.Subscribe(context.Background(), "agent-a")
	require.NoError(t, err)
	outB, err := c.Subscribe(context.Background(), "agent-b")
	require.NoError(t, err)

	src.deliver(t, "agent-b", &schema.ResponseMessage{RequestID: "req-b", AgentID: "agent-b"})

	select {
	case res := <-outB:
		assert.Equal(t, "req-b", res.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent-b response")
	}
	select {
	case res := <-outA:
		t.Fatalf("agent-a received %v", res)
	default:
	}
}

func TestUndecodableResponseIsDropped(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	c := New(src, Options{OrgID: "org-1"})

	out, err := c.Subscribe(context.Background(), "agent-1")
	require.NoError(t, err)

	src.deliveries["agent-1"] <- amqp.Delivery{Body: []byte("{broken")}
	src.deliver(t, "agent-1", &schema.ResponseMessage{RequestID: "req-2"})

	select {
	case res := <-out:
		assert.Equal(t, "req-2", res.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response after bad payload")
	}
}

func TestChannelClosesWhenDeliveriesEnd(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	c := New(src, Options{OrgID: "org-1"})

	out, err := c.Subscribe(context.Background(), "agent-1")
	require.NoError(t, err)

	close(src.deliveries["agent-1"])

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close")
	}

	c.Close()
	_, err = c.Subscribe(context.Background(), "agent-2")
	require.Error(t, err)
}
