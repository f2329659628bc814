package replay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastyrai/turingagents/pkg/audit"
	"github.com/fastyrai/turingagents/pkg/dispatch"
	"github.com/fastyrai/turingagents/pkg/schema"
)

type memStore struct {
	rows     []*audit.DLQMessage
	replayed map[string]time.Time
}

func newMemStore(rows ...*audit.DLQMessage) *memStore {
	return &memStore{rows: rows, replayed: make(map[string]time.Time)}
}

func (s *memStore) SelectReplayable(_ context.Context, f Filter) ([]*audit.DLQMessage, error) {
	var out []*audit.DLQMessage
	for _, row := range s.rows {
		if row.OrgID != f.OrgID || !row.CanReplay {
			continue
		}
		if _, done := s.replayed[row.ID]; done {
			continue
		}
		if f.Type != "" {
			var msg schema.RequestMessage
			if json.Unmarshal(row.OriginalMessage, &msg) != nil || msg.Type != f.Type {
				continue
			}
		}
		out = append(out, row)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) MarkReplayed(_ context.Context, id string, at time.Time) error {
	s.replayed[id] = at
	return nil
}

type fakePublisher struct {
	bodies     [][]byte
	priorities []uint8
}

func (f *fakePublisher) PublishRequest(_ context.Context, _ string, body []byte, priority uint8) error {
	f.bodies = append(f.bodies, body)
	f.priorities = append(f.priorities, priority)
	return nil
}

func dlqRow(t *testing.T, orgID string, msgType schema.MessageType, retryCount int) *audit.DLQMessage {
	t.Helper()
	msg := schema.RequestMessage{
		MessageID:  uuid.NewString(),
		Version:    "1.0.0",
		OrgID:      orgID,
		AgentID:    "agent-1",
		Type:       msgType,
		Priority:   int(dispatch.P1),
		CreatedBy:  schema.CreatedBy{Type: "user", ID: "user-1"},
		CreatedAt:  time.Now().UTC(),
		RetryCount: retryCount,
		MaxRetries: 5,
	}
	body, err := json.Marshal(&msg)
	require.NoError(t, err)
	return &audit.DLQMessage{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		OriginalMessage: body,
		ErrorType:       "transient",
		ErrorMessage:    "downstream unavailable",
		CanReplay:       true,
		DLQTimestamp:    time.Now().UTC(),
	}
}

func TestDryRunCountsWithoutPublishing(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		dlqRow(t, "org-1", schema.TypeTaskExecute, 5),
		dlqRow(t, "org-1", schema.TypeToolCall, 5),
		dlqRow(t, "org-1", schema.TypeTaskExecute, 3),
	)
	pub := &fakePublisher{}
	sink := audit.NewMemSink()

	rep, err := New(store, pub, sink).Run(context.Background(), Filter{OrgID: "org-1"}, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Candidates)
	assert.Zero(t, rep.Replayed)
	assert.Empty(t, pub.bodies)
	assert.Empty(t, store.replayed)
	assert.Empty(t, sink.Events())
}

func TestReplayResetsRetryCountAndTagsOrigin(t *testing.T) {
	t.Parallel()

	row := dlqRow(t, "org-1", schema.TypeTaskExecute, 5)
	store := newMemStore(row)
	pub := &fakePublisher{}
	sink := audit.NewMemSink()

	rep, err := New(store, pub, sink).Run(context.Background(), Filter{OrgID: "org-1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)

	require.Len(t, pub.bodies, 1)
	var msg schema.RequestMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Zero(t, msg.RetryCount)
	assert.Equal(t, row.ID, msg.Metadata["replayed_from"])
	assert.Equal(t, dispatch.P1.Transport(), pub.priorities[0])

	assert.Contains(t, store.replayed, row.ID)
	assert.Len(t, sink.EventsByType(msg.MessageID, "REPLAYED"), 1)
}

func TestReplayHonorsPriorityOverride(t *testing.T) {
	t.Parallel()

	store := newMemStore(dlqRow(t, "org-1", schema.TypeTaskExecute, 5))
	pub := &fakePublisher{}
	override := dispatch.P0

	rep, err := New(store, pub, audit.NewMemSink()).Run(
		context.Background(),
		Filter{OrgID: "org-1"},
		Options{Priority: &override},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)

	require.Len(t, pub.priorities, 1)
	assert.Equal(t, dispatch.P0.Transport(), pub.priorities[0])

	var msg schema.RequestMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, int(dispatch.P0), msg.Priority)
}

func TestReplayFiltersByTypeAndLimit(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		dlqRow(t, "org-1", schema.TypeTaskExecute, 5),
		dlqRow(t, "org-1", schema.TypeToolCall, 5),
		dlqRow(t, "org-1", schema.TypeTaskExecute, 5),
		dlqRow(t, "org-1", schema.TypeTaskExecute, 5),
	)
	pub := &fakePublisher{}

	rep, err := New(store, pub, audit.NewMemSink()).Run(
		context.Background(),
		Filter{OrgID: "org-1", Type: schema.TypeTaskExecute, Limit: 2},
		Options{},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 2, rep.Replayed)
}

func TestReplaySkipsUndecodableRows(t *testing.T) {
	t.Parallel()

	broken := &audit.DLQMessage{
		ID:              uuid.NewString(),
		OrgID:           "org-1",
		OriginalMessage: json.RawMessage("{corrupt"),
		CanReplay:       true,
		DLQTimestamp:    time.Now().UTC(),
	}
	store := newMemStore(broken, dlqRow(t, "org-1", schema.TypeTaskExecute, 5))
	pub := &fakePublisher{}

	rep, err := New(store, pub, audit.NewMemSink()).Run(context.Background(), Filter{OrgID: "org-1"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 1, rep.Replayed)
	assert.Equal(t, 1, rep.Skipped)
	assert.NotContains(t, store.replayed, broken.ID)
}

func TestReplayRequiresOrganization(t *testing.T) {
	t.Parallel()

	_, err := New(newMemStore(), &fakePublisher{}, audit.NewMemSink()).Run(context.Background(), Filter{}, Options{})
	require.Error(t, err)
}
