// Package audit records the message lifecycle: a current-state projection
// per message, an append-only event log, and dead-letter rows. All writes
// from the hot path go through a best-effort pipeline; audit failures never
// influence message disposition.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fastyrai/turingagents/pkg/dispatch"
	"github.com/fastyrai/turingagents/pkg/schema"
)

// MessageRecord is the current-state projection of one message. Created at
// submission and mutated at every worker transition; terminal at COMPLETED,
// DEAD_LETTERED or QUARANTINED.
type MessageRecord struct {
	MessageID string
	OrgID     string
	AgentID   string
	Type      schema.MessageType
	Priority  int
	Status    dispatch.Status
	Payload   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageEvent is one append-only entry in the lifecycle log, ordered by
// (created_at, id).
type MessageEvent struct {
	ID        string
	MessageID string
	OrgID     string
	EventType dispatch.EventType
	Details   map[string]any
	CreatedAt time.Time
}

// DLQMessage is the persisted dead-letter row, created exactly once per
// terminal failure.
type DLQMessage struct {
	ID              string
	OrgID           string
	OriginalMessage json.RawMessage
	ErrorType       string
	ErrorMessage    string
	CanReplay       bool
	DLQTimestamp    time.Time
}

// Sink is the storage boundary the core writes through. Implementations are
// idempotent by key and expected to be best-effort; callers swallow their
// failures.
type Sink interface {
	UpsertMessage(ctx context.Context, rec *MessageRecord) error
	RecordMessageEvent(ctx context.Context, ev *MessageEvent) error
	RecordDLQMessage(ctx context.Context, entry *DLQMessage) error
}
