package schema

import (
	"encoding/json"
	"time"
)

// ResponseMessage is the result payload published to an agent's response
// queue after a work item completes. The coordinator interprets only
// RequestID and Type; Result is opaque.
type ResponseMessage struct {
	RequestID   string         `json:"request_id"`
	Type        string         `json:"type"`
	OrgID       string         `json:"org_id"`
	AgentID     string         `json:"agent_id"`
	Result      map[string]any `json:"result,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// DLQError captures why a message was dead-lettered.
type DLQError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DLQEnvelope is the wire form parked on the dead-letter queue. A matching
// row is persisted by the audit sink for the replay tool.
type DLQEnvelope struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"org_id"`
	OriginalMessage json.RawMessage `json:"original_message"`
	Error           DLQError        `json:"error"`
	CanReplay       bool            `json:"can_replay"`
	DLQTimestamp    time.Time       `json:"dlq_timestamp"`
}
