// Package schema defines the wire shape of work items submitted to the
// dispatch core, their structural validation, and the deterministic content
// fingerprint used for idempotency and poison tracking.
package schema

import (
	"time"
)

// MessageType is the closed set of operation kinds a worker can dispatch.
type MessageType string

const (
	TypeTaskExecute  MessageType = "task_execute"
	TypeToolCall     MessageType = "tool_call"
	TypeMemoryUpdate MessageType = "memory_update"
	TypeGoalEvaluate MessageType = "goal_evaluate"
	TypeAgentPing    MessageType = "agent_ping"
)

// KnownTypes lists every operation kind the dispatch registry routes by.
// Unknown kinds are not rejected at submission; the worker routes them to a
// diagnostic fallback handler.
func KnownTypes() []MessageType {
	return []MessageType{
		TypeTaskExecute,
		TypeToolCall,
		TypeMemoryUpdate,
		TypeGoalEvaluate,
		TypeAgentPing,
	}
}

// CreatedBy identifies the principal that submitted a message.
type CreatedBy struct {
	Type string `json:"type" jsonschema:"enum=user,enum=agent,enum=system" validate:"required,oneof=user agent system"`
	ID   string `json:"id" validate:"required"`
}

// RequestMessage is the unit of work flowing through organization request
// queues. Context and Metadata are opaque to the core; only Context
// participates in the dedup fingerprint.
type RequestMessage struct {
	MessageID       string         `json:"message_id" validate:"required"`
	Version         string         `json:"version" validate:"required,semver"`
	OrgID           string         `json:"org_id" validate:"required"`
	AgentID         string         `json:"agent_id,omitempty"`
	Type            MessageType    `json:"type" validate:"required"`
	Priority        int            `json:"priority" validate:"gte=0,lte=3"`
	GoalID          string         `json:"goal_id,omitempty"`
	TaskID          string         `json:"task_id,omitempty"`
	ParentMessageID string         `json:"parent_message_id,omitempty"`
	CreatedBy       CreatedBy      `json:"created_by" validate:"required"`
	CreatedAt       time.Time      `json:"created_at" validate:"required"`
	RetryCount      int            `json:"retry_count" validate:"gte=0"`
	MaxRetries      int            `json:"max_retries" validate:"gte=0"`
	Context         map[string]any `json:"context,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// RetryEligible reports whether the message still has application-level retry
// budget left.
func (m *RequestMessage) RetryEligible() bool {
	return m.RetryCount < m.MaxRetries
}
