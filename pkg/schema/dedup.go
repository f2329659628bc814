package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// dedupFields is the stable subset of RequestMessage that identifies a
// logical unit of work. Volatile fields (retry_count, priority, timestamps,
// metadata) and the transport identity (message_id) are deliberately left
// out: redeliveries and replays of the same work must map to the same key.
type dedupFields struct {
	OrgID           string         `json:"org_id"`
	Type            MessageType    `json:"type"`
	AgentID         string         `json:"agent_id"`
	GoalID          string         `json:"goal_id"`
	TaskID          string         `json:"task_id"`
	ParentMessageID string         `json:"parent_message_id"`
	CreatedByType   string         `json:"created_by_type"`
	CreatedByID     string         `json:"created_by_id"`
	Context         map[string]any `json:"context"`
}

// DedupKey returns the deterministic fingerprint of a message's stable
// content. encoding/json emits map keys in sorted order, which makes the
// serialization canonical for the opaque context map.
func DedupKey(msg *RequestMessage) string {
	fields := dedupFields{
		OrgID:           msg.OrgID,
		Type:            msg.Type,
		AgentID:         msg.AgentID,
		GoalID:          msg.GoalID,
		TaskID:          msg.TaskID,
		ParentMessageID: msg.ParentMessageID,
		CreatedByType:   msg.CreatedBy.Type,
		CreatedByID:     msg.CreatedBy.ID,
		Context:         msg.Context,
	}
	b, err := json.Marshal(fields)
	if err != nil {
		// Context values come off the wire as JSON; re-marshaling cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
