package dispatch

// Status is the current-state projection of a message.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusRetrying     Status = "RETRYING"
	StatusDeadLettered Status = "DEAD_LETTERED"
	StatusDuplicate    Status = "DUPLICATE"
	StatusQuarantined  Status = "QUARANTINED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLettered, StatusQuarantined:
		return true
	default:
		return false
	}
}

// EventType tags entries in the append-only message event log.
type EventType string

const (
	EventCreated           EventType = "CREATED"
	EventEnqueued          EventType = "ENQUEUED"
	EventDequeued          EventType = "DEQUEUED"
	EventProcessing        EventType = "PROCESSING"
	EventCompleted         EventType = "COMPLETED"
	EventFailed            EventType = "FAILED"
	EventRetryScheduled    EventType = "RETRY_SCHEDULED"
	EventDeadLetter        EventType = "DEAD_LETTER"
	EventDuplicateSkipped  EventType = "DUPLICATE_SKIPPED"
	EventReplayed          EventType = "REPLAYED"
	EventPoisonQuarantined EventType = "POISON_QUARANTINED"
)
