package audit

import (
	"context"
	"sync"
)

// NopSink discards everything. Useful when a deployment runs without an
// audit store.
type NopSink struct{}

func (NopSink) UpsertMessage(context.Context, *MessageRecord) error    { return nil }
func (NopSink) RecordMessageEvent(context.Context, *MessageEvent) error { return nil }
func (NopSink) RecordDLQMessage(context.Context, *DLQMessage) error     { return nil }

// MemSink keeps everything in memory. Test double for the Postgres sink.
type MemSink struct {
	mu       sync.Mutex
	messages map[string]*MessageRecord
	events   []*MessageEvent
	dlq      []*DLQMessage
}

func NewMemSink() *MemSink {
	return &MemSink{messages: make(map[string]*MessageRecord)}
}

func (s *MemSink) UpsertMessage(_ context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.messages[rec.MessageID] = &cp
	return nil
}

func (s *MemSink) RecordMessageEvent(_ context.Context, ev *MessageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemSink) RecordDLQMessage(_ context.Context, entry *DLQMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.dlq = append(s.dlq, &cp)
	return nil
}

// Message returns the current projection for a message id, or nil.
func (s *MemSink) Message(messageID string) *MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[messageID]
}

// Events returns all recorded events in insertion order.
func (s *MemSink) Events() []*MessageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MessageEvent, len(s.events))
	copy(out, s.events)
	return out
}

// EventsByType filters the log by event type, optionally scoped to one
// message id.
func (s *MemSink) EventsByType(messageID string, eventType string) []*MessageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MessageEvent
	for _, ev := range s.events {
		if (messageID == "" || ev.MessageID == messageID) && string(ev.EventType) == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// DLQ returns all dead-letter rows.
func (s *MemSink) DLQ() []*DLQMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DLQMessage, len(s.dlq))
	copy(out, s.dlq)
	return out
}
