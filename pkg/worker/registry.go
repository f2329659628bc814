package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fastyrai/turingagents/pkg/schema"
)

// Handler processes a single request message and returns the result payload
// for the agent's response queue. A nil result is allowed for message types
// that have no meaningful output.
type Handler interface {
	Handle(ctx context.Context, msg *schema.RequestMessage) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *schema.RequestMessage) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *schema.RequestMessage) (map[string]any, error) {
	return f(ctx, msg)
}

// Registry routes messages to handlers by type. Types without a registered
// handler fall through to the fallback, which must always be present so an
// unknown-but-valid type is processed rather than silently dropped.
type Registry struct {
	handlers map[schema.MessageType]Handler
	fallback Handler
}

// NewRegistry builds a registry with the given fallback handler. If fallback
// is nil a diagnostic handler is installed that records the unhandled type.
func NewRegistry(fallback Handler, log *logrus.Entry) *Registry {
	if fallback == nil {
		fallback = HandlerFunc(func(_ context.Context, msg *schema.RequestMessage) (map[string]any, error) {
			if log != nil {
				log.WithFields(logrus.Fields{
					"message_id": msg.MessageID,
					"type":       msg.Type,
				}).Warn("no handler registered for message type")
			}
			return map[string]any{"handled": false, "reason": "no handler for type"}, nil
		})
	}
	return &Registry{
		handlers: make(map[schema.MessageType]Handler),
		fallback: fallback,
	}
}

// Register binds a handler to a message type, replacing any previous binding.
func (r *Registry) Register(t schema.MessageType, h Handler) {
	r.handlers[t] = h
}

// Resolve returns the handler for the given type, or the fallback.
func (r *Registry) Resolve(t schema.MessageType) Handler {
	if h, ok := r.handlers[t]; ok {
		return h
	}
	return r.fallback
}
