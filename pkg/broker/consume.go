package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeRequests opens a dedicated channel on the organization's request
// queue with manual acknowledgment and the given prefetch bound. The caller
// owns the returned channel and must close it on shutdown to stop delivery.
func (b *Broker) ConsumeRequests(orgID string, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	return b.consume(RequestQueue(orgID), prefetch)
}

// ConsumeResponses opens a consumer on an agent's response queue.
func (b *Broker) ConsumeResponses(orgID, agentID string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	return b.consume(ResponseQueue(orgID, agentID), 0)
}

// ConsumeDeadLetters opens a consumer on the organization's DLQ. Used by
// operational tooling; normal processing never reads this queue.
func (b *Broker) ConsumeDeadLetters(orgID string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	return b.consume(DeadLetterQueue(orgID), 0)
}

func (b *Broker) consume(queue string, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("consume channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return ch, deliveries, nil
}

// QueueDepth reports the current ready-message count on the organization's
// request queue. Errors fail open to zero depth: backpressure measurement
// must never block submission.
func (b *Broker) QueueDepth(orgID string) (int64, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("depth channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(
		RequestQueue(orgID),
		true, false, false, false,
		amqp.Table{"x-max-priority": int32(maxTransportPriority)},
	)
	if err != nil {
		return 0, fmt.Errorf("passive declare %s: %w", RequestQueue(orgID), err)
	}
	return int64(q.Messages), nil
}
