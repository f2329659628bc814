package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// PublishRequest delivers a serialized work item to an organization's request
// exchange with the given transport priority. Delivery is persistent so
// at-least-once survives broker restarts; trace context from ctx is injected
// into headers.
func (b *Broker) PublishRequest(ctx context.Context, orgID string, body []byte, priority uint8) error {
	headers := amqp.Table{}
	InjectTrace(ctx, headers)

	err := b.ch.PublishWithContext(ctx,
		RequestExchange(orgID), requestRoutingKey,
		false, false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish request for org %s: %w", orgID, err)
	}
	return nil
}

// PublishDelay parks a message on the TTL queue for the given delay; the
// broker dead-letters it back into the request exchange when the TTL fires.
// The delay must be one the topology was declared with.
func (b *Broker) PublishDelay(ctx context.Context, orgID string, body []byte, delay time.Duration, priority uint8) error {
	headers := amqp.Table{}
	InjectTrace(ctx, headers)

	err := b.ch.PublishWithContext(ctx,
		"", DelayQueue(orgID, delay),
		false, false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish delay %s for org %s: %w", delay, orgID, err)
	}
	return nil
}

// PublishDeadLetter parks a terminally failed message on the organization's
// dead-letter queue.
func (b *Broker) PublishDeadLetter(ctx context.Context, orgID string, body []byte) error {
	headers := amqp.Table{}
	InjectTrace(ctx, headers)

	err := b.ch.PublishWithContext(ctx,
		DeadLetterExchange(orgID), "",
		false, false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish dead letter for org %s: %w", orgID, err)
	}
	return nil
}

// PublishResponse delivers a result payload to an agent's response queue.
func (b *Broker) PublishResponse(ctx context.Context, orgID, agentID string, body []byte) error {
	headers := amqp.Table{}
	InjectTrace(ctx, headers)

	err := b.ch.PublishWithContext(ctx,
		"", ResponseQueue(orgID, agentID),
		false, false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish response for agent %s: %w", agentID, err)
	}
	return nil
}
