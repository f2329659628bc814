package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Naming scheme for the per-organization topology. Delay queues are keyed by
// their TTL in milliseconds so any backoff value the retry policy can produce
// maps to exactly one queue.
func RequestExchange(orgID string) string { return fmt.Sprintf("agents.%s.requests", orgID) }
func RequestQueue(orgID string) string    { return fmt.Sprintf("agents.%s.requests", orgID) }
func DeadLetterExchange(orgID string) string { return fmt.Sprintf("agents.%s.dlx", orgID) }
func DeadLetterQueue(orgID string) string    { return fmt.Sprintf("agents.%s.dlq", orgID) }
func ResponseQueue(orgID, agentID string) string {
	return fmt.Sprintf("agents.%s.responses.%s", orgID, agentID)
}
func DelayQueue(orgID string, delay time.Duration) string {
	return fmt.Sprintf("agents.%s.delay.%d", orgID, delay.Milliseconds())
}

const (
	requestRoutingKey = "request"
	// maxTransportPriority sizes the priority range on request queues; the
	// logical P0..P3 tiers map into it with headroom for operator overrides.
	maxTransportPriority = 10
)

// DeclareOrgTopology declares the request exchange and priority queue, one
// TTL delay queue per distinct backoff the retry policy can emit, and the
// dead-letter exchange/queue for an organization. Every declaration is
// idempotent and must complete before any publish or consume on the
// organization's queues.
func (b *Broker) DeclareOrgTopology(orgID string, delays []time.Duration) error {
	if err := b.ch.ExchangeDeclare(
		RequestExchange(orgID), "direct",
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("declare request exchange: %w", err)
	}

	if _, err := b.ch.QueueDeclare(
		RequestQueue(orgID),
		true, false, false, false,
		amqp.Table{"x-max-priority": int32(maxTransportPriority)},
	); err != nil {
		return fmt.Errorf("declare request queue: %w", err)
	}
	if err := b.ch.QueueBind(
		RequestQueue(orgID), requestRoutingKey, RequestExchange(orgID), false, nil,
	); err != nil {
		return fmt.Errorf("bind request queue: %w", err)
	}

	// Delay queues act as software timers: expired messages dead-letter back
	// into the request exchange.
	for _, delay := range dedupeDelays(delays) {
		if _, err := b.ch.QueueDeclare(
			DelayQueue(orgID, delay),
			true, false, false, false,
			amqp.Table{
				"x-message-ttl":             delay.Milliseconds(),
				"x-dead-letter-exchange":    RequestExchange(orgID),
				"x-dead-letter-routing-key": requestRoutingKey,
			},
		); err != nil {
			return fmt.Errorf("declare delay queue %s: %w", delay, err)
		}
	}

	if err := b.ch.ExchangeDeclare(
		DeadLetterExchange(orgID), "fanout",
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := b.ch.QueueDeclare(
		DeadLetterQueue(orgID),
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := b.ch.QueueBind(
		DeadLetterQueue(orgID), "", DeadLetterExchange(orgID), false, nil,
	); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	return nil
}

// DeclareAgentQueue declares the dedicated response queue for an agent.
func (b *Broker) DeclareAgentQueue(orgID, agentID string) error {
	if _, err := b.ch.QueueDeclare(
		ResponseQueue(orgID, agentID),
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("declare response queue for agent %s: %w", agentID, err)
	}
	return nil
}

func dedupeDelays(delays []time.Duration) []time.Duration {
	seen := make(map[time.Duration]struct{}, len(delays))
	out := make([]time.Duration, 0, len(delays))
	for _, d := range delays {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
