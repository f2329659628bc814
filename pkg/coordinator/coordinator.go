// Package coordinator fans agent response queues into per-agent Go channels
// for in-process consumers. One coordinator holds one broker connection and
// any number of agent subscriptions; delivery into a subscriber channel is
// best-effort so one stalled consumer cannot back up the broker.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/fastyrai/turingagents/pkg/metrics"
	"github.com/fastyrai/turingagents/pkg/schema"
)

// Source is the consume surface the coordinator needs. *broker.Broker
// satisfies it.
type Source interface {
	DeclareAgentQueue(orgID, agentID string) error
	ConsumeResponses(orgID, agentID string) (*amqp.Channel, <-chan amqp.Delivery, error)
}

type Options struct {
	OrgID      string
	BufferSize int
	Logger     *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = logrus.NewEntry(l)
	}
}

type subscription struct {
	out chan *schema.ResponseMessage
	ch  *amqp.Channel
}

type Coordinator struct {
	src  Source
	opts Options
	m    *metrics.Metrics

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

func New(src Source, opts Options) *Coordinator {
	opts.setDefaults()
	return &Coordinator{
		src:  src,
		opts: opts,
		m:    metrics.Get(),
		subs: make(map[string]*subscription),
	}
}

// Subscribe declares the agent's response queue and starts pumping its
// deliveries into the returned channel. Subscribing the same agent twice
// returns the same channel. The channel closes when ctx is cancelled, the
// queue consumer stops, or the coordinator is closed.
func (c *Coordinator) Subscribe(ctx context.Context, agentID string) (<-chan *schema.ResponseMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("coordinator closed")
	}
	if sub, ok := c.subs[agentID]; ok {
		return sub.out, nil
	}

	if err := c.src.DeclareAgentQueue(c.opts.OrgID, agentID); err != nil {
		return nil, err
	}
	ch, deliveries, err := c.src.ConsumeResponses(c.opts.OrgID, agentID)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		out: make(chan *schema.ResponseMessage, c.opts.BufferSize),
		ch:  ch,
	}
	c.subs[agentID] = sub

	c.wg.Add(1)
	go c.pump(ctx, agentID, deliveries, sub.out)

	c.opts.Logger.WithFields(logrus.Fields{
		"org_id":   c.opts.OrgID,
		"agent_id": agentID,
	}).Info("coordinator: agent subscribed")
	return sub.out, nil
}

// Responses returns the channel of an existing subscription, or nil.
func (c *Coordinator) Responses(agentID string) <-chan *schema.ResponseMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[agentID]; ok {
		return sub.out
	}
	return nil
}

func (c *Coordinator) pump(ctx context.Context, agentID string, deliveries <-chan amqp.Delivery, out chan<- *schema.ResponseMessage) {
	defer c.wg.Done()
	defer close(out)

	log := c.opts.Logger.WithField("agent_id", agentID)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var res schema.ResponseMessage
			if err := json.Unmarshal(d.Body, &res); err != nil {
				log.WithError(err).Warn("coordinator: undecodable response dropped")
				c.ack(d, log)
				continue
			}

			c.m.ResponsesTotal.WithLabelValues(agentID, res.Type).Inc()
			select {
			case out <- &res:
			default:
				// The subscriber is not keeping up; responses are advisory,
				// the audit trail remains the source of truth.
				log.WithField("request_id", res.RequestID).Warn("coordinator: subscriber channel full, response dropped")
			}
			c.ack(d, log)
		}
	}
}

func (c *Coordinator) ack(d amqp.Delivery, log *logrus.Entry) {
	if d.Acknowledger == nil {
		return
	}
	if err := d.Ack(false); err != nil {
		log.WithError(err).Warn("coordinator: ack failed")
	}
}

// Close stops every subscription's consumer channel and waits for the pumps
// to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.ch != nil {
			_ = sub.ch.Close()
		}
	}
	c.wg.Wait()
}
