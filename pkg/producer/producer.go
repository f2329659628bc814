// Package producer implements the submission path: schema validation, rate
// limiting, backpressure admission control, audit writes and the publish to
// the organization's request exchange.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fastyrai/turingagents/pkg/audit"
	"github.com/fastyrai/turingagents/pkg/dispatch"
	"github.com/fastyrai/turingagents/pkg/metrics"
	"github.com/fastyrai/turingagents/pkg/ratelimit"
	"github.com/fastyrai/turingagents/pkg/schema"
)

// Publisher is the transport surface the producer needs. *broker.Broker
// satisfies it.
type Publisher interface {
	PublishRequest(ctx context.Context, orgID string, body []byte, priority uint8) error
	QueueDepth(orgID string) (int64, error)
}

type Options struct {
	Thresholds dispatch.Thresholds
	Logger     *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = logrus.NewEntry(l)
	}
}

type Producer struct {
	pub     Publisher
	limiter *ratelimit.Limiter
	sink    audit.Sink
	opts    Options
	m       *metrics.Metrics
}

func New(pub Publisher, limiter *ratelimit.Limiter, sink audit.Sink, opts Options) *Producer {
	opts.setDefaults()
	return &Producer{
		pub:     pub,
		limiter: limiter,
		sink:    sink,
		opts:    opts,
		m:       metrics.Get(),
	}
}

// Submit validates, admits and publishes one work item at the given logical
// priority. Validation and throttle rejections are synchronous; nothing is
// queued for them. Rate limiting may suspend the caller until a token
// accrues.
func (p *Producer) Submit(ctx context.Context, msg *schema.RequestMessage, priority dispatch.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", schema.ErrValidation, priority)
	}
	msg.Priority = int(priority)

	if err := schema.Validate(msg); err != nil {
		return err
	}

	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx, msg.OrgID, msg.CreatedBy.ID); err != nil {
			return fmt.Errorf("rate limit acquire: %w", err)
		}
	}

	if mode := p.throttleMode(msg.OrgID); mode.Blocks(priority) {
		p.m.DroppedTotal.WithLabelValues(msg.OrgID, mode.String()).Inc()
		p.opts.Logger.WithFields(logrus.Fields{
			"org_id":     msg.OrgID,
			"message_id": msg.MessageID,
			"priority":   priority,
			"mode":       mode.String(),
		}).Warn("producer: submission shed by backpressure")
		return fmt.Errorf("%w: mode=%s priority=P%d", dispatch.ErrThrottled, mode, priority)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	now := time.Now().UTC()
	p.recordEvent(ctx, msg, dispatch.EventCreated, nil)
	p.recordEvent(ctx, msg, dispatch.EventEnqueued, map[string]any{"priority": int(priority)})
	_ = p.sink.UpsertMessage(ctx, &audit.MessageRecord{
		MessageID: msg.MessageID,
		OrgID:     msg.OrgID,
		AgentID:   msg.AgentID,
		Type:      msg.Type,
		Priority:  int(priority),
		Status:    dispatch.StatusQueued,
		Payload:   body,
		CreatedAt: now,
		UpdatedAt: now,
	})

	if err := p.pub.PublishRequest(ctx, msg.OrgID, body, priority.Transport()); err != nil {
		p.m.PublishTotal.WithLabelValues(msg.OrgID, "failure").Inc()
		// The QUEUED projection above is now wrong; compensate so operators
		// can reconcile from the event log.
		p.recordEvent(ctx, msg, dispatch.EventFailed, map[string]any{"error": err.Error(), "phase": "publish"})
		return err
	}

	p.m.PublishTotal.WithLabelValues(msg.OrgID, "success").Inc()
	return nil
}

// throttleMode measures queue depth and classifies it. Measurement failures
// fail open: no pressure.
func (p *Producer) throttleMode(orgID string) dispatch.ThrottleMode {
	depth, err := p.pub.QueueDepth(orgID)
	if err != nil {
		p.opts.Logger.WithError(err).WithField("org_id", orgID).Warn("producer: queue depth query failed, assuming no pressure")
		return dispatch.ThrottleNone
	}
	p.m.QueueDepth.WithLabelValues(orgID).Set(float64(depth))
	return dispatch.ClassifyDepth(depth, p.opts.Thresholds)
}

func (p *Producer) recordEvent(ctx context.Context, msg *schema.RequestMessage, t dispatch.EventType, details map[string]any) {
	_ = p.sink.RecordMessageEvent(ctx, &audit.MessageEvent{
		ID:        uuid.NewString(),
		MessageID: msg.MessageID,
		OrgID:     msg.OrgID,
		EventType: t,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
}
