// Package worker implements the consumer side of the dispatch core: it pulls
// deliveries from an organization's request queue, deduplicates them, routes
// them to typed handlers and applies the retry, dead-letter and poison
// quarantine rules to failures. Every delivery is acked exactly once after
// its disposition is decided; messages are never requeued at the transport
// level.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/fastyrai/turingagents/pkg/audit"
	"github.com/fastyrai/turingagents/pkg/broker"
	"github.com/fastyrai/turingagents/pkg/dispatch"
	"github.com/fastyrai/turingagents/pkg/idempotency"
	"github.com/fastyrai/turingagents/pkg/metrics"
	"github.com/fastyrai/turingagents/pkg/schema"
)

// Transport is the publish surface the worker needs for retries, dead
// letters and responses. *broker.Broker satisfies it.
type Transport interface {
	PublishDelay(ctx context.Context, orgID string, body []byte, delay time.Duration, priority uint8) error
	PublishDeadLetter(ctx context.Context, orgID string, body []byte) error
	PublishResponse(ctx context.Context, orgID, agentID string, body []byte) error
}

type Options struct {
	OrgID           string
	Concurrency     int64
	Prefetch        int
	PoisonThreshold int64
	DefaultAgentID  string
	Policy          dispatch.RetryPolicy
	Logger          *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Prefetch <= 0 {
		o.Prefetch = int(o.Concurrency) * 2
	}
	if o.PoisonThreshold <= 0 {
		o.PoisonThreshold = 3
	}
	if o.DefaultAgentID == "" {
		o.DefaultAgentID = "system"
	}
	if len(o.Policy.Ladder) == 0 {
		o.Policy = dispatch.NewRetryPolicy(nil)
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = logrus.NewEntry(l)
	}
}

type Worker struct {
	transport Transport
	store     idempotency.Store
	poison    idempotency.PoisonCounter
	sink      audit.Sink
	registry  *Registry
	opts      Options
	sem       *semaphore.Weighted
	m         *metrics.Metrics
}

func New(transport Transport, store idempotency.Store, poison idempotency.PoisonCounter, sink audit.Sink, registry *Registry, opts Options) *Worker {
	opts.setDefaults()
	return &Worker{
		transport: transport,
		store:     store,
		poison:    poison,
		sink:      sink,
		registry:  registry,
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.Concurrency),
		m:         metrics.Get(),
	}
}

// Run consumes the organization's request queue until ctx is cancelled or
// the delivery channel closes, then drains in-flight work. In-flight
// messages finish on an uncancelled context so a shutdown cannot corrupt a
// half-processed disposition; deliveries still unacked when the channel
// closes are redelivered by the broker.
func (w *Worker) Run(ctx context.Context, b *broker.Broker) error {
	ch, deliveries, err := b.ConsumeRequests(w.opts.OrgID, w.opts.Prefetch)
	if err != nil {
		return fmt.Errorf("consume requests for org %s: %w", w.opts.OrgID, err)
	}
	defer ch.Close()

	w.opts.Logger.WithFields(logrus.Fields{
		"org_id":      w.opts.OrgID,
		"concurrency": w.opts.Concurrency,
	}).Info("worker: consuming")

	base := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			w.drain(base)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				w.drain(base)
				return nil
			}
			if err := w.sem.Acquire(ctx, 1); err != nil {
				w.drain(base)
				return err
			}
			go func(d amqp.Delivery) {
				defer w.sem.Release(1)
				w.Process(broker.ExtractTrace(base, d.Headers), d.Body)
				if err := d.Ack(false); err != nil {
					w.opts.Logger.WithError(err).Warn("worker: ack failed")
				}
			}(d)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	if err := w.sem.Acquire(ctx, w.opts.Concurrency); err != nil {
		return
	}
	w.sem.Release(w.opts.Concurrency)
}

// Process runs the full disposition state machine for one delivery body. It
// never returns an error: by the time it returns, the message has reached
// exactly one outcome (completed, duplicate-skipped, retry scheduled,
// dead-lettered or quarantined) and the delivery can be acked.
func (w *Worker) Process(ctx context.Context, body []byte) {
	var msg schema.RequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		// An undecodable body can only come from a broken publisher. Park it
		// raw; it carries no dedup key and cannot be replayed.
		w.opts.Logger.WithError(err).Error("worker: undecodable delivery, dead-lettering")
		w.deadLetter(ctx, nil, body, dispatch.KindValidation, err)
		return
	}

	key := schema.DedupKey(&msg)
	log := w.opts.Logger.WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"org_id":     msg.OrgID,
		"type":       msg.Type,
	})
	w.recordEvent(ctx, &msg, dispatch.EventDequeued, map[string]any{"retry_count": msg.RetryCount})

	dup, err := w.store.CheckAndMark(ctx, msg.OrgID, key)
	if err != nil {
		// Fail open: one rare duplicate execution beats stalling the queue
		// behind an unavailable store.
		log.WithError(err).Warn("worker: idempotency check failed, assuming first delivery")
		dup = false
	}
	if dup {
		w.m.DuplicateTotal.WithLabelValues(msg.OrgID).Inc()
		w.recordEvent(ctx, &msg, dispatch.EventDuplicateSkipped, map[string]any{"dedup_key": key})
		w.upsertStatus(ctx, &msg, body, dispatch.StatusDuplicate)
		log.Debug("worker: duplicate delivery skipped")
		return
	}

	w.recordEvent(ctx, &msg, dispatch.EventProcessing, nil)
	w.upsertStatus(ctx, &msg, body, dispatch.StatusProcessing)

	start := time.Now()
	result, herr := w.registry.Resolve(msg.Type).Handle(ctx, &msg)
	if herr == nil {
		if err := w.respond(ctx, &msg, result); err != nil {
			// The work itself succeeded but the result is lost; the retry
			// will re-execute the handler, which at-least-once permits.
			herr = dispatch.Classify(dispatch.KindTransient, fmt.Errorf("publish response: %w", err))
		}
	}
	elapsed := time.Since(start)

	if herr == nil {
		w.m.ProcessedTotal.WithLabelValues(msg.OrgID, string(msg.Type), "completed").Inc()
		w.m.ProcessingLatency.WithLabelValues(msg.OrgID, string(msg.Type), "completed").Observe(elapsed.Seconds())
		w.recordEvent(ctx, &msg, dispatch.EventCompleted, map[string]any{"duration_ms": elapsed.Milliseconds()})
		w.upsertStatus(ctx, &msg, body, dispatch.StatusCompleted)
		return
	}

	w.m.ProcessingLatency.WithLabelValues(msg.OrgID, string(msg.Type), "failed").Observe(elapsed.Seconds())
	log.WithError(herr).Warn("worker: handler failed")
	w.fail(ctx, &msg, body, key, herr)
}

// fail applies the failure rules in order: release the idempotency mark so a
// redelivery is not skipped, count the failure against the poison threshold,
// then either quarantine, schedule a retry or dead-letter.
func (w *Worker) fail(ctx context.Context, msg *schema.RequestMessage, body []byte, key string, herr error) {
	if err := w.store.Unmark(ctx, msg.OrgID, key); err != nil {
		w.opts.Logger.WithError(err).WithField("message_id", msg.MessageID).Warn("worker: idempotency unmark failed")
	}
	w.recordEvent(ctx, msg, dispatch.EventFailed, map[string]any{"error": herr.Error()})

	count, err := w.poison.Incr(ctx, msg.OrgID, key)
	if err != nil {
		w.opts.Logger.WithError(err).WithField("message_id", msg.MessageID).Warn("worker: poison counter unavailable")
		count = 0
	}
	if count > w.opts.PoisonThreshold {
		w.m.PoisonTotal.WithLabelValues(msg.OrgID).Inc()
		w.m.ProcessedTotal.WithLabelValues(msg.OrgID, string(msg.Type), "quarantined").Inc()
		w.recordEvent(ctx, msg, dispatch.EventPoisonQuarantined, map[string]any{
			"failures":  count,
			"threshold": w.opts.PoisonThreshold,
		})
		w.upsertStatus(ctx, msg, body, dispatch.StatusQuarantined)
		w.opts.Logger.WithFields(logrus.Fields{
			"message_id": msg.MessageID,
			"org_id":     msg.OrgID,
			"failures":   count,
		}).Error("worker: poison pill quarantined")
		return
	}

	kind := dispatch.KindOf(herr)
	d := w.opts.Policy.Decide(dispatch.Priority(msg.Priority), msg.RetryCount, msg.MaxRetries, kind)
	if d.ShouldRetry && w.scheduleRetry(ctx, msg, d) {
		return
	}

	w.deadLetter(ctx, msg, body, kind, herr)
}

// scheduleRetry republishes the message through a delay queue with the
// incremented retry count and possibly demoted priority. Returns false when
// the publish fails, in which case the caller dead-letters instead of
// silently losing the message.
func (w *Worker) scheduleRetry(ctx context.Context, msg *schema.RequestMessage, d dispatch.Decision) bool {
	next := *msg
	next.RetryCount = d.NextRetryCount
	next.Priority = int(d.NextPriority)

	body, err := json.Marshal(&next)
	if err == nil {
		err = w.transport.PublishDelay(ctx, msg.OrgID, body, d.Delay, d.NextPriority.Transport())
	}
	if err != nil {
		w.opts.Logger.WithError(err).WithField("message_id", msg.MessageID).Error("worker: retry publish failed")
		return false
	}

	w.m.RetryTotal.WithLabelValues(msg.OrgID).Inc()
	w.m.ProcessedTotal.WithLabelValues(msg.OrgID, string(msg.Type), "retried").Inc()
	w.recordEvent(ctx, msg, dispatch.EventRetryScheduled, map[string]any{
		"delay_ms":      d.Delay.Milliseconds(),
		"retry_count":   d.NextRetryCount,
		"next_priority": int(d.NextPriority),
	})
	w.upsertStatus(ctx, msg, body, dispatch.StatusRetrying)
	return true
}

// deadLetter parks the message on the organization's DLQ and persists the
// matching audit row. msg is nil for undecodable bodies; those are not
// replayable because their dedup key and retry budget are unknowable.
func (w *Worker) deadLetter(ctx context.Context, msg *schema.RequestMessage, body []byte, kind dispatch.ErrorKind, cause error) {
	orgID := w.opts.OrgID
	canReplay := msg != nil && kind != dispatch.KindValidation
	if msg != nil {
		orgID = msg.OrgID
	}

	env := schema.DLQEnvelope{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		OriginalMessage: json.RawMessage(body),
		Error: schema.DLQError{
			Type:    string(kind),
			Message: cause.Error(),
		},
		CanReplay:    canReplay,
		DLQTimestamp: time.Now().UTC(),
	}
	envBody, err := json.Marshal(&env)
	if err == nil {
		err = w.transport.PublishDeadLetter(ctx, orgID, envBody)
	}
	if err != nil {
		w.opts.Logger.WithError(err).WithField("org_id", orgID).Error("worker: dead-letter publish failed")
	}

	_ = w.sink.RecordDLQMessage(ctx, &audit.DLQMessage{
		ID:              env.ID,
		OrgID:           orgID,
		OriginalMessage: json.RawMessage(body),
		ErrorType:       string(kind),
		ErrorMessage:    cause.Error(),
		CanReplay:       canReplay,
		DLQTimestamp:    env.DLQTimestamp,
	})
	w.m.DeadLetterTotal.WithLabelValues(orgID).Inc()

	if msg != nil {
		w.m.ProcessedTotal.WithLabelValues(orgID, string(msg.Type), "dead_lettered").Inc()
		w.recordEvent(ctx, msg, dispatch.EventDeadLetter, map[string]any{
			"dlq_id":     env.ID,
			"error_type": string(kind),
		})
		w.upsertStatus(ctx, msg, body, dispatch.StatusDeadLettered)
	}
}

// respond publishes the handler result to the agent's response queue,
// falling back to the configured default agent for messages without one.
func (w *Worker) respond(ctx context.Context, msg *schema.RequestMessage, result map[string]any) error {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = w.opts.DefaultAgentID
	}
	res := schema.ResponseMessage{
		RequestID:   msg.MessageID,
		Type:        string(msg.Type) + ".result",
		OrgID:       msg.OrgID,
		AgentID:     agentID,
		Result:      result,
		CompletedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(&res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return w.transport.PublishResponse(ctx, msg.OrgID, agentID, body)
}

func (w *Worker) recordEvent(ctx context.Context, msg *schema.RequestMessage, t dispatch.EventType, details map[string]any) {
	_ = w.sink.RecordMessageEvent(ctx, &audit.MessageEvent{
		ID:        uuid.NewString(),
		MessageID: msg.MessageID,
		OrgID:     msg.OrgID,
		EventType: t,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
}

func (w *Worker) upsertStatus(ctx context.Context, msg *schema.RequestMessage, body []byte, status dispatch.Status) {
	now := time.Now().UTC()
	_ = w.sink.UpsertMessage(ctx, &audit.MessageRecord{
		MessageID: msg.MessageID,
		OrgID:     msg.OrgID,
		AgentID:   msg.AgentID,
		Type:      msg.Type,
		Priority:  msg.Priority,
		Status:    status,
		Payload:   json.RawMessage(body),
		CreatedAt: msg.CreatedAt.UTC(),
		UpdatedAt: now,
	})
}
