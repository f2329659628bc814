// Package replay republishes dead-lettered messages back onto their
// organization's request queue. Selection is explicit and bounded: an
// operator names the organization and optional filters, previews the
// candidates with a dry run, and only then republishes. A replayed message
// re-enters the pipeline as fresh work with its retry budget restored.
package replay

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
	"github.com/fastyrai/turingagents/pkg/schema"
)

// Filter bounds the DLQ rows considered for replay. OrgID is mandatory; the
// rest narrow the selection.
type Filter struct {
	OrgID string
	Type  schema.MessageType
	Since time.Time
	Until time.Time
	Limit int
}

// Store reads and updates persisted DLQ rows.
type Store interface {
	// SelectReplayable returns rows matching the filter that are replayable
	// and have not been replayed before, oldest first.
	SelectReplayable(ctx context.Context, f Filter) ([]*audit.DLQMessage, error)
	// MarkReplayed stamps a row so it is never selected again.
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// Publisher is the transport surface for republishing. *broker.Broker
// satisfies it.
type Publisher interface {
	PublishRequest(ctx context.Context, orgID string, body []byte, priority uint8) error
}

type Options struct {
	// DryRun reports the candidates without publishing anything.
	DryRun bool
	// Priority, when set, overrides the priority of every replayed message.
	Priority *dispatch.Priority
	Logger   *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = logrus.NewEntry(l)
	}
}

// Report summarizes one replay run.
type Report struct {
	Candidates int
	Replayed   int
	Skipped    int
}

type Tool struct {
	store Store
	pub   Publisher
	sink  audit.Sink
	m     *metrics.Metrics
}

func New(store Store, pub Publisher, sink audit.Sink) *Tool {
	return &Tool{
		store: store,
		pub:   pub,
		sink:  sink,
		m:     metrics.Get(),
	}
}

// Run selects the matching DLQ rows and, unless opts.DryRun is set,
// republishes each one with its retry count reset and its origin recorded in
// metadata. Rows whose stored payload no longer decodes are skipped and
// counted; they stay in the DLQ.
func (t *Tool) Run(ctx context.Context, f Filter, opts Options) (Report, error) {
	opts.setDefaults()
	var rep Report

	if f.OrgID == "" {
		return rep, fmt.Errorf("replay: organization is required")
	}

	rows, err := t.store.SelectReplayable(ctx, f)
	if err != nil {
		return rep, fmt.Errorf("select replayable: %w", err)
	}
	rep.Candidates = len(rows)

	if opts.DryRun {
		return rep, nil
	}

	for _, row := range rows {
		msg, err := decode(row)
		if err != nil {
			rep.Skipped++
			opts.Logger.WithError(err).WithField("dlq_id", row.ID).Warn("replay: stored payload undecodable, skipped")
			continue
		}

		msg.RetryCount = 0
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any)
		}
		msg.Metadata["replayed_from"] = row.ID
		msg.Metadata["replayed_at"] = time.Now().UTC().Format(time.RFC3339)

		priority := dispatch.Priority(msg.Priority)
		if opts.Priority != nil {
			priority = *opts.Priority
			msg.Priority = int(priority)
		}
		if !priority.Valid() {
			priority = dispatch.P2
			msg.Priority = int(priority)
		}

		body, err := json.Marshal(msg)
		if err != nil {
			rep.Skipped++
			opts.Logger.WithError(err).WithField("dlq_id", row.ID).Warn("replay: re-encode failed, skipped")
			continue
		}
		if err := t.pub.PublishRequest(ctx, f.OrgID, body, priority.Transport()); err != nil {
			return rep, fmt.Errorf("republish %s: %w", row.ID, err)
		}

		now := time.Now().UTC()
		if err := t.store.MarkReplayed(ctx, row.ID, now); err != nil {
			// The message is already back on the queue; an unmarked row means
			// a later run may replay it again, which dedup absorbs.
			opts.Logger.WithError(err).WithField("dlq_id", row.ID).Warn("replay: failed to mark row replayed")
		}

		_ = t.sink.RecordMessageEvent(ctx, &audit.MessageEvent{
			ID:        uuid.NewString(),
			MessageID: msg.MessageID,
			OrgID:     f.OrgID,
			EventType: dispatch.EventReplayed,
			Details: map[string]any{
				"dlq_id":   row.ID,
				"priority": int(priority),
			},
			CreatedAt: now,
		})
		t.m.ReplayedTotal.WithLabelValues(f.OrgID).Inc()
		rep.Replayed++

		opts.Logger.WithFields(logrus.Fields{
			"dlq_id":     row.ID,
			"message_id": msg.MessageID,
			"priority":   int(priority),
		}).Info("replay: message republished")
	}

	return rep, nil
}

func decode(row *audit.DLQMessage) (*schema.RequestMessage, error) {
	var msg schema.RequestMessage
	if err := json.Unmarshal(row.OriginalMessage, &msg); err != nil {
		return nil, err
	}
	if msg.MessageID == "" {
		return nil, fmt.Errorf("stored payload has no message id")
	}
	return &msg, nil
}
