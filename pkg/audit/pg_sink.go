package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PgSink persists lifecycle records in Postgres. All statements are
// idempotent by key so redeliveries and pipeline replays cannot corrupt the
// projection.
type PgSink struct {
	pool *pgxpool.Pool
}

func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

func (s *PgSink) UpsertMessage(ctx context.Context, rec *MessageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (message_id, org_id, agent_id, type, priority, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			updated_at = EXCLUDED.updated_at
	`, rec.MessageID, rec.OrgID, rec.AgentID, rec.Type, rec.Priority, rec.Status, rec.Payload, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to upsert message record")
	}
	return nil
}

func (s *PgSink) RecordMessageEvent(ctx context.Context, ev *MessageEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event details")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO message_events (id, message_id, org_id, event_type, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.MessageID, ev.OrgID, ev.EventType, details, ev.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert message event")
	}
	return nil
}

func (s *PgSink) RecordDLQMessage(ctx context.Context, entry *DLQMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dlq_messages (id, org_id, original_message, error_type, error_message, can_replay, dlq_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.OrgID, entry.OriginalMessage, entry.ErrorType, entry.ErrorMessage, entry.CanReplay, entry.DLQTimestamp)
	if err != nil {
		return errors.Wrap(err, "failed to insert dlq message")
	}
	return nil
}
