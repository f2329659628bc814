package replay

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/fastyrai/turingagents/pkg/audit"
)

const defaultSelectLimit = 100

// PgStore reads DLQ rows from the audit schema in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) SelectReplayable(ctx context.Context, f Filter) ([]*audit.DLQMessage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSelectLimit
	}

	query := `
		SELECT id, org_id, original_message, error_type, error_message, can_replay, dlq_timestamp
		FROM dlq_messages
		WHERE org_id = $1
		  AND can_replay
		  AND replayed_at IS NULL
	`
	args := []any{f.OrgID}

	if f.Type != "" {
		args = append(args, string(f.Type))
		query += ` AND original_message->>'type' = $` + strconv.Itoa(len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += ` AND dlq_timestamp >= $` + strconv.Itoa(len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		query += ` AND dlq_timestamp <= $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY dlq_timestamp ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select replayable dlq rows")
	}
	defer rows.Close()

	var out []*audit.DLQMessage
	for rows.Next() {
		var entry audit.DLQMessage
		if err := rows.Scan(
			&entry.ID, &entry.OrgID, &entry.OriginalMessage,
			&entry.ErrorType, &entry.ErrorMessage,
			&entry.CanReplay, &entry.DLQTimestamp,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan dlq row")
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate dlq rows")
	}
	return out, nil
}

func (s *PgStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dlq_messages SET replayed_at = $2 WHERE id = $1 AND replayed_at IS NULL
	`, id, at)
	if err != nil {
		return errors.Wrap(err, "failed to mark dlq row replayed")
	}
	return nil
}
