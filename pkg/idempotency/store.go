// Package idempotency implements duplicate-delivery detection and
// poison-pill counting over a store shared by all worker processes. Both are
// keyed by (org_id, dedup_key) and rely on atomic check-and-set or increment
// so concurrent duplicate deliveries cannot race past each other.
package idempotency

import "context"

// Store detects duplicate deliveries of the same logical message.
type Store interface {
	// CheckAndMark atomically records the key and reports whether it already
	// existed. Exactly one of N concurrent calls for the same key observes
	// duplicate=false.
	CheckAndMark(ctx context.Context, orgID, dedupKey string) (duplicate bool, err error)
	// Unmark releases the key so a scheduled redelivery of failed work is
	// not skipped as a duplicate.
	Unmark(ctx context.Context, orgID, dedupKey string) error
}

// PoisonCounter tracks handler failures per logical message, independent of
// retry and redelivery cycles.
type PoisonCounter interface {
	// Incr adds one failure and returns the running total.
	Incr(ctx context.Context, orgID, dedupKey string) (int64, error)
}
