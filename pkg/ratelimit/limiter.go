// Package ratelimit provides two-level token-bucket admission control for
// message submission: an organization-wide bucket followed by a per-user
// bucket. Buckets refill continuously in proportion to elapsed time and are
// capped at a configured burst size.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fastyrai/turingagents/pkg/metrics"
)

type Config struct {
	// OrgRate/UserRate are tokens per second. A non-positive rate disables
	// that level entirely.
	OrgRate   float64
	OrgBurst  int
	UserRate  float64
	UserBurst int
}

// Limiter suspends callers until both the organization and the user bucket
// have a token available. It is safe for concurrent use.
type Limiter struct {
	cfg Config

	mu   sync.Mutex
	orgs map[string]*rate.Limiter
	// users keyed by "org\x00user" so identical user ids in different
	// organizations get independent buckets.
	users map[string]*rate.Limiter

	m *metrics.Metrics
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:   cfg,
		orgs:  make(map[string]*rate.Limiter),
		users: make(map[string]*rate.Limiter),
		m:     metrics.Get(),
	}
}

// Enabled reports whether any level of limiting is active.
func (l *Limiter) Enabled() bool {
	return l.cfg.OrgRate > 0 || l.cfg.UserRate > 0
}

// Acquire blocks until one token is available at each enabled level, or the
// context is canceled. The organization bucket is consulted first.
func (l *Limiter) Acquire(ctx context.Context, orgID, userID string) error {
	if !l.Enabled() {
		return nil
	}

	start := time.Now()

	if l.cfg.OrgRate > 0 {
		if err := l.orgLimiter(orgID).Wait(ctx); err != nil {
			return err
		}
	}
	if l.cfg.UserRate > 0 && userID != "" {
		if err := l.userLimiter(orgID, userID).Wait(ctx); err != nil {
			return err
		}
	}

	l.m.RateLimitWait.WithLabelValues(orgID).Observe(time.Since(start).Seconds())
	return nil
}

func (l *Limiter) orgLimiter(orgID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.orgs[orgID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.OrgRate), l.cfg.OrgBurst)
		l.orgs[orgID] = lim
	}
	return lim
}

func (l *Limiter) userLimiter(orgID, userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := orgID + "\x00" + userID
	lim, ok := l.users[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.UserRate), l.cfg.UserBurst)
		l.users[key] = lim
	}
	return lim
}
