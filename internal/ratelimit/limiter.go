// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/pagereach/chatflow-backend/internal/config"
	"github.com/pagereach/chatflow-backend/internal/kv"
)

type Tier string

const (
	TierPage      Tier = "page"
	TierWorkspace Tier = "workspace"
	TierContact   Tier = "contact"
	TierBulk      Tier = "bulk"
)

// Status is the outcome of a quota check. Reason is human-readable and
// names the exhausted tier, its limit and the reset time.
type Status struct {
	Allowed   bool      `json:"allowed"`
	Tier      Tier      `json:"tier"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Limiter enforces the multi-tier send quotas on TTL-windowed counters. The
// limit table is fixed at construction. Store failures fail open: a broken
// counter store never blocks a send.
type Limiter struct {
	store  kv.Store
	limits config.RateLimits
	now    func() time.Time
}

func New(store kv.Store, limits config.RateLimits) *Limiter {
	return &Limiter{store: store, limits: limits, now: time.Now}
}

func counterKey(tier Tier, id string) string {
	return fmt.Sprintf("ratelimit:%s:%s", tier, id)
}

func (l *Limiter) limitFor(tier Tier) (int, time.Duration) {
	switch tier {
	case TierPage:
		return l.limits.PagePerHour, time.Hour
	case TierWorkspace:
		return l.limits.WorkspacePerHour, time.Hour
	case TierContact:
		return l.limits.ContactPerMinute, time.Minute
	case TierBulk:
		return l.limits.BulkPerMinute, time.Minute
	}
	return 0, time.Minute
}

func (l *Limiter) failOpen(tier Tier, err error) Status {
	log.Printf("⚠️ rate limit store failure on %s tier, allowing request: %v", tier, err)
	limit, _ := l.limitFor(tier)
	return Status{Allowed: true, Tier: tier, Limit: limit, Remaining: limit}
}

func (l *Limiter) resetAt(ctx context.Context, key string, window time.Duration) time.Time {
	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return l.now().Add(window)
	}
	return l.now().Add(ttl)
}

func exceededReason(tier Tier, limit int, window time.Duration, resetAt time.Time) string {
	return fmt.Sprintf("%s limit of %d per %s reached, resets at %s",
		tier, limit, windowName(window), resetAt.Format(time.RFC3339))
}

func windowName(window time.Duration) string {
	if window == time.Hour {
		return "hour"
	}
	return "minute"
}

// Check is a read-only quota peek; it never mutates the counter.
func (l *Limiter) Check(ctx context.Context, tier Tier, id string) Status {
	limit, window := l.limitFor(tier)
	key := counterKey(tier, id)

	val, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return l.failOpen(tier, err)
	}

	var count int64
	if ok {
		count, _ = strconv.ParseInt(val, 10, 64)
	}

	resetAt := l.resetAt(ctx, key, window)
	st := Status{
		Tier:      tier,
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   resetAt,
	}
	st.Allowed = count < int64(limit)
	if !st.Allowed {
		st.Reason = exceededReason(tier, limit, window, resetAt)
	}
	return st
}

// IncrementAndCheck atomically bumps the counter. When the post-increment
// count exceeds the limit the increment is rolled back, so the stored count
// never exceeds the limit.
func (l *Limiter) IncrementAndCheck(ctx context.Context, tier Tier, id string, amount int64) Status {
	limit, window := l.limitFor(tier)
	key := counterKey(tier, id)

	count, err := l.store.IncrBy(ctx, key, amount)
	if err != nil {
		return l.failOpen(tier, err)
	}
	if count == amount {
		// First increment in this window starts the clock.
		if err := l.store.Expire(ctx, key, window); err != nil {
			log.Printf("⚠️ failed to set TTL on %s: %v", key, err)
		}
	}

	if count > int64(limit) {
		if _, err := l.store.DecrBy(ctx, key, amount); err != nil {
			log.Printf("⚠️ rollback failed on %s: %v", key, err)
		}
		resetAt := l.resetAt(ctx, key, window)
		return Status{
			Tier:    tier,
			Limit:   limit,
			ResetAt: resetAt,
			Reason:  exceededReason(tier, limit, window, resetAt),
		}
	}

	return Status{
		Allowed:   true,
		Tier:      tier,
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   l.resetAt(ctx, key, window),
	}
}

// ConsumeMessageQuota guards a single outbound message across the page,
// workspace and contact tiers. It peeks all three in parallel first; if any
// is already exhausted nothing is incremented. Only when all peeks pass does
// it perform the three increments.
func (l *Limiter) ConsumeMessageQuota(ctx context.Context, pageID, workspaceID, contactID int) Status {
	checks := []struct {
		tier Tier
		id   string
	}{
		{TierPage, strconv.Itoa(pageID)},
		{TierWorkspace, strconv.Itoa(workspaceID)},
		{TierContact, strconv.Itoa(contactID)},
	}

	peeks := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, tier Tier, id string) {
			defer wg.Done()
			peeks[i] = l.Check(ctx, tier, id)
		}(i, c.tier, c.id)
	}
	wg.Wait()

	for _, st := range peeks {
		if !st.Allowed {
			return st
		}
	}

	results := make([]Status, len(checks))
	for i, c := range checks {
		wg.Add(1)
		go func(i int, tier Tier, id string) {
			defer wg.Done()
			results[i] = l.IncrementAndCheck(ctx, tier, id, 1)
		}(i, c.tier, c.id)
	}
	wg.Wait()

	for _, st := range results {
		if !st.Allowed {
			return st
		}
	}
	return Status{Allowed: true}
}

// ConsumeBulkQuota charges a campaign launch against the bulk tier.
func (l *Limiter) ConsumeBulkQuota(ctx context.Context, campaignID int, amount int) Status {
	return l.IncrementAndCheck(ctx, TierBulk, strconv.Itoa(campaignID), int64(amount))
}
