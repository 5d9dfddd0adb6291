// Package ratelimit admits or delays per-session sends so that the
// configured hour/day ceilings and anti-abuse cooldowns are honored.
//
// Counters are approximate by design: a window resets on the first
// activity after it expires rather than rolling. The thresholds are
// applied before admission, so the ceilings themselves are never
// exceeded.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/store"
)

// jitterFrac is the multiplicative jitter applied to the adaptive delay.
const jitterFrac = 0.2

// BucketStore is the slice of the persistence gateway the limiter
// needs. *store.Store satisfies it.
type BucketStore interface {
	WithRateBucket(ctx context.Context, sessionID string, fn func(b *store.RateBucket) error) (*store.RateBucket, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	CanSend bool
	// Delay is how long the caller should wait: the adaptive pacing
	// delay when admitted, or the time until the limit clears when
	// denied.
	Delay  time.Duration
	Reason string
}

// Limiter is the per-session send governor.
type Limiter struct {
	buckets BucketStore
	clock   gateway.Clock
	rng     gateway.RNG

	perHour  int
	perDay   int
	minDelay time.Duration
	maxDelay time.Duration

	cooldownAfter    int
	cooldownDuration time.Duration
}

// New builds a Limiter from the configured envelope.
func New(buckets BucketStore, cfg config.RateLimitConfig, clock gateway.Clock, rng gateway.RNG) *Limiter {
	return &Limiter{
		buckets:          buckets,
		clock:            clock,
		rng:              rng,
		perHour:          cfg.MessagesPerHour,
		perDay:           cfg.MessagesPerDay,
		minDelay:         time.Duration(cfg.MinDelayMs) * time.Millisecond,
		maxDelay:         time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		cooldownAfter:    cfg.CooldownAfterMessages,
		cooldownDuration: time.Duration(cfg.CooldownDurationMs) * time.Millisecond,
	}
}

// Check refreshes the session's counters and decides whether a send is
// admitted right now. Admitted sends carry an adaptive delay that grows
// with hourly usage; denied sends carry the wait until the limit clears.
func (l *Limiter) Check(ctx context.Context, sessionID string) (Decision, error) {
	var d Decision
	_, err := l.buckets.WithRateBucket(ctx, sessionID, func(b *store.RateBucket) error {
		now := l.clock.Now()
		l.refresh(b, now)

		switch {
		case b.CooldownUntil != nil && b.CooldownUntil.After(now):
			d = Decision{
				CanSend: false,
				Delay:   b.CooldownUntil.Sub(now),
				Reason:  "rate limit cooldown active",
			}
		case l.perHour > 0 && b.HourCount >= l.perHour:
			d = Decision{
				CanSend: false,
				Delay:   time.Hour,
				Reason:  fmt.Sprintf("rate limit: hourly ceiling of %d reached", l.perHour),
			}
		case l.perDay > 0 && b.DayCount >= l.perDay:
			d = Decision{
				CanSend: false,
				Delay:   24 * time.Hour,
				Reason:  fmt.Sprintf("rate limit: daily ceiling of %d reached", l.perDay),
			}
		default:
			d = Decision{CanSend: true, Delay: l.adaptiveDelay(b.HourCount)}
		}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	return d, nil
}

// RecordSent counts a completed send and arms the cooldown once the
// configured volume is reached.
func (l *Limiter) RecordSent(ctx context.Context, sessionID string) error {
	_, err := l.buckets.WithRateBucket(ctx, sessionID, func(b *store.RateBucket) error {
		now := l.clock.Now()
		l.refresh(b, now)

		b.HourCount++
		b.DayCount++
		b.LastSentAt = &now

		if l.cooldownAfter > 0 && b.HourCount >= l.cooldownAfter {
			until := now.Add(l.cooldownDuration)
			b.CooldownUntil = &until
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}

// Err converts a denial into the canonical rate-limited error.
func (d Decision) Err() error {
	if d.CanSend {
		return nil
	}
	return fmt.Errorf("%s (retry in %s): %w", d.Reason, d.Delay.Round(time.Second), gateway.ErrRateLimited)
}

// refresh zeroes expired windows and clears elapsed cooldowns.
func (l *Limiter) refresh(b *store.RateBucket, now time.Time) {
	if b.LastSentAt != nil {
		idle := now.Sub(*b.LastSentAt)
		if idle >= time.Hour {
			b.HourCount = 0
		}
		if idle >= 24*time.Hour {
			b.DayCount = 0
		}
	}
	if b.CooldownUntil != nil && !b.CooldownUntil.After(now) {
		b.CooldownUntil = nil
	}
}

// adaptiveDelay scales from minDelay toward maxDelay as the hourly
// budget is consumed, with ±20% jitter, clamped to the envelope.
func (l *Limiter) adaptiveDelay(hourCount int) time.Duration {
	base := l.minDelay
	if l.perHour > 0 {
		frac := float64(hourCount) / float64(l.perHour)
		base = l.minDelay + time.Duration(frac*float64(l.maxDelay-l.minDelay))
	}
	d := gateway.Jitter(base, jitterFrac, l.rng)
	if d < l.minDelay {
		d = l.minDelay
	}
	if d > l.maxDelay {
		d = l.maxDelay
	}
	return d
}
