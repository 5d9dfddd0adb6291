package ratelimit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/store"
)

// fakeClock is a settable clock; Sleep returns immediately.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time                                 { return c.t }
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }
func (c *fakeClock) advance(d time.Duration)                        { c.t = c.t.Add(d) }

// midRNG always returns 0.5, making jitter the identity.
type midRNG struct{}

func (midRNG) Float64() float64 { return 0.5 }
func (midRNG) Intn(n int) int   { return n / 2 }

func testLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *fakeClock) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	return New(s, cfg, clock, midRNG{}), clock
}

func baseConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		MessagesPerHour:       100,
		MessagesPerDay:        1000,
		MinDelayMs:            2000,
		MaxDelayMs:            5000,
		CooldownAfterMessages: 50,
		CooldownDurationMs:    300000,
	}
}

func TestHourlyCeiling(t *testing.T) {
	cfg := baseConfig()
	cfg.MessagesPerHour = 3
	cfg.CooldownAfterMessages = 100
	l, _ := testLimiter(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if !d.CanSend {
			t.Fatalf("send %d denied: %s", i+1, d.Reason)
		}
		if err := l.RecordSent(ctx, "s1"); err != nil {
			t.Fatal(err)
		}
	}

	d, err := l.Check(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if d.CanSend {
		t.Fatal("fourth send admitted past hourly ceiling")
	}
	if d.Delay != time.Hour {
		t.Errorf("denial delay = %v, want 1h", d.Delay)
	}
	if !strings.Contains(d.Reason, "rate limit") {
		t.Errorf("reason = %q, want it to mention the rate limit", d.Reason)
	}
	if !errors.Is(d.Err(), gateway.ErrRateLimited) {
		t.Errorf("Err() = %v, want ErrRateLimited", d.Err())
	}
}

func TestHourWindowResetsAfterIdle(t *testing.T) {
	cfg := baseConfig()
	cfg.MessagesPerHour = 1
	l, clock := testLimiter(t, cfg)
	ctx := context.Background()

	_ = l.RecordSent(ctx, "s1")
	if d, _ := l.Check(ctx, "s1"); d.CanSend {
		t.Fatal("second send admitted inside the hour")
	}

	clock.advance(61 * time.Minute)
	d, _ := l.Check(ctx, "s1")
	if !d.CanSend {
		t.Fatalf("send denied after window expiry: %s", d.Reason)
	}
}

func TestDailyCeilingOutlivesHourReset(t *testing.T) {
	cfg := baseConfig()
	cfg.MessagesPerHour = 10
	cfg.MessagesPerDay = 2
	cfg.CooldownAfterMessages = 100
	l, clock := testLimiter(t, cfg)
	ctx := context.Background()

	_ = l.RecordSent(ctx, "s1")
	_ = l.RecordSent(ctx, "s1")

	clock.advance(2 * time.Hour) // hour window resets, day window does not
	d, _ := l.Check(ctx, "s1")
	if d.CanSend {
		t.Fatal("send admitted past daily ceiling")
	}
	if d.Delay != 24*time.Hour {
		t.Errorf("denial delay = %v, want 24h", d.Delay)
	}
}

func TestCooldownArmsAndClears(t *testing.T) {
	cfg := baseConfig()
	cfg.CooldownAfterMessages = 2
	cfg.CooldownDurationMs = 60000
	l, clock := testLimiter(t, cfg)
	ctx := context.Background()

	_ = l.RecordSent(ctx, "s1")
	_ = l.RecordSent(ctx, "s1")

	d, _ := l.Check(ctx, "s1")
	if d.CanSend {
		t.Fatal("send admitted during cooldown")
	}
	if d.Delay <= 0 || d.Delay > time.Minute {
		t.Errorf("cooldown delay = %v, want (0, 1m]", d.Delay)
	}

	clock.advance(61 * time.Second)
	d, _ = l.Check(ctx, "s1")
	if !d.CanSend {
		t.Fatalf("send denied after cooldown elapsed: %s", d.Reason)
	}
}

func TestAdaptiveDelayGrowsWithUsage(t *testing.T) {
	cfg := baseConfig()
	l, _ := testLimiter(t, cfg)
	ctx := context.Background()

	fresh, _ := l.Check(ctx, "s1")
	if fresh.Delay != 2*time.Second {
		t.Errorf("fresh delay = %v, want minDelay 2s", fresh.Delay)
	}

	for i := 0; i < 40; i++ {
		_ = l.RecordSent(ctx, "s1")
	}
	loaded, _ := l.Check(ctx, "s1")
	if loaded.Delay <= fresh.Delay {
		t.Errorf("delay did not grow with usage: %v <= %v", loaded.Delay, fresh.Delay)
	}
	if loaded.Delay > 5*time.Second {
		t.Errorf("delay = %v exceeds maxDelay", loaded.Delay)
	}
}

func TestBucketsAreIndependentPerSession(t *testing.T) {
	cfg := baseConfig()
	cfg.MessagesPerHour = 1
	l, _ := testLimiter(t, cfg)
	ctx := context.Background()

	_ = l.RecordSent(ctx, "s1")
	if d, _ := l.Check(ctx, "s1"); d.CanSend {
		t.Error("s1 should be at its ceiling")
	}
	if d, _ := l.Check(ctx, "s2"); !d.CanSend {
		t.Error("s2 should be unaffected by s1's sends")
	}
}
