// Package maintenance runs the periodic housekeeping jobs: kicking
// scheduled campaigns when their time arrives and sweeping expired QR
// payloads off session rows.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/store"
)

// Store is the slice of the persistence gateway the jobs need.
type Store interface {
	DueScheduledCampaigns(ctx context.Context, asOf time.Time) ([]*store.Campaign, error)
	ClearExpiredQRCodes(ctx context.Context, asOf time.Time) (int64, error)
	PruneRateBuckets(ctx context.Context, before time.Time) (int64, error)
}

// Starter launches campaign execution; *broadcast.Service satisfies it.
type Starter interface {
	Start(ctx context.Context, campaignID int64) error
}

// jobTimeout bounds one housekeeping pass.
const jobTimeout = 30 * time.Second

// bucketIdleAge is how long a rate bucket may sit untouched before the
// nightly sweep removes it.
const bucketIdleAge = 7 * 24 * time.Hour

// Runner owns the cron schedule.
type Runner struct {
	store      Store
	broadcasts Starter
	clock      gateway.Clock
	logger     *slog.Logger
	cron       *cron.Cron
}

// New creates a Runner but does not start it.
func New(st Store, broadcasts Starter, clock gateway.Clock, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      st,
		broadcasts: broadcasts,
		clock:      clock,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start registers the jobs and begins the schedule. Scheduled
// campaigns are polled every minute; QR sweeps run every five.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc("* * * * *", r.kickDueCampaigns); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("*/5 * * * *", r.sweepExpiredQR); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("30 3 * * *", r.pruneRateBuckets); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("maintenance jobs scheduled")
	return nil
}

// Stop halts the schedule and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// kickDueCampaigns starts every scheduled campaign whose time has
// arrived. A campaign that fails to start is logged and retried on the
// next tick; the due query keeps returning it until it transitions.
func (r *Runner) kickDueCampaigns() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	due, err := r.store.DueScheduledCampaigns(ctx, r.clock.Now())
	if err != nil {
		r.logger.Error("due campaign query failed", "error", err)
		return
	}
	for _, c := range due {
		if err := r.broadcasts.Start(ctx, c.ID); err != nil {
			r.logger.Warn("scheduled campaign start failed",
				"campaign_id", c.ID,
				"session_id", c.SessionID,
				"error", err,
			)
			continue
		}
		r.logger.Info("scheduled campaign started",
			"campaign_id", c.ID,
			"name", c.Name,
		)
	}
}

func (r *Runner) sweepExpiredQR() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := r.store.ClearExpiredQRCodes(ctx, r.clock.Now())
	if err != nil {
		r.logger.Error("expired QR sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("expired QR payloads cleared", "count", n)
	}
}

func (r *Runner) pruneRateBuckets() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := r.store.PruneRateBuckets(ctx, r.clock.Now().Add(-bucketIdleAge))
	if err != nil {
		r.logger.Error("rate bucket prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("idle rate buckets pruned", "count", n)
	}
}
