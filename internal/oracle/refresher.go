package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

// DefaultSchedule refreshes the feed every 30 seconds.
const DefaultSchedule = "@every 30s"

// Refresher keeps a Feed current by running its Fetcher on a cron schedule.
type Refresher struct {
	feed     *Feed
	fetcher  Fetcher
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewRefresher creates a lifecycle-managed feed refresher.
func NewRefresher(feed *Feed, fetcher Fetcher, schedule string, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.NewDefault("oracle-refresher")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Refresher{feed: feed, fetcher: fetcher, schedule: schedule, log: log}
}

func (r *Refresher) Name() string { return "oracle-refresher" }

// Start registers the schedule and begins refreshing. An invalid schedule
// is reported here.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.Refresh(runCtx) }); err != nil {
		cancel()
		return err
	}
	c.Start()

	r.cron = c
	r.cancel = cancel
	r.running = true
	r.log.WithField("schedule", r.schedule).Info("oracle refresher started")
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c, cancel := r.cron, r.cancel
	r.running = false
	r.cron = nil
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	done := c.Stop()

	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("oracle refresher stopped")
	return nil
}

// Refresh fetches once and updates the feed. Failures keep the previous quote.
func (r *Refresher) Refresh(ctx context.Context) {
	if r.fetcher == nil || r.feed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	quote, err := r.fetcher.Fetch(ctx)
	if err != nil {
		r.log.WithError(err).Warn("oracle fetch failed")
		return
	}
	if err := r.feed.Update(quote); err != nil {
		r.log.WithError(err).WithField("source", quote.Source).Warn("oracle quote rejected")
		return
	}
	r.log.WithField("source", quote.Source).Debug("oracle quote updated")
}
