package worker

import (
	"context"
	"time"

	"ledger-service/internal/domain"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// StaleSource lists events that have waited too long for a chain link.
type StaleSource interface {
	StaleUnchained(ctx context.Context, threshold time.Duration, limit int) ([]domain.Event, error)
}

type SweeperConfig struct {
	Interval  time.Duration
	Threshold time.Duration
	Batch     int
	Rate      float64
}

// Sweeper re-enqueues events left unchained past the backlog threshold, which
// covers dropped tasks, broker outages and crashed workers.
type Sweeper struct {
	source    StaleSource
	scheduler Scheduler
	lease     Lease
	limiter   *rate.Limiter
	cfg       SweeperConfig
	now       func() time.Time
}

func NewSweeper(source StaleSource, scheduler Scheduler, lease Lease, cfg SweeperConfig) *Sweeper {
	if lease == nil {
		lease = localLease{}
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 200
	}
	return &Sweeper{
		source:    source,
		scheduler: scheduler,
		lease:     lease,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Rate), int(cfg.Rate)+1),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.lease.Release(releaseCtx); err != nil {
			log.WithError(err).Warn("Failed to release sweeper lease")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Chain backlog sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns the number of tasks rescheduled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	held, err := s.lease.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	if !held {
		log.Debug("Sweeper lease held elsewhere, skipping")
		return 0, nil
	}

	stale, err := s.source.StaleUnchained(ctx, s.cfg.Threshold, s.cfg.Batch)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	log.WithFields(log.Fields{
		"unchained":       len(stale),
		"oldest_sequence": stale[0].Sequence,
		"oldest_age":      s.now().Sub(stale[0].CreatedAt).String(),
		"threshold":       s.cfg.Threshold.String(),
	}).Warn("Chain processing backlog above threshold")

	scheduled := 0
	for _, ev := range stale {
		if err := s.limiter.Wait(ctx); err != nil {
			return scheduled, err
		}
		task := domain.ChainTask{EventID: ev.ID, Sequence: ev.Sequence, ScheduledAt: s.now().UTC()}
		if err := s.scheduler.Schedule(ctx, task); err != nil {
			log.WithError(err).WithField("event_id", ev.ID).Warn("Failed to reschedule stale event")
			continue
		}
		scheduled++
	}
	return scheduled, nil
}
