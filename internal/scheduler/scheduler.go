package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/queue"
)

// Store is the part of the Document Store the sweeper needs
type Store interface {
	ResetStale(ctx context.Context, staleBefore time.Time) (int64, error)
	DueForRetry(ctx context.Context, now, idleSince time.Time, limit int) ([]string, error)
	Lease(ctx context.Context, ids []string, until time.Time) error
}

// Report summarises one sweep
type Report struct {
	Reset    int64     `json:"reset"`
	Enqueued int       `json:"enqueued"`
	Due      int       `json:"due"`
	RanAt    time.Time `json:"ran_at"`
}

// Scheduler periodically re-enqueues documents whose retry time has come,
// documents the queue never took, and documents stuck in classifying after a crash.
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    config.SchedulerConfig
	store     Store
	queue     queue.Queue
	metrics   *metrics.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
	sweepMu   sync.Mutex
	last      Report
	now       func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg config.SchedulerConfig, store Store, q queue.Queue, m *metrics.Metrics) *Scheduler {
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = 1
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		config:  cfg,
		store:   store,
		queue:   q,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	// A stopped scheduler has a cancelled context.
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	schedule := fmt.Sprintf("0 */%d * * * *", s.config.IntervalMinutes)

	entryID, err := s.cron.AddFunc(schedule, s.sweep)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Retry sweeper started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler and waits for a running sweep
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()
	s.cron.Remove(s.entryID)
	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Retry sweeper stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Retry sweeper stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) sweep() {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.RunOnce(ctx); err != nil {
		logrus.WithError(err).Error("Retry sweep failed")
	}
}

// RunOnce runs one sweep now
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.now()
	report := Report{RanAt: now}
	s.metrics.SweeperRuns.Inc()

	idleSince := now.Add(-s.config.StaleAfter)
	reset, err := s.store.ResetStale(ctx, idleSince)
	if err != nil {
		return report, err
	}
	report.Reset = reset
	if reset > 0 {
		logrus.WithField("count", reset).Warn("Recovered documents stuck in classifying")
	}

	ids, err := s.store.DueForRetry(ctx, now, idleSince, s.config.BatchSize)
	if err != nil {
		return report, err
	}
	report.Due = len(ids)

	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			if errors.Is(err, queue.ErrFull) {
				logrus.WithField("remaining", len(ids)-report.Enqueued).Info("Queue full, leaving the rest for the next sweep")
				break
			}
			if err := s.store.Lease(ctx, ids[:report.Enqueued], now.Add(s.config.StaleAfter)); err != nil {
				logrus.WithError(err).Warn("Failed to lease enqueued documents")
			}
			s.recordRun(report)
			return report, fmt.Errorf("failed to enqueue %s: %w", id, err)
		}
		report.Enqueued++
	}
	s.metrics.SweeperEnqueued.Add(float64(report.Enqueued))

	// A worker claim ends the lease. Until then later sweeps leave these alone.
	if err := s.store.Lease(ctx, ids[:report.Enqueued], now.Add(s.config.StaleAfter)); err != nil {
		logrus.WithError(err).Warn("Failed to lease enqueued documents")
	}

	if report.Enqueued > 0 {
		logrus.WithFields(logrus.Fields{"enqueued": report.Enqueued, "due": report.Due}).Info("Retry sweep completed")
	}
	s.recordRun(report)
	return report, nil
}

func (s *Scheduler) recordRun(r Report) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

// LastReport returns the result of the most recent sweep
func (s *Scheduler) LastReport() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the time of the last run
func (s *Scheduler) GetLastRun() time.Time {
	return s.LastReport().RanAt
}

// Wait waits for running sweeps to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
