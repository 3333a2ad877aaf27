package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"tranchefund/native/fund"
)

// Settler settles every epoch that is due, up to max per call.
type Settler interface {
	SettleDue(ctx context.Context, max int) ([]fund.SettleResult, error)
}

// Scheduler triggers settlement on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	settler    Settler
	maxCatchUp int
	logger     *slog.Logger
	ctx        context.Context

	mu      sync.Mutex
	lastErr error
	runs    uint64
}

// New creates a scheduler. The context bounds every job run. A maxCatchUp
// of zero settles every due epoch in one run.
func New(ctx context.Context, settler Settler, maxCatchUp int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxCatchUp < 0 {
		maxCatchUp = 0
	}
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		settler:    settler,
		maxCatchUp: maxCatchUp,
		logger:     logger,
		ctx:        ctx,
	}
}

// Register installs the settlement job on schedule, a six field cron
// expression with seconds.
func (s *Scheduler) Register(schedule string) error {
	if s.settler == nil {
		return fmt.Errorf("settler required")
	}
	if _, err := s.cron.AddFunc(schedule, s.settleTask); err != nil {
		return fmt.Errorf("register settlement task: %w", err)
	}
	return nil
}

// AddJob registers an auxiliary job such as sample pruning.
func (s *Scheduler) AddJob(schedule, name string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := job(s.ctx); err != nil {
			s.logger.Warn("scheduled job failed", slog.String("job", name), slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("register %s task: %w", name, err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow settles immediately, used on start and by manual triggers.
func (s *Scheduler) RunNow() ([]fund.SettleResult, error) {
	return s.run()
}

// LastError reports the outcome of the most recent run.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Runs reports how many settlement runs completed.
func (s *Scheduler) Runs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) settleTask() {
	_, _ = s.run()
}

func (s *Scheduler) run() ([]fund.SettleResult, error) {
	results, err := s.settler.SettleDue(s.ctx, s.maxCatchUp)
	s.mu.Lock()
	s.runs++
	s.lastErr = err
	s.mu.Unlock()
	switch {
	case err == nil:
		if len(results) > 0 {
			last := results[len(results)-1]
			s.logger.Info("settled epochs", slog.Int("count", len(results)), slog.Uint64("last_day", last.Day))
		}
	case fund.IsTransient(err):
		s.logger.Info("settlement deferred", slog.Int("settled", len(results)), slog.Any("reason", err))
	default:
		s.logger.Error("settlement failed", slog.Int("settled", len(results)), slog.Any("error", err))
	}
	return results, err
}
