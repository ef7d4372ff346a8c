package order

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Runner is one reconciliation pass. *Engine satisfies it.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Scheduler fires the reconciliation pass every interval. A tick that comes due while
// the previous pass is still running is skipped rather than run concurrently.
type Scheduler struct {
	scheduler gocron.Scheduler
	runner    Runner
	interval  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(runner Runner, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		scheduler: scheduler,
		runner:    runner,
		interval:  interval,
		logger:    logger.Named("scheduler"),
	}, nil
}

// Start registers the reconciliation job and starts ticking. Passes run under ctx
// until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.tick(runCtx)
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("payment-reconcile"),
	)
	if err != nil {
		return err
	}
	s.scheduler.Start()
	s.logger.Info("reconciliation scheduled", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.Run(ctx); err != nil {
		// the next tick retries from scratch
		s.logger.Error("reconciliation pass failed", zap.Error(err))
	}
}

// Stop cancels an in-flight pass and waits for it to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	return s.scheduler.Shutdown()
}
