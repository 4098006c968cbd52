package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = 30 * time.Second

var errMissingReconciler = errors.New("syncer: reconciler is required")

// reconcileRunner is the slice of Reconciler the scheduler drives.
type reconcileRunner interface {
	Reconcile(ctx context.Context) error
}

// SchedulerConfig describes the background sync cadence.
type SchedulerConfig struct {
	Reconciler reconcileRunner
	Interval   time.Duration
	Logger     *zap.Logger
}

// Scheduler owns the reconciliation cadence: a recurring timer plus
// explicit wake signals (connectivity regained, user pressed sync). The
// reconciler itself holds no timer, so tests can drive passes directly.
type Scheduler struct {
	reconciler reconcileRunner
	interval   time.Duration
	logger     *zap.Logger

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewScheduler validates the configuration and constructs the scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}, nil
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.run(loopCtx, s.done)
}

// Stop cancels the loop and waits for the in-progress pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

// TriggerSyncNow requests an immediate pass. Signals arriving while a pass
// is already queued coalesce into one.
func (s *Scheduler) TriggerSyncNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		if err := s.reconciler.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("reconciliation pass failed", zap.Error(err))
		}
	}
}
