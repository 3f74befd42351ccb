package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

// SchedulerConfig holds the settings of a background recompute loop.
type SchedulerConfig struct {
	// Interval between passes over the registry.
	Interval time.Duration
	// Timeout bounds each per-instance recompute.
	Timeout time.Duration
}

// DefaultSchedulerConfig returns a one minute interval with a five second
// per-instance timeout.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Minute,
		Timeout:  5 * time.Second,
	}
}

// RunStats counts the outcomes of one pass.
type RunStats struct {
	Recomputed int
	Conflicts  int
	Missing    int
	TimedOut   int
	Failed     int
}

// Scheduler periodically recomputes every live instance through
// Registry.Recompute, so it shares the per-instance serialization with
// client-triggered recomputes.
type Scheduler struct {
	reg   *Registry
	name  string
	fn    DeriveFunc
	cfg   SchedulerConfig
	log   *zap.Logger
	onRun func(RunStats)
	after func(context.Context, models.Instance)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a stopped scheduler. name is used for logging only.
func NewScheduler(reg *Registry, name string, fn DeriveFunc, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSchedulerConfig().Timeout
	}
	return &Scheduler{
		reg:  reg,
		name: name,
		fn:   fn,
		cfg:  cfg,
		log:  logger.With(zap.String("derivation", name)),
	}
}

// OnRun registers a hook called after every pass. Must be set before Start.
func (s *Scheduler) OnRun(fn func(RunStats)) {
	s.onRun = fn
}

// OnRecomputed registers a hook called with every instance the loop
// recomputed successfully. Must be set before Start.
func (s *Scheduler) OnRecomputed(fn func(context.Context, models.Instance)) {
	s.after = fn
}

var errSchedulerRunning = errors.New("scheduler already running")

// Start launches the loop. It runs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errSchedulerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.log.Info("recompute scheduler started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits for the running pass to finish. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("recompute scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass over all live instances.
func (s *Scheduler) RunOnce(ctx context.Context) RunStats {
	var stats RunStats
	for _, id := range s.reg.ListIDs() {
		if ctx.Err() != nil {
			break
		}
		ictx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		inst, err := s.reg.Recompute(ictx, id, s.fn)
		cancel()

		switch KindOf(err) {
		case KindNone:
			stats.Recomputed++
			if s.after != nil {
				s.after(ctx, inst)
			}
		case KindConflict:
			stats.Conflicts++
		case KindNotFound:
			stats.Missing++
		case KindTimeout:
			stats.TimedOut++
		case KindCanceled:
		default:
			stats.Failed++
			s.log.Warn("scheduled recompute failed", zap.String("id", id), zap.Error(err))
		}
	}

	s.log.Debug("recompute pass finished",
		zap.Int("recomputed", stats.Recomputed),
		zap.Int("conflicts", stats.Conflicts),
		zap.Int("timed_out", stats.TimedOut),
		zap.Int("failed", stats.Failed),
	)
	if s.onRun != nil {
		s.onRun(stats)
	}
	return stats
}
