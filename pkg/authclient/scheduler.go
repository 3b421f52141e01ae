package authclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// scheduler owns at most one pending proactive refresh. Arming it again
// cancels whatever was pending first.
type scheduler struct {
	clock  clockwork.Clock
	logger *slog.Logger
	run    func(ctx context.Context)

	// base is cancelled when the client closes.
	base context.Context

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	next   time.Time
}

func newScheduler(base context.Context, clock clockwork.Clock, logger *slog.Logger, run func(context.Context)) *scheduler {
	return &scheduler{
		clock:  clock,
		logger: logger,
		run:    run,
		base:   base,
	}
}

// Schedule replaces any pending task with one that fires after delay.
func (s *scheduler) Schedule(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base.Err() != nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.next = s.clock.Now().Add(delay)

	// Create the timer before returning so a fake clock sees it immediately.
	timer := s.clock.NewTimer(delay)

	s.logger.Debug("Session refresh scheduled",
		"delay", delay,
		"at", s.next,
	)

	go s.wait(ctx, cancel, gen, timer)
}

func (s *scheduler) wait(ctx context.Context, cancel context.CancelFunc, gen uint64, timer clockwork.Timer) {
	defer cancel()

	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.Chan():
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.cancel = nil
	s.next = time.Time{}
	s.mu.Unlock()

	s.run(ctx)
}

// Stop cancels the pending task, if any.
func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.next = time.Time{}
}

// Armed reports whether a task is pending.
func (s *scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// NextRun returns when the pending task fires, or the zero time.
func (s *scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
