// Package maintenance runs the background cleanup of idle client sessions and
// decayed capability tokens.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RagingGuard/video-share/internal/observability/metrics"
)

// FallbackWait is the pause after a failed cycle.
const FallbackWait = 60 * time.Second

// NextInterval picks the pause before the next cycle from the number of
// sessions that were live when the cycle started. Busy servers clean up more
// often; idle ones wake rarely.
func NextInterval(connections int) time.Duration {
	switch {
	case connections > 50:
		return 30 * time.Second
	case connections > 10:
		return 60 * time.Second
	case connections > 0:
		return 120 * time.Second
	default:
		return 300 * time.Second
	}
}

// Connections is the part of the connection registry a cycle touches.
type Connections interface {
	Len() int
	EvictExpired(now time.Time) int
}

// Tokens is the part of the token store a cycle touches.
type Tokens interface {
	Sweep(now time.Time) int
}

// Timer is a one-shot wake-up.
type Timer interface {
	C() <-chan time.Time
	Stop()
}

// TimerFactory creates a Timer firing after d.
type TimerFactory func(d time.Duration) Timer

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t realTimer) Stop() {
	t.timer.Stop()
}

func newRealTimer(d time.Duration) Timer {
	return realTimer{timer: time.NewTimer(d)}
}

// Config configures a Scheduler.
type Config struct {
	Connections Connections
	Tokens      Tokens
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Now         func() time.Time
	NewTimer    TimerFactory
}

// Scheduler drives maintenance cycles until its context ends.
type Scheduler struct {
	connections Connections
	tokens      Tokens
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
	newTimer    TimerFactory
}

// New constructs a Scheduler, applying defaults for optional fields.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		connections: cfg.Connections,
		tokens:      cfg.Tokens,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		newTimer:    cfg.NewTimer,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newTimer == nil {
		s.newTimer = newRealTimer
	}
	return s
}

// CycleResult summarises one cycle.
type CycleResult struct {
	Connections int
	Evicted     int
	Swept       int
	Next        time.Duration
}

// RunCycle evicts idle sessions then sweeps tokens. A panic in either step is
// recovered and returned as an error together with the fallback wait.
func (s *Scheduler) RunCycle() (result CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("maintenance cycle panicked: %v", r)
			result.Next = FallbackWait
		}
		s.metrics.MaintenanceCycle(err)
	}()

	now := s.now()
	if s.connections != nil {
		result.Connections = s.connections.Len()
		result.Evicted = s.connections.EvictExpired(now)
	}
	if s.tokens != nil {
		result.Swept = s.tokens.Sweep(now)
	}
	result.Next = NextInterval(result.Connections)
	return result, nil
}

// Run executes cycles until ctx is cancelled. Cycle failures are logged and
// never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		result, err := s.RunCycle()
		if err != nil {
			s.logger.Error("maintenance cycle failed", "error", err, "retry_in", result.Next.String())
		} else if result.Evicted > 0 || result.Swept > 0 {
			s.logger.Info("maintenance cycle completed",
				"connections", result.Connections,
				"evicted", result.Evicted,
				"swept_tokens", result.Swept,
				"next_in", result.Next.String())
		} else {
			s.logger.Debug("maintenance cycle completed", "connections", result.Connections, "next_in", result.Next.String())
		}

		timer := s.newTimer(result.Next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// Start runs the scheduler on its own goroutine. The returned function
// cancels it and waits for the loop to exit; calling it again is a no-op.
func (s *Scheduler) Start(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(workerCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
