package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrRestartStorm reports that the gateway kept dying faster than the
// breaker allows and supervision gave up.
var ErrRestartStorm = errors.New("gateway restarting too fast, giving up")

// StartFunc launches one gateway run and returns a wait func that blocks
// until it exits, reporting the exit error (nil for a clean exit). In
// production this execs the gateway binary; tests substitute it.
type StartFunc func(ctx context.Context) (wait func() error, err error)

// Supervisor is the outer layer: it restarts the whole gateway process on
// abnormal exit, with a storm breaker so a crash loop cannot burn the host.
// Worker-level respawns inside the gateway never count here; this breaker
// only sees full-process exits.
type Supervisor struct {
	log *zap.Logger

	// Breaker: abort after MaxRestarts abnormal exits within Window.
	MaxRestarts int
	Window      time.Duration

	start StartFunc
	now   func() time.Time
}

// NewSupervisor builds a supervisor with the default 5-in-10s breaker.
func NewSupervisor(log *zap.Logger, start StartFunc) *Supervisor {
	return &Supervisor{
		log:         log,
		MaxRestarts: 5,
		Window:      10 * time.Second,
		start:       start,
		now:         time.Now,
	}
}

// Run supervises until the child exits cleanly, the context ends, or the
// breaker trips.
func (s *Supervisor) Run(ctx context.Context) error {
	var restarts []time.Time

	for {
		wait, err := s.start(ctx)
		if err != nil {
			return err
		}

		err = wait()
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			s.log.Info("gateway exited cleanly, not restarting")
			return nil
		}
		s.log.Error("gateway exited abnormally, restarting", zap.Error(err))

		now := s.now()
		restarts = append(restarts, now)
		// Only exits inside the window count toward the breaker.
		live := restarts[:0]
		for _, ts := range restarts {
			if now.Sub(ts) <= s.Window {
				live = append(live, ts)
			}
		}
		restarts = live
		if len(restarts) >= s.MaxRestarts {
			s.log.Error("restart storm detected",
				zap.Int("restarts", len(restarts)),
				zap.Duration("window", s.Window))
			return ErrRestartStorm
		}
	}
}
