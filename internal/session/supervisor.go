package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/clalos/container-reader/internal/frame"
	"github.com/clalos/container-reader/internal/stream"
)

// Backoff configures automatic stream restarts.
type Backoff struct {
	// Base is the delay before the first restart, doubled for each
	// consecutive failure up to Max.
	Base time.Duration
	Max  time.Duration
	// MaxAttempts gives up after that many consecutive restarts. Zero
	// retries forever.
	MaxAttempts int

	// Breaker settings, applied per camera to open failures.
	BreakerFailures int64
	BreakerTimeout  time.Duration
}

// DefaultBackoff restarts after 1s, 2s, 4s, ... up to a minute, gives up
// after ten consecutive restarts and stops trying open for five minutes
// after five consecutive open failures.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:            time.Second,
		Max:             60 * time.Second,
		MaxAttempts:     10,
		BreakerFailures: 5,
		BreakerTimeout:  5 * time.Minute,
	}
}

// Delay is the wait before the attempt-th consecutive restart, with up to
// 25% jitter added.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Base
	for i := 1; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	if delay >= 4 {
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
	}
	return delay
}

type cameraRetry struct {
	attempts int
	breaker  *Breaker
	timer    *time.Timer
}

// Supervisor restarts streams that end with a terminal error while they are
// still wanted. Streams stopped through the registry are never revived.
type Supervisor struct {
	reg    *Registry
	bus    *stream.Bus
	policy Backoff
	logger *slog.Logger

	mu      sync.Mutex
	cameras map[string]*cameraRetry
}

// NewSupervisor watches bus for terminal errors of streams in reg.
func NewSupervisor(reg *Registry, bus *stream.Bus, policy Backoff, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		reg:     reg,
		bus:     bus,
		policy:  policy,
		logger:  logger,
		cameras: make(map[string]*cameraRetry),
	}
}

const supervisorSubscriber = "supervisor"

// Run handles error events until ctx is done or the bus closes.
func (s *Supervisor) Run(ctx context.Context) error {
	events, err := s.bus.Subscribe(supervisorSubscriber, 64, stream.KindError)
	if err != nil {
		return err
	}
	defer s.bus.Unsubscribe(supervisorSubscriber)
	defer s.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Terminal {
				s.handleTerminal(ctx, e)
			}
		}
	}
}

// Breaker returns the camera's circuit breaker, creating it on first use.
func (s *Supervisor) Breaker(camera string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry(camera).breaker
}

func (s *Supervisor) retry(camera string) *cameraRetry {
	r, ok := s.cameras[camera]
	if !ok {
		r = &cameraRetry{
			breaker: NewBreaker(s.policy.BreakerFailures, s.policy.BreakerTimeout, 1,
				s.logger.With("camera", camera)),
		}
		s.cameras[camera] = r
	}
	return r
}

func (s *Supervisor) handleTerminal(ctx context.Context, e stream.Event) {
	if !s.reg.Wanted(e.Camera) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.retry(e.Camera)

	var oe *frame.OpenError
	if errors.As(e.Err, &oe) {
		r.breaker.RecordFailure()
		r.attempts++
	} else {
		// The stream delivered frames before failing.
		r.breaker.RecordSuccess()
		r.attempts = 1
	}

	if s.policy.MaxAttempts > 0 && r.attempts > s.policy.MaxAttempts {
		s.logger.Error("Giving up on stream restarts",
			"camera", e.Camera,
			"attempts", r.attempts-1,
			"last_error", e.Err)
		return
	}

	delay := s.policy.Delay(r.attempts)
	if wait := r.breaker.RetryAfter(); wait > delay {
		delay = wait
	}
	s.logger.Info("Attempting stream restart",
		"camera", e.Camera,
		"attempt", r.attempts,
		"delay", delay,
		"breaker_state", r.breaker.State())

	if r.timer != nil {
		r.timer.Stop()
	}
	camera, staleID := e.Camera, e.WorkerID
	r.timer = time.AfterFunc(delay, func() { s.restart(ctx, camera, staleID) })
}

func (s *Supervisor) restart(ctx context.Context, camera, staleID string) {
	if ctx.Err() != nil {
		return
	}
	if err := s.Breaker(camera).Allow(); err != nil {
		s.logger.Warn("Stream restart blocked", "camera", camera, "error", err)
		s.mu.Lock()
		r := s.retry(camera)
		r.timer = time.AfterFunc(r.breaker.RetryAfter()+time.Millisecond, func() { s.restart(ctx, camera, staleID) })
		s.mu.Unlock()
		return
	}
	started, err := s.reg.Restart(camera, staleID)
	if err != nil {
		s.logger.Error("Stream restart failed", "camera", camera, "error", err)
		return
	}
	if started {
		s.logger.Info("Stream restarted", "camera", camera)
	}
}

func (s *Supervisor) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.cameras {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
}
