// Package poller runs bounded, timer-driven refresh loops.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/loopdeck/internal/logging"
)

// Poller errors.
var (
	ErrPollerAlreadyRunning = errors.New("poller already running")
	ErrPollerNotRunning     = errors.New("poller not running")
	ErrMaxAttempts          = errors.New("poll attempts exhausted")
	ErrStaleResponse        = errors.New("stale poll response")
)

// Config contains configuration for a poller.
type Config struct {
	// Name identifies the poller in logs.
	Name string

	// Interval is the delay between ticks.
	// Default: 900ms
	Interval time.Duration

	// MaxAttempts bounds the number of ticks per run. Zero means unbounded.
	// Default: 180
	MaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "poller",
		Interval:    900 * time.Millisecond,
		MaxAttempts: 180,
	}
}

// Task is one poll attempt. It returns done=true to end the run. The session
// identifies the run that issued the attempt; responses for older sessions
// should be discarded.
type Task func(ctx context.Context, session uint64) (done bool, err error)

// Result describes how a run ended.
type Result struct {
	Session  uint64
	Attempts int
	Err      error
}

// Poller calls a Task on a fixed interval until it reports done, the attempt
// budget is spent, or it is stopped. Ticks that arrive while the previous
// attempt is still in flight are skipped.
type Poller struct {
	config Config
	task   Task
	logger zerolog.Logger

	inFlight InFlight
	session  atomic.Uint64
	attempts atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	trigger chan struct{}
	wg      sync.WaitGroup

	// OnFinish is called once per run, after the loop exits.
	OnFinish func(Result)
}

// New creates a poller for task.
func New(config Config, task Task) *Poller {
	defaults := DefaultConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxAttempts < 0 {
		config.MaxAttempts = 0
	}

	return &Poller{
		config: config,
		task:   task,
		logger: logging.Component("poller").With().Str("poller", config.Name).Logger(),
	}
}

// Start begins a new run and returns its session id.
func (p *Poller) Start(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return 0, ErrPollerAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.trigger = make(chan struct{}, 1)
	p.attempts.Store(0)
	session := p.session.Add(1)

	p.logger.Debug().
		Uint64("session", session).
		Dur("interval", p.config.Interval).
		Int("max_attempts", p.config.MaxAttempts).
		Msg("poller starting")

	p.wg.Add(1)
	go p.runLoop(runCtx, session, p.trigger)

	return session, nil
}

// Stop halts the current run and waits for it to exit. Stopping advances the
// session, so responses from the stopped run become stale.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPollerNotRunning
	}
	p.cancel()
	p.running = false
	p.session.Add(1)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Restart stops any current run and starts a fresh one.
func (p *Poller) Restart(ctx context.Context) (uint64, error) {
	if err := p.Stop(); err != nil && !errors.Is(err, ErrPollerNotRunning) {
		return 0, err
	}
	return p.Start(ctx)
}

// IsRunning returns true if a run is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Current reports whether session is still the active run.
func (p *Poller) Current(session uint64) bool {
	return session == p.session.Load()
}

// Trigger requests an immediate tick. It is a no-op when not running or when
// a trigger is already queued.
func (p *Poller) Trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) runLoop(ctx context.Context, session uint64, trigger <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	result := Result{Session: session}
	defer func() {
		result.Attempts = int(p.attempts.Load())
		p.mu.Lock()
		if p.Current(session) {
			p.running = false
			p.cancel()
		}
		p.mu.Unlock()
		if p.OnFinish != nil {
			p.OnFinish(result)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return
		case <-ticker.C:
		case <-trigger:
		}

		if !p.inFlight.TryAcquire() {
			p.logger.Debug().Uint64("session", session).Msg("previous attempt still in flight, skipping tick")
			continue
		}
		attempt := p.attempts.Add(1)
		done, err := p.task(ctx, session)
		p.inFlight.Release()

		if err != nil {
			if ctx.Err() != nil {
				result.Err = ctx.Err()
				return
			}
			p.logger.Warn().Err(err).Uint64("session", session).Int64("attempt", attempt).Msg("poll attempt failed")
		}
		if done {
			return
		}
		if p.config.MaxAttempts > 0 && int(attempt) >= p.config.MaxAttempts {
			p.logger.Info().Uint64("session", session).Int64("attempts", attempt).Msg("poller gave up")
			result.Err = ErrMaxAttempts
			return
		}
	}
}

// InFlight is a per-call-site flag that prevents overlapping requests.
type InFlight struct {
	busy atomic.Bool
}

// TryAcquire marks the call site busy. It returns false if it already was.
func (f *InFlight) TryAcquire() bool {
	return f.busy.CompareAndSwap(false, true)
}

// Release clears the flag.
func (f *InFlight) Release() {
	f.busy.Store(false)
}

// Busy reports whether a call is in flight.
func (f *InFlight) Busy() bool {
	return f.busy.Load()
}
