package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Options struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures int
	// MinBackoff and MaxBackoff bound the open period; it grows
	// exponentially across consecutive trips and resets on success.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Jitter is the randomization factor applied to each open period.
	Jitter float64
	// Now overrides the clock in tests.
	Now func() time.Time
	// OnStateChange is invoked with the lock released.
	OnStateChange func(from, to State)
}

// Breaker is a closed/open/half-open circuit breaker. While open, callers
// fail fast; once the open period lapses exactly one trial call is admitted.
type Breaker struct {
	mu        sync.Mutex
	opt       Options
	state     State
	failures  int
	openUntil time.Time
	probing   bool
	bo        *backoff.ExponentialBackOff
}

func New(opt Options) *Breaker {
	if opt.Failures <= 0 {
		opt.Failures = 1
	}
	if opt.MinBackoff <= 0 {
		opt.MinBackoff = 500 * time.Millisecond
	}
	if opt.MaxBackoff < opt.MinBackoff {
		opt.MaxBackoff = 30 * time.Second
		if opt.MaxBackoff < opt.MinBackoff {
			opt.MaxBackoff = opt.MinBackoff
		}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opt.MinBackoff
	bo.MaxInterval = opt.MaxBackoff
	bo.RandomizationFactor = opt.Jitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Breaker{opt: opt, bo: bo}
}

// Allow reports whether a call may proceed. It returns ErrOpen while open
// or while a half-open trial call is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from, to State
	changed := false
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(from, to)
		}
	}()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.opt.Now().Before(b.openUntil) {
			return ErrOpen
		}
		from, to, changed = Open, HalfOpen, true
		b.state = HalfOpen
		b.probing = true
		return nil
	default:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
}

// Success closes the circuit and resets the backoff sequence.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.bo.Reset()
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}

// Failure records a failed call; the circuit opens after Options.Failures
// consecutive failures, or immediately when a half-open trial call fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	trip := b.state == HalfOpen || (b.state == Closed && b.failures >= b.opt.Failures)
	if trip {
		b.state = Open
		b.probing = false
		b.failures = 0
		b.openUntil = b.opt.Now().Add(b.bo.NextBackOff())
	}
	b.mu.Unlock()
	if trip && from != Open {
		b.notify(from, Open)
	}
}

// Do runs fn when allowed and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns how long until the next trial call is admitted.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	d := b.openUntil.Sub(b.opt.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (b *Breaker) notify(from, to State) {
	if b.opt.OnStateChange != nil {
		b.opt.OnStateChange(from, to)
	}
}
