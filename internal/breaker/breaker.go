package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/logging"
)

type Breaker struct {
	mu       sync.Mutex
	state    State
	cfg      Settings
	now      func() time.Time
	onChange func(Phase)
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// OnChange is called with the new phase, outside the lock.
func OnChange(fn func(Phase)) Option { return func(b *Breaker) { b.onChange = fn } }

func New(cfg Settings, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultSettings().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultSettings().Cooldown
	}
	b := &Breaker{state: State{Phase: Closed}, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the protected call may run now. Every allowed call
// must be followed by Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	prev := b.state.Phase
	next, ok := Allow(b.state, b.cfg, b.now())
	b.state = next
	b.mu.Unlock()
	b.changed(prev, next.Phase)
	return ok
}

func (b *Breaker) Record(o Outcome) {
	b.mu.Lock()
	prev := b.state.Phase
	b.state = Next(b.state, b.cfg, o, b.now())
	cur := b.state.Phase
	b.mu.Unlock()
	b.changed(prev, cur)
}

// Abort is Record for calls that ended without telling anything about the
// dependency.
func (b *Breaker) Abort() {
	b.mu.Lock()
	b.state = Abort(b.state)
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) changed(prev, cur Phase) {
	if prev == cur {
		return
	}
	logging.LogWarn("circuit breaker state changed", logrus.Fields{"from": prev, "to": cur})
	if b.onChange != nil {
		b.onChange(cur)
	}
}
