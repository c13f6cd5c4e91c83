// Package resilience guards calls to the outside world: official sources,
// the database and third-party APIs. It provides per-name circuit breakers,
// transient error classification and retry with backoff.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// State is a breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned without calling through while a breaker is open.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerConfig tunes a breaker.
type BreakerConfig struct {
	// Failures is the consecutive failure count that opens the breaker.
	// Default 5.
	Failures int
	// Cooldown is how long an open breaker rejects calls before letting a
	// single probe through. Default 30s.
	Cooldown time.Duration
	// Trip decides whether an error counts as a failure. Default: every
	// non-nil error except context cancellation.
	Trip func(err error) bool
	// OnChange observes transitions.
	OnChange func(name string, from, to State)
}

// BreakerConfigFrom builds a config from the integer settings of the config
// file. Zero values keep the defaults.
func BreakerConfigFrom(failures, cooldownSecs int) BreakerConfig {
	return BreakerConfig{
		Failures: failures,
		Cooldown: time.Duration(cooldownSecs) * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Failures <= 0 {
		c.Failures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Trip == nil {
		c.Trip = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return c
}

// Breaker stops calling a failing dependency. In half-open only one probe
// is in flight; concurrent callers are rejected until it returns.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now, state: StateClosed}
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string { return b.name }

// SetClock replaces the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn through b and returns its value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := b.admit()
	if err != nil {
		return zero, eris.Wrapf(err, "%s", b.name)
	}
	v, err := fn(ctx)
	b.record(probe, err)
	return v, err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		b.move(StateHalfOpen)
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	if !b.cfg.Trip(err) {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.move(StateClosed)
		}
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.Failures {
		b.openedAt = b.now()
		b.move(StateOpen)
	}
}

// move must be called with mu held.
func (b *Breaker) move(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(b.name, from, to)
	}
}

// State reports the current position. An open breaker whose cooldown has
// elapsed reports half-open: the next call will probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.move(StateClosed)
}

// Snapshot is a breaker's observable state.
type Snapshot struct {
	Name     string     `json:"name"`
	State    State      `json:"state"`
	Failures int        `json:"consecutive_failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's state for health reports.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: state, Failures: b.failures}
	if state != StateClosed {
		at := b.openedAt
		s.OpenedAt = &at
	}
	return s
}

// Breakers hands out one breaker per name, all sharing a config.
type Breakers struct {
	cfg BreakerConfig

	mu  sync.Mutex
	set map[string]*Breaker
	now func() time.Time
}

// NewBreakers creates an empty set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, set: make(map[string]*Breaker)}
}

// SetClock replaces the time source of existing and future breakers.
func (s *Breakers) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	for _, b := range s.set {
		b.SetClock(now)
	}
}

// Get returns the breaker for name, creating it closed.
func (s *Breakers) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.set[name]
	if !ok {
		b = NewBreaker(name, s.cfg)
		if s.now != nil {
			b.now = s.now
		}
		s.set[name] = b
	}
	return b
}

// Snapshots returns every breaker created so far, sorted by name.
func (s *Breakers) Snapshots() []Snapshot {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.set))
	for _, b := range s.set {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]Snapshot, len(list))
	for i, b := range list {
		out[i] = b.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
