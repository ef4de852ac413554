// Package breaker implements a per-routing-key circuit breaker around
// endpoint resolution. After a run of consecutive failures the breaker
// opens and resolution short-circuits until a cooldown elapses; the first
// call after the cooldown is admitted as a single probe.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quayside/quayside/pkg/log"
)

// State is the breaker state.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits exactly one probe call.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call without running it.
// This includes the open state and the half-open state while the single
// probe slot is taken.
var ErrOpen = errors.New("circuit breaker is open")

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker. The call that brings the streak to exactly this value
	// trips it.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long the breaker stays open before admitting a
	// probe.
	Cooldown time.Duration `yaml:"cooldown"`

	// CallTimeout bounds a single protected call. A call that exceeds it
	// counts as a failure even if it later succeeds.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// IsFailure classifies an error for the failure streak. When nil,
	// every non-nil error counts. Routing-table facts such as an unknown
	// key must be excluded here so they cannot trip the breaker.
	IsFailure func(error) bool `yaml:"-"`
}

// StateChangeCallback is invoked on state transitions.
type StateChangeCallback func(key string, from, to State)

// Breaker is the state machine for one routing key.
type Breaker struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	config        Config
	onStateChange StateChangeCallback
	logger        log.Logger
	key           string

	// now is injectable for cooldown tests.
	now func() time.Time
}

// New creates a breaker for one routing key in the closed state.
func New(key string, cfg Config, onStateChange StateChangeCallback, logger log.Logger) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if logger == nil {
		logger = log.Component("breaker")
	}
	return &Breaker{
		state:         StateClosed,
		config:        cfg,
		onStateChange: onStateChange,
		logger:        logger,
		key:           key,
		now:           time.Now,
	}
}

// Call runs fn under the breaker. When the breaker rejects the call it
// returns ErrOpen without invoking fn. A classified failure, or a call
// exceeding CallTimeout, advances the failure streak; a success resets it
// and closes the breaker from half-open.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	probing, err := b.acquire()
	if err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	callErr := b.run(callCtx, fn)

	if callErr != nil && b.isFailure(callErr) {
		b.recordFailure(probing)
		return callErr
	}
	b.recordSuccess(probing)
	return callErr
}

// State returns the effective state: an open breaker whose cooldown has
// elapsed reads as half-open. The transition itself happens on the next
// admitted call, so introspection never fires state-change callbacks.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState()
}

// Snapshot returns an introspection view of the breaker. Like State it
// never mutates.
func (b *Breaker) Snapshot() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.effectiveState()
	snap := map[string]interface{}{
		"state":                state.String(),
		"consecutive_failures": b.consecutiveFailures,
	}
	if state == StateOpen {
		remaining := b.config.Cooldown - b.now().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		snap["cooldown_remaining"] = remaining.String()
	}
	return snap
}

// run executes fn, converting a context deadline overrun into a timeout
// failure even when fn ignores its context.
func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Done() == nil {
		return fn(ctx)
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire decides whether the call may proceed. It returns probing=true
// when the call holds the single half-open probe slot.
func (b *Breaker) acquire() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return false, ErrOpen
		}
		b.probeInFlight = true
		return true, nil
	default:
		return false, ErrOpen
	}
}

// effectiveState reports the state the next call will observe without
// transitioning. Caller holds b.mu.
func (b *Breaker) effectiveState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// maybeHalfOpen moves an open breaker to half-open once the cooldown has
// elapsed. Caller holds b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.transition(StateHalfOpen)
		b.probeInFlight = false
	}
}

func (b *Breaker) recordSuccess(probing bool) {
	b.mu.Lock()
	b.consecutiveFailures = 0
	if probing {
		b.probeInFlight = false
	}
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.mu.Unlock()
}

func (b *Breaker) recordFailure(probing bool) {
	b.mu.Lock()
	if probing {
		b.probeInFlight = false
	}
	switch b.state {
	case StateHalfOpen:
		// Failed probe: back to open, restart the cooldown.
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
	b.mu.Unlock()
}

// transition changes state and fires the callback. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.logger.Info("circuit breaker state change",
		log.String("routing_key", b.key),
		log.String("from", from.String()),
		log.String("to", to.String()),
	)
	if b.onStateChange != nil {
		// Fired under b.mu: callbacks must not call back into the breaker.
		b.onStateChange(b.key, from, to)
	}
}

func (b *Breaker) isFailure(err error) bool {
	if b.config.IsFailure != nil {
		return b.config.IsFailure(err)
	}
	return err != nil
}

// Group manages one breaker per routing key, created lazily.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	config        Config
	onStateChange StateChangeCallback
	logger        log.Logger
}

// NewGroup creates a breaker group.
func NewGroup(cfg Config, onStateChange StateChangeCallback, logger log.Logger) *Group {
	if logger == nil {
		logger = log.Component("breaker")
	}
	return &Group{
		breakers:      make(map[string]*Breaker),
		config:        cfg,
		onStateChange: onStateChange,
		logger:        logger,
	}
}

// Get returns the breaker for a routing key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, exists := g.breakers[key]
	if !exists {
		b = New(key, g.config, g.onStateChange, g.logger)
		g.breakers[key] = b
	}
	return b
}

// Forget drops the breaker for a routing key.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, key)
}

// Snapshot returns per-key breaker snapshots.
func (g *Group) Snapshot() map[string]interface{} {
	g.mu.Lock()
	keys := make([]string, 0, len(g.breakers))
	breakers := make([]*Breaker, 0, len(g.breakers))
	for key, b := range g.breakers {
		keys = append(keys, key)
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	out := make(map[string]interface{}, len(keys))
	for i, key := range keys {
		out[key] = breakers[i].Snapshot()
	}
	return out
}
