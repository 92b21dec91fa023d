// Package circuitbreaker stops outbound deliveries to endpoints that keep
// failing, then lets a single probe through once a cool-down has passed.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/p2ptrade/internal/clock"
)

// State is the circuit state of one endpoint.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Transitions are labelled by state only; keys are subscription IDs and
// would blow up cardinality.
var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "p2ptrade",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state transitions by from and to state.",
}, []string{"from", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks one circuit per key.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	trip     int
	coolDown time.Duration
	clock    clock.Clock
	observe  func(key string, from, to State)
}

// New returns a breaker that opens after trip consecutive failures and
// half-opens after coolDown.
func New(trip int, coolDown time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if coolDown <= 0 {
		coolDown = time.Minute
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		trip:     trip,
		coolDown: coolDown,
		clock:    clock.Real{},
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(c clock.Clock) *Breaker {
	b.clock = c
	return b
}

// WithObserver registers a synchronous callback for state changes. It runs
// with the breaker locked and must not call back into it.
func (b *Breaker) WithObserver(fn func(key string, from, to State)) *Breaker {
	b.observe = fn
	return b
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cool-down has elapsed lets exactly one probe through.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// Success closes the circuit for key.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	b.move(key, c, StateClosed)
	delete(b.circuits, key)
}

// Failure counts a failed call and opens the circuit at the trip count,
// or straight away when a probe fails.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.trip) {
		c.openedAt = b.clock.Now()
		b.move(key, c, StateOpen)
	}
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Forget drops any state held for key.
func (b *Breaker) Forget(key string) {
	b.mu.Lock()
	delete(b.circuits, key)
	b.mu.Unlock()
}

func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	if b.observe != nil {
		b.observe(key, from, to)
	}
}
