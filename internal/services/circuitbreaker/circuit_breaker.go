package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/routewise/gateway/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

type Config struct {
	FailureThreshold   int
	Cooldown           time.Duration
	HalfOpenTrialCount int
}

// DefaultConfig returns the breaker thresholds used when a provider does not
// override them.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		Cooldown:           30 * time.Second,
		HalfOpenTrialCount: 3,
	}
}

// ConfigFromModel merges a provider's YAML overrides onto the defaults.
func ConfigFromModel(cfg *models.CircuitBreakerConfig) Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	if cfg.FailureThreshold > 0 {
		c.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.CooldownMs > 0 {
		c.Cooldown = time.Duration(cfg.CooldownMs) * time.Millisecond
	}
	if cfg.HalfOpenTrialCount > 0 {
		c.HalfOpenTrialCount = cfg.HalfOpenTrialCount
	}
	return c
}

// StateChangeFunc is notified after each state transition. It is invoked
// outside the breaker's lock and must not call back into the breaker.
type StateChangeFunc func(provider string, from, to State)

// Snapshot is a point-in-time copy of the breaker's counters for the ops API.
type Snapshot struct {
	Provider            string    `json:"provider"`
	State               string    `json:"state"`
	FailureCount        uint64    `json:"failure_count"`
	SuccessCount        uint64    `json:"success_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RejectedRequests    uint64    `json:"rejected_requests"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// CircuitBreaker is the per-provider failure state machine. One instance is
// owned by each provider runtime; all methods are safe for concurrent use
// from in-flight requests and the health prober.
type CircuitBreaker struct {
	provider string
	config   Config
	onChange StateChangeFunc

	mu                  sync.Mutex
	state               State
	failureCount        uint64
	successCount        uint64
	consecutiveFailures int
	rejectedRequests    uint64
	openedAt            time.Time
	halfOpenTrials      int
	halfOpenSuccesses   int

	now func() time.Time
}

func New(provider string, config Config, onChange StateChangeFunc) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	if config.HalfOpenTrialCount <= 0 {
		config.HalfOpenTrialCount = DefaultConfig().HalfOpenTrialCount
	}
	return &CircuitBreaker{
		provider: provider,
		config:   config,
		onChange: onChange,
		state:    Closed,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. While Open and pre-cooldown it
// refuses immediately; live refusals increment rejected_requests, probe
// refusals do not. Once the cooldown elapses the breaker moves to HalfOpen
// and admits up to HalfOpenTrialCount trial calls.
func (cb *CircuitBreaker) Allow(live bool) bool {
	cb.mu.Lock()
	transition := cb.refreshLocked()

	allowed := false
	switch cb.state {
	case Closed:
		allowed = true
	case Open:
		if live {
			cb.rejectedRequests++
		}
	case HalfOpen:
		if cb.halfOpenTrials < cb.config.HalfOpenTrialCount {
			cb.halfOpenTrials++
			allowed = true
		}
	}
	cb.mu.Unlock()

	cb.notify(transition)
	return allowed
}

// RecordSuccess reports a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.successCount++
	cb.consecutiveFailures = 0

	var transition *stateChange
	if cb.state == HalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenTrialCount {
			transition = cb.transitionLocked(Closed)
		}
	}
	cb.mu.Unlock()

	cb.notify(transition)
}

// RecordFailure reports a failed call outcome. A failure while HalfOpen
// immediately reverts to Open with a fresh cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failureCount++
	cb.consecutiveFailures++

	var transition *stateChange
	switch cb.state {
	case HalfOpen:
		transition = cb.transitionLocked(Open)
	case Closed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			transition = cb.transitionLocked(Open)
		}
	}
	cb.mu.Unlock()

	cb.notify(transition)
}

// ReleaseTrial gives back a HalfOpen admission that never reached dispatch,
// for callers that admitted a trial but could not attempt the call. Without
// the give-back an empty member pool would drain the trial budget and strand
// the breaker in HalfOpen with no outcome ever recorded.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mu.Lock()
	if cb.state == HalfOpen && cb.halfOpenTrials > 0 {
		cb.halfOpenTrials--
	}
	cb.mu.Unlock()
}

// ForceOpen opens the breaker regardless of counters. Idempotent.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	var transition *stateChange
	if cb.state != Open {
		transition = cb.transitionLocked(Open)
	} else {
		cb.openedAt = cb.now()
	}
	cb.mu.Unlock()

	cb.notify(transition)
}

// ForceClose closes the breaker regardless of counters. Idempotent.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	var transition *stateChange
	if cb.state != Closed {
		transition = cb.transitionLocked(Closed)
	}
	cb.mu.Unlock()

	cb.notify(transition)
}

// Reset zeroes all counters and returns to Closed. Idempotent.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var transition *stateChange
	if cb.state != Closed {
		transition = cb.transitionLocked(Closed)
	}
	cb.failureCount = 0
	cb.successCount = 0
	cb.consecutiveFailures = 0
	cb.rejectedRequests = 0
	cb.openedAt = time.Time{}
	cb.mu.Unlock()

	cb.notify(transition)
	fiberlog.Infof("CircuitBreaker: reset %s", cb.provider)
}

// State returns the effective state, applying the Open -> HalfOpen cooldown
// transition if it is due.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	transition := cb.refreshLocked()
	s := cb.state
	cb.mu.Unlock()

	cb.notify(transition)
	return s
}

// Snapshot returns a copy of the breaker's counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	transition := cb.refreshLocked()
	snap := Snapshot{
		Provider:            cb.provider,
		State:               cb.state.String(),
		FailureCount:        cb.failureCount,
		SuccessCount:        cb.successCount,
		ConsecutiveFailures: cb.consecutiveFailures,
		RejectedRequests:    cb.rejectedRequests,
		OpenedAt:            cb.openedAt,
	}
	cb.mu.Unlock()

	cb.notify(transition)
	return snap
}

type stateChange struct {
	from, to State
}

// refreshLocked applies the time-based Open -> HalfOpen transition. Caller
// must hold cb.mu.
func (cb *CircuitBreaker) refreshLocked() *stateChange {
	if cb.state == Open && cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
		return cb.transitionLocked(HalfOpen)
	}
	return nil
}

// transitionLocked moves to newState and resets the per-state bookkeeping.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(newState State) *stateChange {
	from := cb.state
	if from == newState {
		return nil
	}
	cb.state = newState

	switch newState {
	case Open:
		cb.openedAt = cb.now()
	case HalfOpen:
		cb.halfOpenTrials = 0
		cb.halfOpenSuccesses = 0
	case Closed:
		cb.consecutiveFailures = 0
		cb.openedAt = time.Time{}
		cb.halfOpenTrials = 0
		cb.halfOpenSuccesses = 0
	}

	return &stateChange{from: from, to: newState}
}

func (cb *CircuitBreaker) notify(transition *stateChange) {
	if transition == nil {
		return
	}
	switch transition.to {
	case Open:
		fiberlog.Warnf("CircuitBreaker: %s transitioned %s -> %s", cb.provider, transition.from, transition.to)
	default:
		fiberlog.Infof("CircuitBreaker: %s transitioned %s -> %s", cb.provider, transition.from, transition.to)
	}
	if cb.onChange != nil {
		cb.onChange(cb.provider, transition.from, transition.to)
	}
}
