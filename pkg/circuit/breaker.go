// Package circuit implements the per-target sliding-window circuit
// breaker of spec.md §4.9.
//
// Grounded on the teacher's event-hook idiom
// (pkg/clustermesh/endpointslicesync/clustermesh.go's RegisterXHook
// methods) via pkg/events.Bus, and on the teacher's own state-machine test
// style (pkg/proxy/proxy_test.go: assert every field after each
// transition) for breaker_test.go.
package circuit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cilium/xlb/pkg/events"
)

// State is one of the three circuit-breaker states from spec.md §4.9.
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

// Config carries the thresholds spec.md §4.9 names, with its defaults.
type Config struct {
	WindowMs          int // default 60_000
	MinRequests        int // default 10
	ErrorThresholdPct  int // default 50
	OpenDurationMs     int // default 30_000
	HalfOpenRequests   int // default 3
}

// DefaultConfig returns spec.md §4.9's defaults.
func DefaultConfig() Config {
	return Config{
		WindowMs:         60_000,
		MinRequests:      10,
		ErrorThresholdPct: 50,
		OpenDurationMs:    30_000,
		HalfOpenRequests:  3,
	}
}

type outcome struct {
	at      time.Time
	success bool
}

// Breaker is a single target's circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	mu     sync.Mutex
	target string
	cfg    Config
	bus    *events.Bus
	now    func() time.Time

	state          State
	window         []outcome
	openedAt       time.Time
	halfOpenSucc   int
	forced         forcedMode
}

type forcedMode int

const (
	forcedNone forcedMode = iota
	forcedOpen
	forcedClosed
)

// New constructs a Breaker for target, starting Closed.
func New(target string, cfg Config, bus *events.Bus) *Breaker {
	return &Breaker{target: target, cfg: cfg, bus: bus, now: time.Now, state: Closed}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluateLocked()
	return b.state
}

// RecordSuccess and RecordFailure feed probe outcomes (spec.md §4.9:
// "Error and success counts are accumulated from health-probe outcomes").
func (b *Breaker) RecordSuccess() { b.record(true) }
func (b *Breaker) RecordFailure() { b.record(false) }

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.window = append(b.window, outcome{at: now, success: success})
	b.pruneLocked(now)

	if b.forced != forcedNone {
		return
	}

	switch b.state {
	case HalfOpen:
		if !success {
			b.transitionLocked(Open, "half-open probe failed")
			return
		}
		b.halfOpenSucc++
		if b.halfOpenSucc >= b.cfg.HalfOpenRequests {
			b.transitionLocked(Closed, "half-open success threshold reached")
		}
	case Closed:
		b.evaluateLocked()
	case Open:
		// outcomes recorded while open are ignored for state transitions;
		// OPEN only advances to HALF_OPEN via elapsed time (evaluateLocked).
	}
}

// evaluateLocked applies the CLOSED->OPEN and OPEN->HALF_OPEN triggers of
// spec.md §4.9's transition table. Must be called with mu held.
func (b *Breaker) evaluateLocked() {
	if b.forced == forcedOpen {
		b.state = Open
		return
	}
	if b.forced == forcedClosed {
		b.state = Closed
		return
	}
	now := b.now()
	b.pruneLocked(now)
	switch b.state {
	case Closed:
		total := len(b.window)
		if total < b.cfg.MinRequests {
			return
		}
		failures := 0
		for _, o := range b.window {
			if !o.success {
				failures++
			}
		}
		if failures*100 >= b.cfg.ErrorThresholdPct*total {
			b.transitionLocked(Open, "error rate threshold exceeded")
		}
	case Open:
		if now.Sub(b.openedAt) >= time.Duration(b.cfg.OpenDurationMs)*time.Millisecond {
			b.transitionLocked(HalfOpen, "open duration elapsed")
		}
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(b.cfg.WindowMs) * time.Millisecond)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = append([]outcome(nil), b.window[i:]...)
	}
}

func (b *Breaker) transitionLocked(next State, reason string) {
	prev := b.state
	b.state = next
	if next == Open {
		b.openedAt = b.now()
		b.window = nil
	}
	if next == HalfOpen {
		b.halfOpenSucc = 0
	}
	if b.bus != nil {
		kind := events.KindCircuitChange
		b.bus.Publish(events.Event{
			ID:   uuid.New(),
			Kind: kind,
			Payload: events.CircuitChangePayload{
				Target:   b.target,
				Previous: prev.String(),
				Current:  next.String(),
				Reason:   reason,
			},
		})
	}
}

// ForceOpen, ForceClose, and Reset are the manual primitives spec.md §4.9
// requires ("Manual force-open/force-close/reset primitives must be
// honored and take precedence until explicitly reset").
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = forcedOpen
	b.transitionLocked(Open, "forced open")
}

func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = forcedClosed
	b.transitionLocked(Closed, "forced closed")
}

// Reset clears any forced mode and the sliding window, returning to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = forcedNone
	b.window = nil
	b.halfOpenSucc = 0
	b.transitionLocked(Closed, "reset")
}
