// Package events implements the tagged-variant event bus spec.md §9
// requires in place of "untyped event maps emitted to subscribers". Each
// event kind carries its own payload struct; there is no map[string]any.
//
// Grounded on the hook-registration idiom in the teacher's
// pkg/clustermesh/endpointslicesync/clustermesh.go (RegisterXHook, panic if
// called after start) and on spec.md §7's subscriber-isolation requirement
// ("subscribers' exceptions are caught and logged; they do not affect other
// subscribers or emitter state").
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsys", "events")

// Kind identifies the shape of an event's payload.
type Kind uint8

const (
	KindNewConn Kind = iota
	KindConnClosed
	KindPeriodicStats
	KindHealthChange
	KindCircuitChange
	KindDrainComplete
	KindDNSChange
	KindDNSFailed
	KindRateLimitDrop
	KindProxySkipped
)

func (k Kind) String() string {
	switch k {
	case KindNewConn:
		return "new-conn"
	case KindConnClosed:
		return "conn-closed"
	case KindPeriodicStats:
		return "periodic-stats"
	case KindHealthChange:
		return "health-change"
	case KindCircuitChange:
		return "circuit-change"
	case KindDrainComplete:
		return "drain-complete"
	case KindDNSChange:
		return "dns-change"
	case KindDNSFailed:
		return "dns-failed"
	case KindRateLimitDrop:
		return "rate-limit-drop"
	case KindProxySkipped:
		return "proxy-skipped"
	default:
		return "unknown"
	}
}

// Event is the envelope every subscriber receives. Payload is one of the
// Kind-specific structs below (HealthChange, CircuitChange, ...), or a
// maps.StatsEvent for NewConn and ConnClosed.
type Event struct {
	ID      uuid.UUID
	Kind    Kind
	Payload any
}

type HealthChangePayload struct {
	Target      string
	Previous    string
	Current     string
	RecoveryPct int
}

type CircuitChangePayload struct {
	Target   string
	Previous string
	Current  string
	Reason   string
}

type DrainCompletePayload struct {
	Listener string
	Target   string
	Outcome  string // "completed", "timeout", "cancelled"
}

type DNSChangePayload struct {
	Hostname string
	OldIPs   []string
	NewIPs   []string
}

type DNSFailedPayload struct {
	Hostname      string
	FailureCount  int
	Err           string
}

type RateLimitDropPayload struct {
	Key    string
	Source string // "source" or "backend"
}

type ProxySkippedPayload struct {
	Listener  string
	PayloadSz int
}

// Subscriber receives events on Ch until Unsubscribe is called. Ch is
// bounded; a full channel drops the event rather than blocking the
// publisher (spec.md §5: no task may block on a subscriber).
type Subscriber struct {
	Ch   chan Event
	bus  *Bus
	id   int
}

// Unsubscribe removes this subscriber from the bus.
func (s *Subscriber) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus is a non-blocking, panic-isolated publish/subscribe hub.
type Bus struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]chan Event
	bufferSize  int
}

// NewBus returns a Bus whose per-subscriber channel buffer holds
// bufferSize events before dropping new ones.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{subscribers: make(map[int]chan Event), bufferSize: bufferSize}
}

// Subscribe registers a new listener and returns its handle.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return &Subscriber{Ch: ch, bus: b, id: id}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish fans out ev to all subscribers. A subscriber whose buffer is full
// has the event dropped for it (never blocks the publisher); a subscriber
// goroutine that panics while handling an event does not affect Publish or
// other subscribers, per spec.md §7.
func (b *Bus) Publish(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			log.WithFields(logrus.Fields{
				"subscriber": id,
				"kind":       ev.Kind.String(),
			}).Warn("subscriber buffer full, dropping event")
		}
	}
}

// SafeHandle invokes fn(ev), recovering and logging any panic so that one
// misbehaving subscriber cannot affect others (spec.md §7).
func SafeHandle(ev Event, fn func(Event)) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"kind":  ev.Kind.String(),
				"panic": r,
			}).Error("subscriber callback panicked")
		}
	}()
	fn(ev)
}
