// Package drain implements the drain coordinator of spec.md §4.10: set a
// target's weight to zero, then wait for its conntrack entries to empty
// out (or time out), invoking a completion callback exactly once.
package drain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cilium/xlb/pkg/events"
)

// Outcome is the terminal state a drain callback observes.
type Outcome string

const (
	Completed Outcome = "completed"
	Timeout   Outcome = "timeout"
	Cancelled Outcome = "cancelled"
)

// CountFunc reports the live conntrack entry count for one target.
type CountFunc func() int

// ZeroWeightFunc pushes the weight-zero side effect (spec.md §4.10: "sets
// effective weight to 0 via §4.8"); it's the orchestrator's job to wire
// this to the weight computer and the map push.
type ZeroWeightFunc func() error

// Coordinator runs drains for a single listener/target pair at a time;
// the orchestrator holds one per target it may need to drain.
type Coordinator struct {
	Listener        string
	Target          string
	CheckInterval   time.Duration // spec.md "drain-check-interval-ms"
	Bus             *events.Bus

	mu        sync.Mutex
	cancel    context.CancelFunc
	draining  bool
}

// New returns a Coordinator with a default 500ms check interval.
func New(listener, target string, bus *events.Bus) *Coordinator {
	return &Coordinator{Listener: listener, Target: target, CheckInterval: 500 * time.Millisecond, Bus: bus}
}

// Drain implements spec.md §4.10's drain(target, timeout_ms, on_complete):
// it sets weight to 0, then polls count every CheckInterval until it
// reaches 0 (Completed), the deadline elapses (Timeout), or the drain is
// cancelled (Cancelled). onComplete is invoked exactly once.
func (c *Coordinator) Drain(ctx context.Context, timeout time.Duration, zeroWeight ZeroWeightFunc, count CountFunc, onComplete func(Outcome)) error {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return errAlreadyDraining
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	c.cancel = cancel
	c.draining = true
	c.mu.Unlock()

	if err := zeroWeight(); err != nil {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
		cancel()
		return err
	}

	go c.pollUntilDone(dctx, cancel, count, onComplete)
	return nil
}

func (c *Coordinator) pollUntilDone(ctx context.Context, cancel context.CancelFunc, count CountFunc, onComplete func(Outcome)) {
	defer cancel()
	ticker := time.NewTicker(c.CheckInterval)
	defer ticker.Stop()

	finish := func(o Outcome) {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
		if c.Bus != nil {
			c.Bus.Publish(events.Event{
				ID:   uuid.New(),
				Kind: events.KindDrainComplete,
				Payload: events.DrainCompletePayload{
					Listener: c.Listener,
					Target:   c.Target,
					Outcome:  string(o),
				},
			})
		}
		onComplete(o)
	}

	if count() == 0 {
		finish(Completed)
		return
	}

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				finish(Timeout)
			} else {
				finish(Cancelled)
			}
			return
		case <-ticker.C:
			if count() == 0 {
				finish(Completed)
				return
			}
		}
	}
}

// Cancel aborts an in-progress drain; its callback fires with Cancelled.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type drainErr string

func (e drainErr) Error() string { return string(e) }

const errAlreadyDraining = drainErr("drain: a drain is already in progress for this target")
