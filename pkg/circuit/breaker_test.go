package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/events"
)

// TestCircuitLawEndToEnd is spec.md §8 scenario 6: 10/10 failed probes
// trips CLOSED->OPEN, OPEN->HALF_OPEN after open-duration-ms elapses, and
// three successes HALF_OPEN->CLOSED.
func TestCircuitLawEndToEnd(t *testing.T) {
	bus := events.NewBus(16)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	cfg := DefaultConfig()
	b := New("backend-x", cfg, bus)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	clock = clock.Add(time.Duration(cfg.OpenDurationMs) * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	for i := 0; i < 3; i++ {
		b.RecordSuccess()
	}
	require.Equal(t, Closed, b.State())

	var kinds []events.Kind
	drain:
	for {
		select {
		case ev := <-sub.Ch:
			kinds = append(kinds, ev.Kind)
		default:
			break drain
		}
	}
	require.Contains(t, kinds, events.KindCircuitChange)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	bus := events.NewBus(16)
	cfg := DefaultConfig()
	b := New("backend-y", cfg, bus)
	clock := time.Now()
	b.now = func() time.Time { return clock }

	for i := 0; i < cfg.MinRequests; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	clock = clock.Add(time.Duration(cfg.OpenDurationMs) * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	require.Equal(t, Open, b.State())
}

func TestForceOpenTakesPrecedence(t *testing.T) {
	b := New("z", DefaultConfig(), nil)
	b.ForceOpen()
	for i := 0; i < 10; i++ {
		b.RecordSuccess()
	}
	require.Equal(t, Open, b.State())
	b.Reset()
	require.Equal(t, Closed, b.State())
}
