package drain

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDrainCompletesWhenCountReachesZero is spec.md §8 scenario 5.
func TestDrainCompletesWhenCountReachesZero(t *testing.T) {
	c := New("web", "A", nil)
	c.CheckInterval = 5 * time.Millisecond

	var count int32 = 10
	var zeroed int32
	done := make(chan Outcome, 1)

	err := c.Drain(context.Background(), time.Second,
		func() error { atomic.AddInt32(&zeroed, 1); return nil },
		func() int { return int(atomic.LoadInt32(&count)) },
		func(o Outcome) { done <- o },
	)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&zeroed))

	go func() {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&count, 0)
	}()

	select {
	case o := <-done:
		require.Equal(t, Completed, o)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}
}

func TestDrainTimesOut(t *testing.T) {
	c := New("web", "A", nil)
	c.CheckInterval = 5 * time.Millisecond
	done := make(chan Outcome, 1)

	err := c.Drain(context.Background(), 30*time.Millisecond,
		func() error { return nil },
		func() int { return 5 },
		func(o Outcome) { done <- o },
	)
	require.NoError(t, err)

	select {
	case o := <-done:
		require.Equal(t, Timeout, o)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not time out")
	}
}

func TestDrainCancelled(t *testing.T) {
	c := New("web", "A", nil)
	c.CheckInterval = 5 * time.Millisecond
	done := make(chan Outcome, 1)

	err := c.Drain(context.Background(), time.Minute,
		func() error { return nil },
		func() int { return 5 },
		func(o Outcome) { done <- o },
	)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	c.Cancel()

	select {
	case o := <-done:
		require.Equal(t, Cancelled, o)
	case <-time.After(2 * time.Second):
		t.Fatal("drain was not cancelled")
	}
}
