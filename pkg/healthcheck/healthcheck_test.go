package healthcheck

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/events"
)

func TestTCPProbeHealthyAfterThreshold(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	bus := events.NewBus(16)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	m := NewMonitor(bus, 4)
	m.AddTarget(TargetConfig{Name: "t1", Addr: ln.Addr().String(), Kind: KindTCP, HealthyThreshold: 2})

	ctx := context.Background()
	m.ForceProbe(ctx, "t1")
	st, _ := m.Status("t1")
	require.Equal(t, StatusUnknown, st)

	m.ForceProbe(ctx, "t1")
	st, _ = m.Status("t1")
	require.Equal(t, StatusHealthy, st)

	select {
	case ev := <-sub.Ch:
		require.Equal(t, events.KindHealthChange, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected health-change event")
	}
}

func TestHTTPProbeUnhealthyAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewMonitor(nil, 4)
	addr := srv.Listener.Addr().String()
	m.AddTarget(TargetConfig{Name: "t2", Addr: addr, Kind: KindHTTP, UnhealthyThreshold: 2})

	ctx := context.Background()
	m.ForceProbe(ctx, "t2")
	m.ForceProbe(ctx, "t2")
	st, _ := m.Status("t2")
	require.Equal(t, StatusUnhealthy, st)
}

func TestGradualRecoveryStepsThroughWeights(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	m := NewMonitor(nil, 4)
	m.AddTarget(TargetConfig{Name: "t3", Addr: ln.Addr().String(), Kind: KindTCP, HealthyThreshold: 1})
	// Gradual recovery starts only on an unhealthy->healthy transition.
	m.targets["t3"].status = StatusUnhealthy

	ctx := context.Background()
	m.ForceProbe(ctx, "t3")
	_, pct := m.Status("t3")
	require.Equal(t, 25, pct)

	m.ForceProbe(ctx, "t3")
	_, pct = m.Status("t3")
	require.Equal(t, 50, pct)

	m.ForceProbe(ctx, "t3")
	_, pct = m.Status("t3")
	require.Equal(t, 75, pct)

	m.ForceProbe(ctx, "t3")
	_, pct = m.Status("t3")
	require.Equal(t, 100, pct)

	m.ForceProbe(ctx, "t3")
	_, pct = m.Status("t3")
	require.Equal(t, 0, pct) // fully recovered, no longer in gradual step
}
