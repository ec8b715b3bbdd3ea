package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/maps"
)

func TestSetRuleScalesRateAndBurst(t *testing.T) {
	c, err := NewController(nil, 16)
	require.NoError(t, err)

	bucket := c.SetRule(Rule{Key: "10.0.0.0/24", RatePerSec: 1000, Burst: 2000, Source: true})
	require.EqualValues(t, 1000*maps.Scale, bucket.RateScaled())
	require.EqualValues(t, 2000*maps.Scale, bucket.BurstScaled())

	r, ok := c.Rule("10.0.0.0/24")
	require.True(t, ok)
	require.Equal(t, 1000.0, r.RatePerSec)
}

func TestDisableRuleRemovesMirror(t *testing.T) {
	c, err := NewController(nil, 16)
	require.NoError(t, err)
	c.SetRule(Rule{Key: "k1", RatePerSec: 10, Burst: 20})

	_, ok := c.Mirrored("k1")
	require.True(t, ok)

	c.DisableRule("k1")
	_, ok = c.Mirrored("k1")
	require.False(t, ok)

	_, ok = c.Rule("k1")
	require.False(t, ok)
}

func TestTokenStoreUnconfiguredKeyPassesThrough(t *testing.T) {
	s := NewTokenStore()
	require.True(t, s.Allow("unconfigured", 1))
}

func TestTokenStoreDeniesOnceBurstExhausted(t *testing.T) {
	s := NewTokenStore()
	const nowNs = uint64(1_000_000_000)
	s.Configure("k", 1, 2, nowNs) // rate=1/s, burst=2, starts full

	require.True(t, s.Allow("k", nowNs))
	require.True(t, s.Allow("k", nowNs))
	require.False(t, s.Allow("k", nowNs))
}

func TestTokenStoreRefillsOverTime(t *testing.T) {
	s := NewTokenStore()
	const start = uint64(1_000_000_000)
	s.Configure("k", 1, 1, start) // burst 1: a single token available immediately

	require.True(t, s.Allow("k", start))
	require.False(t, s.Allow("k", start))

	// One second later, the bucket has refilled exactly one token.
	require.True(t, s.Allow("k", start+1_000_000_000))
}

func TestTokenStoreRemoveClearsBucket(t *testing.T) {
	s := NewTokenStore()
	const nowNs = uint64(1_000_000_000)
	s.Configure("k", 1, 1, nowNs)
	require.True(t, s.Allow("k", nowNs))
	require.False(t, s.Allow("k", nowNs))

	s.Remove("k")
	require.True(t, s.Allow("k", nowNs)) // unconfigured again, passes through
}
