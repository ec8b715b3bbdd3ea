package weight

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sumWeights(es []Effective) int {
	s := 0
	for _, e := range es {
		s += int(e.Weight)
	}
	return s
}

func TestComputeNormalizesTo100(t *testing.T) {
	statuses := []Status{
		{Name: "a", OriginalWeight: 70},
		{Name: "b", OriginalWeight: 30},
	}
	out := Compute(statuses)
	require.Equal(t, 100, sumWeights(out))
	require.Equal(t, uint16(70), out[0].Weight)
	require.Equal(t, uint16(30), out[1].Weight)
}

func TestComputeResidualGoesToHighestOriginalWeight(t *testing.T) {
	// 3-way split of 100 with weights 1/1/1 truncates to 33/33/33 = 99,
	// residual 1 must go to the lowest index among equal originals.
	statuses := []Status{
		{Name: "a", OriginalWeight: 1},
		{Name: "b", OriginalWeight: 1},
		{Name: "c", OriginalWeight: 1},
	}
	out := Compute(statuses)
	require.Equal(t, 100, sumWeights(out))
	require.Equal(t, uint16(34), out[0].Weight, "tie-break favors lowest index")
}

func TestComputeUnhealthyIsZeroed(t *testing.T) {
	statuses := []Status{
		{Name: "a", OriginalWeight: 60},
		{Name: "b", OriginalWeight: 40, Unhealthy: true},
	}
	out := Compute(statuses)
	require.Equal(t, uint16(100), out[0].Weight)
	require.Equal(t, uint16(0), out[1].Weight)
}

func TestComputeAllZeroRevertsToOriginal(t *testing.T) {
	statuses := []Status{
		{Name: "a", OriginalWeight: 70, Unhealthy: true},
		{Name: "b", OriginalWeight: 30, Draining: true},
	}
	out := Compute(statuses)
	require.Equal(t, 100, sumWeights(out), "graceful degradation must still sum to 100")
	require.Equal(t, uint16(70), out[0].Weight)
	require.Equal(t, uint16(30), out[1].Weight)
}

func TestComputeCircuitHalfOpenGetsTenPercent(t *testing.T) {
	statuses := []Status{
		{Name: "a", OriginalWeight: 50},
		{Name: "b", OriginalWeight: 50, CircuitHalfOpen: true},
	}
	out := Compute(statuses)
	require.Equal(t, 100, sumWeights(out))
	require.Less(t, out[1].Weight, out[0].Weight)
}

func TestComputeLeastConnectionsFavorsFewerConnections(t *testing.T) {
	statuses := []Status{
		{Name: "a", OriginalWeight: 50, Connections: 0},
		{Name: "b", OriginalWeight: 50, Connections: 9},
	}
	out := ComputeLeastConnections(statuses)
	require.Equal(t, 100, sumWeights(out))
	require.Greater(t, out[0].Weight, out[1].Weight)
}

func TestComputeRecoveryFraction(t *testing.T) {
	statuses := []Status{
		{Name: "a", OriginalWeight: 50, RecoveryFraction: 25},
		{Name: "b", OriginalWeight: 50},
	}
	out := Compute(statuses)
	require.Equal(t, 100, sumWeights(out))
	require.Less(t, out[0].Weight, out[1].Weight)
}
