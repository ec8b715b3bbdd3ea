package dnsresolve

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSameSetComparesSortedSets(t *testing.T) {
	require.True(t, sameSet([]string{"1.1.1.1", "2.2.2.2"}, []string{"1.1.1.1", "2.2.2.2"}))
	require.False(t, sameSet([]string{"1.1.1.1"}, []string{"1.1.1.1", "2.2.2.2"}))
	require.False(t, sameSet([]string{"1.1.1.1", "3.3.3.3"}, []string{"1.1.1.1", "2.2.2.2"}))
}

func TestRedistributeEqualRemainderToFirstIPs(t *testing.T) {
	w := RedistributeEqual([]string{"10.0.0.3", "10.0.0.1", "10.0.0.2"})
	// 100/3 = 33 rem 1, remainder goes to the first IP in sorted order.
	require.Equal(t, 34, w["10.0.0.1"])
	require.Equal(t, 33, w["10.0.0.2"])
	require.Equal(t, 33, w["10.0.0.3"])

	total := 0
	for _, v := range w {
		total += v
	}
	require.Equal(t, 100, total)
}

func TestRedistributeEqualSingleIPGetsAll(t *testing.T) {
	w := RedistributeEqual([]string{"10.0.0.1"})
	require.Equal(t, 100, w["10.0.0.1"])
}
