package proxyproto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/maps"
)

func TestAdvanceStateNewToSynSent(t *testing.T) {
	cv := &maps.ConntrackValue{ConnState: maps.StateNew}
	AdvanceState(cv, true, false)
	require.Equal(t, maps.StateSynSent, cv.ConnState)
}

func TestAdvanceStateNewIgnoresNonSyn(t *testing.T) {
	cv := &maps.ConntrackValue{ConnState: maps.StateNew}
	AdvanceState(cv, false, true)
	require.Equal(t, maps.StateNew, cv.ConnState)
}

func TestAdvanceStateSynRecvToEstablished(t *testing.T) {
	cv := &maps.ConntrackValue{ConnState: maps.StateSynRecv}
	AdvanceState(cv, false, true)
	require.Equal(t, maps.StateEstablished, cv.ConnState)
}

func TestAdvanceStateEstablishedIsTerminal(t *testing.T) {
	cv := &maps.ConntrackValue{ConnState: maps.StateEstablished}
	AdvanceState(cv, true, true)
	require.Equal(t, maps.StateEstablished, cv.ConnState)
}
