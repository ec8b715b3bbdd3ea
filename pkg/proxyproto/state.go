package proxyproto

import "github.com/cilium/xlb/pkg/maps"

// AdvanceState implements the ingress-driven rows of spec.md §4.5's state
// table: NEW -> SYN_SENT on an outbound SYN, and SYN_RECV -> ESTABLISHED
// on a bare ACK. The SYN_SENT -> SYN_RECV row is driven on the reply path
// instead (pkg/egress's paired counterpart, since it can only be observed
// on a SYN-ACK from the backend).
func AdvanceState(cv *maps.ConntrackValue, synOnly, ackOnly bool) {
	switch cv.ConnState {
	case maps.StateNew:
		if synOnly {
			cv.ConnState = maps.StateSynSent
		}
	case maps.StateSynRecv:
		if ackOnly {
			cv.ConnState = maps.StateEstablished
		}
	}
}
