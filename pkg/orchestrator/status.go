package orchestrator

import (
	"github.com/cilium/xlb/pkg/circuit"
	"github.com/cilium/xlb/pkg/healthcheck"
)

// TargetStatus is one target's snapshot, per spec.md §6's "get all
// statuses" runtime operation.
type TargetStatus struct {
	Proxy           string
	Name            string
	Addr            string
	Port            uint16
	OriginalWeight  uint16
	EffectiveWeight uint16
	Health          healthcheck.Status
	RecoveryPct     int
	Circuit         circuit.State
	Draining        bool
	Connections     int
}

// ProxyStatus is one proxy's snapshot: its listen config and every target
// reachable from it (default target plus every source/SNI route target).
type ProxyStatus struct {
	Name   string
	Listen ListenConfig
	Targets []TargetStatus
}

// GetAllStatuses implements spec.md §6's "get all statuses" runtime
// operation: a point-in-time snapshot of every configured target's
// health, circuit, drain, and weight state.
func (o *Orchestrator) GetAllStatuses() []ProxyStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	byProxy := make(map[string][]TargetStatus)
	order := make([]string, 0)
	for _, tr := range o.targets {
		if _, ok := byProxy[tr.proxy]; !ok {
			order = append(order, tr.proxy)
		}
		health, recoveryPct := o.health.Status(tr.key())
		tr.mu.Lock()
		ts := TargetStatus{
			Proxy:           tr.proxy,
			Name:            tr.name,
			Addr:            tr.addr.String(),
			Port:            tr.port,
			OriginalWeight:  tr.originalWeight,
			EffectiveWeight: tr.effectiveWeight,
			Health:          health,
			RecoveryPct:     recoveryPct,
			Circuit:         tr.breaker.State(),
			Draining:        tr.draining,
			Connections:     o.connectionCountLocked(tr),
		}
		tr.mu.Unlock()
		byProxy[tr.proxy] = append(byProxy[tr.proxy], ts)
	}

	out := make([]ProxyStatus, 0, len(order))
	for _, name := range order {
		out = append(out, ProxyStatus{Name: name, Listen: o.proxyListens[name], Targets: byProxy[name]})
	}
	return out
}
