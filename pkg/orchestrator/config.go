// Package orchestrator implements the control-plane orchestrator of
// spec.md §4.13: it owns map/program lifecycle, interface attachment, and
// the runtime API surface of spec.md §6, wiring together every other
// component package (C1-C12) behind a single lock and a scoped
// acquisition/rollback discipline (spec.md §5).
package orchestrator

import (
	"fmt"
	"time"

	"github.com/cilium/xlb/pkg/circuit"
	"github.com/cilium/xlb/pkg/healthcheck"
	"github.com/cilium/xlb/pkg/maps"
)

// HealthCheckConfig is one target's probe configuration, spec.md §6
// "per-target health-check ... options".
type HealthCheckConfig struct {
	Kind               healthcheck.Kind
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
}

// ProxyProtocolConfig is one target's PROXY-protocol option, spec.md §6
// "per-target ... proxy-protocol options".
type ProxyProtocolConfig struct {
	Enabled bool
}

// WeightedTarget is one entry of a target or weighted-target-list, spec.md
// §6: "default-target (single target or weighted list)".
type WeightedTarget struct {
	// Name identifies this target for runtime API calls (drain, circuit,
	// rate-limit) and events; must be unique within the owning Config.
	Name string
	// Addr is "host:port". A non-numeric host is resolved by
	// pkg/dnsresolve and watched for changes (spec.md §4.11); a
	// numeric-IP host is used as-is.
	Addr          string
	Weight        uint16
	HealthCheck   *HealthCheckConfig
	ProxyProtocol ProxyProtocolConfig
}

// SourceRoute is one `source-routes` entry: CIDR to target/targets, spec.md
// §6.
type SourceRoute struct {
	CIDR               string
	Targets            []WeightedTarget
	SessionPersistence bool
}

// SNIRoute is one `sni-routes` entry: hostname to target/targets, spec.md
// §6.
type SNIRoute struct {
	Hostname string
	Targets  []WeightedTarget
}

// ListenConfig is a proxy's `listen {interfaces, port}`, spec.md §6.
type ListenConfig struct {
	Interfaces []string
	Port       uint16
}

// ProxyConfig is one entry of the `proxies` tree, spec.md §6.
type ProxyConfig struct {
	Name               string
	Listen             ListenConfig
	DefaultTarget      []WeightedTarget
	SourceRoutes       []SourceRoute
	SNIRoutes          []SNIRoute
	SessionPersistence bool
}

// LoadBalancingSettings is the `settings.load-balancing` sub-tree, spec.md
// §6.
type LoadBalancingSettings struct {
	Algorithm        maps.Algorithm
	Weighted         bool
	UpdateIntervalMs uint32
}

// RateLimitSettings is the `settings.rate-limits` sub-tree, spec.md §6.
type RateLimitSettings struct {
	SourceRatePerSec  float64
	SourceBurst       float64
	BackendRatePerSec float64
	BackendBurst      float64
}

// Settings is the `settings` map of spec.md §6.
type Settings struct {
	StatsEnabled         bool
	ConnectionTimeoutSec uint32
	MaxConnections       uint32
	LoadBalancing        LoadBalancingSettings
	CircuitBreaker       circuit.Config
	RateLimits           RateLimitSettings
	MetricsEnabled       bool
	AccessLogEnabled     bool
	AdminAPIEnabled      bool
}

// Config is the orchestrator's startup input: the proxies tree plus
// settings, spec.md §6.
type Config struct {
	Proxies  []ProxyConfig
	Settings Settings
}

// Validate checks the spec.md §6 invariants that are cheap and
// config-local: weight range/sum, and name uniqueness. Map-level
// invariants (e.g. MaxTargets) are checked again by
// maps.BuildTargetGroup at install time.
func (c Config) Validate() error {
	seenProxy := make(map[string]bool)
	for _, p := range c.Proxies {
		if p.Name == "" {
			return fmt.Errorf("orchestrator: proxy with empty name")
		}
		if seenProxy[p.Name] {
			return fmt.Errorf("orchestrator: duplicate proxy name %q", p.Name)
		}
		seenProxy[p.Name] = true

		if err := validateTargets(p.DefaultTarget); err != nil {
			return fmt.Errorf("orchestrator: proxy %q default-target: %w", p.Name, err)
		}
		for _, r := range p.SourceRoutes {
			if err := validateTargets(r.Targets); err != nil {
				return fmt.Errorf("orchestrator: proxy %q source-route %q: %w", p.Name, r.CIDR, err)
			}
		}
		for _, r := range p.SNIRoutes {
			if err := validateTargets(r.Targets); err != nil {
				return fmt.Errorf("orchestrator: proxy %q sni-route %q: %w", p.Name, r.Hostname, err)
			}
		}
	}
	return nil
}

func validateTargets(targets []WeightedTarget) error {
	if len(targets) == 0 {
		return fmt.Errorf("no targets")
	}
	if len(targets) > maps.MaxTargets {
		return fmt.Errorf("%d targets exceeds max %d", len(targets), maps.MaxTargets)
	}
	var sum int
	for _, t := range targets {
		if t.Weight < 1 || t.Weight > 100 {
			return fmt.Errorf("target %q weight %d out of range 1..100", t.Name, t.Weight)
		}
		sum += int(t.Weight)
	}
	if len(targets) > 1 && sum != 100 {
		return fmt.Errorf("target weights sum to %d, want 100", sum)
	}
	return nil
}
