package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cilium/xlb/pkg/circuit"
	"github.com/cilium/xlb/pkg/conntrack"
	"github.com/cilium/xlb/pkg/dnsresolve"
	"github.com/cilium/xlb/pkg/drain"
	"github.com/cilium/xlb/pkg/egress"
	"github.com/cilium/xlb/pkg/events"
	"github.com/cilium/xlb/pkg/healthcheck"
	"github.com/cilium/xlb/pkg/ingress"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/lpm"
	"github.com/cilium/xlb/pkg/maps"
	"github.com/cilium/xlb/pkg/proxyproto"
	"github.com/cilium/xlb/pkg/ratelimit"
)

// groupKind distinguishes the three places spec.md §6 lets a target list
// live.
type groupKind int

const (
	groupDefault groupKind = iota
	groupSource
	groupSNI
)

// targetRuntime is the orchestrator's live view of one configured target,
// spanning every other component's per-target state.
type targetRuntime struct {
	proxy          string
	name           string
	hostname       string // "" when Addr was a literal IP
	addr           iptypes.Addr
	// ips holds every address this target currently resolves to: a
	// single-element slice for a literal IP or a single-A hostname, more
	// for a multi-A hostname. addr always equals ips[0] and is kept as
	// the representative address for health checks and status reporting
	// (spec.md §4.11 distributes weight across these at the
	// target-group-build level; it does not ask for per-IP health).
	ips            []iptypes.Addr
	port           uint16
	originalWeight uint16
	proxyProto     bool

	breaker    *circuit.Breaker
	drainCoord *drain.Coordinator

	mu              sync.Mutex
	draining        bool
	effectiveWeight uint16
	groups          []string // group keys this target contributes to
}

func (t *targetRuntime) key() string { return t.proxy + "/" + t.name }

// groupRuntime is one target-group install point: a proxy's default
// target, one source-route, or one SNI route.
type groupRuntime struct {
	key         string
	kind        groupKind
	persistence maps.Persistence
	sni         bool
	members     []string // targetRuntime keys, in config order
	install     func(maps.TargetGroup) error
}

// Orchestrator is the control-plane runtime API of spec.md §6, wiring
// together C1-C12 behind a single registry lock (spec.md §5).
type Orchestrator struct {
	mu sync.RWMutex

	bus      *events.Bus
	settings maps.Settings
	cbConfig circuit.Config

	listen *ingress.MapListenTable
	sni    *ingress.MapSNITable
	routes *lpm.Table
	ct     conntrack.Table

	ingressPipeline *ingress.Pipeline
	egressPipeline  *egress.Pipeline

	health         *healthcheck.Monitor
	dns            *dnsresolve.Resolver
	reaper         *conntrack.Reaper
	rateCtl        *ratelimit.Controller
	sourceLimiter  *ratelimit.TokenStore
	backendLimiter *ratelimit.TokenStore

	attacher Attacher
	attached map[string]func() error // ifname -> detach

	targets map[string]*targetRuntime
	groups  map[string]*groupRuntime

	// proxyListens records each proxy's listen config for GetAllStatuses;
	// addProxyLocked sets it, RemoveProxy clears it.
	proxyListens map[string]ListenConfig

	// preresolved holds the startup-time bounded-concurrent DNS
	// resolution results (see resolveHostnamesConcurrently); cleared
	// once NewOrchestrator finishes applying cfg.Proxies.
	preresolved map[string][]string

	sub *events.Subscriber

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures NewOrchestrator.
type Option func(*Orchestrator)

// WithAttacher overrides the default software-reference attacher with a
// real one (e.g. the netlink/XDP-backed one this package also provides),
// per spec.md §4.14's "non-XDP userspace mode" framing: tests and
// unprivileged CI runs get a working orchestrator without touching the
// kernel.
func WithAttacher(a Attacher) Option {
	return func(o *Orchestrator) { o.attacher = a }
}

// WithConntrackTable overrides the in-memory conntrack table with a live
// EbpfTable, for production wiring.
func WithConntrackTable(t conntrack.Table) Option {
	return func(o *Orchestrator) { o.ct = t }
}

// NewOrchestrator validates cfg, builds every collaborator component, and
// installs the full configuration. On any failure it unwinds whatever it
// had already attached (spec.md §7 "attach-failed ... rollback
// already-attached interfaces") and returns an error; no partial state is
// left behind ("invalid-config: fatal; no partial apply").
func NewOrchestrator(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bus := events.NewBus(256)
	rateCtl, err := ratelimit.NewController(bus, 4096)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		bus:            bus,
		ct:             conntrack.NewMemTable(),
		listen:         ingress.NewMapListenTable(),
		sni:            ingress.NewMapSNITable(),
		routes:         lpm.New(),
		health:         healthcheck.NewMonitor(bus, 64),
		dns:            dnsresolve.NewResolver("", bus),
		rateCtl:        rateCtl,
		sourceLimiter:  ratelimit.NewTokenStore(),
		backendLimiter: ratelimit.NewTokenStore(),
		attacher:       userspaceAttacher{},
		attached:       make(map[string]func() error),
		targets:        make(map[string]*targetRuntime),
		groups:         make(map[string]*groupRuntime),
		proxyListens:   make(map[string]ListenConfig),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.settings = maps.Settings{
		StatsEnabled:        cfg.Settings.StatsEnabled,
		IdleTimeoutSeconds:  cfg.Settings.ConnectionTimeoutSec,
		MaxConnections:      cfg.Settings.MaxConnections,
		LBAlgorithm:         cfg.Settings.LoadBalancing.Algorithm,
		LBWeighted:          cfg.Settings.LoadBalancing.Weighted,
		UpdateIntervalMs:    cfg.Settings.LoadBalancing.UpdateIntervalMs,
		SourceRateLimit:     uint32(cfg.Settings.RateLimits.SourceRatePerSec),
		SourceBurst:         uint32(cfg.Settings.RateLimits.SourceBurst),
		BackendRateLimit:    uint32(cfg.Settings.RateLimits.BackendRatePerSec),
		BackendBurst:        uint32(cfg.Settings.RateLimits.BackendBurst),
	}
	o.cbConfig = cfg.Settings.CircuitBreaker
	if o.cbConfig == (circuit.Config{}) {
		o.cbConfig = circuit.DefaultConfig()
	}

	statsEnabled := cfg.Settings.StatsEnabled
	o.ingressPipeline = ingress.NewPipeline(ingress.Dependencies{
		Listen:         o.listen,
		Routes:         o.routes,
		SNI:            o.sni,
		Conntrack:      o.ct,
		Bus:            bus,
		Algorithm:      cfg.Settings.LoadBalancing.Algorithm,
		ProxyProto:     &proxyproto.Pipeline{Bus: bus, StatsEnabled: func() bool { return statsEnabled }},
		StatsEnabled:   func() bool { return statsEnabled },
		ProxyEnabled:   o.targetProxyEnabled,
		SourceLimiter:  o.sourceLimiter,
		BackendLimiter: o.backendLimiter,
		Now:            time.Now,
		Rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	})
	o.egressPipeline = egress.NewPipeline(egress.Dependencies{Conntrack: o.ct, Now: time.Now})

	hostnames := collectHostnames(cfg)
	pre, err := o.resolveHostnamesConcurrently(context.Background(), hostnames)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: initial dns resolution: %w", err)
	}
	o.preresolved = pre

	rb := &rollback{}
	for _, pc := range cfg.Proxies {
		if err := o.addProxyLocked(pc, rb); err != nil {
			rb.unwind()
			return nil, fmt.Errorf("orchestrator: proxy %q: %w", pc.Name, err)
		}
	}
	rb.commit()
	o.preresolved = nil

	idleTimeout := time.Duration(cfg.Settings.ConnectionTimeoutSec) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	o.reaper = conntrack.NewReaper(o.ct, idleTimeout, bus, func() bool { return statsEnabled })

	o.runCtx, o.cancel = context.WithCancel(context.Background())
	o.sub = bus.Subscribe()
	interval := time.Duration(cfg.Settings.LoadBalancing.UpdateIntervalMs) * time.Millisecond
	o.wg.Add(5)
	go func() { defer o.wg.Done(); o.consumeEvents() }()
	go func() { defer o.wg.Done(); o.health.Run(o.runCtx) }()
	go func() { defer o.wg.Done(); o.dns.Run(o.runCtx) }()
	go func() { defer o.wg.Done(); o.periodicRecompute(o.runCtx, interval) }()
	go func() { defer o.wg.Done(); o.reaper.Run(o.runCtx) }()

	return o, nil
}

// defaultIdleTimeout is used when settings.connection-timeout-sec is
// unset (spec.md §4.6 gives no default; this matches health-check's own
// fallback order of magnitude).
const defaultIdleTimeout = 5 * time.Minute

// targetProxyEnabled is ingress.Dependencies.ProxyEnabled. The ingress
// pipeline copies its result into each new conntrack entry's proxy_flags
// at connection-install time. It returns true for every listener, so every
// new connection is marked PROXY-enabled; the chosen target's
// ProxyProtocol.Enabled (targetRuntime.proxyProto) is not consulted.
func (o *Orchestrator) targetProxyEnabled(maps.ListenKey) bool {
	return true
}

// resolveIfindex looks up an interface's kernel index by name.
func resolveIfindex(ifname string) (uint32, error) {
	ifc, err := net.InterfaceByName(ifname)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: interface %s: %w", ifname, err)
	}
	return uint32(ifc.Index), nil
}

// Shutdown tears down every running goroutine and detaches every
// interface this orchestrator attached, in reverse order, per spec.md
// §4.13 "Shutdown tears down in reverse order and removes qdiscs it
// created."
func (o *Orchestrator) Shutdown() error {
	o.cancel()
	o.sub.Unsubscribe()
	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for ifname, detach := range o.attached {
		if err := detach(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("orchestrator: detach %s: %w", ifname, err)
		}
		delete(o.attached, ifname)
	}
	return firstErr
}
