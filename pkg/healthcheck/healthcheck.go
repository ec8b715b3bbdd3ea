// Package healthcheck implements the TCP/HTTP/HTTPS probing subsystem of
// spec.md §4.7: per-target scheduled probes, threshold-gated health
// transitions, jittered initial delay, and gradual four-step recovery.
//
// Grounded on spec.md §5's cooperative-scheduler requirement ("parallelism
// limited to the number of probe targets... must not hold locks across
// suspension points"): golang.org/x/sync/semaphore bounds concurrency and
// golang.org/x/time/rate throttles probe dispatch so a large target set
// cannot burst all its outbound probes in the same instant.
package healthcheck

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cilium/xlb/pkg/events"
)

var log = logrus.WithField("subsys", "healthcheck")

// Kind selects the probe protocol, spec.md §4.7.
type Kind int

const (
	KindNone Kind = iota
	KindTCP
	KindHTTP
	KindHTTPS
)

// Status is the externally visible health state of a target.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// TargetConfig is one target's probe configuration, with spec.md §4.7
// defaults documented per field.
type TargetConfig struct {
	Name     string
	Addr     string // host:port
	Kind     Kind
	Interval time.Duration // default 10s, range 1..300s
	Timeout  time.Duration
	Path     string        // HTTP(S) only, default "/health"
	ExpectStatus []int     // default {200,201,202,204}

	HealthyThreshold   int // default 2
	UnhealthyThreshold int // default 3
}

// DefaultTargetConfig fills in spec.md §4.7's stated defaults for any zero
// fields of cfg.
func DefaultTargetConfig(cfg TargetConfig) TargetConfig {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "/health"
	}
	if len(cfg.ExpectStatus) == 0 {
		cfg.ExpectStatus = []int{200, 201, 202, 204}
	}
	if cfg.HealthyThreshold == 0 {
		cfg.HealthyThreshold = 2
	}
	if cfg.UnhealthyThreshold == 0 {
		cfg.UnhealthyThreshold = 3
	}
	return cfg
}

// recoveryWeights is the four-step gradual restoration of spec.md §4.7.
var recoveryWeights = [...]int{25, 50, 75, 100}

type targetState struct {
	cfg TargetConfig

	mu                 sync.Mutex
	status             Status
	consecutiveSucc    int
	consecutiveFail    int
	recoveryStep       int // index into recoveryWeights, -1 when not recovering
}

// Monitor runs health probes for a set of targets and exposes their
// current status plus recovery fraction for pkg/weight to consume.
type Monitor struct {
	bus    *events.Bus
	sem    *semaphore.Weighted
	limiter *rate.Limiter
	now    func() time.Time
	rng    *rand.Rand

	mu      sync.Mutex
	targets map[string]*targetState

	httpClient *http.Client
}

// NewMonitor returns a Monitor. maxConcurrent bounds in-flight probes
// across all targets (spec.md §5 "parallelism limited to the number of
// probe targets").
func NewMonitor(bus *events.Bus, maxConcurrent int) *Monitor {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &Monitor{
		bus:     bus,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		limiter: rate.NewLimiter(rate.Limit(maxConcurrent*2), maxConcurrent),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		targets: make(map[string]*targetState),
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
	}
}

// AddTarget registers a target and returns its initial jittered start
// delay (±10% of interval, spec.md §4.7: "jittered by up to ±10% of
// interval to prevent thundering herd").
func (m *Monitor) AddTarget(cfg TargetConfig) time.Duration {
	cfg = DefaultTargetConfig(cfg)
	ts := &targetState{cfg: cfg, recoveryStep: -1}
	m.mu.Lock()
	m.targets[cfg.Name] = ts
	m.mu.Unlock()

	jitterRange := float64(cfg.Interval) * 0.10
	jitter := time.Duration((m.rng.Float64()*2 - 1) * jitterRange)
	return jitter
}

// RemoveTarget stops tracking a target (e.g. removed from config).
func (m *Monitor) RemoveTarget(name string) {
	m.mu.Lock()
	delete(m.targets, name)
	m.mu.Unlock()
}

// Status returns a target's current health status and, when it is
// recovering, the active recovery percentage (0 when not recovering or
// fully recovered).
func (m *Monitor) Status(name string) (Status, int) {
	m.mu.Lock()
	ts := m.targets[name]
	m.mu.Unlock()
	if ts == nil {
		return StatusUnknown, 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.recoveryStep >= 0 && ts.recoveryStep < len(recoveryWeights) {
		return ts.status, recoveryWeights[ts.recoveryStep]
	}
	return ts.status, 0
}

// Run schedules a probe loop per target until ctx is cancelled. Probe
// ordering between targets is unspecified (spec.md §4.7), matched here by
// each target running its own independent timer goroutine bounded by the
// shared semaphore/limiter.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.targets))
	for n := range m.targets {
		names = append(names, n)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.runTarget(ctx, name)
		}(n)
	}
	wg.Wait()
}

func (m *Monitor) runTarget(ctx context.Context, name string) {
	m.mu.Lock()
	ts := m.targets[name]
	m.mu.Unlock()
	if ts == nil {
		return
	}
	jitterRange := float64(ts.cfg.Interval) * 0.10
	jitter := time.Duration((m.rng.Float64()*2 - 1) * jitterRange)
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.probeOne(ctx, ts)
			timer.Reset(ts.cfg.Interval)
		}
	}
}

// ForceProbe runs one probe for name immediately, outside its schedule
// (spec.md §6 runtime API: "force DNS resolve" analogue for health).
func (m *Monitor) ForceProbe(ctx context.Context, name string) {
	m.mu.Lock()
	ts := m.targets[name]
	m.mu.Unlock()
	if ts != nil {
		m.probeOne(ctx, ts)
	}
}

func (m *Monitor) probeOne(ctx context.Context, ts *targetState) {
	if ts.cfg.Kind == KindNone {
		return
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	ok := m.dispatchProbe(ctx, ts.cfg)
	m.recordOutcome(ts, ok)
}

func (m *Monitor) dispatchProbe(ctx context.Context, cfg TargetConfig) bool {
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	switch cfg.Kind {
	case KindTCP:
		return probeTCP(pctx, cfg.Addr)
	case KindHTTP:
		return m.probeHTTP(pctx, "http", cfg)
	case KindHTTPS:
		return m.probeHTTP(pctx, "https", cfg)
	default:
		return true
	}
}

// probeTCP establishes and immediately closes a connection, spec.md §4.7.
func probeTCP(ctx context.Context, addr string) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (m *Monitor) probeHTTP(ctx context.Context, scheme string, cfg TargetConfig) bool {
	url := scheme + "://" + cfg.Addr + cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	for _, s := range cfg.ExpectStatus {
		if resp.StatusCode == s {
			return true
		}
	}
	return false
}

func (m *Monitor) recordOutcome(ts *targetState, ok bool) {
	ts.mu.Lock()
	prev := ts.status
	if ok {
		ts.consecutiveSucc++
		ts.consecutiveFail = 0
		if ts.consecutiveSucc >= ts.cfg.HealthyThreshold {
			ts.status = StatusHealthy
		}
	} else {
		ts.consecutiveFail++
		ts.consecutiveSucc = 0
		if ts.consecutiveFail >= ts.cfg.UnhealthyThreshold {
			ts.status = StatusUnhealthy
		}
	}

	transitioned := prev != ts.status
	becameHealthy := transitioned && ts.status == StatusHealthy && prev == StatusUnhealthy

	if becameHealthy {
		ts.recoveryStep = 0
	} else if ts.recoveryStep >= 0 && ok {
		ts.recoveryStep++
		if ts.recoveryStep >= len(recoveryWeights) {
			ts.recoveryStep = -1 // fully recovered
		}
	} else if !ok {
		ts.recoveryStep = -1
	}
	name := ts.cfg.Name
	cur := ts.status
	recov := 0
	if ts.recoveryStep >= 0 && ts.recoveryStep < len(recoveryWeights) {
		recov = recoveryWeights[ts.recoveryStep]
	}
	ts.mu.Unlock()

	if transitioned {
		log.WithFields(logrus.Fields{"target": name, "from": prev.String(), "to": cur.String()}).Info("health status changed")
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Kind: events.KindHealthChange,
				Payload: events.HealthChangePayload{
					Target:      name,
					Previous:    prev.String(),
					Current:     cur.String(),
					RecoveryPct: recov,
				},
			})
		}
	}
}
