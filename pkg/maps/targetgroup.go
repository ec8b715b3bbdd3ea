package maps

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/cilium/xlb/pkg/iptypes"
)

// MaxTargets is the fixed target-group fan-out from spec.md §3 ("8×20
// bytes").
const MaxTargets = 8

// GroupFlags bits.
const (
	GroupFlagSNI uint8 = 1 << 0 // listen value: SNI evaluation requested
)

// Persistence selects the session-affinity mode for a target group,
// spec.md §3 "session_persistence".
type Persistence uint8

const (
	PersistenceNone Persistence = iota
	PersistenceSourceIP
)

// Target is one entry of a target group's 8-slot array: spec.md §3
// "target[ip(16) | port(2) | cumulative_weight(2)]".
type Target struct {
	IP               [16]byte `align:"ip"`
	Port             uint16   `align:"port"`
	CumulativeWeight uint16   `align:"cumulative_weight"`
}

const targetSize = 20

// TargetGroup is the 168-byte LPM/listen/SNI map value from spec.md §3.
type TargetGroup struct {
	TargetCount uint8 `align:"target_count"`
	Flags       uint8 `align:"flags"`
	Persistence Persistence `align:"session_persistence"`
	_pad        [5]byte
	Targets     [MaxTargets]Target `align:"target"`
}

const TargetGroupSize = 8 + MaxTargets*targetSize // 168

// AllUnhealthy reports the spec.md §3 "all unhealthy" graceful-degradation
// condition: every populated target has cumulative weight 0.
func (g *TargetGroup) AllUnhealthy() bool {
	if g.TargetCount == 0 {
		return true
	}
	for i := 0; i < int(g.TargetCount); i++ {
		if g.Targets[i].CumulativeWeight != 0 {
			return false
		}
	}
	return true
}

// Select implements spec.md §4.3 step 6's "pick the lowest-index target
// whose cumulative weight exceeds the selector" rule, over 0..99.
func (g *TargetGroup) Select(selector uint8) (Target, bool) {
	for i := 0; i < int(g.TargetCount); i++ {
		if uint16(selector) < g.Targets[i].CumulativeWeight {
			return g.Targets[i], true
		}
	}
	return Target{}, false
}

// Validate checks the spec.md §3 invariant that cumulative weights are
// monotonically non-decreasing, and (when any target is selectable) that
// the last one equals 100.
func (g *TargetGroup) Validate() error {
	if g.TargetCount > MaxTargets {
		return fmt.Errorf("maps: target_count %d exceeds max %d", g.TargetCount, MaxTargets)
	}
	var prev uint16
	anyNonZero := false
	for i := 0; i < int(g.TargetCount); i++ {
		w := g.Targets[i].CumulativeWeight
		if w < prev {
			return fmt.Errorf("maps: target %d cumulative weight %d is less than previous %d", i, w, prev)
		}
		if w != 0 {
			anyNonZero = true
		}
		prev = w
	}
	if anyNonZero && prev != 100 {
		return fmt.Errorf("maps: last cumulative weight %d must equal 100 when any target is selectable", prev)
	}
	return nil
}

// BuildTargetGroup constructs a TargetGroup from ordered (addr, port,
// weight) tuples, computing cumulative weights as the running sum in
// argument order (spec.md §3: "swapping targets therefore requires a full
// group rewrite").
func BuildTargetGroup(entries []struct {
	Addr   iptypes.Addr
	Port   uint16
	Weight uint16
}, persistence Persistence, sni bool) (TargetGroup, error) {
	if len(entries) > MaxTargets {
		return TargetGroup{}, fmt.Errorf("maps: %d targets exceeds max %d", len(entries), MaxTargets)
	}
	var g TargetGroup
	g.TargetCount = uint8(len(entries))
	g.Persistence = persistence
	if sni {
		g.Flags |= GroupFlagSNI
	}
	var cum uint16
	for i, e := range entries {
		cum += e.Weight
		g.Targets[i] = Target{
			IP:               e.Addr.To16(),
			Port:             Htons(e.Port),
			CumulativeWeight: cum,
		}
	}
	if err := g.Validate(); err != nil {
		return TargetGroup{}, err
	}
	return g, nil
}

// LPMKey is the 20-byte route-table key from spec.md §3.
type LPMKey struct {
	PrefixLen uint32   `align:"prefix_len"`
	IP        [16]byte `align:"ip"`
}

const LPMKeySize = 20

func LPMMapSpec(maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "xlb_lpm_routes",
		Type:       ebpf.LPMTrie,
		KeySize:    LPMKeySize,
		ValueSize:  TargetGroupSize,
		MaxEntries: maxEntries,
		Flags:      1, // BPF_F_NO_PREALLOC, required for LPM_TRIE
	}
}

// ListenKey is the 8-byte listen-table key from spec.md §3.
type ListenKey struct {
	Ifindex uint32   `align:"ifindex"`
	Port    uint16   `align:"port"`
	AF      iptypes.Family `align:"af"`
	_pad    uint8
}

const ListenKeySize = 8

// String gives a log-friendly, not wire, identifier — distinct from the
// binary key, in the spirit of the teacher's pkg/policy/proxyid.go
// colon-joined composite IDs used for human-facing lookups/logs. Port is
// stored here in host order (it's never passed through Htons, unlike
// Target.Port and ConntrackKey's ports): both the listen-table install
// path and the ingress lookup path build it straight from the decoded
// port number.
func (k ListenKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.Ifindex, k.Port, k.AF)
}

func ListenMapSpec(maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "xlb_listen",
		Type:       ebpf.Hash,
		KeySize:    ListenKeySize,
		ValueSize:  TargetGroupSize,
		MaxEntries: maxEntries,
	}
}

// SNIKey is the 8-byte SNI table key: the FNV-1a 64 hash, big-endian,
// spec.md §3.
type SNIKey struct {
	Hash uint64
}

const SNIKeySize = 8

func SNIMapSpec(maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "xlb_sni",
		Type:       ebpf.Hash,
		KeySize:    SNIKeySize,
		ValueSize:  TargetGroupSize,
		MaxEntries: maxEntries,
	}
}
