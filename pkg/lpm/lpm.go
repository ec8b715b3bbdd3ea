// Package lpm wraps github.com/gaissmai/bart's balanced-ART trie as the
// in-process mirror of the kernel LPM_TRIE route table (spec.md §3 "LPM
// key"/"LPM value"). The ingress software reference pipeline (pkg/ingress)
// performs its source-prefix lookup against this same structure so its
// behavior matches what a real BPF_MAP_TYPE_LPM_TRIE lookup would return;
// the orchestrator (pkg/orchestrator) uses it to build the ebpf.Map entries
// it pushes down and to validate a route before installing it.
//
// Grounded on the teacher's pkg/policy/mapstate.go, which indexes policy
// keys in a trie (bitlpm.Trie) while keeping per-prefix detail (identity
// sets) in a side map — here every leaf directly holds one target group,
// so no side map is needed.
package lpm

import (
	"fmt"

	"github.com/gaissmai/bart"

	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

// Table is a longest-prefix-match route table from source CIDR to target
// group, keyed independently per address family (bart.Table already splits
// v4/v6 internally).
type Table struct {
	t bart.Table[maps.TargetGroup]
}

// New returns an empty, ready-to-use route table.
func New() *Table {
	return &Table{}
}

// Insert adds or replaces the route for prefix. Per spec.md §3's
// cumulative-weight invariant, callers must pass an already-validated
// group (maps.BuildTargetGroup/Validate).
func (t *Table) Insert(prefix iptypes.Prefix, group maps.TargetGroup) error {
	if err := group.Validate(); err != nil {
		return fmt.Errorf("lpm: invalid target group for %s: %w", prefix, err)
	}
	t.t.Insert(prefix.Netip(), group)
	return nil
}

// Delete removes the route for prefix, if present.
func (t *Table) Delete(prefix iptypes.Prefix) {
	t.t.Delete(prefix.Netip())
}

// Lookup performs the longest-prefix match for addr, matching spec.md
// §4.3 step 6(a): "LPM lookup against source address".
func (t *Table) Lookup(addr iptypes.Addr) (maps.TargetGroup, bool) {
	return t.t.Lookup(addr.Netip())
}
