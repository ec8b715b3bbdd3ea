// Package conntrack owns the connection-tracking table (spec.md §3
// "Conntrack key"/"Conntrack value") shared by the ingress pipeline
// (creates entries), the egress pipeline (mutates them on replies), the
// PROXY-protocol injector (mutates proxy_flags/seq_offset), and this
// package's own reaper and ring-buffer stats consumer (spec.md §4.6).
//
// Grounded on the teacher's per-CPU-map discipline (spec.md §5: "per-CPU
// maps are used for the conntrack table to avoid inter-CPU contention");
// the in-memory Table here models a summed, already-read view — the
// EbpfTable adapter is what actually talks to a BPF_MAP_TYPE_LRU_PERCPU_HASH
// via github.com/cilium/ebpf and performs the per-CPU sum at read time.
package conntrack

import (
	"sync"

	"github.com/cilium/xlb/pkg/maps"
)

// Table is the shape both the packet-processing pipelines and the reaper
// need: atomic per-entry lookup/insert/delete, and a full scan for reaping.
type Table interface {
	Lookup(k maps.ConntrackKey) (maps.ConntrackValue, bool)
	// InsertIfAbsent installs v under k iff k is not already present,
	// implementing spec.md §4.3 step 7's race rule: "On collision (race
	// with peer CPU), prefer the existing entry and do not overwrite
	// nat_dst." Returns the value now stored under k and whether this
	// call was the one that inserted it.
	InsertIfAbsent(k maps.ConntrackKey, v maps.ConntrackValue) (stored maps.ConntrackValue, inserted bool)
	// Update mutates an existing entry in place via fn; fn receives a
	// pointer to the stored value. Returns false if k is absent.
	Update(k maps.ConntrackKey, fn func(*maps.ConntrackValue)) bool
	Delete(k maps.ConntrackKey)
	ForEach(fn func(maps.ConntrackKey, maps.ConntrackValue) bool)
	Len() int
	// LookupReverse resolves a reply packet's post-NAT tuple (source =
	// original client, destination = the selected backend, ports
	// likewise) back to the primary key it was stored under (keyed by the
	// pre-NAT listen address, since that is the only tuple a client's own
	// packets ever carry) and its value. The egress pipeline (spec.md
	// §4.4 step 1-2) builds exactly this tuple by swapping src/dst on the
	// reply it observes, so this is the lookup that makes that swap
	// resolve to the right entry.
	LookupReverse(natKey maps.ConntrackKey) (fwdKey maps.ConntrackKey, value maps.ConntrackValue, ok bool)
}

// MemTable is a mutex-protected in-memory Table, used by the software
// reference pipeline and by tests; the real deployment uses EbpfTable
// instead (ebpf_table.go).
type MemTable struct {
	mu        sync.Mutex
	entries   map[maps.ConntrackKey]maps.ConntrackValue
	natIndex  map[maps.ConntrackKey]maps.ConntrackKey // nat tuple -> primary key
}

func NewMemTable() *MemTable {
	return &MemTable{
		entries:  make(map[maps.ConntrackKey]maps.ConntrackValue),
		natIndex: make(map[maps.ConntrackKey]maps.ConntrackKey),
	}
}

// natKeyFor builds the tuple a reply from v's backend, addressed back to
// the original client, resolves to: src=client, dst=backend, ports
// likewise — the same shape ConntrackKey.Reverse() produces from an
// observed reply frame. v.NatDstPort is stored host-order (spec.md §3
// only mandates network order for ConntrackKey itself), so it is run
// through maps.Htons here to match k.SrcPort's wire convention.
func natKeyFor(k maps.ConntrackKey, v maps.ConntrackValue) maps.ConntrackKey {
	return maps.ConntrackKey{
		SrcIP:    k.SrcIP,
		DstIP:    v.NatDstIP,
		SrcPort:  k.SrcPort,
		DstPort:  maps.Htons(v.NatDstPort),
		Protocol: k.Protocol,
	}
}

func (t *MemTable) Lookup(k maps.ConntrackKey) (maps.ConntrackValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[k]
	return v, ok
}

func (t *MemTable) InsertIfAbsent(k maps.ConntrackKey, v maps.ConntrackValue) (maps.ConntrackValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[k]; ok {
		return existing, false
	}
	t.entries[k] = v
	t.natIndex[natKeyFor(k, v)] = k
	return v, true
}

func (t *MemTable) Update(k maps.ConntrackKey, fn func(*maps.ConntrackValue)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[k]
	if !ok {
		return false
	}
	delete(t.natIndex, natKeyFor(k, v))
	fn(&v)
	t.entries[k] = v
	t.natIndex[natKeyFor(k, v)] = k
	return true
}

func (t *MemTable) Delete(k maps.ConntrackKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.entries[k]; ok {
		delete(t.natIndex, natKeyFor(k, v))
	}
	delete(t.entries, k)
}

func (t *MemTable) LookupReverse(natKey maps.ConntrackKey) (maps.ConntrackKey, maps.ConntrackValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fwdKey, ok := t.natIndex[natKey]
	if !ok {
		return maps.ConntrackKey{}, maps.ConntrackValue{}, false
	}
	v, ok := t.entries[fwdKey]
	if !ok {
		return maps.ConntrackKey{}, maps.ConntrackValue{}, false
	}
	return fwdKey, v, true
}

func (t *MemTable) ForEach(fn func(maps.ConntrackKey, maps.ConntrackValue) bool) {
	t.mu.Lock()
	snapshot := make(map[maps.ConntrackKey]maps.ConntrackValue, len(t.entries))
	for k, v := range t.entries {
		snapshot[k] = v
	}
	t.mu.Unlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (t *MemTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CountForTarget returns the number of live entries whose nat_dst matches
// target, used by the drain coordinator (spec.md §4.10: "polls conntrack
// count for that target").
func CountForTarget(t Table, target [16]byte, port uint16) int {
	n := 0
	t.ForEach(func(k maps.ConntrackKey, v maps.ConntrackValue) bool {
		if v.NatDstIP == target && v.NatDstPort == port {
			n++
		}
		return true
	})
	return n
}
