package ingress

import (
	"sync"

	"github.com/cilium/xlb/pkg/maps"
)

// ListenTable resolves (ifindex, port, address family) to the listener's
// target group, spec.md §4.3 step 3. The real deployment backs this with
// a BPF_MAP_TYPE_HASH (maps.ListenMapSpec); MapListenTable is the
// in-process form used by the software reference pipeline and tests.
type ListenTable interface {
	Lookup(key maps.ListenKey) (maps.TargetGroup, bool)
}

// SNITable resolves a lowercased-hostname FNV-1a hash to a target group,
// spec.md §3 "SNI key". MapSNITable is the in-process form.
type SNITable interface {
	Lookup(hash uint64) (maps.TargetGroup, bool)
}

// MapListenTable is a mutex-protected in-memory ListenTable.
type MapListenTable struct {
	mu sync.RWMutex
	m  map[maps.ListenKey]maps.TargetGroup
}

func NewMapListenTable() *MapListenTable {
	return &MapListenTable{m: make(map[maps.ListenKey]maps.TargetGroup)}
}

func (t *MapListenTable) Set(key maps.ListenKey, group maps.TargetGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = group
}

func (t *MapListenTable) Delete(key maps.ListenKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}

func (t *MapListenTable) Lookup(key maps.ListenKey) (maps.TargetGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.m[key]
	return g, ok
}

// MapSNITable is a mutex-protected in-memory SNITable.
type MapSNITable struct {
	mu sync.RWMutex
	m  map[uint64]maps.TargetGroup
}

func NewMapSNITable() *MapSNITable {
	return &MapSNITable{m: make(map[uint64]maps.TargetGroup)}
}

func (t *MapSNITable) Set(hash uint64, group maps.TargetGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[hash] = group
}

func (t *MapSNITable) Delete(hash uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, hash)
}

func (t *MapSNITable) Lookup(hash uint64) (maps.TargetGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.m[hash]
	return g, ok
}
