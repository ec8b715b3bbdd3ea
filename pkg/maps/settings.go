package maps

import "github.com/cilium/ebpf"

// Settings slot indices, spec.md §3 "Settings (array, 16 slots)".
const (
	SettingStatsEnabled uint32 = iota
	SettingIdleTimeoutSeconds
	SettingMaxConnections
	SettingLBAlgorithm
	SettingLBWeightedFlag
	SettingUpdateIntervalMs
	SettingSourceRateLimit
	SettingSourceBurst
	SettingBackendRateLimit
	SettingBackendBurst
	SettingCircuitBreakerFlags

	SettingsCount = 16
)

// Algorithm selects the weighted-selection strategy, spec.md §4.3 step 6.
type Algorithm uint32

const (
	AlgoWeightedRandom Algorithm = iota
	AlgoSessionSticky
	AlgoLeastConnections
)

func SettingsMapSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "xlb_settings",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: SettingsCount,
	}
}

// Settings is the in-process mirror of the 16-slot settings array, pushed
// to the kernel array map one uint64 slot at a time.
type Settings struct {
	StatsEnabled        bool
	IdleTimeoutSeconds   uint32
	MaxConnections       uint32
	LBAlgorithm          Algorithm
	LBWeighted           bool
	UpdateIntervalMs     uint32
	SourceRateLimit      uint32
	SourceBurst          uint32
	BackendRateLimit     uint32
	BackendBurst         uint32
	CircuitBreakerFlags  uint32
}

// Slots returns the settings encoded as (index, value) pairs ready to Put
// into the kernel array map, in slot order.
func (s Settings) Slots() [SettingsCount]uint64 {
	var out [SettingsCount]uint64
	out[SettingStatsEnabled] = boolU64(s.StatsEnabled)
	out[SettingIdleTimeoutSeconds] = uint64(s.IdleTimeoutSeconds)
	out[SettingMaxConnections] = uint64(s.MaxConnections)
	out[SettingLBAlgorithm] = uint64(s.LBAlgorithm)
	out[SettingLBWeightedFlag] = boolU64(s.LBWeighted)
	out[SettingUpdateIntervalMs] = uint64(s.UpdateIntervalMs)
	out[SettingSourceRateLimit] = uint64(s.SourceRateLimit)
	out[SettingSourceBurst] = uint64(s.SourceBurst)
	out[SettingBackendRateLimit] = uint64(s.BackendRateLimit)
	out[SettingBackendBurst] = uint64(s.BackendBurst)
	out[SettingCircuitBreakerFlags] = uint64(s.CircuitBreakerFlags)
	return out
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
