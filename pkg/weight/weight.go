// Package weight implements the effective-weight composition rules of
// spec.md §4.8: health/drain/circuit/recovery/least-connections signals
// folded down to a set of cumulative weights summing to exactly 100.
//
// Pure, deterministic, side-effect-free functions — no corpus library is a
// better fit than plain arithmetic here, so this package is stdlib-only by
// design, matching spec.md §9's
// framing of the weight computer as a composition function over signals
// already gathered by pkg/healthcheck, pkg/circuit, and pkg/drain.
package weight

import "sort"

// Status is the per-target signal state the priority chain in spec.md
// §4.8 consumes.
type Status struct {
	Name            string
	OriginalWeight  uint16 // 1..100, as configured
	Unhealthy       bool
	Draining        bool
	CircuitOpen     bool
	CircuitHalfOpen bool
	// RecoveryFraction applies the four-step gradual restoration
	// (spec.md §4.7): 0 means "no recovery in progress, use 1.0".
	// Valid non-zero values are 25, 50, 75, 100.
	RecoveryFraction int
	// Connections is only consulted by LeastConnections.
	Connections int
}

// raw computes the pre-normalization weight for one target, applying
// spec.md §4.8 steps 1-4 in priority order.
func (s Status) raw() float64 {
	if s.Unhealthy {
		return 0
	}
	if s.Draining {
		return 0
	}
	if s.CircuitOpen {
		return 0
	}
	if s.CircuitHalfOpen {
		return float64(s.OriginalWeight) * 0.10
	}
	if s.RecoveryFraction > 0 && s.RecoveryFraction < 100 {
		return float64(s.OriginalWeight) * float64(s.RecoveryFraction) / 100.0
	}
	return float64(s.OriginalWeight)
}

// Effective is one target's resolved, integer effective weight, part of a
// group whose Weights sum to exactly 100 (or all 0 only transiently, per
// spec.md §8).
type Effective struct {
	Name   string
	Weight uint16
}

// Compute applies spec.md §4.8 in full: priority chain, all-zero graceful
// degradation (step 5), and normalization with residual distributed to the
// highest-original-weight targets first, ties broken by index (step 6).
func Compute(statuses []Status) []Effective {
	raws := make([]float64, len(statuses))
	anyNonZero := false
	for i, s := range statuses {
		raws[i] = s.raw()
		if raws[i] > 0 {
			anyNonZero = true
		}
	}
	if !anyNonZero && len(statuses) > 0 {
		// Step 5: graceful degradation — revert all to original weights.
		for i, s := range statuses {
			raws[i] = float64(s.OriginalWeight)
		}
	}
	return normalize(statuses, raws)
}

// ComputeLeastConnections replaces step 6's input with
// capacity_i = original_i / (1 + connections_i) before normalizing,
// per spec.md §4.8's "For least-connections" paragraph. Targets removed by
// steps 1-4 (weight 0) keep capacity 0 regardless of connection count.
func ComputeLeastConnections(statuses []Status) []Effective {
	raws := make([]float64, len(statuses))
	anyNonZero := false
	for i, s := range statuses {
		if s.raw() == 0 {
			raws[i] = 0
			continue
		}
		raws[i] = float64(s.OriginalWeight) / float64(1+s.Connections)
		anyNonZero = true
	}
	if !anyNonZero && len(statuses) > 0 {
		for i, s := range statuses {
			raws[i] = float64(s.OriginalWeight)
		}
	}
	return normalize(statuses, raws)
}

func normalize(statuses []Status, raws []float64) []Effective {
	out := make([]Effective, len(statuses))
	var total float64
	for _, r := range raws {
		total += r
	}
	if total == 0 {
		for i, s := range statuses {
			out[i] = Effective{Name: s.Name, Weight: 0}
		}
		return out
	}

	floats := make([]float64, len(raws))
	sum := 0
	for i, r := range raws {
		scaled := r / total * 100.0
		floats[i] = scaled
		out[i] = Effective{Name: statuses[i].Name, Weight: uint16(scaled)} // truncation
		sum += int(out[i].Weight)
	}

	residual := 100 - sum
	if residual > 0 {
		order := make([]int, len(statuses))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return statuses[order[a]].OriginalWeight > statuses[order[b]].OriginalWeight
		})
		for _, idx := range order {
			if residual == 0 {
				break
			}
			if raws[idx] == 0 {
				continue // a zeroed-out target never receives residual
			}
			out[idx].Weight++
			residual--
		}
	}
	return out
}
