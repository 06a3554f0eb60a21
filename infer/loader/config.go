// infer/loader/config.go
package loader

import (
	"fmt"
	"time"
)

// Policy selects the eviction victim ordering.
type Policy string

const (
	// PolicyLRU evicts the layer with the oldest access tick.
	PolicyLRU Policy = "lru"
	// PolicyLFU evicts the layer with the fewest accesses, ties on older tick.
	PolicyLFU Policy = "lfu"
	// PolicyAccessPattern evicts the layer with the greatest predicted
	// next-use distance under the bigram transition histogram.
	PolicyAccessPattern Policy = "access-pattern"
	// PolicyManual evicts the layer with the lowest host-supplied priority.
	PolicyManual Policy = "manual"
)

// validPolicies maps accepted policy strings. Empty defaults to LRU.
var validPolicies = map[Policy]bool{
	PolicyLRU:           true,
	PolicyLFU:           true,
	PolicyAccessPattern: true,
	PolicyManual:        true,
	"":                  true,
}

// IsValidPolicy returns true if name is a recognized eviction policy.
func IsValidPolicy(name string) bool {
	return validPolicies[Policy(name)]
}

// ParsePolicy returns the Policy for name. Empty string defaults to LRU.
// Panics on unrecognized names.
func ParsePolicy(name string) Policy {
	if !IsValidPolicy(name) {
		panic(fmt.Sprintf("unknown eviction policy %q", name))
	}
	if name == "" {
		return PolicyLRU
	}
	return Policy(name)
}

// Config groups the progressive loader parameters.
type Config struct {
	MemoryBudget             uint64        // upper bound on resident bytes (must be > 0)
	EnableUnloading          bool          // false = never evict; overruns fail the load
	Policy                   Policy        // eviction victim selection
	PrefetchThreshold        float64       // bigram confidence gate in [0,1]
	MaxPrefetchLayers        int           // prefetched layers per access (0 disables)
	EnableDependencyTracking bool          // enforce the dependency graph on load/unload
	PerLoadTimeout           time.Duration // 0 = no deadline on a single fetch
}

// DefaultConfig mirrors the runtime's conventional defaults: 1 GiB budget,
// unloading on, LRU, prefetch up to 2 layers above 0.7 confidence.
func DefaultConfig() Config {
	return Config{
		MemoryBudget:             1 << 30,
		EnableUnloading:          true,
		Policy:                   PolicyLRU,
		PrefetchThreshold:        0.7,
		MaxPrefetchLayers:        2,
		EnableDependencyTracking: true,
	}
}
