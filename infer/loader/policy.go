// infer/loader/policy.go
package loader

// victim carries the statistics a policy needs to rank one eviction
// candidate. Candidates are pre-filtered: loaded, unpinned, no loaded
// dependent.
type victim struct {
	id          int
	bytes       uint64
	lastTick    uint64
	accessCount uint64
	priority    float64 // manual policy, host-supplied
	distance    float64 // access-pattern policy, predicted next-use distance
}

// pickVictim returns the id of the candidate the policy evicts first, or -1
// when there are no candidates. Selection is deterministic: every comparator
// ends on an id tie-break.
func pickVictim(policy Policy, cands []victim) int {
	if len(cands) == 0 {
		return -1
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if beats(policy, c, best) {
			best = c
		}
	}
	return best.id
}

// beats reports whether a is a better victim than b under the policy.
func beats(policy Policy, a, b victim) bool {
	switch policy {
	case PolicyLFU:
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		if a.lastTick != b.lastTick {
			return a.lastTick < b.lastTick
		}
	case PolicyAccessPattern:
		if a.distance != b.distance {
			return a.distance > b.distance
		}
		if a.lastTick != b.lastTick {
			return a.lastTick < b.lastTick
		}
	case PolicyManual:
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.lastTick != b.lastTick {
			return a.lastTick < b.lastTick
		}
	default: // PolicyLRU
		if a.lastTick != b.lastTick {
			return a.lastTick < b.lastTick
		}
	}
	return a.id > b.id
}
