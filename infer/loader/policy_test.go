package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickVictim_NoCandidates_ReturnsMinusOne(t *testing.T) {
	assert.Equal(t, -1, pickVictim(PolicyLRU, nil))
}

func TestPickVictim_PolicyTable(t *testing.T) {
	cands := []victim{
		{id: 0, lastTick: 30, accessCount: 5, priority: 2.0, distance: 4.0},
		{id: 1, lastTick: 10, accessCount: 9, priority: 9.0, distance: 1.5},
		{id: 2, lastTick: 20, accessCount: 2, priority: 0.5, distance: 1e18},
	}

	tests := []struct {
		name   string
		policy Policy
		want   int
	}{
		{"lru picks oldest tick", PolicyLRU, 1},
		{"lfu picks fewest accesses", PolicyLFU, 2},
		{"access-pattern picks farthest next use", PolicyAccessPattern, 2},
		{"manual picks lowest priority", PolicyManual, 2},
		{"empty policy behaves as lru", Policy(""), 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := pickVictim(tc.policy, cands); got != tc.want {
				t.Errorf("pickVictim(%s) = %d, want %d", tc.policy, got, tc.want)
			}
		})
	}
}

func TestPickVictim_TieBreaks(t *testing.T) {
	// equal ticks fall back to higher id under LRU
	ties := []victim{
		{id: 3, lastTick: 10},
		{id: 7, lastTick: 10},
		{id: 5, lastTick: 10},
	}
	assert.Equal(t, 7, pickVictim(PolicyLRU, ties))

	// equal access counts fall back to older tick under LFU
	lfu := []victim{
		{id: 0, accessCount: 4, lastTick: 9},
		{id: 1, accessCount: 4, lastTick: 3},
	}
	assert.Equal(t, 1, pickVictim(PolicyLFU, lfu))

	// equal priorities fall back to older tick under manual
	manual := []victim{
		{id: 0, priority: 1.0, lastTick: 2},
		{id: 1, priority: 1.0, lastTick: 8},
	}
	assert.Equal(t, 0, pickVictim(PolicyManual, manual))
}

func TestPickVictim_IsOrderIndependent(t *testing.T) {
	forward := []victim{
		{id: 0, lastTick: 5},
		{id: 1, lastTick: 5},
		{id: 2, lastTick: 1},
	}
	reversed := []victim{forward[2], forward[1], forward[0]}
	assert.Equal(t, pickVictim(PolicyLRU, forward), pickVictim(PolicyLRU, reversed))
}
