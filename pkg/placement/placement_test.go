package placement

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/types"
)

func testPool(replicas int, pgs uint32) types.PoolConfig {
	return types.PoolConfig{Name: "test", Replicas: replicas, PGCount: pgs}
}

func equalWeights(n int) []DaemonWeight {
	daemons := make([]DaemonWeight, 0, n)
	for i := 0; i < n; i++ {
		daemons = append(daemons, DaemonWeight{
			ID:     types.DaemonID(fmt.Sprintf("daemon-%02d", i)),
			Weight: 100,
		})
	}
	return daemons
}

func TestComputeTotalAndDistinct(t *testing.T) {
	cfg := testPool(3, 256)
	m := Compute(cfg, 1, equalWeights(8), nil)

	require.Len(t, m.Owners, 256)
	assert.False(t, m.UnderReplicated)

	for pg, owners := range m.Owners {
		require.Len(t, owners, 3, "pg %d", pg)
		seen := make(map[types.DaemonID]bool)
		for _, id := range owners {
			assert.False(t, seen[id], "pg %d has duplicate owner %s", pg, id)
			seen[id] = true
		}
	}
}

func TestComputeDeterministic(t *testing.T) {
	cfg := testPool(2, 128)
	a := Compute(cfg, 5, equalWeights(5), nil)
	b := Compute(cfg, 5, equalWeights(5), nil)
	assert.Equal(t, a.Owners, b.Owners)
}

func TestLocatePure(t *testing.T) {
	cfg := testPool(2, 64)
	m := Compute(cfg, 1, equalWeights(4), nil)

	first := Locate("some-object", m)
	second := Locate("some-object", m)
	assert.Equal(t, first, second)
	assert.Equal(t, m.Owners[PGOf("some-object", 64)], first)
}

func TestPGDistributionEven(t *testing.T) {
	// Objects should spread over the groups roughly evenly, mirroring the
	// 2% tolerance the frequency checks use below.
	const objects = 100000
	const groups = 128

	counts := make([]int, groups)
	for i := 0; i < objects; i++ {
		counts[PGOf(fmt.Sprintf("object-%d", i), groups)]++
	}

	expected := objects / groups
	for pg, count := range counts {
		assert.InDelta(t, expected, count, float64(expected)/2, "pg %d", pg)
	}
}

func TestWeightedDistribution(t *testing.T) {
	// With weights 1:3:4:2 each daemon's share of primaries should track
	// its share of total weight.
	cfg := testPool(1, 10000)
	daemons := []DaemonWeight{
		{ID: "a", Weight: 100},
		{ID: "b", Weight: 300},
		{ID: "c", Weight: 400},
		{ID: "d", Weight: 200},
	}
	m := Compute(cfg, 1, daemons, nil)

	counts := make(map[types.DaemonID]int)
	for _, owners := range m.Owners {
		counts[owners[0]]++
	}

	total := float64(cfg.PGCount)
	target := map[types.DaemonID]float64{"a": 0.1, "b": 0.3, "c": 0.4, "d": 0.2}
	for id, want := range target {
		got := float64(counts[id]) / total
		assert.InDelta(t, want, got, 0.02, "daemon %s", id)
	}
}

func TestMinimalMovementOnRemoval(t *testing.T) {
	// Removing one of D daemons should reassign roughly the PGs it owned
	// and little else: every PG whose owner set changed must have contained
	// the removed daemon.
	cfg := testPool(2, 1024)
	daemons := equalWeights(8)
	before := Compute(cfg, 1, daemons, nil)

	removed := daemons[3].ID
	after := Compute(cfg, 2, append(append([]DaemonWeight{}, daemons[:3]...), daemons[4:]...), before)

	moved := 0
	for pg := range before.Owners {
		if !sameSet(before.Owners[pg], after.Owners[pg]) {
			moved++
			assert.True(t, contains(before.Owners[pg], removed),
				"pg %d changed owners without involving the removed daemon", pg)
		}
	}

	// The removed daemon held ~ R/D of all owner slots; allow 50% slack on
	// the expected movement.
	expected := float64(cfg.PGCount) * float64(cfg.Replicas) / float64(len(daemons))
	assert.Less(t, float64(moved), expected*1.5)
	assert.Greater(t, moved, 0)
}

func TestMinimalMovementOnReweight(t *testing.T) {
	cfg := testPool(2, 1024)
	daemons := equalWeights(6)
	before := Compute(cfg, 1, daemons, nil)

	reweighted := append([]DaemonWeight{}, daemons...)
	reweighted[0].Weight = 150
	after := Compute(cfg, 2, reweighted, before)

	moved := 0
	for pg := range before.Owners {
		if !sameSet(before.Owners[pg], after.Owners[pg]) {
			moved++
			assert.True(t, contains(after.Owners[pg], reweighted[0].ID),
				"pg %d changed owners without involving the reweighted daemon", pg)
		}
	}

	// Only groups newly won by the heavier daemon move.
	assert.Less(t, moved, int(cfg.PGCount)/2)
}

func TestPrimaryStability(t *testing.T) {
	cfg := testPool(3, 512)
	daemons := equalWeights(6)
	before := Compute(cfg, 1, daemons, nil)

	// Drop one daemon; every PG whose previous primary survives must keep it.
	after := Compute(cfg, 2, daemons[1:], before)
	for pg := range after.Owners {
		prevPrimary := before.Owners[pg][0]
		if contains(after.Owners[pg], prevPrimary) {
			assert.Equal(t, prevPrimary, after.Owners[pg][0], "pg %d", pg)
		}
	}
}

func TestUnderReplicated(t *testing.T) {
	cfg := testPool(3, 64)

	m := Compute(cfg, 1, equalWeights(2), nil)
	assert.True(t, m.UnderReplicated)
	for pg, owners := range m.Owners {
		assert.Len(t, owners, 2, "pg %d", pg)
	}

	// No daemons at all still yields a (fully degraded) map.
	empty := Compute(cfg, 1, nil, nil)
	assert.True(t, empty.UnderReplicated)
	for _, owners := range empty.Owners {
		assert.Empty(t, owners)
	}
}

func TestDiff(t *testing.T) {
	cfg := testPool(2, 256)
	daemons := equalWeights(4)
	before := Compute(cfg, 1, daemons, nil)

	joiner := DaemonWeight{ID: "daemon-99", Weight: 100}
	after := Compute(cfg, 2, append(append([]DaemonWeight{}, daemons...), joiner), before)

	joined := Diff(before, after)
	for pg, ids := range joined {
		for _, id := range ids {
			assert.True(t, contains(after.Owners[pg], id))
			assert.False(t, contains(before.Owners[pg], id))
		}
	}

	// The new daemon must show up somewhere.
	found := false
	for _, ids := range joined {
		if contains(ids, joiner.ID) {
			found = true
		}
	}
	assert.True(t, found, "joining daemon never appears in the diff")
}

func sameSet(a, b []types.DaemonID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range a {
		if !contains(b, id) {
			return false
		}
	}
	return true
}
