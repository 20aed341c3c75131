// Package placement maps objects to placement groups and placement groups to
// storage daemons. Everything here is a pure function of its inputs: the same
// pool configuration and weighted membership always produce the same map, so
// clients, daemons and the master can each compute or verify placement
// locally without coordinating.
package placement

import (
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"strata/pkg/types"
)

// DaemonWeight is one daemon's share of the placement draw. Weight is a
// capacity proxy; a weight of zero removes the daemon from consideration.
type DaemonWeight struct {
	ID     types.DaemonID
	Weight uint32
}

// Map assigns every placement group of a pool to an ordered daemon list.
// Position 0 is the primary, the rest are replicas. Maps are immutable once
// computed; a membership change produces a new Map with a higher epoch.
type Map struct {
	Pool            types.PoolName     `json:"pool"`
	Epoch           types.Epoch        `json:"epoch"`
	PGCount         uint32             `json:"pg_count"`
	Replicas        int                `json:"replicas"`
	UnderReplicated bool               `json:"under_replicated"`
	Owners          [][]types.DaemonID `json:"owners"`
}

// PGOf returns the placement group an object belongs to.
func PGOf(objectName string, pgCount uint32) types.PGID {
	return types.PGID(xxhash.Sum64String(objectName) % uint64(pgCount))
}

// Locate returns the ordered daemon list responsible for an object.
func Locate(objectName string, m *Map) []types.DaemonID {
	return m.Owners[PGOf(objectName, m.PGCount)]
}

// Primary returns the primary daemon for a placement group, or "" if the
// group currently has no owners.
func (m *Map) Primary(pg types.PGID) types.DaemonID {
	owners := m.Owners[pg]
	if len(owners) == 0 {
		return ""
	}
	return owners[0]
}

// straw draws a weighted straw for one daemon and one placement group. The
// daemon with the shortest straw wins the group; larger weights shorten the
// straw proportionally, so each daemon's expected share of groups matches its
// share of the total weight. The draw is seeded per (pool, pg, daemon) so
// removing one daemon only disturbs the groups it was winning.
func straw(pool types.PoolName, pg types.PGID, id types.DaemonID, weight uint32) float64 {
	h := xxhash.Sum64String(fmt.Sprintf("%s/%d/%s", pool, pg, id))
	// Map the hash onto (0, 1].
	u := (float64(h>>11) + 1.0) / float64(uint64(1)<<53)
	return -math.Log(u) / float64(weight)
}

// Compute builds the storage map for a pool from its current weighted
// membership. The result is deterministic. If prev is non-nil and the
// previous primary of a group is still among the group's owners, it keeps
// the primary position so a replica joining or leaving does not reshuffle
// write routing.
//
// With fewer than Replicas live daemons the map degrades to the available
// count and is flagged UnderReplicated; placement never fails outright.
func Compute(cfg types.PoolConfig, epoch types.Epoch, daemons []DaemonWeight, prev *Map) *Map {
	eligible := make([]DaemonWeight, 0, len(daemons))
	for _, d := range daemons {
		if d.Weight > 0 {
			eligible = append(eligible, d)
		}
	}
	// Stable input order regardless of how the registry iterated.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	m := &Map{
		Pool:            cfg.Name,
		Epoch:           epoch,
		PGCount:         cfg.PGCount,
		Replicas:        cfg.Replicas,
		UnderReplicated: len(eligible) < cfg.Replicas,
		Owners:          make([][]types.DaemonID, cfg.PGCount),
	}

	type drawn struct {
		id    types.DaemonID
		straw float64
	}
	for pg := types.PGID(0); pg < types.PGID(cfg.PGCount); pg++ {
		draws := make([]drawn, 0, len(eligible))
		for _, d := range eligible {
			draws = append(draws, drawn{id: d.ID, straw: straw(cfg.Name, pg, d.ID, d.Weight)})
		}
		sort.Slice(draws, func(i, j int) bool {
			if draws[i].straw != draws[j].straw {
				return draws[i].straw < draws[j].straw
			}
			return draws[i].id < draws[j].id
		})

		n := cfg.Replicas
		if n > len(draws) {
			n = len(draws)
		}
		owners := make([]types.DaemonID, 0, n)
		for i := 0; i < n; i++ {
			owners = append(owners, draws[i].id)
		}

		if prev != nil && len(owners) > 1 {
			keepPrimary(owners, prev.Owners[pg])
		}
		m.Owners[pg] = owners
	}

	return m
}

// keepPrimary moves the previous primary to the front if it survived into
// the new owner set.
func keepPrimary(owners []types.DaemonID, prevOwners []types.DaemonID) {
	if len(prevOwners) == 0 {
		return
	}
	prevPrimary := prevOwners[0]
	for i, id := range owners {
		if id == prevPrimary {
			owners[0], owners[i] = owners[i], owners[0]
			return
		}
	}
}

// Diff reports, per placement group, the daemons that appear in next but not
// in prev. These are the owners that must backfill before the group can cut
// over to the new epoch.
func Diff(prev, next *Map) map[types.PGID][]types.DaemonID {
	joined := make(map[types.PGID][]types.DaemonID)
	for pg := types.PGID(0); pg < types.PGID(next.PGCount); pg++ {
		var old []types.DaemonID
		if prev != nil && int(pg) < len(prev.Owners) {
			old = prev.Owners[pg]
		}
		for _, id := range next.Owners[pg] {
			if !contains(old, id) {
				joined[pg] = append(joined[pg], id)
			}
		}
	}
	return joined
}

func contains(ids []types.DaemonID, id types.DaemonID) bool {
	for _, d := range ids {
		if d == id {
			return true
		}
	}
	return false
}
