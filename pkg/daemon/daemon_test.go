package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strata/pkg/capability"
	"strata/pkg/config"
	"strata/pkg/placement"
	"strata/pkg/protocol"
	"strata/pkg/types"
)

// newTestDaemon builds a daemon with an in-memory store and no servers. The
// master's view is installed directly through applyView.
func newTestDaemon(t *testing.T, name string) *Daemon {
	t.Helper()

	cfg := config.DaemonConfig{
		Name:                     name,
		MasterAddress:            "127.0.0.1:1",
		HeartbeatIntervalSeconds: 1,
		MaxConcurrentBackfills:   1,
	}
	d, err := New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		close(d.stopCh)
		d.wg.Wait()
		d.capCache.Stop()
		d.store.Close()
	})
	return d
}

// soloView gives the daemon sole ownership of every group in one pool.
func soloView(t *testing.T, d *Daemon, pool types.PoolName, epoch types.Epoch, pgCount uint32) (*placement.Map, *capability.Authority, types.Capability) {
	t.Helper()

	owners := make([][]types.DaemonID, pgCount)
	for i := range owners {
		owners[i] = []types.DaemonID{d.id}
	}
	m := &placement.Map{Pool: pool, Epoch: epoch, PGCount: pgCount, Replicas: 1, Owners: owners}

	key, err := capability.NewSecretKey()
	require.NoError(t, err)
	authority := capability.NewAuthority(key)
	d.applyView([]*placement.Map{m}, nil, authority.Keys(), nil)

	cap := authority.Issue("tester", pool, epoch, time.Minute, time.Now())
	return m, authority, cap
}

func TestWriteReadDelete(t *testing.T) {
	d := newTestDaemon(t, "d1")
	m, _, cap := soloView(t, d, "p", 1, 8)

	wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "greeting", Data: []byte("hello world"), Epoch: m.Epoch, Capability: cap})
	require.True(t, wr.OK, "reject: %s", wr.Reject)
	assert.Equal(t, int64(11), wr.NewLength)

	t.Run("partial read", func(t *testing.T) {
		rr := d.Read(&protocol.ReadRequest{Pool: "p", Object: "greeting", Offset: 6, Length: 5, Epoch: m.Epoch, Capability: cap})
		require.True(t, rr.OK)
		assert.Equal(t, []byte("world"), rr.Data)
	})

	t.Run("partial overwrite", func(t *testing.T) {
		wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "greeting", Offset: 6, Data: []byte("there"), Epoch: m.Epoch, Capability: cap})
		require.True(t, wr.OK)

		rr := d.Read(&protocol.ReadRequest{Pool: "p", Object: "greeting", Epoch: m.Epoch, Capability: cap})
		require.True(t, rr.OK)
		assert.Equal(t, []byte("hello there"), rr.Data)
	})

	t.Run("delete then read", func(t *testing.T) {
		dr := d.Delete(&protocol.DeleteRequest{Pool: "p", Object: "greeting", Epoch: m.Epoch, Capability: cap})
		require.True(t, dr.OK)

		rr := d.Read(&protocol.ReadRequest{Pool: "p", Object: "greeting", Epoch: m.Epoch, Capability: cap})
		assert.Equal(t, protocol.RejectNotFound, rr.Reject)
	})
}

func TestRejectsUnknownPool(t *testing.T) {
	d := newTestDaemon(t, "d1")
	_, _, cap := soloView(t, d, "p", 1, 8)

	wr := d.Write(&protocol.WriteRequest{Pool: "nope", Object: "o", Data: []byte("x"), Epoch: 1, Capability: cap})
	assert.Equal(t, protocol.RejectUnknownPool, wr.Reject)
}

func TestRejectsBadCapability(t *testing.T) {
	d := newTestDaemon(t, "d1")
	m, _, _ := soloView(t, d, "p", 1, 8)

	t.Run("foreign key", func(t *testing.T) {
		otherKey, err := capability.NewSecretKey()
		require.NoError(t, err)
		forged := capability.NewAuthority(otherKey).Issue("tester", "p", m.Epoch, time.Minute, time.Now())

		wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "o", Data: []byte("x"), Epoch: m.Epoch, Capability: forged})
		assert.Equal(t, protocol.RejectAuth, wr.Reject)
	})

	t.Run("tampered subject", func(t *testing.T) {
		key, err := capability.NewSecretKey()
		require.NoError(t, err)
		authority := capability.NewAuthority(key)
		d.applyView(d.mapsSlice(), nil, authority.Keys(), nil)

		cap := authority.Issue("tester", "p", m.Epoch, time.Minute, time.Now())
		cap.Subject = "admin"
		rr := d.Read(&protocol.ReadRequest{Pool: "p", Object: "o", Epoch: m.Epoch, Capability: cap})
		assert.Equal(t, protocol.RejectAuth, rr.Reject)
	})
}

func TestCapabilityEpochLag(t *testing.T) {
	d := newTestDaemon(t, "d1")
	_, authority, _ := soloView(t, d, "p", 3, 8)

	t.Run("one epoch behind is accepted", func(t *testing.T) {
		cap := authority.Issue("tester", "p", 2, time.Minute, time.Now())
		wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "o", Data: []byte("x"), Epoch: 3, Capability: cap})
		assert.True(t, wr.OK, "reject: %s", wr.Reject)
	})

	t.Run("two epochs behind is rejected", func(t *testing.T) {
		cap := authority.Issue("tester", "p", 1, time.Minute, time.Now())
		wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "o", Data: []byte("x"), Epoch: 3, Capability: cap})
		assert.Equal(t, protocol.RejectAuth, wr.Reject)
	})
}

func TestNotPrimaryAndStaleEpoch(t *testing.T) {
	d := newTestDaemon(t, "d1")
	m, _, cap := soloView(t, d, "p", 2, 8)

	// Hand the object's group to someone else.
	pg := placement.PGOf("contested", m.PGCount)
	owners := make([][]types.DaemonID, m.PGCount)
	copy(owners, m.Owners)
	owners[pg] = []types.DaemonID{"someone-else"}
	reassigned := &placement.Map{Pool: "p", Epoch: m.Epoch, PGCount: m.PGCount, Replicas: 1, Owners: owners}
	d.applyView([]*placement.Map{reassigned}, nil, d.keysSnapshot(), nil)

	t.Run("current epoch gets not_primary", func(t *testing.T) {
		wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "contested", Data: []byte("x"), Epoch: m.Epoch, Capability: cap})
		assert.Equal(t, protocol.RejectNotPrimary, wr.Reject)
	})

	t.Run("stale epoch gets hint", func(t *testing.T) {
		wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "contested", Data: []byte("x"), Epoch: m.Epoch - 1, Capability: cap})
		assert.Equal(t, protocol.RejectStaleEpoch, wr.Reject)
		assert.Equal(t, m.Epoch, wr.NewEpochHint)
	})
}

func TestCutoverFencesOldPrimary(t *testing.T) {
	d := newTestDaemon(t, "d1")
	_, authority, _ := soloView(t, d, "p", 1, 8)

	// The group has cut over to a new owner; this daemon is the old primary.
	pg := placement.PGOf("fenced", 8)
	owners := make([][]types.DaemonID, 8)
	for i := range owners {
		owners[i] = []types.DaemonID{d.id}
	}
	owners[pg] = []types.DaemonID{"new-owner"}
	next := &placement.Map{Pool: "p", Epoch: 2, PGCount: 8, Replicas: 1, Owners: owners}
	mig := &protocol.PGMigration{
		Pool: "p", PG: pg, Epoch: 2,
		State:     types.MigrationCutover,
		OldOwners: []types.DaemonID{d.id},
		NewOwners: []types.DaemonID{"new-owner"},
	}
	d.applyView([]*placement.Map{next}, []*protocol.PGMigration{mig}, d.keysSnapshot(), nil)

	cap := authority.Issue("tester", "p", 1, time.Minute, time.Now())

	wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "fenced", Data: []byte("x"), Epoch: 1, Capability: cap})
	assert.Equal(t, protocol.RejectStaleEpoch, wr.Reject)
	assert.Equal(t, types.Epoch(2), wr.NewEpochHint)

	rr := d.Read(&protocol.ReadRequest{Pool: "p", Object: "fenced", Epoch: 1, Capability: cap})
	assert.Equal(t, protocol.RejectStaleEpoch, rr.Reject)
}

func TestReplicateApply(t *testing.T) {
	d := newTestDaemon(t, "d1")
	m, _, cap := soloView(t, d, "p", 1, 8)

	pg := placement.PGOf("mirrored", m.PGCount)
	rep := d.Replicate(&protocol.ReplicateRequest{Pool: "p", PG: pg, Object: "mirrored", Data: []byte("copy"), Epoch: 1})
	require.True(t, rep.OK)

	rr := d.Read(&protocol.ReadRequest{Pool: "p", Object: "mirrored", Epoch: m.Epoch, Capability: cap})
	require.True(t, rr.OK)
	assert.Equal(t, []byte("copy"), rr.Data)

	rep = d.Replicate(&protocol.ReplicateRequest{Pool: "p", PG: pg, Object: "mirrored", Delete: true, Epoch: 1})
	require.True(t, rep.OK)

	rr = d.Read(&protocol.ReadRequest{Pool: "p", Object: "mirrored", Epoch: m.Epoch, Capability: cap})
	assert.Equal(t, protocol.RejectNotFound, rr.Reject)
}

func TestGCDropsMigratedGroups(t *testing.T) {
	d := newTestDaemon(t, "d1")
	m, _, cap := soloView(t, d, "p", 1, 8)

	wr := d.Write(&protocol.WriteRequest{Pool: "p", Object: "leaving", Data: []byte("x"), Epoch: m.Epoch, Capability: cap})
	require.True(t, wr.OK)
	pg := placement.PGOf("leaving", m.PGCount)

	// New map without this daemon and no migration referencing it: the
	// group's grace period is over and the data must go.
	owners := make([][]types.DaemonID, m.PGCount)
	for i := range owners {
		owners[i] = []types.DaemonID{"elsewhere"}
	}
	next := &placement.Map{Pool: "p", Epoch: 2, PGCount: m.PGCount, Replicas: 1, Owners: owners}
	d.applyView([]*placement.Map{next}, nil, d.keysSnapshot(), nil)

	_, err := d.store.Read("p", pg, "leaving", 0, 0)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

// mapsSlice snapshots the installed maps for re-installation in tests.
func (d *Daemon) mapsSlice() []*placement.Map {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*placement.Map, 0, len(d.maps))
	for _, m := range d.maps {
		out = append(out, m)
	}
	return out
}
