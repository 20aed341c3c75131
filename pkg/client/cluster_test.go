package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strata/pkg/config"
	"strata/pkg/daemon"
	"strata/pkg/master"
	"strata/pkg/types"
)

// startTestMaster runs a master on a loopback port with aggressive timing so
// migrations settle within the test window.
func startTestMaster(t *testing.T) *master.Master {
	t.Helper()

	cfg := config.MasterConfig{
		Address:                 "127.0.0.1:0",
		HeartbeatTimeoutSeconds: 10,
		CapabilityTTLSeconds:    300,
		EpochLag:                1,
		GCGraceSeconds:          0,
	}
	m, err := master.New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func startTestDaemon(t *testing.T, m *master.Master, name string) *daemon.Daemon {
	t.Helper()

	cfg := config.DaemonConfig{
		Name:                     name,
		Address:                  "127.0.0.1:0",
		PeerAddress:              "127.0.0.1:0",
		MasterAddress:            m.Addr(),
		DataDir:                  "",
		Weight:                   100,
		HeartbeatIntervalSeconds: 1,
		MaxConcurrentBackfills:   4,
	}
	d, err := daemon.New(cfg, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func newTestClient(t *testing.T, m *master.Master) *Client {
	t.Helper()
	c, err := New(m.Addr(), "tester", nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

// waitSettled polls status until every pool has finished migrating.
func waitSettled(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := c.Status(context.Background())
		if err != nil {
			return false
		}
		for _, p := range status.Pools {
			if p.Migrating > 0 {
				return false
			}
		}
		return true
	}, 30*time.Second, 250*time.Millisecond, "migrations did not settle")
}

func testObjects(n int) map[string][]byte {
	objects := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("object-%03d", i)
		data := []byte(fmt.Sprintf("payload %d: %s", i, name))
		objects[name] = data
	}
	return objects
}

func verifyObjects(t *testing.T, c *Client, pool types.PoolName, objects map[string][]byte) {
	t.Helper()
	ctx := context.Background()
	for name, want := range objects {
		got, err := c.Read(ctx, pool, name, 0, 0)
		require.NoError(t, err, "reading %s", name)
		assert.Equal(t, want, got, "content of %s", name)
	}
}

func TestClusterWriteRead(t *testing.T) {
	m := startTestMaster(t)
	startTestDaemon(t, m, "d1")
	startTestDaemon(t, m, "d2")

	c := newTestClient(t, m)
	ctx := context.Background()

	_, err := c.CreatePool(ctx, "p", 2, 32)
	require.NoError(t, err)

	objects := testObjects(20)
	for name, data := range objects {
		n, err := c.Write(ctx, "p", name, 0, data)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
	}
	verifyObjects(t, c, "p", objects)

	t.Run("partial write and read", func(t *testing.T) {
		_, err := c.Write(ctx, "p", "object-000", 8, []byte("PATCHED"))
		require.NoError(t, err)

		got, err := c.Read(ctx, "p", "object-000", 8, 7)
		require.NoError(t, err)
		assert.Equal(t, []byte("PATCHED"), got)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, c.Delete(ctx, "p", "object-001"))
		_, err := c.Read(ctx, "p", "object-001", 0, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClusterRebalance(t *testing.T) {
	if testing.Short() {
		t.Skip("full rebalance round trip")
	}

	m := startTestMaster(t)
	startTestDaemon(t, m, "d1")
	startTestDaemon(t, m, "d2")

	c := newTestClient(t, m)
	ctx := context.Background()

	_, err := c.CreatePool(ctx, "p", 2, 32)
	require.NoError(t, err)

	objects := testObjects(40)
	for name, data := range objects {
		_, err := c.Write(ctx, "p", name, 0, data)
		require.NoError(t, err)
	}

	// A third daemon joins: some groups migrate to it, and every object
	// must survive the move byte for byte.
	d3 := startTestDaemon(t, m, "d3")
	waitSettled(t, c)
	verifyObjects(t, c, "p", objects)

	// Writes keep landing correctly on the rebalanced layout.
	for name := range objects {
		data := append(objects[name], []byte(" v2")...)
		objects[name] = data
		_, err := c.Write(ctx, "p", name, 0, data)
		require.NoError(t, err)
	}
	verifyObjects(t, c, "p", objects)

	// Drain the newcomer: its groups move off and the data survives again.
	require.NoError(t, c.Drain(ctx, d3.ID()))
	waitSettled(t, c)
	require.Eventually(t, func() bool {
		status, err := c.Status(context.Background())
		if err != nil {
			return false
		}
		for _, ds := range status.Daemons {
			if ds.ID == d3.ID() {
				return ds.State == types.DaemonGone
			}
		}
		return false
	}, 30*time.Second, 250*time.Millisecond, "drained daemon was not finalized")

	verifyObjects(t, c, "p", objects)
}

func TestClusterStatus(t *testing.T) {
	m := startTestMaster(t)
	startTestDaemon(t, m, "d1")

	c := newTestClient(t, m)
	ctx := context.Background()

	_, err := c.CreatePool(ctx, "p", 3, 16)
	require.NoError(t, err)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Daemons, 1)
	require.Len(t, status.Pools, 1)

	assert.True(t, status.Pools[0].UnderReplicated, "one daemon cannot hold three replicas")
	assert.Equal(t, uint32(16), status.Pools[0].PGCount)
}

func TestClusterKeyRotation(t *testing.T) {
	m := startTestMaster(t)
	startTestDaemon(t, m, "d1")

	c := newTestClient(t, m)
	ctx := context.Background()

	_, err := c.CreatePool(ctx, "p", 1, 16)
	require.NoError(t, err)

	_, err = c.Write(ctx, "p", "before", 0, []byte("pre-rotation"))
	require.NoError(t, err)

	require.NoError(t, c.RotateKey(ctx))

	// Zero grace drops the old key almost immediately; once the daemon
	// hears about the new key set, the cached capability stops verifying
	// and the client transparently re-authorizes.
	time.Sleep(3 * time.Second)

	got, err := c.Read(ctx, "p", "before", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), got)
}
