// Package daemon implements the storage daemon: a badger-backed object store
// that serves capability-authenticated client reads and writes for the
// placement groups it owns, replicates to its peers, and migrates groups in
// and out as the master republishes maps.
package daemon

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"strata/pkg/auth"
	"strata/pkg/capability"
	"strata/pkg/config"
	"strata/pkg/placement"
	"strata/pkg/protocol"
	"strata/pkg/types"
)

type pgKey struct {
	pool types.PoolName
	pg   types.PGID
}

type Daemon struct {
	cfg        config.DaemonConfig
	authConfig *auth.AuthConfig
	logger     *zap.Logger

	id       types.DaemonID
	identity *auth.Identity
	store    *Store

	httpClient *http.Client
	scheme     string

	// View distributed by the master over register and heartbeat responses.
	mu         sync.RWMutex
	maps       map[types.PoolName]*placement.Map
	migrations map[pgKey]*protocol.PGMigration
	keys       capability.Keys
	daemons    map[types.DaemonID]*protocol.DaemonAddr

	capCache  *ttlcache.Cache[string, types.Capability]
	backfills *backfiller

	serverState
}

// New creates a storage daemon. A nil authConfig runs without TLS; the
// daemon then identifies itself to the master by its configured name.
func New(cfg config.DaemonConfig, authConfig *auth.AuthConfig, logger *zap.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:        cfg,
		authConfig: authConfig,
		logger:     logger,
		maps:       make(map[types.PoolName]*placement.Map),
		migrations: make(map[pgKey]*protocol.PGMigration),
		daemons:    make(map[types.DaemonID]*protocol.DaemonAddr),
		scheme:     "http",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	d.stopCh = make(chan struct{})

	if authConfig != nil && authConfig.Enabled {
		identity, err := identityFromFiles(authConfig)
		if err != nil {
			return nil, err
		}
		d.identity = identity

		builder, err := auth.NewTLSConfigBuilder(authConfig)
		if err != nil {
			return nil, err
		}
		clientTLS, err := builder.BuildClientConfig()
		if err != nil {
			return nil, err
		}
		d.scheme = "https"
		d.httpClient.Transport = &http.Transport{TLSClientConfig: clientTLS}
	} else {
		if cfg.Name == "" {
			return nil, fmt.Errorf("daemon name required when running without TLS")
		}
		d.identity = auth.InsecureIdentity(auth.ComponentDaemon, cfg.Name)
	}
	d.id = d.identity.DaemonID()

	store, err := OpenStore(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	d.store = store

	d.capCache = ttlcache.New[string, types.Capability](
		ttlcache.WithTTL[string, types.Capability](30 * time.Second),
	)
	go d.capCache.Start()

	d.backfills = newBackfiller(d)
	return d, nil
}

// ID returns the daemon's stable placement identity.
func (d *Daemon) ID() types.DaemonID {
	return d.id
}

// identityFromFiles recovers the daemon identity from its own certificate so
// the placement ID matches what the master derives from the TLS handshake.
func identityFromFiles(authConfig *auth.AuthConfig) (*auth.Identity, error) {
	pair, err := tls.LoadX509KeyPair(authConfig.CertPath, authConfig.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load daemon certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse daemon certificate: %w", err)
	}
	return auth.IdentityFromCert(leaf)
}

// Start brings the daemon online: listeners first so the advertised
// addresses are live, then registration with the master, then the heartbeat
// loop that keeps the local view current.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.startServers(); err != nil {
		return err
	}

	if err := d.register(ctx); err != nil {
		d.shutdownServers(ctx)
		return err
	}

	d.wg.Add(1)
	go d.heartbeatLoop()

	d.logger.Info("daemon started",
		zap.String("daemon_id", string(d.id)),
		zap.String("address", d.Addr()),
		zap.String("peer_address", d.PeerAddr()))
	return nil
}

func (d *Daemon) Stop(ctx context.Context) error {
	close(d.stopCh)
	err := d.shutdownServers(ctx)
	d.wg.Wait()
	d.capCache.Stop()
	if cerr := d.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (d *Daemon) register(ctx context.Context) error {
	req := &protocol.RegisterRequest{
		Name:        d.cfg.Name,
		Address:     d.Addr(),
		PeerAddress: d.PeerAddr(),
		Weight:      d.cfg.Weight,
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		var resp protocol.RegisterResponse
		if err := d.post(d.cfg.MasterAddress, protocol.PathDaemonRegister, req, &resp); err != nil {
			lastErr = err
			continue
		}
		if resp.DaemonID != d.id {
			return fmt.Errorf("master assigned identity %s, expected %s", resp.DaemonID, d.id)
		}
		d.applyView(resp.Maps, resp.Migrations, resp.Keys, resp.Daemons)
		return nil
	}
	return fmt.Errorf("failed to register with master: %w", lastErr)
}

func (d *Daemon) heartbeatLoop() {
	defer d.wg.Done()

	interval := time.Duration(d.cfg.HeartbeatIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.heartbeat()
		}
	}
}

func (d *Daemon) heartbeat() {
	var resp protocol.HeartbeatResponse
	err := d.post(d.cfg.MasterAddress, protocol.PathDaemonHeartbeat, &protocol.HeartbeatRequest{DaemonID: d.id}, &resp)
	if err != nil {
		d.logger.Warn("heartbeat failed", zap.Error(err))
		// A restarted master has an empty registry; re-register to rejoin.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if rerr := d.register(ctx); rerr == nil {
			d.logger.Info("re-registered with master")
		}
		cancel()
		return
	}
	d.applyView(resp.Maps, resp.Migrations, resp.Keys, resp.Daemons)
}

// applyView installs the master's current maps, migrations, key set and
// address book, then acts on them: start backfills this daemon is pending
// on, and garbage-collect groups that have fully migrated away. The master
// keeps a migration visible through its grace period, so a group is only
// collectable once every stale capability window has passed.
func (d *Daemon) applyView(maps []*placement.Map, migrations []*protocol.PGMigration, keys capability.Keys, daemons map[types.DaemonID]*protocol.DaemonAddr) {
	d.mu.Lock()
	rotated := d.keys.Current != nil && !bytes.Equal(keys.Current, d.keys.Current)
	d.keys = keys

	d.maps = make(map[types.PoolName]*placement.Map, len(maps))
	for _, m := range maps {
		d.maps[m.Pool] = m
	}

	d.migrations = make(map[pgKey]*protocol.PGMigration, len(migrations))
	for _, mig := range migrations {
		d.migrations[pgKey{mig.Pool, mig.PG}] = mig
	}

	if daemons != nil {
		d.daemons = daemons
	}
	d.mu.Unlock()

	if rotated {
		// Cached verdicts were proven under the old key set.
		d.capCache.DeleteAll()
	}

	for _, mig := range migrations {
		if mig.State == types.MigrationBackfilling && containsID(mig.Pending, d.id) {
			d.backfills.ensure(mig)
		}
	}

	d.gc()
}

// gc drops placement groups this daemon holds but no longer serves any role
// for: not an owner in the current map and not a party to any migration.
func (d *Daemon) gc() {
	held, err := d.store.PGs()
	if err != nil {
		d.logger.Error("failed to enumerate local placement groups", zap.Error(err))
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for pool, pgs := range held {
		m := d.maps[pool]
		for _, pg := range pgs {
			if m != nil && int(pg) < len(m.Owners) && containsID(m.Owners[pg], d.id) {
				continue
			}
			if mig, ok := d.migrations[pgKey{pool, pg}]; ok {
				if containsID(mig.OldOwners, d.id) || containsID(mig.NewOwners, d.id) {
					continue
				}
			}
			removed, err := d.store.DeletePG(pool, pg)
			if err != nil {
				d.logger.Error("failed to collect migrated placement group",
					zap.String("pool", string(pool)),
					zap.Uint32("pg", uint32(pg)),
					zap.Error(err))
				continue
			}
			d.logger.Info("collected migrated placement group",
				zap.String("pool", string(pool)),
				zap.Uint32("pg", uint32(pg)),
				zap.Int("objects", removed))
		}
	}
}

func (d *Daemon) poolMap(pool types.PoolName) *placement.Map {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maps[pool]
}

func (d *Daemon) migration(pool types.PoolName, pg types.PGID) *protocol.PGMigration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.migrations[pgKey{pool, pg}]
}

func (d *Daemon) keysSnapshot() capability.Keys {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.keys
}

// peerAddr resolves a daemon's peer-channel address, preferring the
// migration-scoped address book over the general one.
func (d *Daemon) peerAddr(id types.DaemonID, scoped map[types.DaemonID]*protocol.DaemonAddr) string {
	if a, ok := scoped[id]; ok {
		return a.PeerAddress
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a, ok := d.daemons[id]; ok {
		return a.PeerAddress
	}
	return ""
}

func (d *Daemon) clientAddr(id types.DaemonID, scoped map[types.DaemonID]*protocol.DaemonAddr) string {
	if a, ok := scoped[id]; ok {
		return a.Address
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a, ok := d.daemons[id]; ok {
		return a.Address
	}
	return ""
}

func containsID(ids []types.DaemonID, id types.DaemonID) bool {
	for _, d := range ids {
		if d == id {
			return true
		}
	}
	return false
}
