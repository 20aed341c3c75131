// Package master implements the cluster control plane: daemon membership,
// pool placement maps, capability issuance and rebalance orchestration. The
// master is authoritative for maps but sits outside the data path; clients
// and daemons carry maps and capabilities and talk to each other directly.
package master

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/pkg/auth"
	"strata/pkg/capability"
	"strata/pkg/config"
	"strata/pkg/placement"
	"strata/pkg/protocol"
	"strata/pkg/types"
)

// pgMigration tracks one placement group moving to a new owner set.
//
// Backfilling: pending new owners copy data from the old owners; the old
// primary keeps serving. Cutover: every pending owner reported complete and
// the new primary serves; writes stamped with the old epoch are fenced.
// After the grace period the migration is dropped and old owners may
// garbage-collect.
type pgMigration struct {
	epoch     types.Epoch
	state     types.MigrationState
	oldOwners []types.DaemonID
	newOwners []types.DaemonID
	pending   map[types.DaemonID]bool
	startedAt time.Time
	cutoverAt time.Time
}

// poolState serializes all map changes for one pool. current is the newest
// map; settled is the last map whose data is fully in place and therefore the
// backfill source for any in-flight migration.
type poolState struct {
	mu         sync.Mutex
	cfg        types.PoolConfig
	current    *placement.Map
	settled    *placement.Map
	migrations map[types.PGID]*pgMigration
}

type Master struct {
	cfg        config.MasterConfig
	authConfig *auth.AuthConfig
	logger     *zap.Logger

	registry  *Registry
	authority *capability.Authority

	mu        sync.RWMutex
	pools     map[types.PoolName]*poolState
	rotatedAt time.Time

	httpState
}

// New creates a master. A nil authConfig runs the cluster without TLS, for
// development and tests.
func New(cfg config.MasterConfig, authConfig *auth.AuthConfig, logger *zap.Logger) (*Master, error) {
	key, err := capability.NewSecretKey()
	if err != nil {
		return nil, err
	}

	m := &Master{
		cfg:        cfg,
		authConfig: authConfig,
		logger:     logger,
		authority:  capability.NewAuthority(key),
		pools:      make(map[types.PoolName]*poolState),
	}
	m.stopCh = make(chan struct{})

	timeout := time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second
	m.registry = NewRegistry(timeout, func(id types.DaemonID) {
		m.recomputeAll("daemon unreachable")
	}, logger)

	return m, nil
}

func (m *Master) gcGrace() time.Duration {
	return time.Duration(m.cfg.GCGraceSeconds) * time.Second
}

// RegisterDaemon admits a daemon into the cluster and hands it everything it
// needs to serve: the key set, all current maps, in-flight migrations and the
// daemon address book. Re-registration after a restart is a no-op beyond
// refreshing addresses.
func (m *Master) RegisterDaemon(identity *auth.Identity, req *protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	if identity.Type != auth.ComponentDaemon {
		return nil, fmt.Errorf("%w: component %q cannot register as a daemon", auth.ErrUnauthorized, identity.Type)
	}

	id := identity.DaemonID()
	m.registry.Register(id, req.Address, req.PeerAddress, req.Weight)
	m.logger.Info("daemon registered",
		zap.String("daemon_id", string(id)),
		zap.String("address", req.Address),
		zap.Uint32("weight", req.Weight))

	m.recomputeAll("daemon registered")

	return &protocol.RegisterResponse{
		DaemonID:   id,
		Keys:       m.authority.Keys(),
		Maps:       m.allMaps(),
		Migrations: m.allMigrations(),
		Daemons:    m.registry.Addrs(),
	}, nil
}

// Heartbeat refreshes a daemon's liveness and returns the master's current
// view. The response is the only distribution channel for maps, migrations
// and rotated keys, so daemons converge within one heartbeat interval.
func (m *Master) Heartbeat(req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	known, recovered := m.registry.Heartbeat(req.DaemonID)
	if !known {
		return nil, fmt.Errorf("unknown daemon %s", req.DaemonID)
	}
	if recovered {
		m.logger.Info("daemon reachable again", zap.String("daemon_id", string(req.DaemonID)))
		m.recomputeAll("daemon recovered")
	}

	return &protocol.HeartbeatResponse{
		Maps:       m.allMaps(),
		Migrations: m.allMigrations(),
		Keys:       m.authority.Keys(),
		Daemons:    m.registry.Addrs(),
	}, nil
}

// Authorize issues a capability for one pool along with the pool's current
// map and the daemon address book, which is all a client needs to reach data
// without further master involvement.
func (m *Master) Authorize(identity *auth.Identity, req *protocol.AuthorizeRequest) (*protocol.AuthorizeResponse, error) {
	ps := m.pool(req.Pool)
	if ps == nil {
		return nil, fmt.Errorf("unknown pool %s", req.Pool)
	}

	ps.mu.Lock()
	current := ps.current
	ps.mu.Unlock()

	ttl := time.Duration(m.cfg.CapabilityTTLSeconds) * time.Second
	cap := m.authority.Issue(identity.Fingerprint, req.Pool, current.Epoch, ttl, time.Now())

	return &protocol.AuthorizeResponse{
		Capability: cap,
		Map:        current,
		Daemons:    m.registry.Addrs(),
	}, nil
}

// CreatePool creates a pool and computes its first map from current
// membership. Pool parameters are immutable after creation.
func (m *Master) CreatePool(req *protocol.PoolCreateRequest) (*protocol.PoolCreateResponse, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("pool name required")
	}
	if req.Replicas < 1 {
		return nil, fmt.Errorf("replicas must be at least 1")
	}
	if req.PGCount < 1 {
		return nil, fmt.Errorf("pg_count must be at least 1")
	}

	cfg := types.PoolConfig{Name: req.Name, Replicas: req.Replicas, PGCount: req.PGCount}

	m.mu.Lock()
	if _, exists := m.pools[req.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("pool %s already exists", req.Name)
	}

	initial := placement.Compute(cfg, 1, m.registry.Weights(), nil)
	m.pools[req.Name] = &poolState{
		cfg:        cfg,
		current:    initial,
		settled:    initial,
		migrations: make(map[types.PGID]*pgMigration),
	}
	m.mu.Unlock()

	m.logger.Info("pool created",
		zap.String("pool", string(req.Name)),
		zap.Int("replicas", req.Replicas),
		zap.Uint32("pg_count", req.PGCount),
		zap.Bool("under_replicated", initial.UnderReplicated))

	return &protocol.PoolCreateResponse{Map: initial}, nil
}

// Drain starts graceful removal of a daemon. It stops winning placement and
// its groups migrate away; the registry marks it gone once nothing references
// it anymore.
func (m *Master) Drain(req *protocol.DrainRequest) error {
	if !m.registry.MarkDraining(req.DaemonID) {
		return fmt.Errorf("unknown daemon %s", req.DaemonID)
	}
	m.logger.Info("daemon draining", zap.String("daemon_id", string(req.DaemonID)))
	m.recomputeAll("daemon draining")
	return nil
}

// Reweight changes a daemon's placement share and rebalances accordingly.
func (m *Master) Reweight(req *protocol.ReweightRequest) error {
	if !m.registry.SetWeight(req.DaemonID, req.Weight) {
		return fmt.Errorf("unknown daemon %s", req.DaemonID)
	}
	m.logger.Info("daemon reweighted",
		zap.String("daemon_id", string(req.DaemonID)),
		zap.Uint32("weight", req.Weight))
	m.recomputeAll("daemon reweighted")
	return nil
}

// RotateKey replaces the cluster secret. Outstanding capabilities under the
// old key keep verifying for one grace period while daemons pick up the new
// key set over heartbeats; this is the cluster-wide revocation mechanism.
func (m *Master) RotateKey() error {
	if err := m.authority.Rotate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.rotatedAt = time.Now()
	m.mu.Unlock()
	m.logger.Info("cluster key rotated")
	return nil
}

// BackfillDone records that one pending new owner finished copying a
// placement group. When the last one reports, the group cuts over.
func (m *Master) BackfillDone(req *protocol.BackfilledRequest) error {
	ps := m.pool(req.Pool)
	if ps == nil {
		return fmt.Errorf("unknown pool %s", req.Pool)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	mig, ok := ps.migrations[req.PG]
	if !ok || mig.epoch != req.Epoch || mig.state != types.MigrationBackfilling {
		// A superseded or already cut-over migration; the daemon will pick
		// up the current instructions on its next heartbeat.
		return nil
	}

	delete(mig.pending, req.DaemonID)
	if len(mig.pending) > 0 {
		return nil
	}

	mig.state = types.MigrationCutover
	mig.cutoverAt = time.Now()
	m.logger.Info("placement group cut over",
		zap.String("pool", string(req.Pool)),
		zap.Uint32("pg", uint32(req.PG)),
		zap.Uint64("epoch", uint64(req.Epoch)))
	return nil
}

// Status reports cluster health for operators.
func (m *Master) Status() *protocol.StatusResponse {
	resp := &protocol.StatusResponse{Daemons: m.registry.Snapshot()}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stuck := 2 * m.gcGrace()
	now := time.Now()
	for name, ps := range m.pools {
		ps.mu.Lock()
		st := protocol.PoolStatus{
			Name:            name,
			Replicas:        ps.cfg.Replicas,
			PGCount:         ps.cfg.PGCount,
			Epoch:           ps.current.Epoch,
			UnderReplicated: ps.current.UnderReplicated,
			Migrating:       len(ps.migrations),
		}
		for _, mig := range ps.migrations {
			if mig.state == types.MigrationBackfilling && now.Sub(mig.startedAt) > stuck {
				st.Degraded = true
				break
			}
		}
		ps.mu.Unlock()
		resp.Pools = append(resp.Pools, st)
	}
	return resp
}

func (m *Master) pool(name types.PoolName) *poolState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[name]
}

// recomputeAll rebuilds every pool's map against current membership. Pools
// whose ownership is unchanged keep their epoch.
func (m *Master) recomputeAll(reason string) {
	weights := m.registry.Weights()

	m.mu.RLock()
	pools := make([]*poolState, 0, len(m.pools))
	for _, ps := range m.pools {
		pools = append(pools, ps)
	}
	m.mu.RUnlock()

	for _, ps := range pools {
		m.recomputePool(ps, weights, reason)
	}
}

// recomputePool advances one pool to a new epoch if membership changed its
// ownership. Any in-flight migration is superseded: the new migration set is
// rebuilt against the settled map, which is where complete data actually
// lives, so a joiner that already copied some objects just re-verifies them
// by checksum.
func (m *Master) recomputePool(ps *poolState, weights []placement.DaemonWeight, reason string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	next := placement.Compute(ps.cfg, ps.current.Epoch+1, weights, ps.current)
	if ownersEqual(ps.current, next) {
		return
	}

	joined := placement.Diff(ps.settled, next)
	ps.current = next
	ps.migrations = make(map[types.PGID]*pgMigration)

	now := time.Now()
	for pg, joiners := range joined {
		oldOwners := ps.settled.Owners[pg]
		if len(oldOwners) == 0 {
			// Nothing to copy from; the group starts empty on its new owners.
			continue
		}
		pending := make(map[types.DaemonID]bool, len(joiners))
		for _, id := range joiners {
			pending[id] = true
		}
		ps.migrations[pg] = &pgMigration{
			epoch:     next.Epoch,
			state:     types.MigrationBackfilling,
			oldOwners: oldOwners,
			newOwners: next.Owners[pg],
			pending:   pending,
			startedAt: now,
		}
	}
	if len(ps.migrations) == 0 {
		ps.settled = next
	}

	m.logger.Info("placement recomputed",
		zap.String("pool", string(ps.cfg.Name)),
		zap.Uint64("epoch", uint64(next.Epoch)),
		zap.Int("migrating", len(ps.migrations)),
		zap.Bool("under_replicated", next.UnderReplicated),
		zap.String("reason", reason))
}

// tick drives time-based transitions: cut-over migrations become active after
// the grace period, drained daemons are finalized, and a rotated-out key is
// dropped once the grace period has let every daemon pick up the new one.
func (m *Master) tick() {
	now := time.Now()
	grace := m.gcGrace()

	m.mu.Lock()
	if !m.rotatedAt.IsZero() && now.Sub(m.rotatedAt) > grace {
		m.authority.DropPrevious()
		m.rotatedAt = time.Time{}
		m.logger.Info("previous cluster key dropped")
	}
	pools := make([]*poolState, 0, len(m.pools))
	for _, ps := range m.pools {
		pools = append(pools, ps)
	}
	m.mu.Unlock()

	referenced := make(map[types.DaemonID]bool)
	for _, ps := range pools {
		ps.mu.Lock()
		for pg, mig := range ps.migrations {
			if mig.state == types.MigrationCutover && now.Sub(mig.cutoverAt) > grace {
				delete(ps.migrations, pg)
				m.logger.Info("placement group active",
					zap.String("pool", string(ps.cfg.Name)),
					zap.Uint32("pg", uint32(pg)),
					zap.Uint64("epoch", uint64(mig.epoch)))
			}
		}
		if len(ps.migrations) == 0 {
			ps.settled = ps.current
		}
		for _, owners := range ps.current.Owners {
			for _, id := range owners {
				referenced[id] = true
			}
		}
		for _, owners := range ps.settled.Owners {
			for _, id := range owners {
				referenced[id] = true
			}
		}
		for _, mig := range ps.migrations {
			for _, id := range mig.oldOwners {
				referenced[id] = true
			}
		}
		ps.mu.Unlock()
	}

	for _, st := range m.registry.Snapshot() {
		if st.State == types.DaemonDraining && !referenced[st.ID] {
			m.registry.MarkGone(st.ID)
			m.logger.Info("drained daemon removed", zap.String("daemon_id", string(st.ID)))
		}
	}
}

func (m *Master) allMaps() []*placement.Map {
	m.mu.RLock()
	defer m.mu.RUnlock()

	maps := make([]*placement.Map, 0, len(m.pools))
	for _, ps := range m.pools {
		ps.mu.Lock()
		maps = append(maps, ps.current)
		ps.mu.Unlock()
	}
	return maps
}

func (m *Master) allMigrations() []*protocol.PGMigration {
	addrs := m.registry.Addrs()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*protocol.PGMigration
	for name, ps := range m.pools {
		ps.mu.Lock()
		for pg, mig := range ps.migrations {
			wire := &protocol.PGMigration{
				Pool:      name,
				PG:        pg,
				Epoch:     mig.epoch,
				State:     mig.state,
				OldOwners: append([]types.DaemonID(nil), mig.oldOwners...),
				NewOwners: append([]types.DaemonID(nil), mig.newOwners...),
				Addrs:     make(map[types.DaemonID]*protocol.DaemonAddr),
			}
			for id := range mig.pending {
				wire.Pending = append(wire.Pending, id)
			}
			for _, id := range mig.oldOwners {
				if a, ok := addrs[id]; ok {
					wire.Addrs[id] = a
				}
			}
			for _, id := range mig.newOwners {
				if a, ok := addrs[id]; ok {
					wire.Addrs[id] = a
				}
			}
			out = append(out, wire)
		}
		ps.mu.Unlock()
	}
	return out
}

func ownersEqual(a, b *placement.Map) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Owners) != len(b.Owners) {
		return false
	}
	for pg := range a.Owners {
		if len(a.Owners[pg]) != len(b.Owners[pg]) {
			return false
		}
		for i := range a.Owners[pg] {
			if a.Owners[pg][i] != b.Owners[pg][i] {
				return false
			}
		}
	}
	return true
}
