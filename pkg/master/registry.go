package master

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"strata/pkg/placement"
	"strata/pkg/protocol"
	"strata/pkg/types"
)

// Registry tracks storage daemon membership and liveness. A daemon is live
// while its heartbeat entry survives in the TTL cache; expiry flips the record
// to unreachable and notifies the master so placement can route around it.
// Records are never deleted on silence, only marked, so a daemon that comes
// back keeps its identity and the data it still holds.
type Registry struct {
	mu      sync.RWMutex
	daemons map[types.DaemonID]*types.DaemonRecord

	live          *ttlcache.Cache[types.DaemonID, struct{}]
	onUnreachable func(types.DaemonID)
	logger        *zap.Logger
}

func NewRegistry(heartbeatTimeout time.Duration, onUnreachable func(types.DaemonID), logger *zap.Logger) *Registry {
	r := &Registry{
		daemons:       make(map[types.DaemonID]*types.DaemonRecord),
		onUnreachable: onUnreachable,
		logger:        logger,
	}

	r.live = ttlcache.New[types.DaemonID, struct{}](
		ttlcache.WithTTL[types.DaemonID, struct{}](heartbeatTimeout),
		ttlcache.WithDisableTouchOnHit[types.DaemonID, struct{}](),
	)
	r.live.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[types.DaemonID, struct{}]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		r.markUnreachable(item.Key())
	})
	go r.live.Start()

	return r
}

func (r *Registry) Stop() {
	r.live.Stop()
}

// Register adds a daemon or refreshes an existing record. Registration is
// idempotent: a daemon that restarts re-registers under the same identity and
// simply comes back reachable.
func (r *Registry) Register(id types.DaemonID, address, peerAddress string, weight uint32) *types.DaemonRecord {
	r.mu.Lock()
	rec, ok := r.daemons[id]
	if !ok {
		rec = &types.DaemonRecord{ID: id, Weight: weight}
		r.daemons[id] = rec
	}
	rec.Address = address
	rec.PeerAddress = peerAddress
	if weight > 0 {
		rec.Weight = weight
	}
	if rec.State == "" || rec.State == types.DaemonRegistering || rec.State == types.DaemonGone {
		rec.State = types.DaemonActive
	}
	rec.Unreachable = false
	rec.LastSeen = time.Now()
	r.mu.Unlock()

	// The cache runs eviction callbacks under its own lock, and those
	// callbacks take r.mu; never touch the cache while holding r.mu.
	r.live.Set(id, struct{}{}, ttlcache.DefaultTTL)
	return rec
}

// Heartbeat refreshes a daemon's liveness window. It returns whether the
// daemon is known and whether this heartbeat brought it back from
// unreachable, which requires a placement recompute.
func (r *Registry) Heartbeat(id types.DaemonID) (known, recovered bool) {
	r.mu.Lock()
	rec, ok := r.daemons[id]
	if !ok || rec.State == types.DaemonGone {
		r.mu.Unlock()
		return false, false
	}
	recovered = rec.Unreachable
	rec.Unreachable = false
	rec.LastSeen = time.Now()
	r.mu.Unlock()

	r.live.Set(id, struct{}{}, ttlcache.DefaultTTL)
	return true, recovered
}

func (r *Registry) markUnreachable(id types.DaemonID) {
	r.mu.Lock()
	rec, ok := r.daemons[id]
	if !ok || rec.Unreachable || rec.State == types.DaemonGone {
		r.mu.Unlock()
		return
	}
	rec.Unreachable = true
	r.mu.Unlock()

	r.logger.Warn("daemon unreachable", zap.String("daemon_id", string(id)))
	if r.onUnreachable != nil {
		r.onUnreachable(id)
	}
}

// MarkDraining starts administrative removal. The daemon keeps serving until
// its placement groups migrate away; it just stops winning new ones.
func (r *Registry) MarkDraining(id types.DaemonID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.daemons[id]
	if !ok || rec.State == types.DaemonGone {
		return false
	}
	rec.State = types.DaemonDraining
	return true
}

// MarkGone finalizes removal once nothing references the daemon anymore.
func (r *Registry) MarkGone(id types.DaemonID) {
	r.mu.Lock()
	if rec, ok := r.daemons[id]; ok {
		rec.State = types.DaemonGone
	}
	r.mu.Unlock()

	r.live.Delete(id)
}

// SetWeight adjusts a daemon's placement share.
func (r *Registry) SetWeight(id types.DaemonID, weight uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.daemons[id]
	if !ok || rec.State == types.DaemonGone {
		return false
	}
	rec.Weight = weight
	return true
}

func (r *Registry) Get(id types.DaemonID) (types.DaemonRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.daemons[id]
	if !ok {
		return types.DaemonRecord{}, false
	}
	return *rec, true
}

func (r *Registry) IsDraining(id types.DaemonID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.daemons[id]
	return ok && rec.State == types.DaemonDraining
}

// Weights returns the membership eligible for placement: active, reachable
// daemons. Draining and unreachable daemons are excluded so new maps move
// their groups elsewhere.
func (r *Registry) Weights() []placement.DaemonWeight {
	r.mu.RLock()
	defer r.mu.RUnlock()

	weights := make([]placement.DaemonWeight, 0, len(r.daemons))
	for id, rec := range r.daemons {
		if rec.State != types.DaemonActive || rec.Unreachable {
			continue
		}
		weights = append(weights, placement.DaemonWeight{ID: id, Weight: rec.Weight})
	}
	return weights
}

// Addrs returns the address book for every daemon that may still hold data.
func (r *Registry) Addrs() map[types.DaemonID]*protocol.DaemonAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make(map[types.DaemonID]*protocol.DaemonAddr, len(r.daemons))
	for id, rec := range r.daemons {
		if rec.State == types.DaemonGone {
			continue
		}
		addrs[id] = &protocol.DaemonAddr{Address: rec.Address, PeerAddress: rec.PeerAddress}
	}
	return addrs
}

// Snapshot returns the registry contents for status reporting.
func (r *Registry) Snapshot() []protocol.DaemonStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.DaemonStatus, 0, len(r.daemons))
	for id, rec := range r.daemons {
		out = append(out, protocol.DaemonStatus{
			ID:          id,
			Address:     rec.Address,
			Weight:      rec.Weight,
			State:       rec.State,
			Unreachable: rec.Unreachable,
			LastSeen:    rec.LastSeen.Unix(),
		})
	}
	return out
}
