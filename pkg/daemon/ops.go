package daemon

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"strata/pkg/capability"
	"strata/pkg/placement"
	"strata/pkg/protocol"
	"strata/pkg/types"
)

// Write routes and applies one client write. Exactly one daemon accepts any
// given write: the primary of the object's placement group, where "primary"
// shifts from the old owner set to the new one at cutover. Everyone else
// rejects with a reason the client can act on.
func (d *Daemon) Write(req *protocol.WriteRequest) *protocol.WriteResponse {
	m := d.poolMap(req.Pool)
	if m == nil {
		return &protocol.WriteResponse{Reject: protocol.RejectUnknownPool}
	}
	if st := d.verifyCapability(req.Capability, req.Pool, m.Epoch); st != capability.Valid {
		return &protocol.WriteResponse{Reject: protocol.RejectAuth}
	}

	pg := placement.PGOf(req.Object, m.PGCount)
	owners := m.Owners[pg]
	mig := d.migration(req.Pool, pg)

	switch {
	case mig != nil && mig.State == types.MigrationBackfilling:
		oldPrimary := mig.OldOwners[0]
		switch {
		case d.id == oldPrimary:
			return d.writeLocal(req, pg, mig.OldOwners, mig.Pending, mig.Addrs)
		case len(owners) > 0 && d.id == owners[0]:
			// Authority has not moved yet; hand the write to the old primary.
			return d.forwardWrite(req, oldPrimary, mig.Addrs)
		default:
			return &protocol.WriteResponse{Reject: protocol.RejectNotPrimary}
		}

	case mig != nil && mig.State == types.MigrationCutover:
		if len(owners) > 0 && d.id == owners[0] {
			return d.writeLocal(req, pg, owners, nil, mig.Addrs)
		}
		if containsID(mig.OldOwners, d.id) {
			// Fenced: the group cut over and this daemon's copy is now stale.
			return &protocol.WriteResponse{Reject: protocol.RejectStaleEpoch, NewEpochHint: mig.Epoch}
		}
		return &protocol.WriteResponse{Reject: protocol.RejectNotPrimary}

	default:
		if len(owners) > 0 && d.id == owners[0] {
			return d.writeLocal(req, pg, owners, nil, nil)
		}
		if req.Epoch < m.Epoch {
			return &protocol.WriteResponse{Reject: protocol.RejectStaleEpoch, NewEpochHint: m.Epoch}
		}
		return &protocol.WriteResponse{Reject: protocol.RejectNotPrimary}
	}
}

// writeLocal persists the write and fans it out: to the replica owners, and
// during backfill additionally to the pending new owners so their copy stays
// complete as it fills.
func (d *Daemon) writeLocal(req *protocol.WriteRequest, pg types.PGID, owners, pending []types.DaemonID, addrs map[types.DaemonID]*protocol.DaemonAddr) *protocol.WriteResponse {
	newLen, err := d.store.WriteAt(req.Pool, pg, req.Object, req.Offset, req.Data)
	if err != nil {
		d.logger.Error("write failed", zap.String("object", req.Object), zap.Error(err))
		return &protocol.WriteResponse{Reject: protocol.RejectInternal}
	}

	rep := &protocol.ReplicateRequest{
		Pool:   req.Pool,
		PG:     pg,
		Object: req.Object,
		Offset: req.Offset,
		Data:   req.Data,
		Epoch:  req.Epoch,
	}
	d.fanOut(rep, owners, addrs)
	d.fanOut(rep, pending, addrs)

	return &protocol.WriteResponse{OK: true, NewLength: newLen}
}

// Read serves a client read from any daemon currently responsible for the
// group. During backfill the old owners hold the complete data; the new
// primary forwards rather than serve a partial copy.
func (d *Daemon) Read(req *protocol.ReadRequest) *protocol.ReadResponse {
	m := d.poolMap(req.Pool)
	if m == nil {
		return &protocol.ReadResponse{Reject: protocol.RejectUnknownPool}
	}
	if st := d.verifyCapability(req.Capability, req.Pool, m.Epoch); st != capability.Valid {
		return &protocol.ReadResponse{Reject: protocol.RejectAuth}
	}

	pg := placement.PGOf(req.Object, m.PGCount)
	owners := m.Owners[pg]
	mig := d.migration(req.Pool, pg)

	if mig != nil && mig.State == types.MigrationBackfilling {
		if !containsID(mig.OldOwners, d.id) {
			if len(owners) > 0 && d.id == owners[0] {
				return d.forwardRead(req, mig.OldOwners[0], mig.Addrs)
			}
			return &protocol.ReadResponse{Reject: protocol.RejectWrongDaemon}
		}
	} else if mig != nil && mig.State == types.MigrationCutover {
		if !containsID(mig.NewOwners, d.id) {
			if containsID(mig.OldOwners, d.id) {
				return &protocol.ReadResponse{Reject: protocol.RejectStaleEpoch, NewEpochHint: mig.Epoch}
			}
			return &protocol.ReadResponse{Reject: protocol.RejectWrongDaemon}
		}
	} else if !containsID(owners, d.id) {
		if req.Epoch < m.Epoch {
			return &protocol.ReadResponse{Reject: protocol.RejectStaleEpoch, NewEpochHint: m.Epoch}
		}
		return &protocol.ReadResponse{Reject: protocol.RejectWrongDaemon}
	}

	data, err := d.store.Read(req.Pool, pg, req.Object, req.Offset, req.Length)
	if errors.Is(err, ErrObjectNotFound) {
		return &protocol.ReadResponse{Reject: protocol.RejectNotFound}
	}
	if err != nil {
		d.logger.Error("read failed", zap.String("object", req.Object), zap.Error(err))
		return &protocol.ReadResponse{Reject: protocol.RejectInternal}
	}
	return &protocol.ReadResponse{OK: true, Data: data}
}

// Delete routes like a write and removes the object on every responsible
// copy.
func (d *Daemon) Delete(req *protocol.DeleteRequest) *protocol.DeleteResponse {
	m := d.poolMap(req.Pool)
	if m == nil {
		return &protocol.DeleteResponse{Reject: protocol.RejectUnknownPool}
	}
	if st := d.verifyCapability(req.Capability, req.Pool, m.Epoch); st != capability.Valid {
		return &protocol.DeleteResponse{Reject: protocol.RejectAuth}
	}

	pg := placement.PGOf(req.Object, m.PGCount)
	owners := m.Owners[pg]
	mig := d.migration(req.Pool, pg)

	var fanTo []types.DaemonID
	var pending []types.DaemonID
	var addrs map[types.DaemonID]*protocol.DaemonAddr

	switch {
	case mig != nil && mig.State == types.MigrationBackfilling:
		oldPrimary := mig.OldOwners[0]
		if d.id == oldPrimary {
			fanTo, pending, addrs = mig.OldOwners, mig.Pending, mig.Addrs
			break
		}
		if len(owners) > 0 && d.id == owners[0] {
			return d.forwardDelete(req, oldPrimary, mig.Addrs)
		}
		return &protocol.DeleteResponse{Reject: protocol.RejectNotPrimary}

	case mig != nil && mig.State == types.MigrationCutover:
		if len(owners) > 0 && d.id == owners[0] {
			fanTo, addrs = owners, mig.Addrs
			break
		}
		if containsID(mig.OldOwners, d.id) {
			return &protocol.DeleteResponse{Reject: protocol.RejectStaleEpoch, NewEpochHint: mig.Epoch}
		}
		return &protocol.DeleteResponse{Reject: protocol.RejectNotPrimary}

	default:
		if len(owners) > 0 && d.id == owners[0] {
			fanTo = owners
			break
		}
		if req.Epoch < m.Epoch {
			return &protocol.DeleteResponse{Reject: protocol.RejectStaleEpoch, NewEpochHint: m.Epoch}
		}
		return &protocol.DeleteResponse{Reject: protocol.RejectNotPrimary}
	}

	if err := d.store.Delete(req.Pool, pg, req.Object); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return &protocol.DeleteResponse{Reject: protocol.RejectNotFound}
		}
		d.logger.Error("delete failed", zap.String("object", req.Object), zap.Error(err))
		return &protocol.DeleteResponse{Reject: protocol.RejectInternal}
	}

	rep := &protocol.ReplicateRequest{Pool: req.Pool, PG: pg, Object: req.Object, Delete: true, Epoch: req.Epoch}
	d.fanOut(rep, fanTo, addrs)
	d.fanOut(rep, pending, addrs)

	return &protocol.DeleteResponse{OK: true}
}

// fanOut sends a replicate request to every listed peer except this daemon.
// Failures are logged, not surfaced; an unreachable replica is repaired by
// the next rebalance rather than by failing the client write.
func (d *Daemon) fanOut(rep *protocol.ReplicateRequest, targets []types.DaemonID, addrs map[types.DaemonID]*protocol.DaemonAddr) {
	for _, id := range targets {
		if id == d.id {
			continue
		}
		addr := d.peerAddr(id, addrs)
		if addr == "" {
			d.logger.Warn("no peer address for replica", zap.String("daemon_id", string(id)))
			continue
		}
		var resp protocol.ReplicateResponse
		if err := d.post(addr, protocol.PathPGReplicate, rep, &resp); err != nil {
			d.logger.Warn("replication failed",
				zap.String("daemon_id", string(id)),
				zap.String("object", rep.Object),
				zap.Error(err))
		}
	}
}

func (d *Daemon) forwardWrite(req *protocol.WriteRequest, to types.DaemonID, addrs map[types.DaemonID]*protocol.DaemonAddr) *protocol.WriteResponse {
	addr := d.clientAddr(to, addrs)
	if addr == "" {
		return &protocol.WriteResponse{Reject: protocol.RejectInternal}
	}
	var resp protocol.WriteResponse
	if err := d.post(addr, protocol.PathObjectWrite, req, &resp); err != nil {
		d.logger.Warn("write forward failed", zap.String("daemon_id", string(to)), zap.Error(err))
		return &protocol.WriteResponse{Reject: protocol.RejectInternal}
	}
	return &resp
}

func (d *Daemon) forwardRead(req *protocol.ReadRequest, to types.DaemonID, addrs map[types.DaemonID]*protocol.DaemonAddr) *protocol.ReadResponse {
	addr := d.clientAddr(to, addrs)
	if addr == "" {
		return &protocol.ReadResponse{Reject: protocol.RejectInternal}
	}
	var resp protocol.ReadResponse
	if err := d.post(addr, protocol.PathObjectRead, req, &resp); err != nil {
		d.logger.Warn("read forward failed", zap.String("daemon_id", string(to)), zap.Error(err))
		return &protocol.ReadResponse{Reject: protocol.RejectInternal}
	}
	return &resp
}

func (d *Daemon) forwardDelete(req *protocol.DeleteRequest, to types.DaemonID, addrs map[types.DaemonID]*protocol.DaemonAddr) *protocol.DeleteResponse {
	addr := d.clientAddr(to, addrs)
	if addr == "" {
		return &protocol.DeleteResponse{Reject: protocol.RejectInternal}
	}
	var resp protocol.DeleteResponse
	if err := d.post(addr, protocol.PathObjectDelete, req, &resp); err != nil {
		d.logger.Warn("delete forward failed", zap.String("daemon_id", string(to)), zap.Error(err))
		return &protocol.DeleteResponse{Reject: protocol.RejectInternal}
	}
	return &resp
}

// Replicate applies a peer-originated copy of a write or delete. The peer
// channel is authenticated at the transport; replicas trust the primary's
// routing decision.
func (d *Daemon) Replicate(req *protocol.ReplicateRequest) *protocol.ReplicateResponse {
	if req.Delete {
		if err := d.store.Delete(req.Pool, req.PG, req.Object); err != nil && !errors.Is(err, ErrObjectNotFound) {
			return &protocol.ReplicateResponse{Reject: protocol.RejectInternal}
		}
		return &protocol.ReplicateResponse{OK: true}
	}
	if _, err := d.store.WriteAt(req.Pool, req.PG, req.Object, req.Offset, req.Data); err != nil {
		return &protocol.ReplicateResponse{Reject: protocol.RejectInternal}
	}
	return &protocol.ReplicateResponse{OK: true}
}

// verifyCapability checks a capability, caching the MAC verdict so repeated
// requests under the same token skip the HMAC. Expiry and epoch bounds are
// re-evaluated on every request; only the MAC proof is cached, and the cache
// is flushed on key rotation.
func (d *Daemon) verifyCapability(c types.Capability, pool types.PoolName, localEpoch types.Epoch) capability.Status {
	cacheKey := hex.EncodeToString(c.MAC)
	if item := d.capCache.Get(cacheKey); item != nil {
		proven := item.Value()
		if proven.Subject == c.Subject && proven.Pool == c.Pool && proven.Epoch == c.Epoch && proven.Expires == c.Expires && c.Pool == pool {
			if time.Now().Unix() >= c.Expires {
				return capability.Expired
			}
			if uint64(c.Epoch)+capability.DefaultEpochLag < uint64(localEpoch) {
				return capability.EpochMismatch
			}
			return capability.Valid
		}
	}

	st := capability.Verify(c, pool, d.keysSnapshot(), localEpoch, capability.DefaultEpochLag, time.Now())
	if st == capability.Valid {
		d.capCache.Set(cacheKey, c, ttlcache.DefaultTTL)
	}
	return st
}

// post sends a JSON request to a peer or the master and decodes the reply.
func (d *Daemon) post(addr, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s://%s%s", d.scheme, addr, path)
	httpResp, err := d.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var apiErr protocol.ErrorResponse
		if jerr := json.NewDecoder(httpResp.Body).Decode(&apiErr); jerr == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.ErrorType, apiErr.Message)
		}
		return fmt.Errorf("%s returned status %d", path, httpResp.StatusCode)
	}

	if resp == nil {
		_, err = io.Copy(io.Discard, httpResp.Body)
		return err
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}
