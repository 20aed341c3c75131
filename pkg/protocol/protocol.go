// Package protocol defines the wire messages exchanged between the master,
// storage daemons and clients. All messages are JSON over HTTP; request
// rejections travel as typed results inside a 200 response so callers can
// distinguish protocol outcomes from transport failures.
package protocol

import (
	"strata/pkg/capability"
	"strata/pkg/placement"
	"strata/pkg/types"
)

// Master endpoints.
const (
	PathDaemonRegister  = "/v1/daemon/register"
	PathDaemonHeartbeat = "/v1/daemon/heartbeat"
	PathDaemonDrain     = "/v1/daemon/drain"
	PathDaemonReweight  = "/v1/daemon/reweight"
	PathClientAuthorize = "/v1/client/authorize"
	PathPoolCreate      = "/v1/pool/create"
	PathKeyRotate       = "/v1/key/rotate"
	PathPGBackfilled    = "/v1/pg/backfilled"
	PathStatus          = "/v1/status"
)

// Daemon endpoints. Object operations are client-facing and capability
// authenticated; pg operations run on the authenticated peer channel.
const (
	PathObjectWrite  = "/v1/object/write"
	PathObjectRead   = "/v1/object/read"
	PathObjectDelete = "/v1/object/delete"
	PathPGManifest   = "/v1/pg/manifest"
	PathPGPull       = "/v1/pg/pull"
	PathPGReplicate  = "/v1/pg/replicate"
)

// RejectReason classifies why a daemon refused an operation.
type RejectReason string

const (
	RejectNone        RejectReason = ""
	RejectAuth        RejectReason = "auth"
	RejectStaleEpoch  RejectReason = "stale_epoch"
	RejectNotPrimary  RejectReason = "not_primary"
	RejectWrongDaemon RejectReason = "wrong_daemon"
	RejectUnknownPool RejectReason = "unknown_pool"
	RejectNotFound    RejectReason = "not_found"
	RejectInternal    RejectReason = "internal"
)

// ErrorResponse is the master's error envelope for non-2xx replies.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

const (
	ErrorTypeAuth          = "auth_error"
	ErrorTypeUnknownPool   = "unknown_pool"
	ErrorTypeUnknownDaemon = "unknown_daemon"
	ErrorTypeConflict      = "conflict"
	ErrorTypeInternal      = "internal"
)

// DaemonAddr is the address book entry shipped with every map so parties can
// reach owners without a directory lookup.
type DaemonAddr struct {
	Address     string `json:"address"`
	PeerAddress string `json:"peer_address"`
}

// PGMigration is the master's instruction for one placement group mid
// rebalance. Daemons act on their role: pending new owners backfill, the old
// primary keeps serving until cutover, old owners fence stale-epoch writes
// after it.
type PGMigration struct {
	Pool      types.PoolName                 `json:"pool"`
	PG        types.PGID                     `json:"pg"`
	Epoch     types.Epoch                    `json:"epoch"`
	State     types.MigrationState           `json:"state"`
	OldOwners []types.DaemonID               `json:"old_owners"`
	NewOwners []types.DaemonID               `json:"new_owners"`
	Pending   []types.DaemonID               `json:"pending,omitempty"`
	Addrs     map[types.DaemonID]*DaemonAddr `json:"addrs,omitempty"`
}

type RegisterRequest struct {
	Name        string `json:"name"` // identity hint when running without TLS
	Address     string `json:"address"`
	PeerAddress string `json:"peer_address"`
	Weight      uint32 `json:"weight"`
}

type RegisterResponse struct {
	DaemonID   types.DaemonID                 `json:"daemon_id"`
	Keys       capability.Keys                `json:"keys"`
	Maps       []*placement.Map               `json:"maps"`
	Migrations []*PGMigration                 `json:"migrations"`
	Daemons    map[types.DaemonID]*DaemonAddr `json:"daemons"`
}

type HeartbeatRequest struct {
	DaemonID types.DaemonID `json:"daemon_id"`
}

type HeartbeatResponse struct {
	Maps       []*placement.Map               `json:"maps"`
	Migrations []*PGMigration                 `json:"migrations"`
	Keys       capability.Keys                `json:"keys"`
	Daemons    map[types.DaemonID]*DaemonAddr `json:"daemons"`
}

type DrainRequest struct {
	DaemonID types.DaemonID `json:"daemon_id"`
}

type ReweightRequest struct {
	DaemonID types.DaemonID `json:"daemon_id"`
	Weight   uint32         `json:"weight"`
}

type AuthorizeRequest struct {
	Subject string         `json:"subject"` // identity hint when running without TLS
	Pool    types.PoolName `json:"pool"`
}

type AuthorizeResponse struct {
	Capability types.Capability               `json:"capability"`
	Map        *placement.Map                 `json:"map"`
	Daemons    map[types.DaemonID]*DaemonAddr `json:"daemons"`
}

type PoolCreateRequest struct {
	Name     types.PoolName `json:"name"`
	Replicas int            `json:"replicas"`
	PGCount  uint32         `json:"pg_count"`
}

type PoolCreateResponse struct {
	Map *placement.Map `json:"map"`
}

type BackfilledRequest struct {
	Pool     types.PoolName `json:"pool"`
	PG       types.PGID     `json:"pg"`
	Epoch    types.Epoch    `json:"epoch"`
	DaemonID types.DaemonID `json:"daemon_id"`
}

// Client-to-daemon object operations. Requests carry the epoch the client
// believes is current so a daemon that has moved on can answer with a stale
// epoch rejection and a hint instead of silently misrouting.

type WriteRequest struct {
	Pool       types.PoolName   `json:"pool"`
	Object     string           `json:"object"`
	Offset     int64            `json:"offset"`
	Data       []byte           `json:"data"`
	Epoch      types.Epoch      `json:"epoch"`
	Capability types.Capability `json:"capability"`
}

type WriteResponse struct {
	OK           bool         `json:"ok"`
	NewLength    int64        `json:"new_length,omitempty"`
	Reject       RejectReason `json:"reject,omitempty"`
	NewEpochHint types.Epoch  `json:"new_epoch_hint,omitempty"`
}

type ReadRequest struct {
	Pool       types.PoolName   `json:"pool"`
	Object     string           `json:"object"`
	Offset     int64            `json:"offset"`
	Length     int64            `json:"length"` // 0 reads to the end
	Epoch      types.Epoch      `json:"epoch"`
	Capability types.Capability `json:"capability"`
}

type ReadResponse struct {
	OK           bool         `json:"ok"`
	Data         []byte       `json:"data,omitempty"`
	Reject       RejectReason `json:"reject,omitempty"`
	NewEpochHint types.Epoch  `json:"new_epoch_hint,omitempty"`
}

type DeleteRequest struct {
	Pool       types.PoolName   `json:"pool"`
	Object     string           `json:"object"`
	Epoch      types.Epoch      `json:"epoch"`
	Capability types.Capability `json:"capability"`
}

type DeleteResponse struct {
	OK           bool         `json:"ok"`
	Reject       RejectReason `json:"reject,omitempty"`
	NewEpochHint types.Epoch  `json:"new_epoch_hint,omitempty"`
}

// Daemon-to-daemon rebalance and replication operations.

type ManifestRequest struct {
	Pool types.PoolName `json:"pool"`
	PG   types.PGID     `json:"pg"`
}

type ManifestEntry struct {
	Object   string `json:"object"`
	Checksum string `json:"checksum"`
}

type ManifestResponse struct {
	Entries []ManifestEntry `json:"entries"`
}

type PullRequest struct {
	Pool   types.PoolName `json:"pool"`
	PG     types.PGID     `json:"pg"`
	Object string         `json:"object"`
}

type PullResponse struct {
	Found bool   `json:"found"`
	Data  []byte `json:"data,omitempty"`
}

type ReplicateRequest struct {
	Pool   types.PoolName `json:"pool"`
	PG     types.PGID     `json:"pg"`
	Object string         `json:"object"`
	Offset int64          `json:"offset"`
	Data   []byte         `json:"data"`
	Delete bool           `json:"delete,omitempty"`
	Epoch  types.Epoch    `json:"epoch"`
}

type ReplicateResponse struct {
	OK     bool         `json:"ok"`
	Reject RejectReason `json:"reject,omitempty"`
}

// Status reporting for operators.

type DaemonStatus struct {
	ID          types.DaemonID    `json:"id"`
	Address     string            `json:"address"`
	Weight      uint32            `json:"weight"`
	State       types.DaemonState `json:"state"`
	Unreachable bool              `json:"unreachable"`
	LastSeen    int64             `json:"last_seen"`
}

type PoolStatus struct {
	Name            types.PoolName `json:"name"`
	Replicas        int            `json:"replicas"`
	PGCount         uint32         `json:"pg_count"`
	Epoch           types.Epoch    `json:"epoch"`
	UnderReplicated bool           `json:"under_replicated"`
	Migrating       int            `json:"migrating"` // PGs not yet Active
	Degraded        bool           `json:"degraded"`  // a PG is stuck backfilling
}

type StatusResponse struct {
	Daemons []DaemonStatus `json:"daemons"`
	Pools   []PoolStatus   `json:"pools"`
}
