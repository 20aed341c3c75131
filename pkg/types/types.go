package types

import (
	"time"
)

type PoolName string
type DaemonID string
type PGID uint32
type Epoch uint64

// DaemonState is the lifecycle state of a storage daemon in the registry.
type DaemonState string

const (
	DaemonRegistering DaemonState = "registering"
	DaemonActive      DaemonState = "active"
	DaemonDraining    DaemonState = "draining"
	DaemonGone        DaemonState = "gone"
)

// MigrationState tracks a placement group through a rebalance.
type MigrationState string

const (
	MigrationStable      MigrationState = "stable"
	MigrationBackfilling MigrationState = "backfilling"
	MigrationCutover     MigrationState = "cutover"
	MigrationActive      MigrationState = "active"
)

type DaemonRecord struct {
	ID          DaemonID
	Address     string // client-facing address
	PeerAddress string // daemon-to-daemon and rebalance address
	Weight      uint32
	State       DaemonState
	Unreachable bool
	LastSeen    time.Time
}

type PoolConfig struct {
	Name     PoolName `json:"name"`
	Replicas int      `json:"replicas"`
	PGCount  uint32   `json:"pg_count"`
}

// Capability is an offline-verifiable authorization token for direct
// client-to-daemon requests. The MAC binds all other fields under the
// cluster secret key; daemons verify it without contacting the master.
type Capability struct {
	Subject string   `json:"subject"`
	Pool    PoolName `json:"pool"`
	Epoch   Epoch    `json:"epoch"`
	Expires int64    `json:"expires"` // unix seconds
	MAC     []byte   `json:"mac"`
}
