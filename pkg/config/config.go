package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"strata/pkg/auth"
)

type Mode string

const (
	ModeMaster Mode = "master"
	ModeDaemon Mode = "daemon"
)

type Config struct {
	Mode   Mode             `json:"mode"`
	Auth   *auth.AuthConfig `json:"auth,omitempty"`
	Master MasterConfig     `json:"master,omitempty"`
	Daemon DaemonConfig     `json:"daemon,omitempty"`
}

type MasterConfig struct {
	Address string `json:"address"`

	// HeartbeatTimeoutSeconds is how long a daemon may go silent before the
	// registry signals it unreachable.
	HeartbeatTimeoutSeconds int `json:"heartbeat_timeout_seconds"`

	// CapabilityTTLSeconds bounds the lifetime of issued capabilities.
	CapabilityTTLSeconds int `json:"capability_ttl_seconds"`

	// EpochLag is how many epochs behind a capability may be stamped and
	// still be accepted by daemons.
	EpochLag uint64 `json:"epoch_lag"`

	// GCGraceSeconds is how long after cutover old owners wait before
	// garbage-collecting a departed placement group. It must cover the
	// capability epoch-lag window.
	GCGraceSeconds int `json:"gc_grace_seconds"`
}

type DaemonConfig struct {
	Name          string `json:"name"`
	Address       string `json:"address"`      // client-facing
	PeerAddress   string `json:"peer_address"` // rebalance + replication
	MasterAddress string `json:"master_address"`
	DataDir       string `json:"data_dir"`
	Weight        uint32 `json:"weight"`

	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`

	// MaxConcurrentBackfills bounds simultaneous backfill streams so
	// migrations do not starve client traffic; excess migrations queue.
	MaxConcurrentBackfills int `json:"max_concurrent_backfills"`

	// BackfillBytesPerSec rate-limits pulled backfill data. Zero disables
	// the limiter.
	BackfillBytesPerSec int64 `json:"backfill_bytes_per_sec"`
}

func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		Address:                 ":8001",
		HeartbeatTimeoutSeconds: 15,
		CapabilityTTLSeconds:    600,
		EpochLag:                1,
		GCGraceSeconds:          60,
	}
}

func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Address:                  ":7001",
		PeerAddress:              ":7101",
		MasterAddress:            "localhost:8001",
		DataDir:                  "./data",
		Weight:                   100,
		HeartbeatIntervalSeconds: 5,
		MaxConcurrentBackfills:   2,
		BackfillBytesPerSec:      0,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func LoadFromEnv() *Config {
	cfg := &Config{
		Mode: Mode(getEnv("STRATA_MODE", "master")),
	}

	if cfg.Mode == ModeMaster {
		cfg.Master = DefaultMasterConfig()
		cfg.Master.Address = getEnv("STRATA_MASTER_ADDRESS", cfg.Master.Address)
	} else {
		cfg.Daemon = DefaultDaemonConfig()
		cfg.Daemon.Name = getEnv("STRATA_DAEMON_NAME", "")
		cfg.Daemon.Address = getEnv("STRATA_DAEMON_ADDRESS", cfg.Daemon.Address)
		cfg.Daemon.PeerAddress = getEnv("STRATA_DAEMON_PEER_ADDRESS", cfg.Daemon.PeerAddress)
		cfg.Daemon.MasterAddress = getEnv("STRATA_MASTER_ADDRESS", cfg.Daemon.MasterAddress)
		cfg.Daemon.DataDir = getEnv("STRATA_DATA_DIR", cfg.Daemon.DataDir)
		if w, err := strconv.ParseUint(getEnv("STRATA_DAEMON_WEIGHT", ""), 10, 32); err == nil {
			cfg.Daemon.Weight = uint32(w)
		}
	}

	return cfg
}

func (c *Config) applyDefaults() {
	def := DefaultMasterConfig()
	if c.Master.HeartbeatTimeoutSeconds == 0 {
		c.Master.HeartbeatTimeoutSeconds = def.HeartbeatTimeoutSeconds
	}
	if c.Master.CapabilityTTLSeconds == 0 {
		c.Master.CapabilityTTLSeconds = def.CapabilityTTLSeconds
	}
	if c.Master.EpochLag == 0 {
		c.Master.EpochLag = def.EpochLag
	}
	if c.Master.GCGraceSeconds == 0 {
		c.Master.GCGraceSeconds = def.GCGraceSeconds
	}

	dd := DefaultDaemonConfig()
	if c.Daemon.HeartbeatIntervalSeconds == 0 {
		c.Daemon.HeartbeatIntervalSeconds = dd.HeartbeatIntervalSeconds
	}
	if c.Daemon.MaxConcurrentBackfills == 0 {
		c.Daemon.MaxConcurrentBackfills = dd.MaxConcurrentBackfills
	}
	if c.Daemon.Weight == 0 {
		c.Daemon.Weight = dd.Weight
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
