package jobstore

import (
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/raft"
)

// DefaultBindAddr is the default raft binding address.
const DefaultBindAddr = "127.0.0.1:8310"

// Config holds the configuration for a Store.
type Config struct {
	// ID is a unique id for this store.
	ID string

	// DataDir is the directory to store the raft log and snapshots in.
	DataDir string

	// BindAddr is the address the raft transport binds to.
	BindAddr string

	// ApplyTimeout is the time to wait for a write to be applied.
	ApplyTimeout time.Duration

	// LeaderTimeout is the time to wait for leadership when opening.
	LeaderTimeout time.Duration

	// RaftConfig is the configuration used for Raft.
	RaftConfig *raft.Config

	// Logger is the logger to log to.
	Logger log.Logger
}

// NewConfig creates/returns a default configuration.
func NewConfig() *Config {
	conf := &Config{
		ID:            "controller",
		BindAddr:      DefaultBindAddr,
		ApplyTimeout:  10 * time.Second,
		LeaderTimeout: 30 * time.Second,
		RaftConfig:    raft.DefaultConfig(),
	}

	conf.RaftConfig.SnapshotThreshold = 16384

	return conf
}
