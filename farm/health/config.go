package health

import (
	"os"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/serf/serf"
)

// DefaultSerfPort is the default Serf listening port.
const DefaultSerfPort = 8301

// Config holds the configuration for a Monitor.
type Config struct {
	// Name is the name the member uses to advertise.
	Name string

	// Node is the render node advertised by this member. The
	// controller leaves this nil.
	Node *Node

	// DataDir is the directory to store the serf snapshot in.
	// Snapshots are disabled when empty.
	DataDir string

	// SerfConfig is the configuration used from Serf.
	SerfConfig *serf.Config

	// EncryptKey is the encryption key used to secure
	// Serf communications. The entire cluster must use
	// the same encryption key.
	EncryptKey string

	// AutoRegister registers render nodes with the handler when
	// they join.
	AutoRegister bool

	// ReconcileInterval controls how often the handler is synced with
	// the member list.
	ReconcileInterval time.Duration

	// LeaveDrainTime is the time to wait after leaving the cluster.
	LeaveDrainTime time.Duration

	// Logger is the logger to log to.
	Logger log.Logger
}

// NewConfig creates/returns a default configuration.
func NewConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	conf := &Config{
		Name:              hostname,
		SerfConfig:        serf.DefaultConfig(),
		ReconcileInterval: 60 * time.Second,
		LeaveDrainTime:    5 * time.Second,
	}

	conf.SerfConfig.ReconnectTimeout = 24 * time.Hour
	conf.SerfConfig.MemberlistConfig.BindPort = DefaultSerfPort

	return conf
}
