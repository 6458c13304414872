package dispatch

import (
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"
)

// Config holds the configuration for a Dispatcher.
type Config struct {
	// FrameTimeout is the silence allowed for a frame before it is
	// requeued. Nodes can override it on registration.
	FrameTimeout time.Duration

	// FailureThreshold is the number of consecutive failures after which
	// a node is excluded from scheduling. Zero disables the threshold.
	FailureThreshold int

	// SweepInterval controls how often frames are checked for timeouts.
	SweepInterval time.Duration

	// AdapterTimeout bounds a single start or cancel call to a node.
	AdapterTimeout time.Duration

	// Logger is the logger to log to.
	Logger log.Logger

	// Statter is the statter to report stats to.
	Statter stats.Statter
}

// NewConfig creates/returns a default configuration.
func NewConfig() *Config {
	return &Config{
		FrameTimeout:     10 * time.Minute,
		FailureThreshold: 3,
		SweepInterval:    5 * time.Second,
		AdapterTimeout:   30 * time.Second,
	}
}
