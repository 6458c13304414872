package jobstoretest

import (
	"fmt"
	"io/ioutil"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nrwiersma/renderfarm/farm/jobstore"
	"github.com/travisjeffery/go-dynaport"
)

var storeNumber int32

// NewConfig creates a test store config in a new temp directory.
func NewConfig(t *testing.T) (*jobstore.Config, string) {
	ports := dynaport.Get(1)
	id := atomic.AddInt32(&storeNumber, 1)

	tmpDir, err := ioutil.TempDir("", fmt.Sprintf("renderfarm-test-store-%d", id))
	if err != nil {
		t.Fatalf("err != nil: %s", err)
	}

	config := jobstore.NewConfig()
	config.ID = fmt.Sprintf("store-%d", id)
	config.DataDir = tmpDir
	config.BindAddr = fmt.Sprintf("127.0.0.1:%d", ports[0])
	config.LeaderTimeout = 5 * time.Second

	// Tighten the Raft timing
	config.RaftConfig.LeaderLeaseTimeout = 100 * time.Millisecond
	config.RaftConfig.HeartbeatTimeout = 200 * time.Millisecond
	config.RaftConfig.ElectionTimeout = 200 * time.Millisecond

	return config, tmpDir
}

// NewStore opens a test store in a new temp directory.
func NewStore(t *testing.T) (*jobstore.Store, *jobstore.Config, string) {
	config, tmpDir := NewConfig(t)

	store, err := jobstore.Open(config)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("err != nil: %s", err)
	}

	return store, config, tmpDir
}

// CloseAndRemove closes a store and removes its temp directory.
func CloseAndRemove(t *testing.T, store *jobstore.Store, tmpDir string) {
	defer os.RemoveAll(tmpDir)

	if err := store.Close(); err != nil {
		t.Error(fmt.Errorf("error closing store: %w", err))
	}
}
