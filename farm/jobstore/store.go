package jobstore

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/nrwiersma/renderfarm/farm/internal/fsm"
	"github.com/nrwiersma/renderfarm/farm/internal/rpc"
	"github.com/nrwiersma/renderfarm/farm/job"
	pkglog "github.com/nrwiersma/renderfarm/pkg/log"
	"github.com/pkg/errors"
)

const (
	raftState         = "raft/"
	raftLogCacheSize  = 512
	snapshotsRetained = 2
)

// Store is a durable job record store. Writes go through a single
// voter raft log kept in bolt, and are applied to an in-memory state
// store. Reopening a store replays its snapshot and log.
type Store struct {
	config *Config
	log    log.Logger

	raft          *raft.Raft
	raftStore     *raftboltdb.BoltStore
	raftTransport *raft.NetworkTransport
	fsm           *fsm.FSM
	raftNotifyCh  chan bool

	leaderOnce sync.Once
	leaderCh   chan struct{}

	shutdownMu sync.Mutex
	shutdownCh chan struct{}
	shutdown   bool

	now func() time.Time
}

// Open opens the store in the configured data directory, waiting until
// every persisted record is loaded.
func Open(cfg *Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Null
	}

	s := &Store{
		config:       cfg,
		log:          logger,
		raftNotifyCh: make(chan bool, 1),
		leaderCh:     make(chan struct{}),
		shutdownCh:   make(chan struct{}),
		now:          time.Now,
	}

	if err := s.setupRaft(); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "jobstore: error setting up raft")
	}

	go s.monitorLeadership()

	select {
	case <-s.leaderCh:
	case <-time.After(cfg.LeaderTimeout):
		_ = s.Close()
		return nil, errors.New("jobstore: timed out waiting for leadership")
	}

	if err := s.raft.Barrier(cfg.ApplyTimeout).Error(); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "jobstore: error waiting for barrier")
	}

	return s, nil
}

func (s *Store) setupRaft() (err error) {
	// Protect against unclean exit
	defer func() {
		if s.raft == nil && s.raftStore != nil {
			_ = s.raftStore.Close()
			s.raftStore = nil
		}
		if s.raft == nil && s.raftTransport != nil {
			_ = s.raftTransport.Close()
			s.raftTransport = nil
		}
	}()

	conf := *s.config.RaftConfig
	conf.LocalID = raft.ServerID(s.config.ID)
	conf.NotifyCh = s.raftNotifyCh
	conf.Logger = pkglog.NewHCLBridge(s.log, "raft: ")

	s.fsm, err = fsm.New()
	if err != nil {
		return err
	}

	trans, err := raft.NewTCPTransportWithLogger(
		s.config.BindAddr,
		nil,
		3,
		10*time.Second,
		pkglog.NewBridge(s.log, pkglog.Debug, "raft transport: "),
	)
	if err != nil {
		return err
	}
	s.raftTransport = trans

	path := filepath.Join(s.config.DataDir, raftState)
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}

	// Create the backend raft store for logs and stable storage.
	store, err := raftboltdb.NewBoltStore(filepath.Join(path, "raft.db"))
	if err != nil {
		return err
	}
	s.raftStore = store

	logStore, err := raft.NewLogCache(raftLogCacheSize, store)
	if err != nil {
		return err
	}

	snapshots, err := raft.NewFileSnapshotStore(path, snapshotsRetained, pkglog.NewWriter(s.log, pkglog.Debug, "raft snapshot: "))
	if err != nil {
		return err
	}

	hasState, err := raft.HasExistingState(logStore, store, snapshots)
	if err != nil {
		return err
	}
	if !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      conf.LocalID,
					Address: trans.LocalAddr(),
				},
			},
		}
		if err := raft.BootstrapCluster(&conf, logStore, store, snapshots, trans, configuration); err != nil {
			return err
		}
	}

	s.raft, err = raft.NewRaft(&conf, s.fsm, logStore, store, snapshots, trans)
	return err
}

func (s *Store) monitorLeadership() {
	for {
		select {
		case leader := <-s.raftNotifyCh:
			if !leader {
				s.log.Error("jobstore: leadership lost")
				continue
			}

			s.leaderOnce.Do(func() {
				close(s.leaderCh)
			})
			s.log.Info("jobstore: leadership acquired")

		case <-s.shutdownCh:
			return
		}
	}
}

// Put inserts or replaces a job record, stamped with the current time.
func (s *Store) Put(rec job.Record) error {
	rec.Timestamp = s.now()

	return s.apply(rpc.PutJobRequestType, &rpc.PutJobRequest{Job: rec})
}

// UpdateStatus updates the status of a job.
func (s *Store) UpdateStatus(id string, status job.Status) error {
	return s.apply(rpc.UpdateStatusRequestType, &rpc.UpdateStatusRequest{
		ID:        id,
		Status:    status,
		Timestamp: s.now(),
	})
}

// UpdateCompletedFrames replaces the completed frames of a job.
func (s *Store) UpdateCompletedFrames(id string, frames []int) error {
	return s.apply(rpc.UpdateCompletedFramesRequestType, &rpc.UpdateCompletedFramesRequest{
		ID:        id,
		Frames:    frames,
		Timestamp: s.now(),
	})
}

// UpdateNodes replaces the nodes assigned to a job.
func (s *Store) UpdateNodes(id string, nodes []string) error {
	return s.apply(rpc.UpdateNodesRequestType, &rpc.UpdateNodesRequest{
		ID:        id,
		Nodes:     nodes,
		Timestamp: s.now(),
	})
}

// UpdateQueuePosition updates the queue position of a job.
func (s *Store) UpdateQueuePosition(id string, pos int) error {
	return s.apply(rpc.UpdateQueuePositionRequestType, &rpc.UpdateQueuePositionRequest{
		ID:        id,
		Position:  pos,
		Timestamp: s.now(),
	})
}

// Delete deletes a job record. Deleting a missing record is a no-op.
func (s *Store) Delete(id string) error {
	return s.apply(rpc.DeleteJobRequestType, &rpc.DeleteJobRequest{ID: id})
}

// Get returns the job record with the given id.
func (s *Store) Get(id string) (job.Record, error) {
	_, rec, err := s.fsm.Store().Job(id)
	if err != nil {
		return job.Record{}, errors.Wrap(err, "jobstore: error reading job")
	}
	if rec == nil {
		return job.Record{}, errors.Wrapf(job.ErrJobNotFound, "jobstore: job %q", id)
	}
	return *rec, nil
}

// List returns every job record ordered by queue position.
func (s *Store) List() ([]job.Record, error) {
	_, recs, err := s.fsm.Store().Jobs(nil)
	if err != nil {
		return nil, errors.Wrap(err, "jobstore: error reading jobs")
	}
	return recs, nil
}

// Snapshot compacts the raft log into a snapshot.
func (s *Store) Snapshot() error {
	if err := s.raft.Snapshot().Error(); err != nil {
		return errors.Wrap(err, "jobstore: snapshot failed")
	}
	return nil
}

func (s *Store) apply(t rpc.MessageType, msg interface{}) error {
	if s.isShutdown() {
		return errors.New("jobstore: store is closed")
	}

	buf, err := rpc.Encode(t, msg)
	if err != nil {
		return errors.Wrap(err, "jobstore: failed to encode request")
	}

	future := s.raft.Apply(buf, s.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return errors.Wrap(err, "jobstore: apply failed")
	}

	if err, ok := future.Response().(error); ok {
		return err
	}
	return nil
}

func (s *Store) isShutdown() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	return s.shutdown
}

// Close closes the store. All applied writes are durable once Close
// returns.
func (s *Store) Close() error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.shutdown {
		return nil
	}

	s.shutdown = true
	close(s.shutdownCh)

	var err error
	if s.raft != nil {
		if ferr := s.raft.Shutdown().Error(); ferr != nil {
			s.log.Error("jobstore: shutdown error", "error", ferr)
			err = errors.Wrap(ferr, "jobstore: error shutting down raft")
		}
	}
	if s.raftTransport != nil {
		_ = s.raftTransport.Close()
	}
	if s.raftStore != nil {
		if cerr := s.raftStore.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "jobstore: error closing raft store")
		}
	}

	return err
}
