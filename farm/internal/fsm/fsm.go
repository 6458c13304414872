package fsm

import (
	"io"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/raft"
	"github.com/nrwiersma/renderfarm/farm/internal/rpc"
	"github.com/nrwiersma/renderfarm/farm/state"
	"github.com/pkg/errors"
)

// msgpackHandle is a shared handle for encoding/decoding snapshots.
var msgpackHandle = &codec.MsgpackHandle{}

type handler func(buf []byte, index uint64) interface{}

type snapshoter func(s *snapshot, sink raft.SnapshotSink, enc *codec.Encoder) error

type restorer func(header *snapshotHeader, restore *state.Restore, dec *codec.Decoder) error

// FSM is a finite state machine used by Raft to
// provide strong consistency.
type FSM struct {
	storeMu sync.RWMutex
	store   *state.Store

	handlers    map[rpc.MessageType]handler
	snapshoters []snapshoter
	restorers   map[rpc.MessageType]restorer
}

// New returns an FSM with an empty state store.
func New() (*FSM, error) {
	store, err := state.New()
	if err != nil {
		return nil, err
	}

	fsm := &FSM{
		store: store,
	}

	fsm.handlers = map[rpc.MessageType]handler{
		rpc.PutJobRequestType:                fsm.handlePutJobRequest,
		rpc.UpdateStatusRequestType:          fsm.handleUpdateStatusRequest,
		rpc.UpdateCompletedFramesRequestType: fsm.handleUpdateCompletedFramesRequest,
		rpc.UpdateNodesRequestType:           fsm.handleUpdateNodesRequest,
		rpc.UpdateQueuePositionRequestType:   fsm.handleUpdateQueuePositionRequest,
		rpc.DeleteJobRequestType:             fsm.handleDeleteJobRequest,
	}
	fsm.snapshoters = []snapshoter{snapshotJobs}
	fsm.restorers = map[rpc.MessageType]restorer{
		rpc.PutJobRequestType: restoreJob,
	}

	return fsm, nil
}

// Store returns the current state store.
func (f *FSM) Store() *state.Store {
	f.storeMu.RLock()
	defer f.storeMu.RUnlock()

	return f.store
}

// Apply is invoked once a log has been committed.
func (f *FSM) Apply(l *raft.Log) interface{} {
	buf := l.Data
	if len(buf) == 0 {
		return nil
	}
	msgType := rpc.MessageType(buf[0])

	if fn := f.handlers[msgType]; fn != nil {
		return fn(buf[1:], l.Index)
	}

	// We dont know how to handle this message type,
	// perhaps it is from a future version.
	return nil
}

// Snapshot creates a snapshot of the current state of the FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{
		state:       f.Store().Snapshot(),
		snapshoters: f.snapshoters,
	}, nil
}

// Restore replaces the FSM state with a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	store, err := state.New()
	if err != nil {
		return err
	}

	restore := store.Restore()
	defer restore.Abort()

	dec := codec.NewDecoder(rc, msgpackHandle)

	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return errors.Wrap(err, "fsm: error reading snapshot header")
	}

	msgType := make([]byte, 1)
	for {
		_, err := rc.Read(msgType)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "fsm: error reading snapshot")
		}

		fn := f.restorers[rpc.MessageType(msgType[0])]
		if fn == nil {
			return errors.Errorf("fsm: unrecognized snapshot message type %d", msgType[0])
		}
		if err := fn(&header, restore, dec); err != nil {
			return err
		}
	}
	restore.Commit()

	f.storeMu.Lock()
	f.store = store
	f.storeMu.Unlock()

	return nil
}
