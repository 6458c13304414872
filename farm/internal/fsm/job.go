package fsm

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/raft"
	"github.com/nrwiersma/renderfarm/farm/internal/rpc"
	"github.com/nrwiersma/renderfarm/farm/job"
	"github.com/nrwiersma/renderfarm/farm/state"
)

func (f *FSM) handlePutJobRequest(buf []byte, idx uint64) interface{} {
	var req rpc.PutJobRequest
	if err := rpc.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	if err := f.Store().EnsureJob(idx, &req.Job); err != nil {
		return err
	}

	return nil
}

func (f *FSM) handleUpdateStatusRequest(buf []byte, idx uint64) interface{} {
	var req rpc.UpdateStatusRequest
	if err := rpc.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	return f.Store().UpdateJob(idx, req.ID, func(rec *job.Record) {
		rec.Status = req.Status
		rec.Timestamp = req.Timestamp
	})
}

func (f *FSM) handleUpdateCompletedFramesRequest(buf []byte, idx uint64) interface{} {
	var req rpc.UpdateCompletedFramesRequest
	if err := rpc.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	return f.Store().UpdateJob(idx, req.ID, func(rec *job.Record) {
		rec.CompletedFrames = req.Frames
		rec.Timestamp = req.Timestamp
	})
}

func (f *FSM) handleUpdateNodesRequest(buf []byte, idx uint64) interface{} {
	var req rpc.UpdateNodesRequest
	if err := rpc.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	return f.Store().UpdateJob(idx, req.ID, func(rec *job.Record) {
		rec.Nodes = req.Nodes
		rec.Timestamp = req.Timestamp
	})
}

func (f *FSM) handleUpdateQueuePositionRequest(buf []byte, idx uint64) interface{} {
	var req rpc.UpdateQueuePositionRequest
	if err := rpc.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	return f.Store().UpdateJob(idx, req.ID, func(rec *job.Record) {
		rec.QueuePosition = req.Position
		rec.Timestamp = req.Timestamp
	})
}

func (f *FSM) handleDeleteJobRequest(buf []byte, idx uint64) interface{} {
	var req rpc.DeleteJobRequest
	if err := rpc.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	if err := f.Store().DeleteJob(idx, req.ID); err != nil {
		return err
	}

	return nil
}

func snapshotJobs(s *snapshot, sink raft.SnapshotSink, enc *codec.Encoder) error {
	iter, err := s.state.Jobs()
	if err != nil {
		return err
	}

	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if _, err := sink.Write([]byte{byte(rpc.PutJobRequestType)}); err != nil {
			return err
		}
		if err := enc.Encode(&raw.(*state.Job).Record); err != nil {
			return err
		}
	}
	return nil
}

func restoreJob(header *snapshotHeader, restore *state.Restore, dec *codec.Decoder) error {
	var rec job.Record
	if err := dec.Decode(&rec); err != nil {
		return err
	}
	return restore.Job(header.LastIndex, &rec)
}
