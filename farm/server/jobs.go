package server

import (
	"github.com/hashicorp/go-bexpr"
	"github.com/nrwiersma/renderfarm/farm/dispatch"
	"github.com/nrwiersma/renderfarm/farm/rpc"
)

// Jobs serves RPC calls about render jobs.
type Jobs struct {
	srv *Server
}

// Submit submits a new job.
func (j *Jobs) Submit(req *rpc.SubmitRequest, resp *rpc.SubmitResponse) error {
	id, err := j.srv.engine.Submit(dispatch.SubmitRequest{
		Path:   req.Path,
		Start:  req.Start,
		End:    req.End,
		Extras: req.Extras,
		Nodes:  req.Nodes,
	})
	if err != nil {
		return err
	}

	resp.ID = id
	return nil
}

// Start starts rendering a job.
func (j *Jobs) Start(req *rpc.JobRequest, _ *rpc.Empty) error {
	return j.srv.engine.Start(req.ID)
}

// Pause pauses a job.
func (j *Jobs) Pause(req *rpc.JobRequest, _ *rpc.Empty) error {
	return j.srv.engine.Pause(req.ID)
}

// Stop stops a job, cancelling its frames in flight.
func (j *Jobs) Stop(req *rpc.JobRequest, _ *rpc.Empty) error {
	return j.srv.engine.Stop(req.ID)
}

// Requeue puts a finished, stopped or failed job back in the queue.
func (j *Jobs) Requeue(req *rpc.JobRequest, _ *rpc.Empty) error {
	return j.srv.engine.Requeue(req.ID)
}

// Delete removes a job.
func (j *Jobs) Delete(req *rpc.JobRequest, _ *rpc.Empty) error {
	return j.srv.engine.Delete(req.ID)
}

// AddFrames adds frames to a job.
func (j *Jobs) AddFrames(req *rpc.FramesRequest, resp *rpc.FramesResponse) error {
	n, err := j.srv.engine.AddFrames(req.ID, req.Frames)
	if err != nil {
		return err
	}

	resp.Added = n
	return nil
}

// AddNodes allows nodes to render a job.
func (j *Jobs) AddNodes(req *rpc.JobNodesRequest, _ *rpc.Empty) error {
	return j.srv.engine.AddNodes(req.ID, req.Nodes)
}

// RemoveNodes stops nodes from receiving new frames of a job.
func (j *Jobs) RemoveNodes(req *rpc.JobNodesRequest, _ *rpc.Empty) error {
	return j.srv.engine.RemoveNodes(req.ID, req.Nodes)
}

// Reorder moves a job in the queue.
func (j *Jobs) Reorder(req *rpc.ReorderRequest, _ *rpc.Empty) error {
	return j.srv.engine.Reorder(req.ID, req.Position)
}

// Get gets the status of a job.
func (j *Jobs) Get(req *rpc.JobRequest, resp *rpc.JobResponse) error {
	job, err := j.srv.engine.Job(req.ID)
	if err != nil {
		return err
	}

	resp.Job = job
	return nil
}

// List gets the status of all jobs in queue order.
func (j *Jobs) List(req *rpc.JobsRequest, resp *rpc.JobsResponse) error {
	filter, err := bexpr.CreateFilter(req.Filter, nil, resp.Jobs)
	if err != nil {
		return err
	}

	resp.Jobs = j.srv.engine.Jobs()

	filtered, err := filter.Execute(resp.Jobs)
	if err != nil {
		return err
	}
	resp.Jobs = filtered.([]dispatch.JobStatus)

	return nil
}
