package rpc

import (
	"time"

	"github.com/nrwiersma/renderfarm/farm/job"
)

// PutJobRequest is used to insert or replace a job record.
type PutJobRequest struct {
	Job job.Record
}

// UpdateStatusRequest is used to update the status of a job.
type UpdateStatusRequest struct {
	ID        string
	Status    job.Status
	Timestamp time.Time
}

// UpdateCompletedFramesRequest is used to update the completed frames of a job.
type UpdateCompletedFramesRequest struct {
	ID        string
	Frames    []int
	Timestamp time.Time
}

// UpdateNodesRequest is used to update the nodes assigned to a job.
type UpdateNodesRequest struct {
	ID        string
	Nodes     []string
	Timestamp time.Time
}

// UpdateQueuePositionRequest is used to update the queue position of a job.
type UpdateQueuePositionRequest struct {
	ID        string
	Position  int
	Timestamp time.Time
}

// DeleteJobRequest is used to delete a job.
type DeleteJobRequest struct {
	ID string
}
