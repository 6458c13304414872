package dispatch

import (
	"context"

	"github.com/nrwiersma/renderfarm/farm/job"
)

// Task is a frame to start or cancel on a node.
type Task struct {
	job.Assignment

	Address string
	Path    string
}

// Adapter starts and cancels frames on render nodes. Results of a
// started frame are reported back through Dispatcher.Handle.
type Adapter interface {
	Start(ctx context.Context, task Task) error
	Cancel(ctx context.Context, task Task) error
}

// Store persists job records.
type Store interface {
	Put(rec job.Record) error
	UpdateStatus(id string, status job.Status) error
	UpdateCompletedFrames(id string, frames []int) error
	UpdateNodes(id string, nodes []string) error
	UpdateQueuePosition(id string, pos int) error
	Delete(id string) error
	List() ([]job.Record, error)
}
