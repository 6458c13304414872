package dispatch

import (
	"time"

	"github.com/nrwiersma/renderfarm/farm/job"
	"github.com/nrwiersma/renderfarm/farm/node"
)

// FrameStatus is a frame in flight.
type FrameStatus struct {
	NodeID       string
	Frame        int
	Started      time.Time
	LastActivity time.Time
}

// JobStatus is a summary of a job.
type JobStatus struct {
	ID            string
	Path          string
	Status        job.Status
	StartFrame    int
	EndFrame      int
	ExtraFrames   []int
	Nodes         []string
	QueuePosition int

	Completed int
	Total     int
	Percent   float64
	Pending   int
	InFlight  []FrameStatus

	// Progress is the last known percentage per node.
	Progress map[string]int

	TimeStart time.Time
	TimeStop  time.Time
	Timestamp time.Time
}

// NodeStatus is a summary of a node.
type NodeStatus struct {
	ID           string
	Address      string
	Availability node.Availability
	JobID        string
	Frame        int
	FailureCount int
	LastActivity time.Time
	Timeout      time.Duration
}

// Job returns the status of a job.
func (d *Dispatcher) Job(id string) (JobStatus, error) {
	e, err := d.entry(id)
	if err != nil {
		return JobStatus{}, err
	}
	return jobStatus(e.job.Snapshot()), nil
}

// Jobs returns the status of every job in queue order.
func (d *Dispatcher) Jobs() []JobStatus {
	entries := d.entries()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, jobStatus(e.job.Snapshot()))
	}
	return out
}

// Node returns the status of a node.
func (d *Dispatcher) Node(id string) (NodeStatus, error) {
	n, err := d.pool.Get(id)
	if err != nil {
		return NodeStatus{}, err
	}
	return nodeStatus(n), nil
}

// Nodes returns the status of every node in registration order.
func (d *Dispatcher) Nodes() []NodeStatus {
	nodes := d.pool.List(nil)

	out := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeStatus(n))
	}
	return out
}

func jobStatus(s job.Snapshot) JobStatus {
	inFlight := make([]FrameStatus, 0, len(s.InFlight))
	for _, a := range s.InFlight {
		inFlight = append(inFlight, FrameStatus{
			NodeID:       a.NodeID,
			Frame:        a.Frame,
			Started:      a.Started,
			LastActivity: a.LastActivity,
		})
	}

	var pct float64
	if s.Total > 0 {
		pct = float64(len(s.CompletedFrames)) / float64(s.Total) * 100
	}

	return JobStatus{
		ID:            s.ID,
		Path:          s.Path,
		Status:        s.Status,
		StartFrame:    s.StartFrame,
		EndFrame:      s.EndFrame,
		ExtraFrames:   s.ExtraFrames,
		Nodes:         s.Nodes,
		QueuePosition: s.QueuePosition,
		Completed:     len(s.CompletedFrames),
		Total:         s.Total,
		Percent:       pct,
		Pending:       len(s.Pending),
		InFlight:      inFlight,
		Progress:      s.Progress,
		TimeStart:     s.TimeStart,
		TimeStop:      s.TimeStop,
		Timestamp:     s.Timestamp,
	}
}

func nodeStatus(n *node.Node) NodeStatus {
	s := NodeStatus{
		ID:           n.ID,
		Address:      n.Address,
		Availability: n.Availability,
		FailureCount: n.FailureCount,
		LastActivity: n.LastActivity,
		Timeout:      n.Timeout,
	}
	if n.Assignment != nil {
		s.JobID = n.Assignment.JobID
		s.Frame = n.Assignment.Frame
	}
	return s
}
