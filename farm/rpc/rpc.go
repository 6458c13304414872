package rpc

import (
	"io"
	"net/rpc"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/nrwiersma/renderfarm/farm/dispatch"
)

// msgpackHandle is a shared handle for encoding/decoding of RPC objects.
var msgpackHandle = &codec.MsgpackHandle{}

// NewServerCodec returns a msgpack server codec on the connection.
func NewServerCodec(conn io.ReadWriteCloser) rpc.ServerCodec {
	return codec.GoRpc.ServerCodec(conn, msgpackHandle)
}

// NewClientCodec returns a msgpack client codec on the connection.
func NewClientCodec(conn io.ReadWriteCloser) rpc.ClientCodec {
	return codec.GoRpc.ClientCodec(conn, msgpackHandle)
}

// Empty is an empty request or response.
type Empty struct{}

// SubmitRequest is used to submit a job.
type SubmitRequest struct {
	Path   string
	Start  int
	End    int
	Extras []int
	Nodes  []string
}

// SubmitResponse contains the id of a submitted job.
type SubmitResponse struct {
	ID string
}

// JobRequest is used to act on a single job.
type JobRequest struct {
	ID string
}

// FramesRequest is used to add frames to a job.
type FramesRequest struct {
	ID     string
	Frames []int
}

// FramesResponse contains the number of frames added.
type FramesResponse struct {
	Added int
}

// JobNodesRequest is used to change the nodes of a job.
type JobNodesRequest struct {
	ID    string
	Nodes []string
}

// ReorderRequest is used to move a job in the queue.
type ReorderRequest struct {
	ID       string
	Position int
}

// JobsRequest is used to list jobs.
type JobsRequest struct {
	// Filter is a go-bexpr filter expression to filter the
	// jobs by before returning.
	Filter string
}

// JobResponse contains the status of a job.
type JobResponse struct {
	Job dispatch.JobStatus
}

// JobsResponse contains the status of jobs.
type JobsResponse struct {
	Jobs []dispatch.JobStatus
}

// RegisterNodeRequest is used to register a render node.
type RegisterNodeRequest struct {
	ID      string
	Address string
	Timeout time.Duration
}

// NodeRequest is used to act on a single node.
type NodeRequest struct {
	ID string
}

// NodesRequest is used to list nodes.
type NodesRequest struct {
	// Filter is a go-bexpr filter expression to filter the
	// nodes by before returning.
	Filter string
}

// NodeResponse contains the status of a node.
type NodeResponse struct {
	Node dispatch.NodeStatus
}

// NodesResponse contains the status of nodes.
type NodesResponse struct {
	Nodes []dispatch.NodeStatus
}

// EventRequest is used by render nodes to report an event.
type EventRequest struct {
	Event dispatch.Event
}

// RenderRequest is used to start or cancel a frame on a render node.
type RenderRequest struct {
	Task dispatch.Task
}
