package server

import (
	"github.com/hashicorp/go-bexpr"
	"github.com/nrwiersma/renderfarm/farm/dispatch"
	"github.com/nrwiersma/renderfarm/farm/rpc"
)

// Nodes serves RPC calls about render nodes.
type Nodes struct {
	srv *Server
}

// Register registers a render node.
func (n *Nodes) Register(req *rpc.RegisterNodeRequest, _ *rpc.Empty) error {
	return n.srv.engine.RegisterNode(req.ID, req.Address, req.Timeout)
}

// Deregister removes a render node.
func (n *Nodes) Deregister(req *rpc.NodeRequest, _ *rpc.Empty) error {
	return n.srv.engine.DeregisterNode(req.ID)
}

// Reset clears the failures of a render node.
func (n *Nodes) Reset(req *rpc.NodeRequest, _ *rpc.Empty) error {
	return n.srv.engine.ResetNode(req.ID)
}

// Disable takes a render node out of rotation.
func (n *Nodes) Disable(req *rpc.NodeRequest, _ *rpc.Empty) error {
	return n.srv.engine.DisableNode(req.ID)
}

// Get gets the status of a render node.
func (n *Nodes) Get(req *rpc.NodeRequest, resp *rpc.NodeResponse) error {
	node, err := n.srv.engine.Node(req.ID)
	if err != nil {
		return err
	}

	resp.Node = node
	return nil
}

// List gets the status of all render nodes.
func (n *Nodes) List(req *rpc.NodesRequest, resp *rpc.NodesResponse) error {
	filter, err := bexpr.CreateFilter(req.Filter, nil, resp.Nodes)
	if err != nil {
		return err
	}

	resp.Nodes = n.srv.engine.Nodes()

	filtered, err := filter.Execute(resp.Nodes)
	if err != nil {
		return err
	}
	resp.Nodes = filtered.([]dispatch.NodeStatus)

	return nil
}
