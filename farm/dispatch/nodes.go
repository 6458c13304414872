package dispatch

import (
	"time"

	"github.com/nrwiersma/renderfarm/farm/node"
)

// RegisterNode adds an idle node. A zero timeout uses the default
// frame timeout.
func (d *Dispatcher) RegisterNode(id, addr string, timeout time.Duration) error {
	if err := d.pool.Register(id, addr, timeout); err != nil {
		return err
	}

	d.log.Info("dispatch: node registered", "node", id, "address", addr)

	d.wake()
	return nil
}

// DeregisterNode removes a node, requeueing the frame it was working on.
func (d *Dispatcher) DeregisterNode(id string) error {
	n, err := d.pool.Deregister(id)
	if err != nil {
		return err
	}

	d.log.Info("dispatch: node deregistered", "node", id)

	d.abandon(n)
	return nil
}

// ResetNode makes an unreachable or disabled node idle again.
func (d *Dispatcher) ResetNode(id string) error {
	if err := d.pool.Reset(id); err != nil {
		return err
	}

	d.log.Info("dispatch: node reset", "node", id)

	d.wake()
	return nil
}

// DisableNode excludes a node from scheduling until it is reset,
// requeueing the frame it was working on.
func (d *Dispatcher) DisableNode(id string) error {
	prev, err := d.pool.Disable(id)
	if err != nil {
		return err
	}

	d.log.Info("dispatch: node disabled", "node", id)
	d.stats.Inc("node.disabled", 1, 1.0)

	d.abandon(prev)
	return nil
}

// NodeFailed marks a node unreachable after a failed health check,
// requeueing the frame it was working on. Disabled nodes are left
// disabled.
func (d *Dispatcher) NodeFailed(id string) error {
	n, err := d.pool.Get(id)
	if err != nil {
		return err
	}
	if n.Availability == node.Disabled || n.Availability == node.Unreachable {
		return nil
	}

	prev, err := d.pool.MarkUnreachable(id)
	if err != nil {
		return err
	}

	d.log.Error("dispatch: node unreachable", "node", id, "failures", prev.FailureCount+1)

	d.abandon(prev)
	return nil
}

// NodeAlive records a successful health check. An unreachable node
// under the failure threshold becomes idle.
func (d *Dispatcher) NodeAlive(id string) error {
	ok, err := d.pool.Probe(id, d.cfg.FailureThreshold)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	d.log.Info("dispatch: node reachable", "node", id)

	d.wake()
	return nil
}
