package node

import (
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

// Pool is the registry of render nodes. It is the single source
// of truth for node availability.
//
// All writes go through a memdb write transaction, which serializes
// them. Stored nodes are never mutated, they are copied and replaced.
type Pool struct {
	db  *memdb.MemDB
	seq uint64
}

// NewPool returns an empty node pool.
func NewPool() (*Pool, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"nodes": nodesTableSchema(),
		},
	})
	if err != nil {
		return nil, err
	}

	return &Pool{db: db}, nil
}

// Register adds an idle node to the pool.
func (p *Pool) Register(id, addr string, timeout time.Duration) error {
	tx := p.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First("nodes", "id", id)
	if err != nil {
		return errors.Wrap(err, "pool: node lookup failed")
	}
	if existing != nil {
		return errors.Wrapf(ErrNodeExists, "pool: node %q", id)
	}

	p.seq++
	n := &Node{
		ID:           id,
		Address:      addr,
		Availability: Idle,
		Timeout:      timeout,
		Order:        p.seq,
	}
	if err := tx.Insert("nodes", n); err != nil {
		return errors.Wrap(err, "pool: failed inserting node")
	}

	tx.Commit()
	return nil
}

// Deregister removes a node from the pool, returning the node as it
// was so its assignment, if any, can be failed.
func (p *Pool) Deregister(id string) (*Node, error) {
	tx := p.db.Txn(true)
	defer tx.Abort()

	n, err := getNode(tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Delete("nodes", n); err != nil {
		return nil, errors.Wrap(err, "pool: failed deleting node")
	}

	tx.Commit()
	return n.copy(), nil
}

// Get returns the node with the given id.
func (p *Pool) Get(id string) (*Node, error) {
	tx := p.db.Txn(false)
	defer tx.Abort()

	n, err := getNode(tx, id)
	if err != nil {
		return nil, err
	}
	return n.copy(), nil
}

// List returns the nodes matching the filter in registration order.
// A nil filter matches every node.
func (p *Pool) List(filter func(n *Node) bool) []*Node {
	tx := p.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get("nodes", "id")
	if err != nil {
		return nil
	}

	var nodes []*Node
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		n := raw.(*Node)
		if filter != nil && !filter(n) {
			continue
		}
		nodes = append(nodes, n.copy())
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Order < nodes[j].Order
	})
	return nodes
}

// Count returns the number of nodes with the given availability.
func (p *Pool) Count(a Availability) int {
	tx := p.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get("nodes", "availability", string(a))
	if err != nil {
		return 0
	}

	var n int
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		n++
	}
	return n
}

// MarkBusy marks an idle node as working on the referenced frame.
func (p *Pool) MarkBusy(id string, ref Ref) error {
	return p.update(id, func(n *Node) error {
		if n.Availability != Idle {
			return errors.Wrapf(ErrNodeUnavailable, "pool: node %q is %s", id, n.Availability)
		}

		n.Availability = Busy
		n.Assignment = &ref
		return nil
	})
}

// Acquire marks the node busy with the reference returned by fn. fn is
// only called if the node is idle, and is called while the pool is
// locked. It returns false if the node is not idle or fn returns false.
func (p *Pool) Acquire(id string, fn func() (Ref, bool)) (bool, error) {
	var acquired bool
	err := p.update(id, func(n *Node) error {
		if n.Availability != Idle {
			return errSkip
		}

		ref, ok := fn()
		if !ok {
			return errSkip
		}

		n.Availability = Busy
		n.Assignment = &ref
		acquired = true
		return nil
	})
	if err == errSkip {
		return false, nil
	}
	return acquired, err
}

// MarkIdle clears the node assignment. This is a no-op if the node
// is already idle.
func (p *Pool) MarkIdle(id string) error {
	err := p.update(id, func(n *Node) error {
		if n.Availability == Idle {
			return errSkip
		}

		n.Availability = Idle
		n.Assignment = nil
		return nil
	})
	if err == errSkip {
		return nil
	}
	return err
}

// Release marks the node idle if it is still working on the referenced
// frame. It returns true if the node was released.
func (p *Pool) Release(id string, ref Ref) bool {
	err := p.update(id, func(n *Node) error {
		if n.Availability != Busy || n.Assignment == nil || *n.Assignment != ref {
			return errSkip
		}

		n.Availability = Idle
		n.Assignment = nil
		return nil
	})
	return err == nil
}

// MarkUnreachable excludes the node from scheduling and increments its
// failure count. It returns the node as it was.
func (p *Pool) MarkUnreachable(id string) (*Node, error) {
	var prev *Node
	err := p.update(id, func(n *Node) error {
		prev = n.copy()

		n.Availability = Unreachable
		n.Assignment = nil
		n.FailureCount++
		return nil
	})
	return prev, err
}

// Disable excludes the node from scheduling until it is reset. It
// returns the node as it was.
func (p *Pool) Disable(id string) (*Node, error) {
	var prev *Node
	err := p.update(id, func(n *Node) error {
		prev = n.copy()

		n.Availability = Disabled
		n.Assignment = nil
		return nil
	})
	return prev, err
}

// Reset makes an unreachable or disabled node idle and clears its
// failure count.
func (p *Pool) Reset(id string) error {
	return p.update(id, func(n *Node) error {
		if n.Availability == Busy {
			return errors.Wrapf(ErrNodeUnavailable, "pool: node %q is busy", id)
		}

		n.Availability = Idle
		n.Assignment = nil
		n.FailureCount = 0
		return nil
	})
}

// Probe records a successful health probe. An unreachable node becomes
// idle again unless its failure count is past the threshold. It returns
// true if the node became idle.
func (p *Pool) Probe(id string, threshold int) (bool, error) {
	err := p.update(id, func(n *Node) error {
		if n.Availability != Unreachable {
			return errSkip
		}
		if threshold > 0 && n.FailureCount > threshold {
			return errSkip
		}

		n.Availability = Idle
		return nil
	})
	if err == errSkip {
		return false, nil
	}
	return err == nil, err
}

// Fail releases the node from the referenced frame and increments its
// failure count. Once the count is past the threshold the node is marked
// unreachable. A threshold of zero never marks the node. It returns the
// new count and if the node was marked unreachable, or ErrNodeUnavailable
// if the node is not working on the frame.
func (p *Pool) Fail(id string, ref Ref, threshold int) (int, bool, error) {
	var (
		count   int
		tripped bool
	)
	err := p.update(id, func(n *Node) error {
		if n.Availability != Busy || n.Assignment == nil || *n.Assignment != ref {
			return errors.Wrapf(ErrNodeUnavailable, "pool: node %q is not working on frame %d", id, ref.Frame)
		}

		n.Availability = Idle
		n.Assignment = nil
		n.FailureCount++
		count = n.FailureCount

		if threshold > 0 && n.FailureCount > threshold {
			n.Availability = Unreachable
			tripped = true
		}
		return nil
	})
	return count, tripped, err
}

// Succeeded clears the consecutive failure count of the node.
func (p *Pool) Succeeded(id string) {
	_ = p.update(id, func(n *Node) error {
		if n.FailureCount == 0 {
			return errSkip
		}

		n.FailureCount = 0
		return nil
	})
}

// Touch records activity on the node.
func (p *Pool) Touch(id string, t time.Time) {
	_ = p.update(id, func(n *Node) error {
		n.LastActivity = t
		return nil
	})
}

var errSkip = errors.New("skip")

func (p *Pool) update(id string, fn func(n *Node) error) error {
	tx := p.db.Txn(true)
	defer tx.Abort()

	existing, err := getNode(tx, id)
	if err != nil {
		return err
	}

	n := existing.copy()
	if err := fn(n); err != nil {
		return err
	}

	if err := tx.Insert("nodes", n); err != nil {
		return errors.Wrap(err, "pool: failed updating node")
	}

	tx.Commit()
	return nil
}

func getNode(tx *memdb.Txn, id string) (*Node, error) {
	raw, err := tx.First("nodes", "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "pool: node lookup failed")
	}
	if raw == nil {
		return nil, errors.Wrapf(ErrNodeNotFound, "pool: node %q", id)
	}
	return raw.(*Node), nil
}
