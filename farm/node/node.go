package node

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

// Availability is the availability of a node.
type Availability string

// Availability constants.
const (
	Idle        Availability = "idle"
	Busy        Availability = "busy"
	Unreachable Availability = "unreachable"
	Disabled    Availability = "disabled"
)

// Error constants.
var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrNodeExists      = errors.New("node already registered")
	ErrNodeUnavailable = errors.New("node unavailable")
)

// Ref references the frame a node is working on.
type Ref struct {
	JobID string
	Frame int
	Gen   uint64
}

// Node is used to store info about a render node.
type Node struct {
	ID           string
	Address      string
	Availability Availability
	Assignment   *Ref
	LastActivity time.Time
	FailureCount int

	// Timeout is the silence allowed for a frame on this node.
	// Zero means the dispatcher default.
	Timeout time.Duration

	// Order is the registration order of the node.
	Order uint64
}

func (n *Node) copy() *Node {
	cp := *n
	if n.Assignment != nil {
		ref := *n.Assignment
		cp.Assignment = &ref
	}
	return &cp
}

func nodesTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "nodes",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			"availability": {
				Name:         "availability",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Availability",
				},
			},
		},
	}
}
