package health

import (
	"strconv"
	"time"

	"github.com/hashicorp/serf/serf"
)

const (
	clusterName = "renderfarm"
	roleNode    = "node"
)

// Node is a render node as advertised in the gossip cluster.
type Node struct {
	ID      string
	Address string
	Timeout time.Duration
	Status  serf.MemberStatus
}

// ToTags converts the node information into serf member tags.
func (n Node) ToTags() map[string]string {
	tags := map[string]string{
		"cluster":  clusterName,
		"role":     roleNode,
		"id":       n.ID,
		"rpc_addr": n.Address,
	}

	if n.Timeout > 0 {
		tags["timeout"] = strconv.FormatInt(int64(n.Timeout/time.Second), 10)
	}

	return tags
}

// IsNode checks if the given serf member is a render node.
func IsNode(m serf.Member) (*Node, bool) {
	if m.Tags["cluster"] != clusterName || m.Tags["role"] != roleNode {
		return nil, false
	}
	if m.Tags["id"] == "" || m.Tags["rpc_addr"] == "" {
		return nil, false
	}

	var timeout time.Duration
	if str, ok := m.Tags["timeout"]; ok {
		secs, err := strconv.Atoi(str)
		if err != nil {
			return nil, false
		}
		timeout = time.Duration(secs) * time.Second
	}

	return &Node{
		ID:      m.Tags["id"],
		Address: m.Tags["rpc_addr"],
		Timeout: timeout,
		Status:  m.Status,
	}, true
}

func controllerTags() map[string]string {
	return map[string]string{
		"cluster": clusterName,
		"role":    "controller",
	}
}
