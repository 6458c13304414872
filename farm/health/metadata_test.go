package health_test

import (
	"testing"
	"time"

	"github.com/hashicorp/serf/serf"
	"github.com/nrwiersma/renderfarm/farm/health"
	"github.com/stretchr/testify/assert"
)

func TestNode_ToTags(t *testing.T) {
	tests := []struct {
		name string
		node health.Node
		want map[string]string
	}{
		{
			name: "Full Node",
			node: health.Node{ID: "n1", Address: "10.0.0.1:7946", Timeout: 90 * time.Second},
			want: map[string]string{
				"cluster":  "renderfarm",
				"role":     "node",
				"id":       "n1",
				"rpc_addr": "10.0.0.1:7946",
				"timeout":  "90",
			},
		},
		{
			name: "Default Timeout",
			node: health.Node{ID: "n1", Address: "10.0.0.1:7946"},
			want: map[string]string{
				"cluster":  "renderfarm",
				"role":     "node",
				"id":       "n1",
				"rpc_addr": "10.0.0.1:7946",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.node.ToTags()

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsNode(t *testing.T) {
	tests := []struct {
		name   string
		member serf.Member
		want   *health.Node
		wantOk bool
	}{
		{
			name: "Node",
			member: serf.Member{
				Tags: map[string]string{
					"cluster":  "renderfarm",
					"role":     "node",
					"id":       "n1",
					"rpc_addr": "10.0.0.1:7946",
					"timeout":  "90",
				},
				Status: serf.StatusAlive,
			},
			want: &health.Node{
				ID:      "n1",
				Address: "10.0.0.1:7946",
				Timeout: 90 * time.Second,
				Status:  serf.StatusAlive,
			},
			wantOk: true,
		},
		{
			name: "Not Farm Cluster",
			member: serf.Member{
				Tags: map[string]string{
					"cluster": "something",
					"role":    "node",
					"id":      "n1",
				},
			},
			want:   nil,
			wantOk: false,
		},
		{
			name: "Controller",
			member: serf.Member{
				Tags: map[string]string{
					"cluster": "renderfarm",
					"role":    "controller",
				},
			},
			want:   nil,
			wantOk: false,
		},
		{
			name: "Missing ID",
			member: serf.Member{
				Tags: map[string]string{
					"cluster": "renderfarm",
					"role":    "node",
				},
			},
			want:   nil,
			wantOk: false,
		},
		{
			name: "Missing Address",
			member: serf.Member{
				Tags: map[string]string{
					"cluster": "renderfarm",
					"role":    "node",
					"id":      "n1",
				},
			},
			want:   nil,
			wantOk: false,
		},
		{
			name: "Invalid Timeout",
			member: serf.Member{
				Tags: map[string]string{
					"cluster":  "renderfarm",
					"role":     "node",
					"id":       "n1",
					"rpc_addr": "10.0.0.1:7946",
					"timeout":  "foobar",
				},
			},
			want:   nil,
			wantOk: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, gotOk := health.IsNode(tt.member)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOk, gotOk)
		})
	}
}
