package graph

import (
	"github.com/dukex/careflow/pkg/delay"
	"github.com/dukex/careflow/pkg/models"
)

// ValidNode is a node whose config decoded and validated, with its adjacency resolved.
type ValidNode struct {
	models.Node

	Config   models.NodeConfig
	Outgoing []models.Edge
	Incoming []models.Edge
	Fallback *models.Edge
	Window   *delay.Window
}

// InDegree counts incoming edges, which is the join barrier width.
func (n *ValidNode) InDegree() int {
	return len(n.Incoming)
}

// IsTerminal reports a node with no regular outgoing edges.
func (n *ValidNode) IsTerminal() bool {
	return len(n.Outgoing) == 0
}

// Branch returns the outgoing edge carrying label.
func (n *ValidNode) Branch(label models.EdgeLabel) (models.Edge, bool) {
	for _, e := range n.Outgoing {
		if e.Label == label {
			return e, true
		}
	}

	return models.Edge{}, false
}

// ValidNodeSet is the validated, indexed form of a definition that the engine executes.
type ValidNodeSet struct {
	Definition *models.WorkflowDefinition
	Warnings   []string

	nodes    map[string]*ValidNode
	triggers []*ValidNode
}

func (s *ValidNodeSet) Node(id string) (*ValidNode, bool) {
	n, ok := s.nodes[id]

	return n, ok
}

// Triggers returns trigger nodes in definition order.
func (s *ValidNodeSet) Triggers() []*ValidNode {
	return s.triggers
}

// Len is the number of nodes.
func (s *ValidNodeSet) Len() int {
	return len(s.nodes)
}
