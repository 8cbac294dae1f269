// Package models defines the workflow graph, execution and queue records shared by every component.
package models

import "time"

// NodeType identifies the behaviour of a node in a workflow graph.
type NodeType string

const (
	NodeTypeTrigger    NodeType = "trigger"
	NodeTypeAction     NodeType = "action"
	NodeTypeCondition  NodeType = "condition"
	NodeTypeDelay      NodeType = "delay"
	NodeTypeTimeWindow NodeType = "time_window"
)

// EdgeLabel selects a branch. Only condition (true/false) and action (fallback) nodes use labels.
type EdgeLabel string

const (
	EdgeLabelNone     EdgeLabel = ""
	EdgeLabelTrue     EdgeLabel = "true"
	EdgeLabelFalse    EdgeLabel = "false"
	EdgeLabelFallback EdgeLabel = "fallback"
)

// WorkflowDefinition is the visual graph as stored. It is immutable for the duration of a run.
type WorkflowDefinition struct {
	ID          string    `json:"id"           validate:"required"`
	Name        string    `json:"name"`
	TriggerType string    `json:"trigger_type" validate:"required"`
	IsActive    bool      `json:"is_active"`
	Nodes       []Node    `json:"nodes"        validate:"required,min=1,dive"`
	Edges       []Edge    `json:"edges"        validate:"dive"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Node is a single step. Config holds the raw variant payload; it is decoded by type
// through DecodeConfig when the definition is validated.
type Node struct {
	ID      string         `json:"id"       validate:"required"`
	Type    NodeType       `json:"type"     validate:"required,oneof=trigger action condition delay time_window"`
	SubType string         `json:"sub_type"`
	Label   string         `json:"label,omitempty"`
	Config  map[string]any `json:"config"`
}

// Edge connects two nodes.
type Edge struct {
	ID     string    `json:"id,omitempty"`
	Source string    `json:"source"          validate:"required"`
	Target string    `json:"target"          validate:"required"`
	Label  EdgeLabel `json:"label,omitempty" validate:"omitempty,oneof=true false fallback"`
}

// Key uniquely identifies the edge for join accounting.
func (e Edge) Key() string {
	if e.ID != "" {
		return e.ID
	}

	key := e.Source + "->" + e.Target
	if e.Label != EdgeLabelNone {
		key += "#" + string(e.Label)
	}

	return key
}

// NodeByID returns the node with the given id.
func (d *WorkflowDefinition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return Node{}, false
}
