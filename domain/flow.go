package domain

import (
	"fmt"
	"time"

	"github.com/c360/entitysync/errors"
)

// FlowStatus is the run state of an outbound sequence.
type FlowStatus string

// FlowStatus values:
//   - FlowInactive: drafted, never started
//   - FlowScheduling: started, enrolling contacts
//   - FlowOn: sending
//   - FlowOff: paused by a user
//   - FlowArchived: hidden from lists, kept for reporting
const (
	FlowInactive   FlowStatus = "INACTIVE"
	FlowScheduling FlowStatus = "SCHEDULING"
	FlowOn         FlowStatus = "ON"
	FlowOff        FlowStatus = "OFF"
	FlowArchived   FlowStatus = "ARCHIVED"
)

// Flow is an outbound sequence: a graph of steps that contacts move through.
type Flow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      FlowStatus `json:"status"`

	// Canvas layout
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`

	Statistics FlowStatistics `json:"statistics"`

	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FlowNode is one step on the canvas, e.g. an email or a wait.
type FlowNode struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

// FlowEdge connects two nodes.
type FlowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FlowStatistics are counters maintained by the server.
type FlowStatistics struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Completed    int `json:"completed"`
	GoalAchieved int `json:"goalAchieved"`
}

// Valid reports whether s is a known status.
func (s FlowStatus) Valid() bool {
	switch s {
	case FlowInactive, FlowScheduling, FlowOn, FlowOff, FlowArchived:
		return true
	}
	return false
}

// Validate checks the flow and its graph
func (f *Flow) Validate() error {
	if f.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("flow name cannot be empty"), "Flow", "Validate", "check name")
	}
	if f.Status != "" && !f.Status.Valid() {
		return errors.WrapInvalid(fmt.Errorf("invalid flow status: %s", f.Status), "Flow", "Validate", "check status")
	}

	nodeIDs := make(map[string]bool, len(f.Nodes))
	for i, node := range f.Nodes {
		if node.ID == "" {
			return errors.WrapInvalid(
				fmt.Errorf("node at index %d has empty ID", i), "Flow", "Validate", "check node id")
		}
		if node.Type == "" {
			return errors.WrapInvalid(
				fmt.Errorf("node '%s' has empty type", node.ID), "Flow", "Validate", "check node type")
		}
		if nodeIDs[node.ID] {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate node ID: %s", node.ID), "Flow", "Validate", "check node id")
		}
		nodeIDs[node.ID] = true
	}

	for i, edge := range f.Edges {
		if edge.ID == "" {
			return errors.WrapInvalid(
				fmt.Errorf("edge at index %d has empty ID", i), "Flow", "Validate", "check edge id")
		}
		if !nodeIDs[edge.Source] {
			return errors.WrapInvalid(
				fmt.Errorf("edge '%s' references non-existent source node: %s", edge.ID, edge.Source),
				"Flow", "Validate", "check edge source")
		}
		if !nodeIDs[edge.Target] {
			return errors.WrapInvalid(
				fmt.Errorf("edge '%s' references non-existent target node: %s", edge.ID, edge.Target),
				"Flow", "Validate", "check edge target")
		}
	}
	return nil
}

const flowJSONSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"id": {"type": "string"},
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"status": {"enum": ["", "INACTIVE", "SCHEDULING", "ON", "OFF", "ARCHIVED"]},
		"nodes": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["id", "type"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1}
				}
			}
		},
		"edges": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["id", "source", "target"]
			}
		},
		"revision": {"type": "integer", "minimum": 0}
	}
}`
