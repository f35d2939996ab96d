package flow

import (
	"fmt"

	"talkbox/internal/model"
)

// entryNode picks where the walk starts: a node literally named "start",
// else the first bot message, else the first node in array order.
func entryNode(def *model.FlowDefinition) *model.Node {
	if def == nil || len(def.Nodes) == 0 {
		return nil
	}
	for i := range def.Nodes {
		if def.Nodes[i].ID == "start" {
			return &def.Nodes[i]
		}
	}
	for i := range def.Nodes {
		if def.Nodes[i].Type == model.NodeTypeBotMessage {
			return &def.Nodes[i]
		}
	}
	return &def.Nodes[0]
}

// nextNode resolves the plain outgoing edge of a node: the first edge whose
// source matches. Nil means the node has no way forward and the walk parks.
func nextNode(def *model.FlowDefinition, nodeID string) *model.Node {
	for _, e := range def.Edges {
		if e.Source == nodeID {
			return nodeByID(def, e.Target)
		}
	}
	return nil
}

// nextNodeFromChoice resolves the edge for a selected choice index: first an
// edge keyed "choice-<index>", then any unkeyed edge from the node. An edge
// keyed to a different choice never matches, so an unwired choice parks the
// walk instead of stealing another choice's branch.
func nextNodeFromChoice(def *model.FlowDefinition, nodeID string, index int) *model.Node {
	handle := fmt.Sprintf("choice-%d", index)
	for _, e := range def.Edges {
		if e.Source == nodeID && e.SourceHandle == handle {
			return nodeByID(def, e.Target)
		}
	}
	for _, e := range def.Edges {
		if e.Source == nodeID && e.SourceHandle == "" {
			return nodeByID(def, e.Target)
		}
	}
	return nil
}

func nodeByID(def *model.FlowDefinition, id string) *model.Node {
	for i := range def.Nodes {
		if def.Nodes[i].ID == id {
			return &def.Nodes[i]
		}
	}
	return nil
}
