package core

import (
	"time"

	"github.com/google/uuid"
)

// NodeState is the usability of an executor node as seen by the controller.
type NodeState string

const (
	NodeStateHealthy  NodeState = "HEALTHY"
	NodeStateUnusable NodeState = "UNUSABLE"
)

// Usable reports whether the node may be handed new attempts and whether map
// output committed on it is still reachable.
func (s NodeState) Usable() bool { return s == NodeStateHealthy }

// Node is one registered executor node.
type Node struct {
	ID            uuid.UUID
	Hostname      string
	State         NodeState
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// NodeReport is the node identity and state carried on node update events.
type NodeReport struct {
	ID    uuid.UUID
	State NodeState
}
