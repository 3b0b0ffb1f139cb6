package rpc

import (
	"time"

	"github.com/google/uuid"
)

// Node is the controller's own identity, stamped on every response
// envelope and reported by statistics.node.
type Node struct {
	UUID    uuid.UUID
	Startup time.Time
	Version string
}

// NewNode mints a controller identity for this process.
func NewNode(version string) *Node {
	return &Node{
		UUID:    uuid.New(),
		Startup: time.Now().UTC(),
		Version: version,
	}
}

// Uptime returns how long the controller has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.Startup)
}
