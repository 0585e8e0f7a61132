// Package election simulates lease-based leader election: a fixed set of
// nodes races to acquire a time-limited exclusive lease from a shared
// storage backend, the winner keeps it alive with periodic heartbeats, and
// leadership moves on when the lease lapses or the leader is crashed.
package election

import "time"

// NodeStatus is the lifecycle state of a simulated node.
type NodeStatus string

const (
	// StatusIdle means the node is not participating in an election.
	StatusIdle NodeStatus = "idle"

	// StatusCompeting means the node is waiting out its jitter delay or has
	// an acquisition attempt in flight.
	StatusCompeting NodeStatus = "competing"

	// StatusLeader means the node holds the lease and renews it periodically.
	StatusLeader NodeStatus = "leader"

	// StatusFollower means the node lost a race or its leadership and will
	// compete again after its backoff.
	StatusFollower NodeStatus = "follower"

	// StatusCrashed means the node was forcibly failed; only a reset
	// brings it back.
	StatusCrashed NodeStatus = "crashed"
)

// Node is one simulated participant. Status and lease expiry are mutated by
// the engine only; the scheduling handles below are owned by the node and
// cancelled on every transition that ends their relevance.
type Node struct {
	ID          string
	Status      NodeStatus
	LeaseExpiry time.Time // zero unless Status is StatusLeader

	jitterTimer   *time.Timer
	backoffTimer  *time.Timer
	heartbeatStop chan struct{}
}

// NodeView is a copy of a node's observable state, safe to hold after the
// engine has moved on.
type NodeView struct {
	ID          string     `json:"nodeId"`
	Status      NodeStatus `json:"status"`
	LeaseExpiry *time.Time `json:"lease,omitempty"`
}

// view snapshots the node's observable state.
func (n *Node) view() NodeView {
	var v = NodeView{ID: n.ID, Status: n.Status}
	if !n.LeaseExpiry.IsZero() {
		var expiry = n.LeaseExpiry
		v.LeaseExpiry = &expiry
	}
	return v
}

// cancelSchedules stops every pending timer and heartbeat loop the node owns.
func (n *Node) cancelSchedules() {
	if n.jitterTimer != nil {
		n.jitterTimer.Stop()
		n.jitterTimer = nil
	}
	if n.backoffTimer != nil {
		n.backoffTimer.Stop()
		n.backoffTimer = nil
	}
	if n.heartbeatStop != nil {
		close(n.heartbeatStop)
		n.heartbeatStop = nil
	}
}
