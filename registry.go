package election

import "time"

// Registry holds the fixed set of simulated nodes. The set is created once
// and never grows or shrinks; only node status and lease fields change, and
// only the engine changes them.
type Registry struct {
	order []string
	nodes map[string]*Node
}

// NewRegistry creates the node set from the given ids, preserving order.
// Duplicate ids are ignored.
func NewRegistry(ids ...string) *Registry {
	var r = &Registry{nodes: make(map[string]*Node, len(ids))}
	for _, id := range ids {
		if _, exists := r.nodes[id]; exists {
			continue
		}
		r.nodes[id] = &Node{ID: id, Status: StatusIdle}
		r.order = append(r.order, id)
	}
	return r
}

// List returns every node in creation order.
func (r *Registry) List() []*Node {
	var nodes = make([]*Node, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, r.nodes[id])
	}
	return nodes
}

// Get returns the node with the given id.
func (r *Registry) Get(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// IDs returns the node ids in creation order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	return len(r.order)
}

// Reset returns every node, crashed ones included, to idle with no lease
// and no pending schedules.
func (r *Registry) Reset() {
	for _, node := range r.nodes {
		node.cancelSchedules()
		node.Status = StatusIdle
		node.LeaseExpiry = time.Time{}
	}
}

// MarkCrashed fails the node, cancelling its pending schedules.
func (r *Registry) MarkCrashed(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	if !ok {
		return nil, false
	}

	node.cancelSchedules()
	node.Status = StatusCrashed
	node.LeaseExpiry = time.Time{}
	return node, true
}
