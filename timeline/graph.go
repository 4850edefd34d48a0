package timeline

import "sort"

// Builder folds deduplicated events, in arrival order, into a node/edge
// graph. Pure and recomputable: the same ordered event list always yields
// the same graph.
type Builder struct {
	maxEvents int

	nodes map[string]*Event
	order []string
	edges []Edge

	// execChildren indexes execution edges for the acyclicity check
	execChildren map[string][]string

	// lastByThread tracks the most recent event per thread (and parallel
	// group) for the adjacency fallback
	lastByThread map[string]string

	// groupStart and groupMembers track parallel groups
	groupStart   map[string]string
	groupMembers map[string][]string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMaxEvents bounds retention: once exceeded, the oldest event is evicted
// and the graph recomputed from the remainder. Zero means unbounded.
func WithMaxEvents(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.maxEvents = n
		}
	}
}

// NewBuilder creates an empty graph builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		nodes:        make(map[string]*Event),
		execChildren: make(map[string][]string),
		lastByThread: make(map[string]string),
		groupStart:   make(map[string]string),
		groupMembers: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len returns the number of nodes.
func (b *Builder) Len() int {
	return len(b.order)
}

// Add folds one event into the graph. Duplicate event ids are ignored, so
// the fold is idempotent.
func (b *Builder) Add(event *Event) {
	if event == nil || event.EventID == "" {
		return
	}
	if _, dup := b.nodes[event.EventID]; dup {
		return
	}

	b.nodes[event.EventID] = event
	b.order = append(b.order, event.EventID)

	b.linkExecution(event)
	b.linkData(event)

	if event.ThreadID != "" {
		b.lastByThread[threadKey(event)] = event.EventID
	}

	if b.maxEvents > 0 && len(b.order) > b.maxEvents {
		b.evictOldest()
	}
}

// Graph returns the built graph with nodes in arrival order.
func (b *Builder) Graph() Graph {
	nodes := make([]Node, 0, len(b.order))
	for _, id := range b.order {
		nodes = append(nodes, Node{Event: b.nodes[id]})
	}
	edges := make([]Edge, len(b.edges))
	copy(edges, b.edges)
	return Graph{Nodes: nodes, Edges: edges}
}

// threadKey scopes the adjacency fallback to thread plus parallel group, so
// serial chaining never crosses a group boundary. Group-start and merge
// events belong to the thread's serial lane: the start chains FROM it and
// the merge resumes it.
func threadKey(event *Event) string {
	if event.Phase == PhaseParallelGroupStarted || event.Phase == PhaseParallelGroupMerge {
		return event.ThreadID + "\x00"
	}
	return event.ThreadID + "\x00" + event.ParallelGroupID
}

// linkExecution draws this event's causal edge.
func (b *Builder) linkExecution(event *Event) {
	switch {
	case event.Phase == PhaseParallelGroupStarted && event.ParallelGroupID != "":
		b.groupStart[event.ParallelGroupID] = event.EventID
		b.linkSerial(event)

	case event.Phase == PhaseParallelGroupMerge && event.ParallelGroupID != "":
		// Every sibling branch feeds the merge node
		members := b.groupMembers[event.ParallelGroupID]
		if len(members) == 0 {
			if start, ok := b.groupStart[event.ParallelGroupID]; ok {
				b.addExecutionEdge(start, event.EventID)
			}
			return
		}
		for _, member := range members {
			b.addExecutionEdge(member, event.EventID)
		}

	case event.ParallelGroupID != "":
		// Siblings hang off the group start rather than chaining serially
		b.groupMembers[event.ParallelGroupID] = append(
			b.groupMembers[event.ParallelGroupID], event.EventID)
		if start, ok := b.groupStart[event.ParallelGroupID]; ok {
			b.addExecutionEdge(start, event.EventID)
		}

	default:
		b.linkSerial(event)
	}
}

// linkSerial draws the explicit parent edge, or falls back to thread
// adjacency when the producer supplied no parent pointer. The fallback is a
// heuristic: interleaved chains without explicit parents may draw a wrong
// edge, and strengthening it needs a sequencing contract from the producer.
func (b *Builder) linkSerial(event *Event) {
	if event.ParentEventID != "" {
		if _, known := b.nodes[event.ParentEventID]; known {
			b.addExecutionEdge(event.ParentEventID, event.EventID)
			return
		}
	}
	if event.ThreadID == "" {
		return
	}
	if prev, ok := b.lastByThread[threadKey(event)]; ok {
		b.addExecutionEdge(prev, event.EventID)
	}
}

// linkData draws consumption edges from the producers of each consumed key.
func (b *Builder) linkData(event *Event) {
	for _, key := range event.ConsumesFrom {
		if producer := b.findProducer(key, event.EventID); producer != "" {
			b.edges = append(b.edges, Edge{From: producer, To: event.EventID, Type: EdgeData})
		}
	}
}

// findProducer returns the most recent prior node whose outputs carry key.
func (b *Builder) findProducer(key, selfID string) string {
	for i := len(b.order) - 1; i >= 0; i-- {
		id := b.order[i]
		if id == selfID {
			continue
		}
		if _, ok := b.nodes[id].Outputs[key]; ok {
			return id
		}
	}
	return ""
}

// addExecutionEdge inserts a causal edge unless it would create a cycle.
// A cycle can only come from malformed parent pointers; dropping the edge
// preserves the acyclicity invariant.
func (b *Builder) addExecutionEdge(from, to string) {
	if from == to || b.reaches(to, from) {
		return
	}
	b.edges = append(b.edges, Edge{From: from, To: to, Type: EdgeExecution})
	b.execChildren[from] = append(b.execChildren[from], to)
}

// reaches reports whether `target` is reachable from `start` over execution
// edges.
func (b *Builder) reaches(start, target string) bool {
	if start == target {
		return true
	}
	stack := []string{start}
	visited := map[string]struct{}{start: {}}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range b.execChildren[id] {
			if child == target {
				return true
			}
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			stack = append(stack, child)
		}
	}
	return false
}

// evictOldest drops the oldest event and recomputes the graph from the
// remaining ordered list. Recomputation keeps eviction simple and exact.
func (b *Builder) evictOldest() {
	if len(b.order) == 0 {
		return
	}
	remaining := make([]*Event, 0, len(b.order)-1)
	for _, id := range b.order[1:] {
		remaining = append(remaining, b.nodes[id])
	}

	fresh := NewBuilder()
	for _, event := range remaining {
		fresh.Add(event)
	}

	b.nodes = fresh.nodes
	b.order = fresh.order
	b.edges = fresh.edges
	b.execChildren = fresh.execChildren
	b.lastByThread = fresh.lastByThread
	b.groupStart = fresh.groupStart
	b.groupMembers = fresh.groupMembers
}

// Roots returns the event ids with no incoming execution edge, sorted for
// stable presentation.
func (b *Builder) Roots() []string {
	hasParent := make(map[string]struct{})
	for _, edge := range b.edges {
		if edge.Type == EdgeExecution {
			hasParent[edge.To] = struct{}{}
		}
	}
	var roots []string
	for _, id := range b.order {
		if _, ok := hasParent[id]; !ok {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}
