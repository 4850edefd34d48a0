package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timelineEvent(id, parent, thread string, phase Phase) *Event {
	return &Event{
		EventID:       id,
		ParentEventID: parent,
		ThreadID:      thread,
		Timestamp:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Phase:         phase,
		Category:      CategoryOf(phase),
	}
}

func executionEdges(g Graph) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Type == EdgeExecution {
			out = append(out, e)
		}
	}
	return out
}

func dataEdges(g Graph) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Type == EdgeData {
			out = append(out, e)
		}
	}
	return out
}

func TestBuilder_IdempotentFold(t *testing.T) {
	b := NewBuilder()
	event := timelineEvent("e1", "", "t1", PhaseRunStarted)

	b.Add(event)
	b.Add(event)
	b.Add(timelineEvent("e1", "", "t1", PhaseRunStarted))

	g := b.Graph()
	assert.Len(t, g.Nodes, 1)
	assert.Empty(t, g.Edges)
}

func TestBuilder_ExplicitParentEdge(t *testing.T) {
	b := NewBuilder()
	b.Add(timelineEvent("e1", "", "t1", PhaseRunStarted))
	b.Add(timelineEvent("e2", "e1", "t1", PhaseStepStarted))

	g := b.Graph()
	require.Len(t, g.Edges, 1)
	assert.Equal(t, Edge{From: "e1", To: "e2", Type: EdgeExecution}, g.Edges[0])
}

func TestBuilder_ThreadAdjacencyFallback(t *testing.T) {
	b := NewBuilder()
	b.Add(timelineEvent("a1", "", "t1", PhaseRunStarted))
	b.Add(timelineEvent("b1", "", "t2", PhaseRunStarted))
	b.Add(timelineEvent("a2", "", "t1", PhaseStepStarted))
	b.Add(timelineEvent("b2", "", "t2", PhaseStepStarted))

	// Fallback chains within a thread, never across threads
	assert.ElementsMatch(t, []Edge{
		{From: "a1", To: "a2", Type: EdgeExecution},
		{From: "b1", To: "b2", Type: EdgeExecution},
	}, executionEdges(b.Graph()))
}

func TestBuilder_UnknownParentFallsBackToAdjacency(t *testing.T) {
	b := NewBuilder()
	b.Add(timelineEvent("e1", "", "t1", PhaseRunStarted))
	b.Add(timelineEvent("e2", "ghost", "t1", PhaseStepStarted))

	g := b.Graph()
	require.Len(t, g.Edges, 1)
	assert.Equal(t, Edge{From: "e1", To: "e2", Type: EdgeExecution}, g.Edges[0])
}

func TestBuilder_NoThreadNoParentIsRoot(t *testing.T) {
	b := NewBuilder()
	b.Add(timelineEvent("e1", "", "t1", PhaseRunStarted))
	b.Add(timelineEvent("orphan", "", "", PhaseLogLine))

	assert.Empty(t, b.Graph().Edges)
	assert.Equal(t, []string{"e1", "orphan"}, b.Roots())
}

func TestBuilder_ParallelGroup(t *testing.T) {
	b := NewBuilder()
	b.Add(timelineEvent("run", "", "t1", PhaseRunStarted))

	start := timelineEvent("fork", "", "t1", PhaseParallelGroupStarted)
	start.ParallelGroupID = "g1"
	b.Add(start)

	left := timelineEvent("left", "", "t1", PhaseStepStarted)
	left.ParallelGroupID = "g1"
	b.Add(left)

	right := timelineEvent("right", "", "t1", PhaseStepStarted)
	right.ParallelGroupID = "g1"
	b.Add(right)

	merge := timelineEvent("join", "", "t1", PhaseParallelGroupMerge)
	merge.ParallelGroupID = "g1"
	b.Add(merge)

	b.Add(timelineEvent("after", "", "t1", PhaseStepStarted))

	// Siblings hang off the fork, both feed the merge, and serial flow
	// resumes from the merge node
	assert.ElementsMatch(t, []Edge{
		{From: "run", To: "fork", Type: EdgeExecution},
		{From: "fork", To: "left", Type: EdgeExecution},
		{From: "fork", To: "right", Type: EdgeExecution},
		{From: "left", To: "join", Type: EdgeExecution},
		{From: "right", To: "join", Type: EdgeExecution},
		{From: "join", To: "after", Type: EdgeExecution},
	}, executionEdges(b.Graph()))
}

func TestBuilder_EmptyGroupMergesFromStart(t *testing.T) {
	b := NewBuilder()
	start := timelineEvent("fork", "", "t1", PhaseParallelGroupStarted)
	start.ParallelGroupID = "g1"
	b.Add(start)

	merge := timelineEvent("join", "", "t1", PhaseParallelGroupMerge)
	merge.ParallelGroupID = "g1"
	b.Add(merge)

	g := b.Graph()
	require.Len(t, g.Edges, 1)
	assert.Equal(t, Edge{From: "fork", To: "join", Type: EdgeExecution}, g.Edges[0])
}

func TestBuilder_DataEdges(t *testing.T) {
	b := NewBuilder()

	producer := timelineEvent("p", "", "t1", PhaseStepFinished)
	producer.Outputs = map[string]any{"summary": "text", "score": 0.9}
	b.Add(producer)

	consumer := timelineEvent("c", "p", "t1", PhaseStepStarted)
	consumer.ConsumesFrom = []string{"summary", "missing"}
	b.Add(consumer)

	// One data edge per resolvable key; unknown keys draw nothing
	assert.Equal(t, []Edge{{From: "p", To: "c", Type: EdgeData}}, dataEdges(b.Graph()))
}

func TestBuilder_DataEdgePicksNewestProducer(t *testing.T) {
	b := NewBuilder()

	old := timelineEvent("old", "", "t1", PhaseStepFinished)
	old.Outputs = map[string]any{"summary": "v1"}
	b.Add(old)

	newer := timelineEvent("new", "old", "t1", PhaseStepFinished)
	newer.Outputs = map[string]any{"summary": "v2"}
	b.Add(newer)

	consumer := timelineEvent("c", "new", "t1", PhaseStepStarted)
	consumer.ConsumesFrom = []string{"summary"}
	b.Add(consumer)

	assert.Equal(t, []Edge{{From: "new", To: "c", Type: EdgeData}}, dataEdges(b.Graph()))
}

func TestBuilder_Acyclicity(t *testing.T) {
	b := NewBuilder()
	// e1 names its own descendant e3 as parent; that edge must be dropped
	b.Add(timelineEvent("e1", "e3", "t1", PhaseRunStarted))
	b.Add(timelineEvent("e2", "e1", "t1", PhaseStepStarted))
	b.Add(timelineEvent("e3", "e2", "t1", PhaseStepStarted))
	b.Add(timelineEvent("e4", "e3", "t1", PhaseStepFinished))

	g := b.Graph()
	assert.ElementsMatch(t, []Edge{
		{From: "e1", To: "e2", Type: EdgeExecution},
		{From: "e2", To: "e3", Type: EdgeExecution},
		{From: "e3", To: "e4", Type: EdgeExecution},
	}, executionEdges(g))
	assertAcyclic(t, g)
}

func TestBuilder_SelfParentDropped(t *testing.T) {
	b := NewBuilder()
	b.Add(timelineEvent("e1", "e1", "t1", PhaseRunStarted))

	assert.Empty(t, b.Graph().Edges)
}

func TestBuilder_Eviction(t *testing.T) {
	b := NewBuilder(WithMaxEvents(3))
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("e%d", i)
		parent := ""
		if i > 1 {
			parent = fmt.Sprintf("e%d", i-1)
		}
		b.Add(timelineEvent(id, parent, "t1", PhaseStepStarted))
	}

	g := b.Graph()
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "e3", g.Nodes[0].Event.EventID)
	assert.Equal(t, "e5", g.Nodes[2].Event.EventID)

	// Edges into evicted nodes are gone; the survivors still chain
	assert.ElementsMatch(t, []Edge{
		{From: "e3", To: "e4", Type: EdgeExecution},
		{From: "e4", To: "e5", Type: EdgeExecution},
	}, executionEdges(g))
	assert.Equal(t, []string{"e3"}, b.Roots())
}

func TestBuilder_Recomputable(t *testing.T) {
	events := []*Event{
		timelineEvent("e1", "", "t1", PhaseRunStarted),
		timelineEvent("e2", "e1", "t1", PhaseStepStarted),
		timelineEvent("e3", "e2", "t1", PhaseStepFinished),
	}
	events[1].Outputs = map[string]any{"k": 1}
	events[2].ConsumesFrom = []string{"k"}

	a := NewBuilder()
	c := NewBuilder()
	for _, e := range events {
		a.Add(e)
		c.Add(e)
	}

	assert.Equal(t, a.Graph(), c.Graph())
	assert.Equal(t, a.Roots(), c.Roots())
}

func TestBuilder_Roots(t *testing.T) {
	b := NewBuilder()
	b.Add(timelineEvent("z-root", "", "t1", PhaseRunStarted))
	b.Add(timelineEvent("a-root", "", "t2", PhaseRunStarted))
	b.Add(timelineEvent("child", "z-root", "t1", PhaseStepStarted))

	assert.Equal(t, []string{"a-root", "z-root"}, b.Roots())
}

// assertAcyclic walks execution edges depth-first from every node checking
// no path returns to its origin.
func assertAcyclic(t *testing.T, g Graph) {
	t.Helper()
	children := make(map[string][]string)
	for _, e := range g.Edges {
		if e.Type == EdgeExecution {
			children[e.From] = append(children[e.From], e.To)
		}
	}
	var visit func(id string, path map[string]bool) bool
	visit = func(id string, path map[string]bool) bool {
		if path[id] {
			return false
		}
		path[id] = true
		for _, child := range children[id] {
			if !visit(child, path) {
				return false
			}
		}
		delete(path, id)
		return true
	}
	for _, n := range g.Nodes {
		assert.True(t, visit(n.Event.EventID, map[string]bool{}),
			"cycle reachable from %s", n.Event.EventID)
	}
}
