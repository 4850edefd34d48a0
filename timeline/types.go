// Package timeline normalizes raw workflow envelopes into canonical events
// and folds them into a causally ordered execution graph.
package timeline

import (
	"encoding/json"
	"time"
)

// Phase classifies one workflow lifecycle occurrence.
// This enum is the closed tag set producers are expected to emit; anything
// else normalizes to PhaseWorkflowUpdate.
type Phase string

const (
	// PhaseRunStarted marks the beginning of a workflow run.
	PhaseRunStarted Phase = "run_started"

	// PhaseStepStarted marks one step beginning execution.
	PhaseStepStarted Phase = "step_started"

	// PhaseStepFinished marks one step completing.
	PhaseStepFinished Phase = "step_finished"

	// PhaseDecisionMade marks a branching choice taken by the engine or an agent.
	PhaseDecisionMade Phase = "decision_made"

	// PhaseHumanReview marks a pause awaiting operator input.
	PhaseHumanReview Phase = "human_review"

	// PhaseLogLine carries free-form diagnostic output.
	PhaseLogLine Phase = "log_line"

	// PhaseRunFinished marks the end of a workflow run.
	PhaseRunFinished Phase = "run_finished"

	// PhaseErrorRaised marks a failure surfaced by the engine.
	PhaseErrorRaised Phase = "error_raised"

	// PhaseParallelGroupStarted opens a set of concurrently executing branches.
	PhaseParallelGroupStarted Phase = "parallel_group_started"

	// PhaseParallelGroupMerge joins a parallel group's branches back together.
	PhaseParallelGroupMerge Phase = "parallel_group_merge"

	// PhaseArtifactProduced marks an output artifact becoming available.
	PhaseArtifactProduced Phase = "artifact_produced"

	// PhaseWorkflowUpdate is the generic fallback for unrecognized tags.
	PhaseWorkflowUpdate Phase = "workflow_update"
)

// String returns the string representation of the Phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid checks if the Phase is one of the defined constants.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseRunStarted, PhaseStepStarted, PhaseStepFinished, PhaseDecisionMade,
		PhaseHumanReview, PhaseLogLine, PhaseRunFinished, PhaseErrorRaised,
		PhaseParallelGroupStarted, PhaseParallelGroupMerge, PhaseArtifactProduced,
		PhaseWorkflowUpdate:
		return true
	default:
		return false
	}
}

// Category groups phases for presentation.
type Category string

const (
	// CategoryDecision covers choices and review pauses.
	CategoryDecision Category = "decision"

	// CategoryAction covers work beginning.
	CategoryAction Category = "action"

	// CategoryResult covers work completing and artifacts appearing.
	CategoryResult Category = "result"

	// CategoryError covers failures.
	CategoryError Category = "error"

	// CategoryFact covers informational events with no causal weight.
	CategoryFact Category = "fact"
)

// String returns the string representation of the Category.
func (c Category) String() string {
	return string(c)
}

// CategoryOf derives the category from a phase. Deterministic: the same
// phase always maps to the same category.
func CategoryOf(p Phase) Category {
	switch p {
	case PhaseDecisionMade, PhaseHumanReview:
		return CategoryDecision
	case PhaseRunStarted, PhaseStepStarted, PhaseParallelGroupStarted:
		return CategoryAction
	case PhaseStepFinished, PhaseRunFinished, PhaseParallelGroupMerge, PhaseArtifactProduced:
		return CategoryResult
	case PhaseErrorRaised:
		return CategoryError
	default:
		return CategoryFact
	}
}

// RichPayload holds sub-artifacts extracted from an event's text.
type RichPayload struct {
	// URLs found in the message and serialized payload, de-duplicated.
	URLs []string `json:"urls,omitempty"`

	// Images is the subset of URLs with image extensions, unioned with any
	// payload-declared image list.
	Images []string `json:"images,omitempty"`

	// WKT holds well-known-text geometry literals found in the text.
	WKT []string `json:"wkt,omitempty"`

	// Data carries the arbitrary structured remainder of the payload.
	Data map[string]any `json:"data,omitempty"`
}

// Event is the canonical, normalized form of one workflow occurrence.
// EventID is the deduplication key; ParentEventID is a weak reference used
// only to establish graph edges.
type Event struct {
	EventID         string         `json:"event_id"`
	ParentEventID   string         `json:"parent_event_id,omitempty"`
	ThreadID        string         `json:"thread_id"`
	Timestamp       time.Time      `json:"timestamp"`
	Phase           Phase          `json:"phase"`
	Category        Category       `json:"category"`
	AgentName       string         `json:"agent_name,omitempty"`
	Message         string         `json:"message,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	ConsumesFrom    []string       `json:"consumes_from,omitempty"`
	ParallelGroupID string         `json:"parallel_group_id,omitempty"`
	RichPayload     RichPayload    `json:"rich_payload"`
}

// EdgeType distinguishes causal edges from data-flow edges. Consumers must
// never conflate the two.
type EdgeType string

const (
	// EdgeExecution denotes causal or sequential precedence.
	EdgeExecution EdgeType = "execution"

	// EdgeData denotes that the source node's output fed the target's input.
	EdgeData EdgeType = "data"
)

// Edge is one directed graph edge between timeline nodes.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// Node wraps one event in the built graph.
type Node struct {
	Event *Event `json:"event"`
}

// Graph is the built node/edge structure, nodes in arrival order.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// MarshalJSON keeps empty slices as [] rather than null for consumers.
func (g Graph) MarshalJSON() ([]byte, error) {
	type alias Graph
	a := alias(g)
	if a.Nodes == nil {
		a.Nodes = []Node{}
	}
	if a.Edges == nil {
		a.Edges = []Edge{}
	}
	return json.Marshal(a)
}
