package router

import (
	"fmt"
	"strings"

	"github.com/kingrea/converge/internal/workflow"
)

// Trajectory maps trajectory keys (asset names) to their status. Missing keys
// are pending.
type Trajectory map[string]workflow.EdgeStatus

// Selection describes the router's decision.
type Selection struct {
	Edge     string
	Status   workflow.EdgeStatus
	Optional bool
	Found    bool
	// Reason explains the decision for diagnostics; nothing branches on it.
	Reason  string
	Skipped map[string]SkipReason
}

// SkipReason explains why an edge was passed over.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates router skip reasons.
type SkipReasonCode string

const (
	SkipReasonConverged  SkipReasonCode = "converged"
	SkipReasonNotStarted SkipReasonCode = "optional-not-started"
	SkipReasonBlocked    SkipReasonCode = "optional-blocked"
)

// TrajectoryKeys maps an edge name to the trajectory keys that track it:
// "A→B" is tracked by B, "A↔B" by both A and B. A name without an arrow is its
// own key.
func TrajectoryKeys(name string) []string {
	edge, err := workflow.ParseEdge(name)
	if err != nil {
		return []string{strings.TrimSpace(name)}
	}
	return edge.TrajectoryKeys()
}

// EdgeStatus returns the combined status of an edge in the trajectory.
func EdgeStatus(trajectory Trajectory, name string) workflow.EdgeStatus {
	keys := TrajectoryKeys(name)
	statuses := make([]workflow.EdgeStatus, 0, len(keys))
	for _, key := range keys {
		status, ok := trajectory[key]
		if !ok || status == "" {
			status = workflow.StatusPending
		}
		statuses = append(statuses, status)
	}
	return workflow.CombineStatus(statuses...)
}

// SelectNextEdge returns the first include edge that is not converged. When
// every include edge has converged, it continues the first optional edge that
// is already iterating; optional edges are never started here.
func SelectNextEdge(trajectory Trajectory, include, optional []string) Selection {
	sel := Selection{}
	for _, name := range include {
		status := EdgeStatus(trajectory, name)
		if status == workflow.StatusConverged {
			sel.addSkip(name, SkipReason{Reason: SkipReasonConverged})
			continue
		}
		sel.Edge = name
		sel.Status = status
		sel.Found = true
		sel.Reason = fmt.Sprintf("%s is the first required edge not converged (%s)", name, status)
		return sel
	}
	for _, name := range optional {
		status := EdgeStatus(trajectory, name)
		switch status {
		case workflow.StatusIterating:
			sel.Edge = name
			sel.Status = status
			sel.Optional = true
			sel.Found = true
			sel.Reason = fmt.Sprintf("all required edges converged; continuing optional edge %s", name)
			return sel
		case workflow.StatusConverged:
			sel.addSkip(name, SkipReason{Reason: SkipReasonConverged})
		case workflow.StatusBlocked:
			sel.addSkip(name, SkipReason{Reason: SkipReasonBlocked, Detail: "waiting on fold-back"})
		default:
			sel.addSkip(name, SkipReason{Reason: SkipReasonNotStarted, Detail: "optional edges are only continued"})
		}
	}
	switch {
	case len(include) == 0 && len(optional) == 0:
		sel.Reason = "profile selects no edges"
	case len(optional) == 0:
		sel.Reason = fmt.Sprintf("all %d required edges converged", len(include))
	default:
		sel.Reason = fmt.Sprintf("all %d required edges converged and no optional edge is iterating", len(include))
	}
	return sel
}

// SelectFromPlan runs SelectNextEdge over a profile plan.
func SelectFromPlan(trajectory Trajectory, plan workflow.EdgePlan) Selection {
	return SelectNextEdge(trajectory, edgeNames(plan.Include), edgeNames(plan.Optional))
}

func edgeNames(edges []workflow.Edge) []string {
	out := make([]string, 0, len(edges))
	for _, edge := range edges {
		out = append(out, edge.String())
	}
	return out
}

func (s *Selection) addSkip(name string, reason SkipReason) {
	if name == "" {
		return
	}
	if s.Skipped == nil {
		s.Skipped = make(map[string]SkipReason)
	}
	s.Skipped[name] = reason
}
