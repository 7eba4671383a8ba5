// Package status projects the event log into a dashboard view. Project is a
// pure function of the events: replaying the same log always yields the same
// dashboard.
package status

import (
	"sort"
	"time"

	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/workflow"
)

// Dashboard is the projected state of a project.
type Dashboard struct {
	Project   string        `json:"project"`
	Features  []FeatureView `json:"features"`
	Totals    Totals        `json:"totals"`
	Errors    []ErrorView   `json:"errors,omitempty"`
	Events    int           `json:"events"`
	LastEvent time.Time     `json:"last_event,omitempty"`
}

// Totals counts events across the whole log.
type Totals struct {
	Iterations    int `json:"iterations"`
	Converged     int `json:"converged"`
	Spawns        int `json:"spawns"`
	FoldBacks     int `json:"fold_backs"`
	CommandErrors int `json:"command_errors"`
}

// FeatureView is one feature's edges as seen through the log.
type FeatureView struct {
	Feature  string     `json:"feature"`
	Parent   string     `json:"parent,omitempty"`
	Children []string   `json:"children,omitempty"`
	Archived bool       `json:"archived,omitempty"`
	Edges    []EdgeView `json:"edges"`
}

// EdgeView is the latest known state of one edge.
type EdgeView struct {
	Edge        string              `json:"edge"`
	Status      workflow.EdgeStatus `json:"status"`
	Iteration   int                 `json:"iteration"`
	Delta       int                 `json:"delta"`
	Escalations []string            `json:"escalations,omitempty"`
	BlockedBy   string              `json:"blocked_by,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// ErrorView is a command_error event.
type ErrorView struct {
	Command   string    `json:"command"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// maxErrors bounds the errors kept on the dashboard.
const maxErrors = 10

type featureState struct {
	view  FeatureView
	edges map[string]*EdgeView
	order []string
}

func (f *featureState) edge(name string) *EdgeView {
	name = workflow.CanonicalEdgeName(name)
	if view, ok := f.edges[name]; ok {
		return view
	}
	view := &EdgeView{Edge: name, Status: workflow.StatusPending}
	f.edges[name] = view
	f.order = append(f.order, name)
	return view
}

// Project folds events, in log order, into a Dashboard. Events without a
// feature (one-off evaluations) are grouped under an empty feature id.
func Project(events []eventlog.Event) Dashboard {
	var dash Dashboard
	features := map[string]*featureState{}
	get := func(id string) *featureState {
		if state, ok := features[id]; ok {
			return state
		}
		state := &featureState{view: FeatureView{Feature: id}, edges: map[string]*EdgeView{}}
		features[id] = state
		return state
	}

	for _, ev := range events {
		dash.Events++
		if dash.Project == "" {
			dash.Project = ev.Project
		}
		if ev.Timestamp.After(dash.LastEvent) {
			dash.LastEvent = ev.Timestamp
		}
		featureID := ev.String("feature")
		edgeName := ev.String("edge")

		switch ev.EventType {
		case eventlog.TypeEdgeStarted:
			view := get(featureID).edge(edgeName)
			view.Status = workflow.StatusIterating
			view.UpdatedAt = ev.Timestamp
		case eventlog.TypeIterationCompleted:
			dash.Totals.Iterations++
			view := get(featureID).edge(edgeName)
			view.Iteration, _ = ev.Int("iteration")
			view.Delta, _ = ev.Int("delta")
			view.Escalations = ev.Strings("escalations")
			view.UpdatedAt = ev.Timestamp
			if ev.Bool("converged") {
				view.Status = workflow.StatusConverged
			} else if view.Status != workflow.StatusBlocked {
				view.Status = workflow.StatusIterating
			}
		case eventlog.TypeEdgeConverged:
			dash.Totals.Converged++
			view := get(featureID).edge(edgeName)
			view.Status = workflow.StatusConverged
			view.UpdatedAt = ev.Timestamp
		case eventlog.TypeSpawnCreated:
			child := ev.String("child")
			if ev.String("role") == "child" {
				get(child).view.Parent = ev.String("parent")
				continue
			}
			dash.Totals.Spawns++
			parent := get(firstNonEmpty(ev.String("parent"), featureID))
			parent.view.Children = appendUnique(parent.view.Children, child)
			view := parent.edge(edgeName)
			view.Status = workflow.StatusBlocked
			view.BlockedBy = child
			view.UpdatedAt = ev.Timestamp
		case eventlog.TypeSpawnFoldedBack:
			dash.Totals.FoldBacks++
			parent := get(firstNonEmpty(ev.String("parent"), featureID))
			view := parent.edge(edgeName)
			if view.BlockedBy == ev.String("child") {
				view.Status = workflow.StatusIterating
				view.BlockedBy = ""
			}
			view.UpdatedAt = ev.Timestamp
		case eventlog.TypeFeatureArchived:
			get(featureID).view.Archived = true
		case eventlog.TypeCommandError:
			dash.Totals.CommandErrors++
			dash.Errors = append(dash.Errors, ErrorView{
				Command:   ev.String("command"),
				Message:   ev.String("error"),
				Timestamp: ev.Timestamp,
			})
			if len(dash.Errors) > maxErrors {
				dash.Errors = dash.Errors[len(dash.Errors)-maxErrors:]
			}
		}
	}

	ids := make([]string, 0, len(features))
	for id := range features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	dash.Features = make([]FeatureView, 0, len(ids))
	for _, id := range ids {
		state := features[id]
		view := state.view
		view.Edges = make([]EdgeView, 0, len(state.order))
		for _, name := range state.order {
			view.Edges = append(view.Edges, *state.edges[name])
		}
		dash.Features = append(dash.Features, view)
	}
	return dash
}

// Feature returns the view for id.
func (d Dashboard) Feature(id string) (FeatureView, bool) {
	for _, f := range d.Features {
		if f.Feature == id {
			return f, true
		}
	}
	return FeatureView{}, false
}

// Edge returns the view for an edge of the feature.
func (f FeatureView) Edge(name string) (EdgeView, bool) {
	name = workflow.CanonicalEdgeName(name)
	for _, e := range f.Edges {
		if e.Edge == name {
			return e, true
		}
	}
	return EdgeView{}, false
}

func appendUnique(values []string, value string) []string {
	if value == "" {
		return values
	}
	for _, v := range values {
		if v == value {
			return values
		}
	}
	return append(values, value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
