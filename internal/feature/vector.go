// Package feature persists feature vectors: the per-task records holding a
// trajectory of edge statuses and the ids of parent and child tasks. Records
// reference each other by id only and are resolved through the Store.
package feature

import (
	"time"

	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/router"
)

// Status is the lifecycle state of a feature vector.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusConverged  Status = "converged"
	StatusExpired    Status = "time_box_expired"
)

// Fold-back states recorded on a parent's child entry.
const (
	FoldBackPending = "pending"
	FoldBackDone    = "folded_back"
)

// Vector is one persisted task record.
type Vector struct {
	Feature    string                     `yaml:"feature" json:"feature"`
	Title      string                     `yaml:"title,omitempty" json:"title,omitempty"`
	Status     Status                     `yaml:"status" json:"status"`
	Profile    string                     `yaml:"profile,omitempty" json:"profile,omitempty"`
	VectorType string                     `yaml:"vector_type,omitempty" json:"vector_type,omitempty"`
	Question   string                     `yaml:"question,omitempty" json:"question,omitempty"`
	Trajectory map[string]TrajectoryEntry `yaml:"trajectory" json:"trajectory"`
	Children   []ChildRef                 `yaml:"children,omitempty" json:"children,omitempty"`
	Parent     *ParentRef                 `yaml:"parent,omitempty" json:"parent,omitempty"`
	TimeBox    *TimeBox                   `yaml:"time_box,omitempty" json:"time_box,omitempty"`
	CreatedAt  time.Time                  `yaml:"created_at" json:"created_at"`
	UpdatedAt  time.Time                  `yaml:"updated_at" json:"updated_at"`
}

// TrajectoryEntry tracks one asset of the feature.
type TrajectoryEntry struct {
	Status      workflow.EdgeStatus `yaml:"status" json:"status"`
	Iteration   int                 `yaml:"iteration" json:"iteration"`
	Delta       int                 `yaml:"delta" json:"delta"`
	BlockedBy   string              `yaml:"blocked_by,omitempty" json:"blocked_by,omitempty"`
	StartedAt   *time.Time          `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	ConvergedAt *time.Time          `yaml:"converged_at,omitempty" json:"converged_at,omitempty"`
}

// ChildRef links a parent to a spawned child by id.
type ChildRef struct {
	ID             string `yaml:"id" json:"id"`
	Status         Status `yaml:"status" json:"status"`
	VectorType     string `yaml:"vector_type,omitempty" json:"vector_type,omitempty"`
	Edge           string `yaml:"edge,omitempty" json:"edge,omitempty"`
	FoldBackStatus string `yaml:"fold_back_status" json:"fold_back_status"`
}

// ParentRef links a child to the parent that spawned it.
type ParentRef struct {
	Feature string `yaml:"feature" json:"feature"`
	Edge    string `yaml:"edge" json:"edge"`
	Reason  string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// TimeBox bounds how long a child may run before it is forced to close out.
type TimeBox struct {
	Enabled   bool              `yaml:"enabled" json:"enabled"`
	Duration  workflow.Duration `yaml:"duration" json:"duration"`
	StartedAt time.Time         `yaml:"started_at" json:"started_at"`
}

// Deadline returns when the time-box ends.
func (tb TimeBox) Deadline() time.Time {
	return tb.StartedAt.Add(tb.Duration.Std())
}

// New returns an in-progress vector with an empty trajectory.
func New(id, title, profile string) Vector {
	return Vector{
		Feature:    id,
		Title:      title,
		Status:     StatusInProgress,
		Profile:    profile,
		Trajectory: map[string]TrajectoryEntry{},
	}
}

// Statuses projects the trajectory into the router's view.
func (v Vector) Statuses() router.Trajectory {
	out := make(router.Trajectory, len(v.Trajectory))
	for key, entry := range v.Trajectory {
		out[key] = entry.Status
	}
	return out
}

// EdgeStatus returns the combined status of an edge for this feature.
func (v Vector) EdgeStatus(edge workflow.Edge) workflow.EdgeStatus {
	return router.EdgeStatus(v.Statuses(), edge.String())
}

// UpdateEdge applies fn to the trajectory entry of every key tracking edge.
func (v *Vector) UpdateEdge(edge workflow.Edge, fn func(*TrajectoryEntry)) {
	if v.Trajectory == nil {
		v.Trajectory = map[string]TrajectoryEntry{}
	}
	for _, key := range edge.TrajectoryKeys() {
		entry := v.Trajectory[key]
		fn(&entry)
		v.Trajectory[key] = entry
	}
}

// Entry returns the trajectory entry of the edge's target key.
func (v Vector) Entry(edge workflow.Edge) (TrajectoryEntry, bool) {
	keys := edge.TrajectoryKeys()
	entry, ok := v.Trajectory[keys[len(keys)-1]]
	return entry, ok
}

// Child returns the child reference with the given id.
func (v *Vector) Child(id string) (*ChildRef, bool) {
	for i := range v.Children {
		if v.Children[i].ID == id {
			return &v.Children[i], true
		}
	}
	return nil, false
}

// IsChild reports whether the vector was spawned from a parent.
func (v Vector) IsChild() bool {
	return v.Parent != nil && v.Parent.Feature != ""
}
