package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/feature"
	"github.com/kingrea/converge/internal/workflow"
)

// DefaultTimeBox applies when neither the profile nor the caller sets one.
const DefaultTimeBox = 4 * time.Hour

var (
	// ErrNotEligible is returned when a child has neither converged nor run
	// out its time-box.
	ErrNotEligible = errors.New("spawn: child is not eligible for fold-back")
	// ErrAlreadyFoldedBack is returned when a child was already folded back.
	ErrAlreadyFoldedBack = errors.New("spawn: child already folded back")
	// ErrEdgeBlocked is returned when the parent edge already waits on a child.
	ErrEdgeBlocked = errors.New("spawn: edge already blocked by a child")
	// ErrNotChild is returned when fold-back targets a record with no parent.
	ErrNotChild = errors.New("spawn: feature has no parent")
)

// EventSink receives spawn events.
type EventSink interface {
	Emit(eventType string, data map[string]any) (eventlog.Event, error)
}

// Observer is notified of spawns and fold-backs.
type Observer interface {
	SpawnCreated(vectorType string)
	FoldedBack(outcome string)
}

// Request asks for a child investigation of a stalled edge.
type Request struct {
	Question        string
	VectorType      string
	ParentFeature   string
	TriggeredAtEdge string
}

// Result describes the created child.
type Result struct {
	ChildID   string          `json:"child_id"`
	ChildPath string          `json:"child_path"`
	Profile   string          `json:"profile"`
	TimeBox   feature.TimeBox `json:"time_box"`
}

// FoldBackResult describes a completed fold-back.
type FoldBackResult struct {
	ChildID     string `json:"child_id"`
	Parent      string `json:"parent"`
	Edge        string `json:"edge"`
	Outcome     string `json:"outcome"`
	PayloadPath string `json:"payload_path"`
}

// FoldBackPayload is the summary written for the parent to pick up.
type FoldBackPayload struct {
	Child        string                             `yaml:"child"`
	Parent       string                             `yaml:"parent"`
	Edge         string                             `yaml:"edge"`
	VectorType   string                             `yaml:"vector_type"`
	Question     string                             `yaml:"question,omitempty"`
	Outcome      string                             `yaml:"outcome"`
	Trajectory   map[string]feature.TrajectoryEntry `yaml:"trajectory,omitempty"`
	FoldedBackAt time.Time                          `yaml:"folded_back_at"`
}

// Manager creates and folds back child investigations.
type Manager struct {
	store          *feature.Store
	events         EventSink
	profiles       []workflow.Profile
	topology       workflow.Topology
	foldBackDir    string
	defaultTimeBox time.Duration
	observer       Observer
	now            func() time.Time
	logger         *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for time-boxes and payloads.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver attaches an Observer such as the metrics recorder.
func WithObserver(observer Observer) Option {
	return func(m *Manager) { m.observer = observer }
}

// WithDefaultTimeBox sets the time-box used when a profile sets none.
func WithDefaultTimeBox(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeBox = d
		}
	}
}

// NewManager wires a manager to the feature store, event sink, and the
// profiles children may be assigned.
func NewManager(store *feature.Store, events EventSink, profiles []workflow.Profile, topology workflow.Topology, foldBackDir string, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("spawn: feature store is required")
	}
	if events == nil {
		return nil, fmt.Errorf("spawn: event sink is required")
	}
	m := &Manager{
		store:          store,
		events:         events,
		profiles:       profiles,
		topology:       topology,
		foldBackDir:    foldBackDir,
		defaultTimeBox: DefaultTimeBox,
		now:            time.Now,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LightestProfile returns the profile with the fewest included edges among
// those listing vectorType, falling back to the lightest profile overall.
// Ties break on name.
func LightestProfile(profiles []workflow.Profile, topology workflow.Topology, vectorType string) (workflow.Profile, bool) {
	pick := func(candidates []workflow.Profile) (workflow.Profile, bool) {
		if len(candidates) == 0 {
			return workflow.Profile{}, false
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			wi, wj := candidates[i].Weight(topology), candidates[j].Weight(topology)
			if wi != wj {
				return wi < wj
			}
			return candidates[i].Name < candidates[j].Name
		})
		return candidates[0], true
	}
	var serving []workflow.Profile
	for _, p := range profiles {
		if p.ServesVectorType(vectorType) {
			serving = append(serving, p)
		}
	}
	if p, ok := pick(serving); ok {
		return p, true
	}
	return pick(append([]workflow.Profile(nil), profiles...))
}

// Spawn creates a child record for a stalled parent edge, blocks that edge on
// the child, and emits spawn_created for both records.
func (m *Manager) Spawn(_ context.Context, req Request) (Result, error) {
	vectorType := strings.ToLower(strings.TrimSpace(req.VectorType))
	if vectorType == "" {
		return Result{}, fmt.Errorf("spawn: vector type is required")
	}
	edge, err := workflow.ParseEdge(req.TriggeredAtEdge)
	if err != nil {
		return Result{}, fmt.Errorf("spawn: %w", err)
	}
	parent, err := m.store.Load(req.ParentFeature)
	if err != nil {
		return Result{}, err
	}
	if entry, ok := parent.Entry(edge); ok && entry.Status == workflow.StatusBlocked && entry.BlockedBy != "" {
		return Result{}, fmt.Errorf("%w: %s waits on %s", ErrEdgeBlocked, edge, entry.BlockedBy)
	}

	profile, ok := LightestProfile(m.profiles, m.topology, vectorType)
	if !ok {
		return Result{}, fmt.Errorf("spawn: no profile available for vector type %s", vectorType)
	}
	now := m.now().UTC()
	timeBox := feature.TimeBox{
		Enabled:   profile.TimeBox.Enabled == nil || *profile.TimeBox.Enabled,
		Duration:  profile.TimeBox.Duration,
		StartedAt: now,
	}
	if timeBox.Duration <= 0 {
		timeBox.Duration = workflow.Duration(m.defaultTimeBox)
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		question = fmt.Sprintf("Why is %s stalled for %s?", edge, parent.Feature)
	}
	childID := feature.NextChildID(parent, vectorType)
	child := feature.New(childID, question, profile.Name)
	child.VectorType = vectorType
	child.Question = question
	child.Parent = &feature.ParentRef{Feature: parent.Feature, Edge: edge.String(), Reason: "stall"}
	child.TimeBox = &timeBox

	parent.Children = append(parent.Children, feature.ChildRef{
		ID:             childID,
		Status:         feature.StatusInProgress,
		VectorType:     vectorType,
		Edge:           edge.String(),
		FoldBackStatus: feature.FoldBackPending,
	})
	parent.UpdateEdge(edge, func(e *feature.TrajectoryEntry) {
		e.Status = workflow.StatusBlocked
		e.BlockedBy = childID
	})
	parent.Status = feature.StatusBlocked

	if err := m.store.Save(&child); err != nil {
		return Result{}, err
	}
	if err := m.store.Save(&parent); err != nil {
		return Result{}, err
	}

	base := map[string]any{
		"parent":      parent.Feature,
		"child":       childID,
		"edge":        edge.String(),
		"vector_type": vectorType,
		"profile":     profile.Name,
		"question":    question,
	}
	for _, role := range []struct {
		feature string
		role    string
	}{{childID, "child"}, {parent.Feature, "parent"}} {
		data := cloneData(base)
		data["feature"] = role.feature
		data["role"] = role.role
		if _, err := m.events.Emit(eventlog.TypeSpawnCreated, data); err != nil {
			return Result{}, fmt.Errorf("spawn: emit %s: %w", eventlog.TypeSpawnCreated, err)
		}
	}
	if m.observer != nil {
		m.observer.SpawnCreated(vectorType)
	}
	m.logger.Info("child spawned", "parent", parent.Feature, "child", childID, "edge", edge.String(), "profile", profile.Name)
	return Result{
		ChildID:   childID,
		ChildPath: m.store.Path(childID),
		Profile:   profile.Name,
		TimeBox:   timeBox,
	}, nil
}

// FoldBack merges a converged or time-box-expired child into its parent,
// unblocking the parent edge. It is the only way a blocked edge becomes
// iterable again. A second fold-back of the same child returns
// ErrAlreadyFoldedBack.
func (m *Manager) FoldBack(_ context.Context, childID string) (FoldBackResult, error) {
	child, err := m.store.Load(childID)
	if err != nil {
		return FoldBackResult{}, err
	}
	if !child.IsChild() {
		return FoldBackResult{}, fmt.Errorf("%w: %s", ErrNotChild, childID)
	}
	parent, err := m.store.Load(child.Parent.Feature)
	if err != nil {
		return FoldBackResult{}, err
	}
	ref, ok := parent.Child(childID)
	if !ok {
		return FoldBackResult{}, fmt.Errorf("spawn: %s does not list child %s", parent.Feature, childID)
	}
	if ref.FoldBackStatus == feature.FoldBackDone {
		return FoldBackResult{}, fmt.Errorf("%w: %s", ErrAlreadyFoldedBack, childID)
	}

	now := m.now().UTC()
	var outcome string
	switch {
	case child.Status == feature.StatusConverged:
		outcome = string(feature.StatusConverged)
	case TimeBoxStatus(child.TimeBox, now) == TimeBoxExpired:
		outcome = string(feature.StatusExpired)
		child.Status = feature.StatusExpired
	default:
		return FoldBackResult{}, fmt.Errorf("%w: %s is %s with time-box %s", ErrNotEligible, childID, child.Status, TimeBoxStatus(child.TimeBox, now))
	}

	edgeName := firstNonEmpty(ref.Edge, child.Parent.Edge)
	edge, err := workflow.ParseEdge(edgeName)
	if err != nil {
		return FoldBackResult{}, fmt.Errorf("spawn: child %s: %w", childID, err)
	}

	payloadPath := filepath.Join(m.foldBackDir, parent.Feature, childID+".yml")
	payload := FoldBackPayload{
		Child:        childID,
		Parent:       parent.Feature,
		Edge:         edge.String(),
		VectorType:   child.VectorType,
		Question:     child.Question,
		Outcome:      outcome,
		Trajectory:   child.Trajectory,
		FoldedBackAt: now,
	}
	if err := feature.WriteYAML(payloadPath, payload); err != nil {
		return FoldBackResult{}, err
	}

	ref.FoldBackStatus = feature.FoldBackDone
	ref.Status = child.Status
	parent.UpdateEdge(edge, func(e *feature.TrajectoryEntry) {
		if e.BlockedBy == childID || e.BlockedBy == "" {
			e.Status = workflow.StatusIterating
			e.BlockedBy = ""
		}
	})
	if !hasBlockedEdge(parent) {
		parent.Status = feature.StatusInProgress
	}
	if err := m.store.Save(&child); err != nil {
		return FoldBackResult{}, err
	}
	if err := m.store.Save(&parent); err != nil {
		return FoldBackResult{}, err
	}
	if _, err := m.events.Emit(eventlog.TypeSpawnFoldedBack, map[string]any{
		"feature":      parent.Feature,
		"parent":       parent.Feature,
		"child":        childID,
		"edge":         edge.String(),
		"outcome":      outcome,
		"payload_path": payloadPath,
	}); err != nil {
		return FoldBackResult{}, fmt.Errorf("spawn: emit %s: %w", eventlog.TypeSpawnFoldedBack, err)
	}
	if m.observer != nil {
		m.observer.FoldedBack(outcome)
	}
	m.logger.Info("child folded back", "parent", parent.Feature, "child", childID, "outcome", outcome)
	return FoldBackResult{
		ChildID:     childID,
		Parent:      parent.Feature,
		Edge:        edge.String(),
		Outcome:     outcome,
		PayloadPath: payloadPath,
	}, nil
}

func hasBlockedEdge(v feature.Vector) bool {
	for _, entry := range v.Trajectory {
		if entry.Status == workflow.StatusBlocked {
			return true
		}
	}
	return false
}

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
