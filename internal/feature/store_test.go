package feature

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/converge/internal/workflow"
)

func fixedClock() func() time.Time {
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), WithClock(fixedClock()))
	v := New("REQ-F-001", "Login", "standard")
	v.UpdateEdge(workflow.MustParseEdge("code↔unit_tests"), func(e *TrajectoryEntry) {
		e.Status = workflow.StatusIterating
		e.Iteration = 2
		e.Delta = 1
	})
	require.NoError(t, store.Save(&v))
	require.True(t, store.Exists("REQ-F-001"))

	loaded, err := store.Load("REQ-F-001")
	require.NoError(t, err)
	require.Equal(t, "Login", loaded.Title)
	require.Equal(t, workflow.StatusIterating, loaded.Trajectory["code"].Status)
	require.Equal(t, workflow.StatusIterating, loaded.Trajectory["unit_tests"].Status)
	require.Equal(t, 2, loaded.Trajectory["unit_tests"].Iteration)
	require.False(t, loaded.CreatedAt.IsZero())
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load("nope")
	require.True(t, errors.Is(err, ErrFeatureNotFound))

	_, err = store.Load("../escape")
	require.Error(t, err)
}

func TestStoreListSkipsArchive(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, id := range []string{"B", "A", "C"} {
		v := New(id, "", "standard")
		require.NoError(t, store.Save(&v))
	}
	path, err := store.Archive("C")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(store.Dir(), CompletedDir, "C.yml"), path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "A", list[0].Feature)
	require.Equal(t, "B", list[1].Feature)

	_, err = store.Archive("C")
	require.True(t, errors.Is(err, ErrFeatureNotFound))
}

func TestNextChildID(t *testing.T) {
	parent := New("REQ-F-001", "", "standard")
	require.Equal(t, "REQ-F-001-DISCOVERY-01", NextChildID(parent, "discovery"))
	parent.Children = []ChildRef{
		{ID: "REQ-F-001-DISCOVERY-01"},
		{ID: "REQ-F-001-SPIKE-01"},
		{ID: "REQ-F-001-DISCOVERY-03"},
	}
	require.Equal(t, "REQ-F-001-DISCOVERY-04", NextChildID(parent, "discovery"))
	require.Equal(t, "REQ-F-001-SPIKE-02", NextChildID(parent, "spike"))
	require.Equal(t, "REQ-F-001-HOTFIX-01", NextChildID(parent, "hotfix"))
}

func TestEdgeStatusCombinesCoEvolutionKeys(t *testing.T) {
	v := New("F", "", "")
	edge := workflow.MustParseEdge("code↔unit_tests")
	v.Trajectory["code"] = TrajectoryEntry{Status: workflow.StatusConverged}
	require.Equal(t, workflow.StatusPending, v.EdgeStatus(edge))
	v.Trajectory["unit_tests"] = TrajectoryEntry{Status: workflow.StatusConverged}
	require.Equal(t, workflow.StatusConverged, v.EdgeStatus(edge))
}
