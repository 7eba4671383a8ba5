package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/engine"
)

func TestRecorderCountsChecksAndIterations(t *testing.T) {
	rec := New()
	rec.CheckEvaluated("design→code", evaluate.CheckResult{Name: "tests", CheckType: workflow.CheckTypeDeterministic, Outcome: evaluate.OutcomePass, Duration: 50 * time.Millisecond})
	rec.CheckEvaluated("design→code", evaluate.CheckResult{Name: "lint", CheckType: workflow.CheckTypeDeterministic, Outcome: evaluate.OutcomeFail})
	rec.IterationCompleted(engine.EvaluationResult{Edge: "design→code", Feature: "REQ-F-001", Delta: 1})
	rec.IterationCompleted(engine.EvaluationResult{Edge: "design→code", Feature: "REQ-F-001", Delta: 0, Converged: true})

	require.Equal(t, 1.0, testutil.ToFloat64(rec.checks.WithLabelValues("design→code", "deterministic", "pass")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.checks.WithLabelValues("design→code", "deterministic", "fail")))
	require.Equal(t, 2.0, testutil.ToFloat64(rec.iterations.WithLabelValues("design→code")))
	require.Equal(t, 0.0, testutil.ToFloat64(rec.delta.WithLabelValues("REQ-F-001", "design→code")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.converged.WithLabelValues("design→code")))
}

func TestRecorderSpawnCounters(t *testing.T) {
	rec := New()
	rec.SpawnCreated("discovery")
	rec.SpawnCreated("discovery")
	rec.FoldedBack("converged")

	require.Equal(t, 2.0, testutil.ToFloat64(rec.spawns.WithLabelValues("discovery")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.foldBacks.WithLabelValues("converged")))
}

func TestWriteTextfile(t *testing.T) {
	rec := New()
	rec.SpawnCreated("spike")
	path := filepath.Join(t.TempDir(), "textfile", "converge.prom")

	require.NoError(t, rec.WriteTextfile(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), `converge_spawn_created_total{vector_type="spike"} 1`))
}
