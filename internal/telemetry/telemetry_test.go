package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitWithoutTraceFileIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitExportsSpansToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "spans.jsonl")
	shutdown, err := Init(context.Background(), Config{Project: "demo", TraceFile: path})
	require.NoError(t, err)

	_, span := otel.Tracer("converge.test").Start(context.Background(), "engine.Iterate")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), "engine.Iterate"))
}
