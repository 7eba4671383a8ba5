package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/status"
)

func sampleDashboard() status.Dashboard {
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return status.Project([]eventlog.Event{
		{EventType: eventlog.TypeIterationCompleted, Timestamp: ts, Project: "demo", Data: map[string]any{
			"feature": "REQ-F-001", "edge": "design→code", "iteration": 2, "delta": 1, "converged": false,
			"escalations": []any{"D→agent: tests-pass"},
		}},
		{EventType: eventlog.TypeSpawnCreated, Timestamp: ts, Project: "demo", Data: map[string]any{
			"feature": "REQ-F-001", "role": "parent", "parent": "REQ-F-001", "child": "REQ-F-001-DISCOVERY-01", "edge": "code↔unit_tests",
		}},
	})
}

func newTestApp(t *testing.T, dash status.Dashboard, err error) *App {
	t.Helper()
	app, buildErr := NewApp(func() (status.Dashboard, error) { return dash, err }, "")
	if buildErr != nil {
		t.Fatalf("new app: %v", buildErr)
	}
	return app
}

func TestRowsFlattenFeatures(t *testing.T) {
	rows := Rows(sampleDashboard())
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "REQ-F-001" || rows[0][1] != "design→code" || rows[0][5] != "D→agent: tests-pass" {
		t.Fatalf("unexpected first row %v", rows[0])
	}
	if rows[1][2] != "blocked" || !strings.Contains(rows[1][5], "REQ-F-001-DISCOVERY-01") {
		t.Fatalf("unexpected blocked row %v", rows[1])
	}
}

func TestRenderDashboard(t *testing.T) {
	out := RenderDashboard(sampleDashboard())
	for _, want := range []string{"demo", "REQ-F-001", "design→code", "1 iterations", "1 spawned"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if empty := RenderDashboard(status.Dashboard{}); !strings.Contains(empty, "No iterations") {
		t.Fatalf("unexpected empty render %q", empty)
	}
}

func TestAppRefreshPopulatesTable(t *testing.T) {
	app := newTestApp(t, sampleDashboard(), nil)
	msg := app.refresh()()
	model, _ := app.Update(msg)
	app = model.(*App)
	if app.loading {
		t.Fatal("expected loading to clear after refresh")
	}
	if got := len(app.table.Rows()); got != 2 {
		t.Fatalf("expected 2 rows, got %d", got)
	}
	if app.SelectedFeature() != "REQ-F-001" {
		t.Fatalf("expected first feature selected, got %q", app.SelectedFeature())
	}
	view := app.View()
	if !strings.Contains(view, "children REQ-F-001-DISCOVERY-01") {
		t.Fatalf("expected selection detail in view:\n%s", view)
	}
}

func TestAppShowsLoadError(t *testing.T) {
	app := newTestApp(t, status.Dashboard{}, errors.New("boom"))
	model, _ := app.Update(app.refresh()())
	if view := model.(*App).View(); !strings.Contains(view, "error: boom") {
		t.Fatalf("expected error in view:\n%s", view)
	}
}

func TestAppQuitKey(t *testing.T) {
	app := newTestApp(t, status.Dashboard{}, nil)
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}
