// internal/tui/app.go
//
// This is the `converge watch` dashboard. It uses bubbletea, which follows
// The Elm Architecture:
//
// 1. Model: the projected dashboard plus widget state
// 2. Update: reacts to keys, refresh results, and event-log writes
// 3. View: renders the table
//
// The event log is watched with fsnotify; a periodic refresh covers
// filesystems where notifications are unreliable.

package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"github.com/kingrea/converge/internal/status"
)

const boardRefreshInterval = 3 * time.Second

// Loader projects the current dashboard.
type Loader func() (status.Dashboard, error)

type dashboardMsg struct {
	dash status.Dashboard
	err  error
}

type logChangedMsg struct{}

type watchErrMsg struct{ err error }

type tickMsg time.Time

// App is the watch model.
type App struct {
	load    Loader
	watcher *fsnotify.Watcher
	logName string

	dash        status.Dashboard
	table       table.Model
	spinner     spinner.Model
	loading     bool
	err         error
	lastRefresh time.Time

	width  int
	height int
}

// NewApp builds the dashboard. When eventsPath is set, the directory holding
// it is watched and the dashboard refreshes on every write to the log.
func NewApp(load Loader, eventsPath string) (*App, error) {
	if load == nil {
		return nil, fmt.Errorf("tui: loader is required")
	}
	columns := []table.Column{
		{Title: "Feature", Width: 26},
		{Title: "Edge", Width: 24},
		{Title: "Status", Width: 10},
		{Title: "Iter", Width: 5},
		{Title: "Delta", Width: 5},
		{Title: "Escalations", Width: 40},
	}
	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF"))
	tbl.SetStyles(styles)

	spin := spinner.New(spinner.WithSpinner(spinner.Dot))
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))

	app := &App{load: load, table: tbl, spinner: spin, loading: true}
	if eventsPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("tui: create watcher: %w", err)
		}
		if err := watcher.Add(filepath.Dir(eventsPath)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("tui: watch %s: %w", filepath.Dir(eventsPath), err)
		}
		app.watcher = watcher
		app.logName = filepath.Base(eventsPath)
	}
	return app, nil
}

// Run starts the program in the alternate screen and blocks until quit.
func Run(app *App) error {
	defer app.Close()
	_, err := tea.NewProgram(app, tea.WithAltScreen()).Run()
	return err
}

// Close stops the file watcher.
func (a *App) Close() error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Close()
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.refresh(), a.waitForChange(), a.scheduleTick())
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.table.SetHeight(max(5, msg.Height-8))
		return a, nil

	case dashboardMsg:
		a.loading = false
		a.lastRefresh = time.Now()
		a.err = msg.err
		if msg.err == nil {
			a.dash = msg.dash
			a.applyRows()
		}
		return a, nil

	case logChangedMsg:
		a.loading = true
		return a, tea.Batch(a.refresh(), a.waitForChange())

	case watchErrMsg:
		a.err = msg.err
		return a, a.waitForChange()

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.scheduleTick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return a, tea.Quit
		case "r":
			a.loading = true
			return a, a.refresh()
		}
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return a, cmd
}

// View implements tea.Model.
func (a *App) View() string {
	header := titleStyle.Render("converge watch · " + projectName(a.dash))
	if a.loading {
		header += " " + a.spinner.View()
	}
	parts := []string{header}
	if len(a.table.Rows()) == 0 {
		parts = append(parts, mutedStyle.Render("No iterations recorded yet."))
	} else {
		parts = append(parts, boxStyle.Render(a.table.View()))
		if detail := a.renderSelection(); detail != "" {
			parts = append(parts, detail)
		}
	}
	parts = append(parts, renderTotals(a.dash))
	if a.err != nil {
		parts = append(parts, errorStyle.Render("error: "+a.err.Error()))
	} else if len(a.dash.Errors) > 0 {
		parts = append(parts, renderErrors(a.dash.Errors))
	}
	hint := "↑/↓ select · r refresh · q quit"
	if !a.lastRefresh.IsZero() {
		hint += " · refreshed " + a.lastRefresh.Format(time.TimeOnly)
	}
	parts = append(parts, mutedStyle.Render(hint))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (a *App) applyRows() {
	source := Rows(a.dash)
	rows := make([]table.Row, 0, len(source))
	for _, r := range source {
		rows = append(rows, table.Row(r))
	}
	a.table.SetRows(rows)
	if cursor := a.table.Cursor(); cursor >= len(rows) && len(rows) > 0 {
		a.table.SetCursor(len(rows) - 1)
	}
}

func (a *App) refresh() tea.Cmd {
	return func() tea.Msg {
		dash, err := a.load()
		return dashboardMsg{dash: dash, err: err}
	}
}

func (a *App) scheduleTick() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForChange blocks until the event log is written.
func (a *App) waitForChange() tea.Cmd {
	if a.watcher == nil {
		return nil
	}
	return func() tea.Msg {
		for {
			select {
			case ev, ok := <-a.watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(ev.Name) != a.logName {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					return logChangedMsg{}
				}
			case err, ok := <-a.watcher.Errors:
				if !ok {
					return nil
				}
				return watchErrMsg{err: err}
			}
		}
	}
}

func (a *App) renderSelection() string {
	f, ok := a.dash.Feature(a.SelectedFeature())
	if !ok {
		return ""
	}
	var details []string
	if f.Parent != "" {
		details = append(details, "parent "+f.Parent)
	}
	if len(f.Children) > 0 {
		details = append(details, "children "+strings.Join(f.Children, ", "))
	}
	if len(details) == 0 {
		return ""
	}
	return mutedStyle.Render(f.Feature + ": " + strings.Join(details, " · "))
}

// SelectedFeature returns the feature of the highlighted row.
func (a *App) SelectedFeature() string {
	row := a.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return strings.TrimSuffix(row[0], " (archived)")
}
