package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/converge/internal/config"
	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/feature"
	"github.com/kingrea/converge/internal/provider"
	"github.com/kingrea/converge/internal/status"
	"github.com/kingrea/converge/internal/tui"
)

var errNotArchivable = errors.New("converge: only converged or expired features can be archived")

func (c *cli) initCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the .converge workspace with default graph, profiles, and config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			created, err := config.InitDir(c.opts.projectDir, name)
			if err != nil {
				return err
			}
			ws, _, err := c.open(cmd)
			if err != nil {
				return err
			}
			if created == nil {
				created = []string{}
			}
			if err := ws.emit(eventlog.TypeProjectInitialized, map[string]any{
				"project": ws.cfg.ProjectName(),
				"created": created,
			}); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "initialized %s\n", ws.cfg.Root)
			for _, path := range created {
				fmt.Fprintf(c.stdout, "  created %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the directory name)")
	return cmd
}

// loadDashboard projects the event log, logging lines it had to skip.
func (ws *workspace) loadDashboard() (status.Dashboard, error) {
	events, malformed, err := ws.events.Read()
	if err != nil {
		return status.Dashboard{}, err
	}
	for _, bad := range malformed {
		ws.logger.Warn("skipping malformed event", "line", bad.Line, "error", bad.Err)
	}
	dash := status.Project(events)
	if dash.Project == "" {
		dash.Project = ws.cfg.ProjectName()
	}
	return dash, nil
}

func (c *cli) statusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarise features, edges, and spawns from the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, _, err := c.open(cmd)
			if err != nil {
				return err
			}
			dash, err := ws.loadDashboard()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(c.stdout, dash)
			}
			fmt.Fprintln(c.stdout, tui.RenderDashboard(dash))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the dashboard as JSON")
	return cmd
}

func (c *cli) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard that refreshes as the event log grows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, _, err := c.open(cmd)
			if err != nil {
				return err
			}
			app, err := tui.NewApp(ws.loadDashboard, ws.cfg.EventsPath())
			if err != nil {
				return err
			}
			return tui.Run(app)
		},
	}
}

func (c *cli) archiveCommand() *cobra.Command {
	var (
		featureID string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move a finished feature record to features/completed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, _, err := c.open(cmd)
			if err != nil {
				return err
			}
			vector, err := ws.store.Load(featureID)
			if err != nil {
				return err
			}
			if !force && vector.Status != feature.StatusConverged && vector.Status != feature.StatusExpired {
				return fmt.Errorf("%w: %s is %s", errNotArchivable, vector.Feature, vector.Status)
			}
			dest, err := ws.store.Archive(vector.Feature)
			if err != nil {
				return err
			}
			if err := ws.emit(eventlog.TypeFeatureArchived, map[string]any{
				"feature": vector.Feature,
				"status":  string(vector.Status),
				"path":    dest,
			}); err != nil {
				return err
			}
			rel, err := filepath.Rel(ws.cfg.ProjectDir, dest)
			if err != nil {
				rel = dest
			}
			fmt.Fprintf(c.stdout, "archived %s to %s\n", vector.Feature, rel)
			return nil
		},
	}
	cmd.Flags().StringVar(&featureID, "feature", "", "feature id")
	cmd.Flags().BoolVar(&force, "force", false, "archive regardless of status")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func (c *cli) providersCommand() *cobra.Command {
	var setDefault string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List agent providers, or choose the default with --default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, _, err := c.open(cmd)
			if err != nil {
				return err
			}
			registry := provider.Builtin()
			if setDefault != "" {
				if err := registry.Validate(setDefault); err != nil {
					return err
				}
				if err := ws.cfg.SetDefaultProvider(setDefault); err != nil {
					return err
				}
				ws.logger.Info("default provider changed", "provider", setDefault)
			}
			current := ws.cfg.Project.Evaluators.Provider
			rows := make([]tui.ProviderRow, 0, len(registry.Names()))
			for _, name := range registry.Names() {
				rows = append(rows, tui.ProviderRow{
					Name:        name,
					Model:       ws.cfg.Provider(name).Model,
					Description: registry.Description(name),
					Default:     name == current,
				})
			}
			fmt.Fprintln(c.stdout, tui.RenderProviders(rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&setDefault, "default", "", "persist this provider as the default for agent checks")
	return cmd
}
