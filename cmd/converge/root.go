package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/converge/internal/config"
	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/feature"
	"github.com/kingrea/converge/internal/orchestrator"
	"github.com/kingrea/converge/internal/provider"
	"github.com/kingrea/converge/internal/spawn"
	"github.com/kingrea/converge/internal/workflow"
)

const (
	exitOK           = 0
	exitNotConverged = 1
	exitError        = 2
)

// errNotConverged makes evaluate exit non-zero without an error payload.
var errNotConverged = errors.New("edge did not converge")

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	projectDir  string
	metricsFile string
	traceFile   string
}

// cli carries the streams and the lazily opened workspace for one invocation.
type cli struct {
	opts   globalOptions
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	ws     *workspace
}

// errorPayload is printed on stderr when a command fails.
type errorPayload struct {
	Command string `json:"command"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	root := c.rootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	code := exitOK
	if err != nil {
		code = c.fail(cmd, err)
	}
	if c.ws != nil {
		if cerr := c.ws.Close(context.Background()); cerr != nil {
			fmt.Fprintf(stderr, "converge: close workspace: %v\n", cerr)
		}
	}
	return code
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "converge",
		Short: "Drive workflow edges to convergence against their checklists",
		Long: `converge evaluates candidate artifacts against per-edge checklists,
records every iteration in an append-only event log, and spawns time-boxed
child investigations when an edge stops making progress.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.opts.projectDir, "project", ".", "project directory containing .converge/")
	flags.StringVar(&c.opts.metricsFile, "metrics-file", "", "write Prometheus metrics in textfile format on exit")
	flags.StringVar(&c.opts.traceFile, "trace-file", "", "append OpenTelemetry spans as JSON lines")

	root.AddCommand(
		c.initCommand(),
		c.evaluateCommand(),
		c.runEdgeCommand(),
		c.nextCommand(),
		c.spawnCommand(),
		c.foldBackCommand(),
		c.statusCommand(),
		c.watchCommand(),
		c.archiveCommand(),
		c.providersCommand(),
	)
	return root
}

// open loads the workspace once per invocation.
func (c *cli) open(cmd *cobra.Command) (*workspace, context.Context, error) {
	if c.ws != nil {
		return c.ws, c.ws.ctx, nil
	}
	ws, err := openWorkspace(cmd.Context(), c.opts, cmd.Name())
	if err != nil {
		return nil, nil, err
	}
	c.ws = ws
	return ws, ws.ctx, nil
}

// fail reports err and returns the exit code.
func (c *cli) fail(cmd *cobra.Command, err error) int {
	if errors.Is(err, errNotConverged) {
		return exitNotConverged
	}
	name := "converge"
	if cmd != nil {
		name = cmd.Name()
	}
	payload := errorPayload{Command: name, Kind: errorKind(err), Error: err.Error()}
	data, merr := json.Marshal(payload)
	if merr != nil {
		fmt.Fprintf(c.stderr, "converge: %v\n", err)
	} else {
		fmt.Fprintln(c.stderr, string(data))
	}
	c.recordError(payload)
	return exitError
}

// recordError appends a command_error event when a workspace can be found.
// Failing to record is logged and never replaces the original error.
func (c *cli) recordError(payload errorPayload) {
	events := c.errorLog()
	if events == nil {
		return
	}
	_, err := events.Emit(eventlog.TypeCommandError, map[string]any{
		"command": payload.Command,
		"kind":    payload.Kind,
		"error":   payload.Error,
	})
	if err == nil {
		return
	}
	if c.ws != nil {
		c.ws.logger.Error("record command error", "command", payload.Command, "error", err)
		return
	}
	fmt.Fprintf(c.stderr, "converge: record command error: %v\n", err)
}

func (c *cli) errorLog() *eventlog.Log {
	if c.ws != nil {
		return c.ws.events
	}
	cfg, err := config.NewConfig(c.opts.projectDir)
	if err != nil {
		return nil
	}
	events, err := eventlog.New(cfg.EventsPath(), cfg.ProjectName())
	if err != nil {
		return nil
	}
	return events
}

// errorKind maps sentinel errors onto stable identifiers for scripts.
func errorKind(err error) string {
	kinds := []struct {
		target error
		kind   string
	}{
		{config.ErrNotInitialized, "not_initialized"},
		{workflow.ErrEdgeConfigNotFound, "edge_config_not_found"},
		{workflow.ErrMissingChecklist, "missing_checklist"},
		{workflow.ErrProfileNotFound, "profile_not_found"},
		{provider.ErrUnknownProvider, "unknown_provider"},
		{orchestrator.ErrUnknownEdge, "unknown_edge"},
		{orchestrator.ErrEdgeBlocked, "edge_blocked"},
		{spawn.ErrEdgeBlocked, "edge_blocked"},
		{feature.ErrFeatureNotFound, "feature_not_found"},
		{spawn.ErrNotEligible, "not_eligible"},
		{spawn.ErrAlreadyFoldedBack, "already_folded_back"},
		{spawn.ErrNotChild, "not_child"},
		{errNotArchivable, "not_archivable"},
		{context.Canceled, "canceled"},
		{context.DeadlineExceeded, "timeout"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return "error"
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
