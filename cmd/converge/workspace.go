package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/converge/internal/config"
	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/feature"
	"github.com/kingrea/converge/internal/logging"
	"github.com/kingrea/converge/internal/metrics"
	"github.com/kingrea/converge/internal/orchestrator"
	"github.com/kingrea/converge/internal/provider"
	"github.com/kingrea/converge/internal/spawn"
	"github.com/kingrea/converge/internal/telemetry"
	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/engine"
)

// workspace is everything a command needs from an initialized project.
type workspace struct {
	ctx         context.Context
	cfg         *config.Config
	logger      *logging.Logger
	events      *eventlog.Log
	store       *feature.Store
	metrics     *metrics.Recorder
	span        trace.Span
	shutdown    telemetry.Shutdown
	metricsFile string
	closers     []io.Closer
}

// evalOptions are the evaluator flags shared by evaluate and run-edge.
type evalOptions struct {
	provider          string
	deterministicOnly bool
	timeout           time.Duration
	agentTimeout      time.Duration
}

func openWorkspace(ctx context.Context, opts globalOptions, command string) (*workspace, error) {
	cfg, err := config.NewConfig(opts.projectDir)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.ProjectDir, cfg.Project.LogLevel)
	if err != nil {
		return nil, err
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "converge",
		ServiceVersion: version,
		Project:        cfg.ProjectName(),
		TraceFile:      opts.traceFile,
	})
	if err != nil {
		logger.Close()
		return nil, err
	}
	events, err := eventlog.New(cfg.EventsPath(), cfg.ProjectName(), eventlog.WithLogger(logger.Logger))
	if err != nil {
		_ = shutdown(ctx)
		logger.Close()
		return nil, err
	}
	ctx, span := otel.Tracer("converge.cli").Start(ctx, "converge "+command,
		trace.WithAttributes(attribute.String("converge.project", cfg.ProjectName())))

	logger.Debug("command started", "command", command, "project", cfg.ProjectName())
	return &workspace{
		ctx:         ctx,
		cfg:         cfg,
		logger:      logger,
		events:      events,
		store:       feature.NewStore(cfg.FeaturesDir()),
		metrics:     metrics.New(),
		span:        span,
		shutdown:    shutdown,
		metricsFile: opts.metricsFile,
	}, nil
}

// Close ends the command span, writes metrics, and releases every resource.
func (ws *workspace) Close(ctx context.Context) error {
	var errs []error
	ws.span.End()
	if ws.metricsFile != "" {
		errs = append(errs, ws.metrics.WriteTextfile(ws.metricsFile))
	}
	for _, closer := range ws.closers {
		errs = append(errs, closer.Close())
	}
	errs = append(errs, ws.shutdown(ctx))
	errs = append(errs, ws.logger.Close())
	return errors.Join(errs...)
}

func (ws *workspace) topology() (workflow.Topology, error) {
	return workflow.LoadTopology(ws.cfg.GraphPath())
}

func (ws *workspace) spawner(topology workflow.Topology) (*spawn.Manager, error) {
	profiles, err := workflow.LoadProfiles(ws.cfg.ProfilesDir())
	if err != nil {
		return nil, err
	}
	return spawn.NewManager(ws.store, ws.events, profiles, topology, ws.cfg.FoldBackDir(),
		spawn.WithLogger(ws.logger.Logger),
		spawn.WithObserver(ws.metrics),
		spawn.WithDefaultTimeBox(ws.cfg.Project.Spawn.TimeBox.Std()),
	)
}

// runner wires provider, evaluators, engine, and spawner into a Runner.
// Configuration errors surface here, before any iteration runs.
func (ws *workspace) runner(opts evalOptions) (*orchestrator.Runner, error) {
	topology, err := ws.topology()
	if err != nil {
		return nil, err
	}
	constraints, err := workflow.LoadConstraints(ws.cfg.ConstraintsPath())
	if err != nil {
		return nil, err
	}
	detTimeout := ws.cfg.DeterministicTimeout()
	if opts.timeout > 0 {
		detTimeout = opts.timeout
	}
	agentTimeout := ws.cfg.AgentTimeout()
	if opts.agentTimeout > 0 {
		agentTimeout = opts.agentTimeout
	}

	var agent evaluate.Provider
	name := strings.TrimSpace(opts.provider)
	if name == "" {
		name = ws.cfg.Project.Evaluators.Provider
	}
	if name != "" {
		if err := provider.Builtin().Validate(name); err != nil {
			return nil, err
		}
	}
	if name != "" && !opts.deterministicOnly {
		agent, err = ws.buildProvider(name, agentTimeout)
		if err != nil {
			return nil, err
		}
	}
	dispatcher := evaluate.NewDispatcher(ws.cfg.ProjectDir, detTimeout, agent, agentTimeout)
	dispatcher.DeterministicOnly = opts.deterministicOnly

	eng, err := engine.New(dispatcher, ws.events,
		engine.WithObserver(ws.metrics),
		engine.WithLogger(ws.logger.Logger),
	)
	if err != nil {
		return nil, err
	}
	spawner, err := ws.spawner(topology)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewRunner(orchestrator.Config{
		Engine:         eng,
		Store:          ws.store,
		Events:         ws.events,
		Spawner:        spawner,
		Topology:       topology,
		EdgesDir:       ws.cfg.EdgesDir(),
		ProfilesDir:    ws.cfg.ProfilesDir(),
		Constraints:    constraints,
		MaxIterations:  ws.cfg.Project.Convergence.MaxIterations,
		StallWindow:    ws.cfg.Project.Convergence.StallWindow,
		DefaultProfile: ws.cfg.Project.DefaultProfile,
		Logger:         ws.logger.Logger,
	})
}

func (ws *workspace) buildProvider(name string, timeout time.Duration) (evaluate.Provider, error) {
	registry := provider.Builtin()
	if err := registry.Validate(name); err != nil {
		return nil, err
	}
	pc := ws.cfg.Provider(name)
	settings := provider.Settings{
		Model:     pc.Model,
		BaseURL:   pc.BaseURL,
		Command:   pc.Command,
		Project:   pc.Project,
		Location:  pc.Location,
		MaxTokens: pc.MaxTokens,
		Dir:       ws.cfg.ProjectDir,
		Timeout:   timeout,
	}
	if pc.APIKeyEnv != "" {
		settings.APIKey = os.Getenv(pc.APIKeyEnv)
	}
	agent, err := registry.Build(ws.ctx, name, settings)
	if err != nil {
		return nil, err
	}
	if closer, ok := agent.(io.Closer); ok {
		ws.closers = append(ws.closers, closer)
	}
	ws.logger.Info("agent provider ready", "provider", agent.Name(), "model", pc.Model)
	return agent, nil
}

// emit records a CLI-level event; failures are returned to the command.
func (ws *workspace) emit(eventType string, data map[string]any) error {
	if _, err := ws.events.Emit(eventType, data); err != nil {
		return fmt.Errorf("converge: emit %s: %w", eventType, err)
	}
	return nil
}
