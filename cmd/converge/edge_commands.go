package main

import (
	"github.com/spf13/cobra"

	"github.com/kingrea/converge/internal/orchestrator"
	"github.com/kingrea/converge/internal/workflow"
)

// edgeFlags identify the edge, feature, and candidate of an iteration.
type edgeFlags struct {
	edge    string
	feature string
	asset   string
}

func (f *edgeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.edge, "edge", "", `edge to evaluate, e.g. "design→code" or "code<->unit_tests"`)
	cmd.Flags().StringVar(&f.feature, "feature", "", "feature id whose trajectory advances")
	cmd.Flags().StringVar(&f.asset, "asset", "", `candidate file, or "-" for stdin`)
	_ = cmd.MarkFlagRequired("edge")
}

func (f edgeFlags) meta() map[string]any {
	meta := map[string]any{"edge": workflow.CanonicalEdgeName(f.edge)}
	if f.feature != "" {
		meta["feature"] = f.feature
	}
	return meta
}

func bindEvalFlags(cmd *cobra.Command, opts *evalOptions) {
	cmd.Flags().StringVar(&opts.provider, "provider", "", "agent provider (defaults to evaluators.provider in config.yaml)")
	cmd.Flags().BoolVar(&opts.deterministicOnly, "deterministic-only", false, "skip agent checks")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per deterministic check timeout")
	cmd.Flags().DurationVar(&opts.agentTimeout, "agent-timeout", 0, "per agent check timeout")
}

func (c *cli) evaluateCommand() *cobra.Command {
	var (
		flags     edgeFlags
		eval      evalOptions
		iteration int
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run one iteration of an edge checklist",
		Long: `Run every check of the edge once against the candidate and print the
evaluation result as JSON. Exits 0 only when the edge converged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, ctx, err := c.open(cmd)
			if err != nil {
				return err
			}
			runner, err := ws.runner(eval)
			if err != nil {
				return err
			}
			candidate, err := readCandidate(c.stdin, flags.asset, flags.meta())
			if err != nil {
				return err
			}
			result, err := runner.Evaluate(ctx, orchestrator.EvaluateRequest{
				Feature:   flags.feature,
				Edge:      flags.edge,
				Iteration: iteration,
				Candidate: candidate,
			})
			if err != nil {
				return err
			}
			if err := writeJSON(c.stdout, result); err != nil {
				return err
			}
			if !result.Converged {
				return errNotConverged
			}
			return nil
		},
	}
	flags.bind(cmd)
	bindEvalFlags(cmd, &eval)
	cmd.Flags().IntVar(&iteration, "iteration", 0, "iteration number when no --feature is given")
	return cmd
}

func (c *cli) runEdgeCommand() *cobra.Command {
	var (
		flags         edgeFlags
		eval          evalOptions
		maxIterations int
		vectorType    string
		question      string
		noSpawn       bool
	)
	cmd := &cobra.Command{
		Use:   "run-edge",
		Short: "Iterate an edge until it converges, stalls, or runs out of budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, ctx, err := c.open(cmd)
			if err != nil {
				return err
			}
			runner, err := ws.runner(eval)
			if err != nil {
				return err
			}
			candidate, err := readCandidate(c.stdin, flags.asset, flags.meta())
			if err != nil {
				return err
			}
			if vectorType == "" {
				vectorType = ws.cfg.Project.Spawn.VectorType
			}
			result, err := runner.RunEdge(ctx, orchestrator.RunRequest{
				Feature:       flags.feature,
				Edge:          flags.edge,
				Candidate:     candidate,
				MaxIterations: maxIterations,
				VectorType:    vectorType,
				Question:      question,
				NoSpawn:       noSpawn,
			})
			if err != nil {
				return err
			}
			ws.logger.Info("run-edge finished", "feature", result.Feature, "edge", result.Edge,
				"outcome", result.Outcome, "iterations", len(result.Iterations))
			return writeJSON(c.stdout, result)
		},
	}
	flags.bind(cmd)
	_ = cmd.MarkFlagRequired("feature")
	bindEvalFlags(cmd, &eval)
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget (overrides edge and project config)")
	cmd.Flags().StringVar(&vectorType, "vector-type", "", "vector type of a child spawned on stall")
	cmd.Flags().StringVar(&question, "question", "", "question recorded on a child spawned on stall")
	cmd.Flags().BoolVar(&noSpawn, "no-spawn", false, "report stalls without spawning a child")
	return cmd
}

// nextView is the JSON shape printed by `converge next`.
type nextView struct {
	Feature  string              `json:"feature"`
	Found    bool                `json:"found"`
	Edge     string              `json:"edge,omitempty"`
	Status   workflow.EdgeStatus `json:"status,omitempty"`
	Optional bool                `json:"optional,omitempty"`
	Reason   string              `json:"reason"`
}

func (c *cli) nextCommand() *cobra.Command {
	var featureID string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the next edge to work on for a feature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, _, err := c.open(cmd)
			if err != nil {
				return err
			}
			runner, err := ws.runner(evalOptions{deterministicOnly: true})
			if err != nil {
				return err
			}
			sel, err := runner.Next(featureID)
			if err != nil {
				return err
			}
			return writeJSON(c.stdout, nextView{
				Feature:  featureID,
				Found:    sel.Found,
				Edge:     sel.Edge,
				Status:   sel.Status,
				Optional: sel.Optional,
				Reason:   sel.Reason,
			})
		},
	}
	cmd.Flags().StringVar(&featureID, "feature", "", "feature id")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}
