package main

import (
	"github.com/spf13/cobra"

	"github.com/kingrea/converge/internal/spawn"
	"github.com/kingrea/converge/internal/workflow"
)

func (c *cli) spawnCommand() *cobra.Command {
	var req spawn.Request
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a time-boxed child investigation and block the parent edge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, ctx, err := c.open(cmd)
			if err != nil {
				return err
			}
			topology, err := ws.topology()
			if err != nil {
				return err
			}
			manager, err := ws.spawner(topology)
			if err != nil {
				return err
			}
			if req.VectorType == "" {
				req.VectorType = ws.cfg.Project.Spawn.VectorType
			}
			req.TriggeredAtEdge = workflow.CanonicalEdgeName(req.TriggeredAtEdge)
			result, err := manager.Spawn(ctx, req)
			if err != nil {
				return err
			}
			return writeJSON(c.stdout, result)
		},
	}
	cmd.Flags().StringVar(&req.ParentFeature, "feature", "", "parent feature id")
	cmd.Flags().StringVar(&req.TriggeredAtEdge, "edge", "", "parent edge the child unblocks")
	cmd.Flags().StringVar(&req.VectorType, "vector-type", "", "child vector type (defaults to spawn.vector_type)")
	cmd.Flags().StringVar(&req.Question, "question", "", "question the child investigates")
	_ = cmd.MarkFlagRequired("feature")
	_ = cmd.MarkFlagRequired("edge")
	return cmd
}

func (c *cli) foldBackCommand() *cobra.Command {
	var childID string
	cmd := &cobra.Command{
		Use:   "fold-back",
		Short: "Fold a converged or expired child back into its parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, ctx, err := c.open(cmd)
			if err != nil {
				return err
			}
			topology, err := ws.topology()
			if err != nil {
				return err
			}
			manager, err := ws.spawner(topology)
			if err != nil {
				return err
			}
			result, err := manager.FoldBack(ctx, childID)
			if err != nil {
				return err
			}
			return writeJSON(c.stdout, result)
		},
	}
	cmd.Flags().StringVar(&childID, "feature", "", "child feature id")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}
