package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abduss/blobgate/internal/gateway"
)

func newGCCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Operate the garbage collector",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run one mark and sweep cycle",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withCore(cmd.Context(), func(core *gateway.Core) error {
					res, err := core.Collector.RunCycle(cmd.Context())
					if err != nil {
						return err
					}
					return writeJSON(res)
				})
			},
		},
		&cobra.Command{
			Use:   "stuck",
			Short: "List candidates that exhausted their attempts",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withCore(cmd.Context(), func(core *gateway.Core) error {
					stuck, err := core.Collector.Stuck(cmd.Context())
					if err != nil {
						return err
					}
					return writeJSON(stuck)
				})
			},
		},
		&cobra.Command{
			Use:   "requeue <candidate-id>",
			Short: "Reset a stuck candidate for the next sweep",
			Args:  requireExactlyArgs(1, "candidate id is required"),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid candidate id: %w", err)
				}
				return a.withCore(cmd.Context(), func(core *gateway.Core) error {
					if err := core.Collector.Requeue(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Printf("requeued %s\n", id)
					return nil
				})
			},
		},
	)
	return cmd
}
