package commands

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/spf13/cobra"
)

func newQueueCmd(open StoreOpener) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the job queue",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show running jobs per account and the queue length",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, open, func(ctx context.Context, s store.Store) error {
				running, err := s.CountRunningByAccount(ctx)
				if err != nil {
					return fmt.Errorf("error counting running jobs: %w", err)
				}
				queued, err := s.CountQueued(ctx)
				if err != nil {
					return fmt.Errorf("error counting queued jobs: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"running": running, "queued": queued})
			})
		},
	}

	// Positions are normally kept dense by the server. This is the manual
	// fix after editing rows by hand.
	renumberCmd := &cobra.Command{
		Use:   "renumber",
		Short: "Recompute queue positions from enqueue order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, open, func(ctx context.Context, s store.Store) error {
				n, err := s.RenumberQueue(ctx)
				if err != nil {
					return fmt.Errorf("error renumbering queue: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"renumbered": n})
			})
		},
	}

	queueCmd.AddCommand(statusCmd, renumberCmd)
	return queueCmd
}
