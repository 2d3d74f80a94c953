package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/spf13/cobra"
)

func newCreditsCmd(open StoreOpener) *cobra.Command {
	creditsCmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage user credit balances",
	}
	creditsCmd.PersistentFlags().StringP(flagUser, "u", "", "user ID")
	_ = creditsCmd.MarkPersistentFlagRequired(flagUser)

	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Add credits to a user's balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			amount, _ := cmd.Flags().GetInt64(flagAmount)
			if amount <= 0 {
				return fmt.Errorf("--%s must be positive", flagAmount)
			}
			reason, _ := cmd.Flags().GetString(flagReason)

			return withStore(cmd, open, func(ctx context.Context, s store.Store) error {
				balance, err := s.GrantCredits(ctx, userID, amount, reason)
				if err != nil {
					return fmt.Errorf("error granting credits: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"user_id": userID, "balance": balance})
			})
		},
	}
	grantCmd.Flags().Int64P(flagAmount, "a", 0, "credits to grant")
	grantCmd.Flags().StringP(flagReason, "r", "manual grant", "ledger reason")
	_ = grantCmd.MarkFlagRequired(flagAmount)

	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			return withStore(cmd, open, func(ctx context.Context, s store.Store) error {
				balance, err := s.GetBalance(ctx, userID)
				if err != nil {
					return fmt.Errorf("error fetching balance: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"user_id": userID, "balance": balance})
			})
		},
	}

	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "List a user's ledger entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt(flagLimit)
			offset, _ := cmd.Flags().GetInt(flagOffset)

			return withStore(cmd, open, func(ctx context.Context, s store.Store) error {
				entries, err := s.ListLedgerEntries(ctx, store.LedgerFilter{UserID: &userID, Limit: limit, Offset: offset})
				if err != nil {
					return fmt.Errorf("error fetching ledger: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	ledgerCmd.Flags().IntP(flagLimit, "l", 50, "maximum entries to show")
	ledgerCmd.Flags().Int(flagOffset, 0, "entries to skip")

	creditsCmd.AddCommand(grantCmd, balanceCmd, ledgerCmd)
	return creditsCmd
}

func userFlag(cmd *cobra.Command) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(flagUser)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s: %w", flagUser, err)
	}
	return id, nil
}
