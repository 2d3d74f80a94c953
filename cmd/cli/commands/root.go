package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kiranshivaraju/upscaler/internal/config"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/spf13/cobra"
)

// flag names
const (
	flagUser   = "user"
	flagAmount = "amount"
	flagReason = "reason"
	flagLimit  = "limit"
	flagOffset = "offset"
	flagSteps  = "steps"
	flagPath   = "path"
)

// StoreOpener connects to the job store and returns a release func.
type StoreOpener func(ctx context.Context) (store.Store, func(), error)

// PostgresOpener opens the store described by DATABASE_URL.
func PostgresOpener(ctx context.Context) (store.Store, func(), error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return nil, nil, fmt.Errorf("load database config: %w", err)
	}
	pool, err := store.Connect(ctx, *cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

// NewRootCmd builds the command tree. open is used by every command that
// touches job or credit data.
func NewRootCmd(open StoreOpener) *cobra.Command {
	root := &cobra.Command{
		Use:   "upscalerctl",
		Short: "upscalerctl - operator CLI for the upscaler job queue",
		Long: `upscalerctl applies database migrations, manages user credits and
inspects or repairs the job queue. It talks to Postgres directly using
DATABASE_URL.`,
		SilenceUsage: true,
	}

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newCreditsCmd(open))
	root.AddCommand(newQueueCmd(open))
	return root
}

// Execute runs the CLI against Postgres.
func Execute() error {
	return NewRootCmd(PostgresOpener).Execute()
}

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, open StoreOpener, fn func(ctx context.Context, s store.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, release, err := open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, s)
}

func printJSON(w io.Writer, v any) error {
	prettyJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	fmt.Fprintln(w, string(prettyJSON))
	return nil
}
