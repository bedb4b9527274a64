// Package admin implements the operator CLI: migrations, coupons and manual
// credit grants.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/bosocmputer/image_wizard/configs"
	"github.com/bosocmputer/image_wizard/internal/ledger"
	"github.com/bosocmputer/image_wizard/internal/storage"
	"github.com/spf13/cobra"
)

// Opener connects to the store a command works on.
type Opener func(ctx context.Context) (storage.Store, error)

// EnvOpener opens the store described by the environment (.env included).
func EnvOpener(ctx context.Context) (storage.Store, error) {
	configs.LoadStoreConfig()
	return storage.Open(ctx, storage.Config{
		Driver:      configs.STORE_DRIVER,
		MongoURI:    configs.MONGO_URI,
		MongoDBName: configs.MONGO_DB_NAME,
		DSN:         configs.DATABASE_URL,
	})
}

type app struct {
	open            Opener
	timeout         time.Duration
	startingCredits int
}

// withLedger opens the store, runs fn and closes the store again.
func (a *app) withLedger(cmd *cobra.Command, fn func(ctx context.Context, store storage.Store, l *ledger.Ledger) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()

	store, err := a.open(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	credits := a.startingCredits
	if !cmd.Flags().Changed("starting-credits") && configs.STARTING_CREDITS > 0 {
		credits = configs.STARTING_CREDITS
	}
	return fn(ctx, store, ledger.New(store, ledger.Options{StartingCredits: credits}))
}

// NewRootCmd builds the iw-admin command tree.
func NewRootCmd(open Opener) *cobra.Command {
	a := &app{open: open, timeout: 2 * time.Minute, startingCredits: ledger.DefaultStartingCredits}

	cmd := &cobra.Command{
		Use:   "iw-admin",
		Short: "Operator tools for the image wizard service",
		Long: `iw-admin manages the account store behind the conversion API.

It reads the same STORE_DRIVER / MONGO_URI / DATABASE_URL settings as the API
server, including a local .env file.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", a.timeout, "Timeout for the whole command")
	cmd.PersistentFlags().IntVar(&a.startingCredits, "starting-credits", a.startingCredits, "Balance for new accounts (defaults to STARTING_CREDITS)")

	cmd.AddCommand(
		newMigrateCmd(a),
		newCouponsCmd(a),
		newCreditsCmd(a),
		newAccountCmd(a),
	)
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, collections and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, store storage.Store, _ *ledger.Ledger) error {
				if err := store.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✓ store migrated")
				return nil
			})
		},
	}
}
