package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bosocmputer/image_wizard/internal/ledger"
	"github.com/bosocmputer/image_wizard/internal/storage"
	"github.com/spf13/cobra"
)

func newCreditsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Adjust account balances",
	}
	cmd.AddCommand(newCreditsGrantCmd(a))
	return cmd
}

func newCreditsGrantCmd(a *app) *cobra.Command {
	var (
		account string
		amount  int
		key     string
	)

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Add credits to an account once per key",
		Long: `Grant adds credits to an account. The --key makes the grant idempotent:
running the same command twice with the same key credits the account once.`,
		Example: `  iw-admin credits grant --account user_2abc --amount 25 --key support-ticket-812`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, _ storage.Store, l *ledger.Ledger) error {
				applied, balance, err := l.Increment(ctx, account, amount, "admin:"+key)
				if err != nil {
					return err
				}
				if applied {
					fmt.Fprintf(cmd.OutOrStdout(), "✓ granted %d credits to %s, balance %d\n", amount, account, balance)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "key %s was already applied, balance %d\n", key, balance)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account ref")
	cmd.Flags().IntVar(&amount, "amount", 0, "Credits to add")
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key for this grant")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newAccountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect and provision accounts",
	}
	cmd.AddCommand(newAccountShowCmd(a), newAccountCreateCmd(a))
	return cmd
}

func newAccountShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ACCOUNT_REF",
		Short: "Print an account profile as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, _ storage.Store, l *ledger.Ledger) error {
				profile, err := l.Profile(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(profile)
			})
		},
	}
}

func newAccountCreateCmd(a *app) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "create ACCOUNT_REF",
		Short: "Provision an account with the starting balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, _ storage.Store, l *ledger.Ledger) error {
				created, err := l.ProvisionAccount(ctx, args[0], email)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "✓ created %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	return cmd
}
