package admin

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bosocmputer/image_wizard/internal/ledger"
	"github.com/bosocmputer/image_wizard/internal/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// SeedFile is the coupons YAML format:
//
//	coupons:
//	  - code: WELCOME50
//	    credits: 50
//	    expires_at: 2026-12-31T23:59:59Z
type SeedFile struct {
	Coupons []storage.Coupon `yaml:"coupons"`
}

// LoadSeedFile parses and validates a coupons file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	seen := make(map[string]bool, len(seed.Coupons))
	for i := range seed.Coupons {
		c := &seed.Coupons[i]
		c.Code = storage.NormalizeCouponCode(c.Code)
		if c.Code == "" {
			return nil, fmt.Errorf("coupon #%d has no code", i+1)
		}
		if c.CreditValue <= 0 {
			return nil, fmt.Errorf("coupon %s: credits must be positive", c.Code)
		}
		if seen[c.Code] {
			return nil, fmt.Errorf("coupon %s is listed twice", c.Code)
		}
		seen[c.Code] = true
	}
	return &seed, nil
}

func newCouponsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coupons",
		Short: "Manage redeemable coupons",
	}
	cmd.AddCommand(newCouponsSeedCmd(a), newCouponsAddCmd(a))
	return cmd
}

func newCouponsSeedCmd(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:     "seed",
		Short:   "Create or update coupons from a YAML file",
		Example: `  iw-admin coupons seed --file coupons.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := LoadSeedFile(file)
			if err != nil {
				return err
			}
			return a.withLedger(cmd, func(ctx context.Context, _ storage.Store, l *ledger.Ledger) error {
				for i := range seed.Coupons {
					c := seed.Coupons[i]
					if err := l.UpsertCoupon(ctx, &c); err != nil {
						return fmt.Errorf("coupon %s: %w", c.Code, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%d credits)\n", c.Code, c.CreditValue)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "coupons.yaml", "Coupons YAML file")
	return cmd
}

func newCouponsAddCmd(a *app) *cobra.Command {
	var (
		credits int
		expires string
	)

	cmd := &cobra.Command{
		Use:     "add CODE",
		Short:   "Create or update one coupon",
		Example: `  iw-admin coupons add WELCOME50 --credits 50 --expires 2026-12-31`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coupon := &storage.Coupon{Code: storage.NormalizeCouponCode(args[0]), CreditValue: credits}
			if expires != "" {
				at, err := parseExpiry(expires)
				if err != nil {
					return err
				}
				coupon.ExpiresAt = &at
			}
			return a.withLedger(cmd, func(ctx context.Context, _ storage.Store, l *ledger.Ledger) error {
				if err := l.UpsertCoupon(ctx, coupon); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%d credits)\n", coupon.Code, coupon.CreditValue)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&credits, "credits", 0, "Credits granted on redemption")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry as YYYY-MM-DD or RFC3339")
	_ = cmd.MarkFlagRequired("credits")
	return cmd
}

func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: use YYYY-MM-DD or RFC3339", s)
	}
	// a bare date is valid through the end of that day
	return t.Add(24*time.Hour - time.Second).UTC(), nil
}
