// ledger.go - Credit balance operations: deduct+record, grants, coupons

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bosocmputer/image_wizard/internal/storage"
	"github.com/rs/zerolog/log"
)

var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrCouponNotFound        = errors.New("coupon not found")
	ErrCouponExpired         = errors.New("coupon has expired")
	ErrCouponAlreadyRedeemed = errors.New("coupon already redeemed")
)

const (
	DefaultStartingCredits = 10
	DefaultPageSize        = 10
	MaxPageSize            = 100
)

// Ledger owns every change to an account balance. Callers never touch the
// store's balance operations directly.
type Ledger struct {
	store           storage.Store
	coupons         *storage.CouponCache
	startingCredits int
	now             func() time.Time
}

// Options tunes a Ledger; zero values use the defaults.
type Options struct {
	StartingCredits int
	CouponCacheTTL  time.Duration
}

func New(store storage.Store, opts Options) *Ledger {
	starting := opts.StartingCredits
	if starting <= 0 {
		starting = DefaultStartingCredits
	}
	return &Ledger{
		store:           store,
		coupons:         storage.NewCouponCache(opts.CouponCacheTTL),
		startingCredits: starting,
		now:             time.Now,
	}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrAccountNotFound
	case errors.Is(err, storage.ErrInsufficientCredits):
		return ErrInsufficientCredits
	default:
		return err
	}
}

// GetBalance returns the current credit balance.
func (l *Ledger) GetBalance(ctx context.Context, ref string) (int, error) {
	acc, err := l.store.GetAccount(ctx, ref)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return acc.Credits, nil
}

// TryDeductAndRecord charges amount and appends entry as one unit. This is
// the authoritative balance check; any earlier check is only a fast path.
func (l *Ledger) TryDeductAndRecord(ctx context.Context, ref string, amount int, entry *storage.HistoryEntry) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deduction amount must be positive, got %d", amount)
	}
	balance, err := l.store.DeductAndRecord(ctx, ref, amount, entry)
	if err != nil {
		return balance, mapStoreErr(err)
	}
	return balance, nil
}

// RecordAnonymous appends a history entry with no account and no charge.
func (l *Ledger) RecordAnonymous(ctx context.Context, entry *storage.HistoryEntry) error {
	entry.AccountRef = ""
	entry.CreditsCharged = 0
	return l.store.AppendHistory(ctx, entry)
}

// Increment adds amount once per provenanceKey. A repeated key reports
// applied=false with the unchanged balance.
func (l *Ledger) Increment(ctx context.Context, ref string, amount int, provenanceKey string) (bool, int, error) {
	return l.applyGrant(ctx, &storage.CreditGrant{
		AccountRef:    ref,
		Kind:          storage.GrantAdmin,
		Amount:        amount,
		ProvenanceKey: provenanceKey,
	})
}

func (l *Ledger) applyGrant(ctx context.Context, grant *storage.CreditGrant) (bool, int, error) {
	if strings.TrimSpace(grant.ProvenanceKey) == "" {
		return false, 0, fmt.Errorf("provenance key is required")
	}
	if grant.Amount <= 0 {
		return false, 0, fmt.Errorf("increment amount must be positive, got %d", grant.Amount)
	}
	applied, balance, err := l.store.ApplyGrant(ctx, grant)
	if err != nil {
		return false, 0, mapStoreErr(err)
	}
	return applied, balance, nil
}

// ProvisionAccount creates the account with the starting balance unless it
// already exists.
func (l *Ledger) ProvisionAccount(ctx context.Context, ref, email string) (bool, error) {
	if strings.TrimSpace(ref) == "" {
		return false, fmt.Errorf("account ref is required")
	}
	created, err := l.store.CreateAccount(ctx, &storage.Account{
		Ref:     ref,
		Email:   email,
		Credits: l.startingCredits,
	})
	if err != nil {
		return false, err
	}
	if created {
		log.Info().Str("account", ref).Int("credits", l.startingCredits).Msg("👤 account provisioned")
	}
	return created, nil
}

// PurchaseGrant is a paid package ready to be credited.
type PurchaseGrant struct {
	AccountRef    string
	Package       string
	Credits       int
	AmountPaid    int64
	TransactionID string
}

// CreditPurchase credits a purchase once per provider transaction id.
func (l *Ledger) CreditPurchase(ctx context.Context, p PurchaseGrant) (bool, int, error) {
	if p.TransactionID == "" {
		return false, 0, fmt.Errorf("transaction id is required")
	}
	applied, balance, err := l.applyGrant(ctx, &storage.CreditGrant{
		AccountRef:    p.AccountRef,
		Kind:          storage.GrantPurchase,
		Amount:        p.Credits,
		ProvenanceKey: "purchase:" + p.TransactionID,
		Package:       p.Package,
		AmountPaid:    p.AmountPaid,
		Reference:     p.TransactionID,
	})
	if err != nil {
		return false, 0, err
	}
	if applied {
		log.Info().Str("account", p.AccountRef).Str("package", p.Package).Int("credits", p.Credits).
			Str("transaction", p.TransactionID).Msg("💳 purchase credited")
	}
	return applied, balance, nil
}

// Redemption is the outcome of a successful coupon redemption.
type Redemption struct {
	Code    string `json:"code"`
	Credits int    `json:"credits"`
	Balance int    `json:"balance"`
}

// RedeemCoupon credits a coupon at most once per (account, coupon).
func (l *Ledger) RedeemCoupon(ctx context.Context, ref, code string) (*Redemption, error) {
	code = storage.NormalizeCouponCode(code)
	if code == "" {
		return nil, ErrCouponNotFound
	}
	if _, err := l.store.GetAccount(ctx, ref); err != nil {
		return nil, mapStoreErr(err)
	}

	coupon, err := l.coupons.GetOrLoad(ctx, code, l.store.GetCoupon)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCouponNotFound
	}
	if err != nil {
		return nil, err
	}
	if coupon.Expired(l.now()) {
		return nil, ErrCouponExpired
	}
	if coupon.CreditValue <= 0 {
		return nil, fmt.Errorf("coupon %s has no credit value", coupon.Code)
	}

	applied, balance, err := l.applyGrant(ctx, &storage.CreditGrant{
		AccountRef:    ref,
		Kind:          storage.GrantCoupon,
		Amount:        coupon.CreditValue,
		ProvenanceKey: "coupon:" + coupon.Code + ":" + ref,
		Reference:     coupon.Code,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrCouponAlreadyRedeemed
	}
	return &Redemption{Code: coupon.Code, Credits: coupon.CreditValue, Balance: balance}, nil
}

// UpsertCoupon creates or replaces a coupon definition.
func (l *Ledger) UpsertCoupon(ctx context.Context, coupon *storage.Coupon) error {
	if coupon.CreditValue <= 0 {
		return fmt.Errorf("coupon credit value must be positive, got %d", coupon.CreditValue)
	}
	if err := l.store.UpsertCoupon(ctx, coupon); err != nil {
		return err
	}
	l.coupons.Invalidate(coupon.Code)
	return nil
}

// Profile is the account summary shown to its owner.
type Profile struct {
	AccountRef  string                `json:"account_ref"`
	Email       string                `json:"email,omitempty"`
	Credits     int                   `json:"credits"`
	MemberSince time.Time             `json:"member_since"`
	Purchases   []storage.CreditGrant `json:"purchases"`
	Coupons     []string              `json:"redeemed_coupons"`
}

func (l *Ledger) Profile(ctx context.Context, ref string) (*Profile, error) {
	acc, err := l.store.GetAccount(ctx, ref)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	grants, err := l.store.ListGrants(ctx, ref, "")
	if err != nil {
		return nil, err
	}

	p := &Profile{
		AccountRef:  acc.Ref,
		Email:       acc.Email,
		Credits:     acc.Credits,
		MemberSince: acc.CreatedAt,
		Purchases:   []storage.CreditGrant{},
		Coupons:     []string{},
	}
	for _, g := range grants {
		switch g.Kind {
		case storage.GrantPurchase:
			p.Purchases = append(p.Purchases, g)
		case storage.GrantCoupon:
			p.Coupons = append(p.Coupons, g.Reference)
		}
	}
	return p, nil
}

// HistoryPage is one page of conversions, newest first.
type HistoryPage struct {
	Entries    []storage.HistoryEntry `json:"conversions"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"pageSize"`
	Total      int                    `json:"total"`
	TotalPages int                    `json:"totalPages"`
}

// History pages through an account's conversions. page is 1-based.
func (l *Ledger) History(ctx context.Context, ref string, page, pageSize int) (*HistoryPage, error) {
	if _, err := l.store.GetAccount(ctx, ref); err != nil {
		return nil, mapStoreErr(err)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	entries, total, err := l.store.ListHistory(ctx, ref, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{
		Entries:    entries,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}
