// models.go - Persisted records shared by the Mongo and SQL stores

package storage

import (
	"strings"
	"time"
)

// Account is a signed-in user and their credit balance.
type Account struct {
	Ref       string    `bson:"_id" json:"account_ref"`
	Email     string    `bson:"email,omitempty" json:"email,omitempty"`
	Credits   int       `bson:"credits" json:"credits"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// HistoryEntry is one completed conversion. Entries are append-only.
// An empty AccountRef marks an anonymous conversion.
type HistoryEntry struct {
	ID             string    `bson:"_id" json:"id"`
	AccountRef     string    `bson:"account_ref,omitempty" json:"account_ref,omitempty"`
	Mode           string    `bson:"mode" json:"mode"`
	Type           string    `bson:"type" json:"type"`
	ContentKind    string    `bson:"content_kind" json:"content_kind"`
	NormalizedText string    `bson:"normalized_text" json:"normalized_text"`
	TranslatedText string    `bson:"translated_text,omitempty" json:"translated_text,omitempty"`
	TargetLanguage string    `bson:"target_language,omitempty" json:"target_language,omitempty"`
	CreditsCharged int       `bson:"credits_charged" json:"credits_charged"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// Grant kinds
const (
	GrantPurchase = "purchase"
	GrantCoupon   = "coupon"
	GrantAdmin    = "admin"
)

// CreditGrant records one balance increment. ProvenanceKey is unique: a
// grant with a key that was already applied is a no-op.
type CreditGrant struct {
	ID            string    `bson:"_id" json:"id"`
	AccountRef    string    `bson:"account_ref" json:"account_ref"`
	Kind          string    `bson:"kind" json:"kind"`
	Amount        int       `bson:"amount" json:"amount"`
	ProvenanceKey string    `bson:"provenance_key" json:"-"`
	Package       string    `bson:"package,omitempty" json:"package,omitempty"`
	AmountPaid    int64     `bson:"amount_paid,omitempty" json:"amount_paid,omitempty"` // smallest currency unit
	Reference     string    `bson:"reference,omitempty" json:"reference,omitempty"`     // order id or coupon code
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}

// Coupon grants CreditValue credits once per account until ExpiresAt.
type Coupon struct {
	Code        string     `bson:"_id" json:"code" yaml:"code"`
	CreditValue int        `bson:"credit_value" json:"credit_value" yaml:"credits"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at" yaml:"-"`
}

// Expired reports whether the coupon can no longer be redeemed at now.
func (c *Coupon) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// NormalizeCouponCode makes coupon lookups case-insensitive.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
