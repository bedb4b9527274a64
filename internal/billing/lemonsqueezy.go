// lemonsqueezy.go - LemonSqueezy order webhooks and checkout links

package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/NdoleStudio/lemonsqueezy-go"
)

// Packages maps a purchasable variant name to the credits it grants.
var Packages = map[string]int{
	"Starter": 50,
	"Basic":   150,
	"Pro":     500,
	"Elite":   1500,
}

// Disposition says what the webhook handler should do with an event.
type Disposition string

const (
	Accepted Disposition = "accepted"
	// Ignored events are acknowledged and dropped (other event types).
	Ignored Disposition = "ignored"
	// Invalid events are acknowledged and dropped too; the provider would
	// only redeliver the same broken payload.
	Invalid Disposition = "invalid"
)

// PurchaseEvent is a paid order ready to be credited.
type PurchaseEvent struct {
	EventName     string
	AccountRef    string
	Package       string
	Credits       int
	AmountPaid    int64 // cents
	TransactionID string
}

type webhookBody struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData struct {
			UserID string `json:"userId"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         json.RawMessage `json:"id"`
		Attributes struct {
			Status         string          `json:"status"`
			Total          json.RawMessage `json:"total"`
			FirstOrderItem struct {
				VariantName string `json:"variant_name"`
			} `json:"first_order_item"`
		} `json:"attributes"`
	} `json:"data"`

	// order_item.created carries the item fields at the top level
	VariantName string          `json:"variant_name"`
	Price       json.RawMessage `json:"price"`
	OrderID     json.RawMessage `json:"order_id"`
}

// ParseLemonSqueezyEvent interprets a webhook body. It never fails: anything
// that cannot be credited comes back with a non-Accepted disposition and a reason.
func ParseLemonSqueezyEvent(body []byte) (*PurchaseEvent, Disposition, string) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, Invalid, "malformed JSON"
	}

	ev := &PurchaseEvent{EventName: b.Meta.EventName, AccountRef: strings.TrimSpace(b.Meta.CustomData.UserID)}
	switch b.Meta.EventName {
	case "":
		return nil, Invalid, "no event name"

	case "order_item.created":
		ev.Package = b.VariantName
		ev.TransactionID = scalarString(b.OrderID)
		price, ok := scalarInt(b.Price)
		if ev.Package == "" || ev.TransactionID == "" || !ok || price <= 0 {
			return nil, Invalid, "missing order item fields"
		}
		ev.AmountPaid = price

	case "order_created":
		if b.Data.Attributes.Status != "paid" {
			return nil, Invalid, "order not paid"
		}
		ev.Package = b.Data.Attributes.FirstOrderItem.VariantName
		ev.TransactionID = scalarString(b.Data.ID)
		ev.AmountPaid, _ = scalarInt(b.Data.Attributes.Total)
		if ev.Package == "" || ev.TransactionID == "" {
			return nil, Invalid, "missing order fields"
		}

	default:
		return nil, Ignored, "unhandled event " + b.Meta.EventName
	}

	if ev.AccountRef == "" {
		return nil, Invalid, "missing userId in custom data"
	}
	credits, ok := Packages[ev.Package]
	if !ok {
		return nil, Invalid, "unknown package " + ev.Package
	}
	ev.Credits = credits
	return ev, Accepted, ""
}

// scalarString reads a JSON string or number as text.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func scalarInt(raw json.RawMessage) (int64, bool) {
	s := scalarString(raw)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, false
		}
		n = int64(f)
	}
	return n, true
}

// SignatureVerifier checks the X-Signature header (hex HMAC-SHA256 of the raw
// body) through the LemonSqueezy client. Without a signing secret every
// delivery is accepted.
type SignatureVerifier struct {
	client *lemonsqueezy.Client
}

func NewSignatureVerifier(secret string) *SignatureVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &SignatureVerifier{}
	}
	return &SignatureVerifier{client: lemonsqueezy.New(lemonsqueezy.WithSigningSecret(secret))}
}

func (v *SignatureVerifier) Verify(ctx context.Context, body []byte, signature string) bool {
	if v == nil || v.client == nil {
		return true
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	return v.client.Webhooks.Verify(ctx, signature, body)
}

// CheckoutURL builds the hosted checkout link that carries the account ref
// back to the order webhook.
func CheckoutURL(base, accountRef, returnURL string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("checkout URL is not configured")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid checkout URL: %w", err)
	}
	q := u.Query()
	q.Set("checkout[custom][userId]", accountRef)
	if returnURL != "" {
		q.Set("checkout[return_url]", returnURL)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
