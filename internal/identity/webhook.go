// webhook.go - Auth provider webhooks: svix signature check and user.created parsing

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	svix "github.com/svix/svix-webhooks/go"
)

var ErrInvalidSignature = errors.New("webhook verification failed")

// Verifier checks deliveries signed with a "whsec_..." secret. The zero value
// (no secret configured) accepts every delivery.
type Verifier struct {
	wh *svix.Webhook
}

// NewVerifier returns a Verifier for secret; an empty secret disables checks.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Verifier{}, nil
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook secret: %w", err)
	}
	return &Verifier{wh: wh}, nil
}

// Enabled reports whether deliveries are actually verified.
func (v *Verifier) Enabled() bool {
	return v != nil && v.wh != nil
}

// Verify checks the svix-id, svix-timestamp and svix-signature headers
// against body, including the timestamp tolerance.
func (v *Verifier) Verify(body []byte, headers http.Header) error {
	if !v.Enabled() {
		return nil
	}
	if err := v.wh.Verify(body, headers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// UserEvent is the part of a user.* event needed to provision an account.
type UserEvent struct {
	Type  string
	Ref   string
	Email string
}

type emailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// ParseUserEvent reads the event type, user id and primary email. Without a
// primary_email_address_id the first listed address is used.
func ParseUserEvent(body []byte) (*UserEvent, error) {
	var payload struct {
		Type string `json:"type"`
		Data struct {
			ID                    string         `json:"id"`
			PrimaryEmailAddressID string         `json:"primary_email_address_id"`
			EmailAddresses        []emailAddress `json:"email_addresses"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	return &UserEvent{
		Type:  payload.Type,
		Ref:   strings.TrimSpace(payload.Data.ID),
		Email: primaryEmail(payload.Data.PrimaryEmailAddressID, payload.Data.EmailAddresses),
	}, nil
}

func primaryEmail(primaryID string, addresses []emailAddress) string {
	if primaryID != "" {
		for _, a := range addresses {
			if a.ID == primaryID {
				return strings.TrimSpace(a.EmailAddress)
			}
		}
	}
	if len(addresses) > 0 {
		return strings.TrimSpace(addresses[0].EmailAddress)
	}
	return ""
}
