package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrInvalidProviderToken indicates the provider rejected or could not
	// validate the presented token, including transport timeouts.
	ErrInvalidProviderToken = errors.New("auth: invalid provider token")
	// ErrIncompleteProviderData indicates the provider claims lack a stable
	// subject id or an email address.
	ErrIncompleteProviderData = errors.New("auth: incomplete provider data")
)

// ProviderClaims are the verified identity attributes returned by an OAuth
// provider after token validation.
type ProviderClaims struct {
	Provider   string
	Subject    string
	Email      string
	FullName   string
	GivenName  string
	FamilyName string
}

// DisplayName derives a profile display name from the claims: the provider's
// full name, then "given family", then the local part of the email.
func (c ProviderClaims) DisplayName() string {
	if name := strings.TrimSpace(c.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(strings.TrimSpace(c.GivenName) + " " + strings.TrimSpace(c.FamilyName)); name != "" {
		return name
	}
	if at := strings.Index(c.Email, "@"); at > 0 {
		return c.Email[:at]
	}
	return c.Email
}

// ClaimsResolver validates a provider access token and extracts identity
// claims. The supported provider set is closed: each provider is one
// implementation wired in at construction, not a runtime registry.
type ClaimsResolver interface {
	Name() string
	ResolveClaims(ctx context.Context, accessToken string) (ProviderClaims, error)
}
