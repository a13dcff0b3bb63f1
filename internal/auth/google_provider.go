package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// ProviderGoogle names the Google OAuth provider.
	ProviderGoogle = "google"

	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	defaultUserInfoTimeout   = 10 * time.Second
)

// GoogleProviderConfig configures the Google userinfo claims resolver.
type GoogleProviderConfig struct {
	UserInfoURL string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Logger      *zap.Logger
}

// GoogleProvider exchanges a Google OAuth access token for verified profile
// claims via the userinfo endpoint. Social login is synchronous from the
// caller's perspective, so the call carries a bounded timeout and a timeout
// surfaces as ErrInvalidProviderToken rather than a retryable condition.
type GoogleProvider struct {
	userInfoURL string
	httpClient  *http.Client
	timeout     time.Duration
	logger      *zap.Logger
}

// NewGoogleProvider constructs the resolver with sane defaults.
func NewGoogleProvider(cfg GoogleProviderConfig) *GoogleProvider {
	url := strings.TrimSpace(cfg.UserInfoURL)
	if url == "" {
		url = defaultGoogleUserInfoURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultUserInfoTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleProvider{
		userInfoURL: url,
		httpClient:  client,
		timeout:     timeout,
		logger:      logger,
	}
}

// Name identifies the provider variant.
func (p *GoogleProvider) Name() string {
	return ProviderGoogle
}

// googleUserInfo covers both the v2 ("id") and v3 ("sub") userinfo shapes.
type googleUserInfo struct {
	Sub        string `json:"sub"`
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

// ResolveClaims validates the access token against the userinfo endpoint and
// extracts identity claims.
func (p *GoogleProvider) ResolveClaims(ctx context.Context, accessToken string) (ProviderClaims, error) {
	if strings.TrimSpace(accessToken) == "" {
		return ProviderClaims{}, fmt.Errorf("%w: empty token", ErrInvalidProviderToken)
	}

	requestCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return ProviderClaims{}, fmt.Errorf("%w: %v", ErrInvalidProviderToken, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	response, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("google userinfo request failed", zap.Error(err))
		return ProviderClaims{}, fmt.Errorf("%w: %v", ErrInvalidProviderToken, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return ProviderClaims{}, fmt.Errorf("%w: userinfo returned status %d", ErrInvalidProviderToken, response.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(response.Body).Decode(&info); err != nil {
		return ProviderClaims{}, fmt.Errorf("%w: %v", ErrInvalidProviderToken, err)
	}

	subject := info.Sub
	if subject == "" {
		subject = info.ID
	}
	if subject == "" || strings.TrimSpace(info.Email) == "" {
		return ProviderClaims{}, fmt.Errorf("%w: missing subject or email", ErrIncompleteProviderData)
	}

	return ProviderClaims{
		Provider:   ProviderGoogle,
		Subject:    subject,
		Email:      info.Email,
		FullName:   info.Name,
		GivenName:  info.GivenName,
		FamilyName: info.FamilyName,
	}, nil
}
