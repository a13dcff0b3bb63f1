// Package social resolves external provider identities to local accounts:
// an already-linked identity wins, then account linking by email, then
// atomic creation of a fresh account.
package social

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perchsocial/perch/backend/internal/accounts"
	"github.com/perchsocial/perch/backend/internal/auth"
)

var (
	// ErrUnknownProvider indicates a provider outside the configured set.
	ErrUnknownProvider = errors.New("social: unsupported provider")

	errMissingDatabase  = errors.New("social: database connection required")
	errMissingProviders = errors.New("social: at least one provider required")
)

// ResolverConfig describes the dependencies of the identity resolver.
type ResolverConfig struct {
	Database  *gorm.DB
	Providers []auth.ClaimsResolver
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Resolver exchanges provider tokens for local accounts. The provider set is
// fixed at construction.
type Resolver struct {
	db        *gorm.DB
	providers map[string]auth.ClaimsResolver
	clock     func() time.Time
	logger    *zap.Logger
}

// NewResolver constructs the resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if len(cfg.Providers) == 0 {
		return nil, errMissingProviders
	}
	providers := make(map[string]auth.ClaimsResolver, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		providers[provider.Name()] = provider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		db:        cfg.Database,
		providers: providers,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Resolve validates the provider token and returns the local account it maps
// to, creating or linking as needed. The created flag reports whether a new
// account was minted by this call.
func (r *Resolver) Resolve(ctx context.Context, providerName, accessToken string) (*accounts.Account, bool, error) {
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(providerName))]
	if !ok {
		return nil, false, ErrUnknownProvider
	}

	claims, err := provider.ResolveClaims(ctx, accessToken)
	if err != nil {
		return nil, false, err
	}

	account, created, err := r.resolveAccount(ctx, claims)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent resolution for the same email or identity won the
		// insert; the record it created is now visible, so one rerun of the
		// lookup chain settles it.
		r.logger.Info("social resolution lost creation race, retrying",
			zap.String("provider", claims.Provider))
		account, created, err = r.resolveAccount(ctx, claims)
	}
	return account, created, err
}

func (r *Resolver) resolveAccount(ctx context.Context, claims auth.ProviderClaims) (*accounts.Account, bool, error) {
	// Step 1: identity already linked.
	var identity accounts.ExternalIdentity
	err := r.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", claims.Provider, claims.Subject).
		Take(&identity).Error
	if err == nil {
		account, loadErr := r.loadAccount(ctx, identity.AccountID)
		return account, false, loadErr
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	// Step 2: account exists for the claimed email; link the identity to it.
	email := accounts.NormalizeEmail(claims.Email)
	var existing accounts.Account
	err = r.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		link := accounts.ExternalIdentity{
			Provider:  claims.Provider,
			Subject:   claims.Subject,
			AccountID: existing.ID,
		}
		if err := r.db.WithContext(ctx).Create(&link).Error; err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	// Step 3: brand-new account. No password credential; the identity link is
	// what authenticates it. Account, profile, and identity are one unit.
	account := accounts.Account{
		ID:    uuid.NewString(),
		Email: email,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		profile := accounts.Profile{
			AccountID:   account.ID,
			DisplayName: claims.DisplayName(),
		}
		if err := tx.Create(&profile).Error; err != nil {
			return err
		}
		link := accounts.ExternalIdentity{
			Provider:  claims.Provider,
			Subject:   claims.Subject,
			AccountID: account.ID,
		}
		return tx.Create(&link).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &account, true, nil
}

func (r *Resolver) loadAccount(ctx context.Context, accountID string) (*accounts.Account, error) {
	var account accounts.Account
	if err := r.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
