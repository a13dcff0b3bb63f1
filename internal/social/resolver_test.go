package social

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perchsocial/perch/backend/internal/accounts"
	"github.com/perchsocial/perch/backend/internal/auth"
)

type stubProvider struct {
	name   string
	claims auth.ProviderClaims
	err    error
}

func (p *stubProvider) Name() string {
	return p.name
}

func (p *stubProvider) ResolveClaims(context.Context, string) (auth.ProviderClaims, error) {
	if p.err != nil {
		return auth.ProviderClaims{}, p.err
	}
	return p.claims, nil
}

func openResolverDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "social.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&accounts.Account{}, &accounts.Profile{}, &accounts.ExternalIdentity{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newTestResolver(testContext *testing.T, database *gorm.DB, provider auth.ClaimsResolver) *Resolver {
	testContext.Helper()
	resolver, err := NewResolver(ResolverConfig{
		Database:  database,
		Providers: []auth.ClaimsResolver{provider},
		Clock:     func() time.Time { return time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC) },
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct resolver: %v", err)
	}
	return resolver
}

func googleClaims() auth.ProviderClaims {
	return auth.ProviderClaims{
		Provider: auth.ProviderGoogle,
		Subject:  "google-subject-1",
		Email:    "Casey@Example.com",
		FullName: "Casey Smith",
	}
}

func TestResolveCreatesFreshAccount(testContext *testing.T) {
	database := openResolverDatabase(testContext)
	resolver := newTestResolver(testContext, database, &stubProvider{name: auth.ProviderGoogle, claims: googleClaims()})

	account, created, err := resolver.Resolve(context.Background(), "google", "provider-token")
	if err != nil {
		testContext.Fatalf("failed to resolve: %v", err)
	}
	if !created {
		testContext.Fatalf("expected a freshly created account")
	}
	if account.Email != "casey@example.com" {
		testContext.Fatalf("expected normalized email, got %q", account.Email)
	}
	if account.HasPassword() {
		testContext.Fatalf("social account must not carry a password credential")
	}

	var profile accounts.Profile
	if err := database.Where("account_id = ?", account.ID).Take(&profile).Error; err != nil {
		testContext.Fatalf("expected profile to exist: %v", err)
	}
	if profile.DisplayName != "Casey Smith" {
		testContext.Fatalf("expected display name from provider claims, got %q", profile.DisplayName)
	}

	var identity accounts.ExternalIdentity
	if err := database.Where("provider = ? AND subject = ?", auth.ProviderGoogle, "google-subject-1").Take(&identity).Error; err != nil {
		testContext.Fatalf("expected identity link to exist: %v", err)
	}
	if identity.AccountID != account.ID {
		testContext.Fatalf("identity linked to wrong account")
	}
}

func TestResolveIsStableAcrossCalls(testContext *testing.T) {
	database := openResolverDatabase(testContext)
	resolver := newTestResolver(testContext, database, &stubProvider{name: auth.ProviderGoogle, claims: googleClaims()})

	first, created, err := resolver.Resolve(context.Background(), "google", "provider-token")
	if err != nil || !created {
		testContext.Fatalf("first resolve failed: created=%v err=%v", created, err)
	}
	second, created, err := resolver.Resolve(context.Background(), "google", "provider-token")
	if err != nil {
		testContext.Fatalf("second resolve failed: %v", err)
	}
	if created {
		testContext.Fatalf("second resolve must not create an account")
	}
	if second.ID != first.ID {
		testContext.Fatalf("expected the same account across calls, got %q vs %q", second.ID, first.ID)
	}

	var count int64
	if err := database.Model(&accounts.Account{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count accounts: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one account, got %d", count)
	}
}

func TestResolveLinksExistingEmailAccount(testContext *testing.T) {
	database := openResolverDatabase(testContext)
	existing := accounts.Account{ID: "account-1", Email: "casey@example.com", PasswordHash: "stored-hash"}
	if err := database.Create(&existing).Error; err != nil {
		testContext.Fatalf("failed to seed account: %v", err)
	}

	resolver := newTestResolver(testContext, database, &stubProvider{name: auth.ProviderGoogle, claims: googleClaims()})
	account, created, err := resolver.Resolve(context.Background(), "google", "provider-token")
	if err != nil {
		testContext.Fatalf("failed to resolve: %v", err)
	}
	if created {
		testContext.Fatalf("linking must not report creation")
	}
	if account.ID != existing.ID {
		testContext.Fatalf("expected the existing account, got %q", account.ID)
	}
	if !account.HasPassword() {
		testContext.Fatalf("linking must not clear the password credential")
	}

	var identity accounts.ExternalIdentity
	if err := database.Where("provider = ? AND subject = ?", auth.ProviderGoogle, "google-subject-1").Take(&identity).Error; err != nil {
		testContext.Fatalf("expected identity link to exist: %v", err)
	}
	if identity.AccountID != existing.ID {
		testContext.Fatalf("identity linked to wrong account")
	}
}

func TestResolveLinkedIdentityWinsOverEmail(testContext *testing.T) {
	database := openResolverDatabase(testContext)
	linked := accounts.Account{ID: "account-linked", Email: "old-address@example.com"}
	if err := database.Create(&linked).Error; err != nil {
		testContext.Fatalf("failed to seed account: %v", err)
	}
	link := accounts.ExternalIdentity{Provider: auth.ProviderGoogle, Subject: "google-subject-1", AccountID: linked.ID}
	if err := database.Create(&link).Error; err != nil {
		testContext.Fatalf("failed to seed identity: %v", err)
	}
	// A different account now owns the claimed email; the link must win.
	byEmail := accounts.Account{ID: "account-email", Email: "casey@example.com"}
	if err := database.Create(&byEmail).Error; err != nil {
		testContext.Fatalf("failed to seed account: %v", err)
	}

	resolver := newTestResolver(testContext, database, &stubProvider{name: auth.ProviderGoogle, claims: googleClaims()})
	account, created, err := resolver.Resolve(context.Background(), "google", "provider-token")
	if err != nil {
		testContext.Fatalf("failed to resolve: %v", err)
	}
	if created {
		testContext.Fatalf("resolution must not create an account")
	}
	if account.ID != linked.ID {
		testContext.Fatalf("expected the linked account, got %q", account.ID)
	}
}

func TestResolveConcurrentFirstLoginSettlesOnOneAccount(testContext *testing.T) {
	database := openResolverDatabase(testContext)
	resolver := newTestResolver(testContext, database, &stubProvider{name: auth.ProviderGoogle, claims: googleClaims()})

	const callers = 4
	var wait sync.WaitGroup
	resolvedIDs := make([]string, callers)
	resolveErrs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wait.Add(1)
		go func(slot int) {
			defer wait.Done()
			account, _, err := resolver.Resolve(context.Background(), "google", "provider-token")
			if err != nil {
				resolveErrs[slot] = err
				return
			}
			resolvedIDs[slot] = account.ID
		}(i)
	}
	wait.Wait()

	for slot, err := range resolveErrs {
		if err != nil {
			testContext.Fatalf("caller %d failed: %v", slot, err)
		}
	}
	for slot := 1; slot < callers; slot++ {
		if resolvedIDs[slot] != resolvedIDs[0] {
			testContext.Fatalf("callers resolved to different accounts: %q vs %q", resolvedIDs[slot], resolvedIDs[0])
		}
	}

	var accountCount int64
	if err := database.Model(&accounts.Account{}).Count(&accountCount).Error; err != nil {
		testContext.Fatalf("failed to count accounts: %v", err)
	}
	if accountCount != 1 {
		testContext.Fatalf("expected a single account row, got %d", accountCount)
	}
	var identityCount int64
	if err := database.Model(&accounts.ExternalIdentity{}).Count(&identityCount).Error; err != nil {
		testContext.Fatalf("failed to count identities: %v", err)
	}
	if identityCount != 1 {
		testContext.Fatalf("expected a single identity link, got %d", identityCount)
	}
}

func TestResolveUnknownProvider(testContext *testing.T) {
	database := openResolverDatabase(testContext)
	resolver := newTestResolver(testContext, database, &stubProvider{name: auth.ProviderGoogle, claims: googleClaims()})

	if _, _, err := resolver.Resolve(context.Background(), "github", "provider-token"); !errors.Is(err, ErrUnknownProvider) {
		testContext.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestResolvePropagatesProviderError(testContext *testing.T) {
	database := openResolverDatabase(testContext)
	resolver := newTestResolver(testContext, database, &stubProvider{name: auth.ProviderGoogle, err: auth.ErrInvalidProviderToken})

	if _, _, err := resolver.Resolve(context.Background(), "google", "provider-token"); !errors.Is(err, auth.ErrInvalidProviderToken) {
		testContext.Fatalf("expected ErrInvalidProviderToken, got %v", err)
	}
}
