package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	// ErrInvalidToken indicates a refresh token that is malformed, expired,
	// of the wrong type, or revoked.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUnauthenticated indicates a missing or unusable access token.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	errMissingSigningSecret = errors.New("auth: signing secret required")
	errMissingTokenDatabase = errors.New("auth: revocation database required")
)

// TokenPair is one issued session: a short-lived access token and a
// long-lived, revocable refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// sessionClaims is the JWT payload for both token types. The typ claim keeps
// a refresh token from being accepted where an access token is required.
type sessionClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// RevokedToken records a blacklisted refresh-token identifier. Rows whose
// expiry has passed are prunable; the token is unusable either way.
type RevokedToken struct {
	JTI       string    `gorm:"column:jti;primaryKey;size:36;not null"`
	Subject   string    `gorm:"column:subject;size:36;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
	RevokedAt time.Time `gorm:"column:revoked_at;not null"`
}

// TableName exposes the table backing the refresh revocation set.
func (RevokedToken) TableName() string {
	return "revoked_tokens"
}

// TokenServiceConfig configures the session token service.
type TokenServiceConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RotateRefresh bool
	Database      *gorm.DB
	Clock         func() time.Time
	Logger        *zap.Logger
}

// TokenService issues, refreshes, and revokes HS256 session token pairs.
// Signing is stateless; only the refresh revocation set touches the store.
type TokenService struct {
	config TokenServiceConfig
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewTokenService constructs a TokenService with sane defaults.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.Database == nil {
		return nil, errMissingTokenDatabase
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		config: cfg,
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Issue mints a fresh access+refresh pair bound to the subject.
func (s *TokenService) Issue(_ context.Context, subject string) (TokenPair, error) {
	if subject == "" {
		return TokenPair{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	now := s.clock().UTC()

	access, err := s.sign(subject, tokenTypeAccess, "", now, s.config.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(subject, tokenTypeRefresh, uuid.NewString(), now, s.config.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.config.AccessTTL.Seconds()),
	}, nil
}

// Authenticate validates an access token and returns its subject.
func (s *TokenService) Authenticate(accessToken string) (string, error) {
	claims, err := s.parse(accessToken, tokenTypeAccess, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return claims.Subject, nil
}

// Refresh exchanges a valid refresh token for a new pair. With rotation
// enabled the presented token is revoked in the same transaction that admits
// its replacement, so the exchange either fully succeeds or leaves the old
// token usable.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh, true)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	revoked, err := s.isRevoked(ctx, claims.ID)
	if err != nil {
		return TokenPair{}, err
	}
	if revoked {
		return TokenPair{}, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}

	if !s.config.RotateRefresh {
		return s.Issue(ctx, claims.Subject)
	}

	// Rotation: claim the old token's jti inside the transaction that admits
	// the replacement. A concurrent refresh with the same token loses the
	// insert and is rejected; a failed issuance rolls the revocation back.
	var pair TokenPair
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(s.revocationRecord(claims))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: revoked", ErrInvalidToken)
		}
		issued, issueErr := s.Issue(ctx, claims.Subject)
		if issueErr != nil {
			return issueErr
		}
		pair = issued
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			s.logger.Error("refresh rotation failed", zap.Error(err))
		}
		return TokenPair{}, err
	}
	return pair, nil
}

// Revoke blacklists a refresh token's identifier. Revoking an
// already-revoked or already-expired token is a harmless no-op; only a
// malformed token is an error.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := s.parse(refreshToken, tokenTypeRefresh, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	// Skip the insert only for tokens that are provably expired; anything
	// else, including a token missing its expiry claim, gets recorded.
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(s.clock().UTC()) {
		return nil
	}
	return s.recordRevocation(ctx, claims)
}

// PruneExpired removes revocation rows whose tokens have expired anyway.
func (s *TokenService) PruneExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.clock().UTC()).
		Delete(&RevokedToken{})
	return result.RowsAffected, result.Error
}

func (s *TokenService) sign(subject, tokenType, jti string, now time.Time, ttl time.Duration) (string, error) {
	claims := sessionClaims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.config.Issuer,
			Audience:  []string{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.config.SigningSecret)
}

// parse validates signature, issuer, audience, and the typ claim. With
// checkExpiry false the expiry claim is ignored, which Revoke relies on.
func (s *TokenService) parse(raw, wantType string, checkExpiry bool) (*sessionClaims, error) {
	if raw == "" {
		return nil, errors.New("empty token")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock),
	}
	if checkExpiry {
		options = append(options,
			jwt.WithIssuer(s.config.Issuer),
			jwt.WithAudience(s.config.Audience),
		)
	} else {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return s.config.SigningSecret, nil
		},
		options...,
	)
	if err != nil {
		return nil, err
	}
	if parsed == nil || !parsed.Valid {
		return nil, errors.New("token signature invalid")
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("token type %q where %q required", claims.TokenType, wantType)
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}
	if wantType == tokenTypeRefresh && claims.ID == "" {
		return nil, errors.New("refresh token missing identifier")
	}
	return claims, nil
}

func (s *TokenService) isRevoked(ctx context.Context, jti string) (bool, error) {
	var record RevokedToken
	err := s.db.WithContext(ctx).Where("jti = ?", jti).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// recordRevocation inserts the jti into the revocation set. The conflict
// clause makes a second revocation of the same token a no-op.
func (s *TokenService) recordRevocation(ctx context.Context, claims *sessionClaims) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(s.revocationRecord(claims)).Error
}

func (s *TokenService) revocationRecord(claims *sessionClaims) *RevokedToken {
	expiry := s.clock().UTC()
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return &RevokedToken{
		JTI:       claims.ID,
		Subject:   claims.Subject,
		ExpiresAt: expiry,
		RevokedAt: s.clock().UTC(),
	}
}
