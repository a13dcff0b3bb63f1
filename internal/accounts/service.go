package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidEmail indicates the supplied address is not a usable email.
	ErrInvalidEmail = errors.New("accounts: invalid email address")
	// ErrPasswordMismatch indicates password and confirmation differ.
	ErrPasswordMismatch = errors.New("accounts: passwords do not match")
	// ErrDuplicateEmail indicates the address is already registered.
	ErrDuplicateEmail = errors.New("accounts: email already registered")
	// ErrInvalidCredentials covers every password-login failure. Callers must
	// not distinguish unknown email from wrong password.
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
	// ErrAccountNotFound indicates no account exists for the identifier.
	ErrAccountNotFound = errors.New("accounts: account not found")

	errMissingDatabase = errors.New("accounts: database connection required")
	errMissingHasher   = errors.New("accounts: password hasher required")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database *gorm.DB
	Hasher   *Hasher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns account and profile lifecycle: password registration,
// password login, and profile lookups/updates.
type Service struct {
	db     *gorm.DB
	hasher *Hasher
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Hasher == nil {
		return nil, errMissingHasher
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		hasher: cfg.Hasher,
		clock:  clock,
		logger: logger,
	}, nil
}

// RegistrationInput carries the registration request fields.
type RegistrationInput struct {
	Email           string
	Password        string
	PasswordConfirm string
	DisplayName     string
}

// Register creates an account and its profile as one transaction. The profile
// display name falls back to the local part of the email address.
func (s *Service) Register(ctx context.Context, input RegistrationInput) (*Account, error) {
	email := NormalizeEmail(input.Email)
	if !emailPattern.MatchString(email) {
		return nil, ErrInvalidEmail
	}
	if input.Password != input.PasswordConfirm {
		return nil, ErrPasswordMismatch
	}
	if err := ValidatePasswordPolicy(input.Password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("accounts: hashing password: %w", err)
	}

	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = email[:strings.Index(email, "@")]
	}

	account := Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		profile := Profile{
			AccountID:   account.ID,
			DisplayName: displayName,
		}
		return tx.Create(&profile).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateEmail
		}
		s.logger.Error("account creation failed", zap.Error(err))
		return nil, err
	}
	return &account, nil
}

// AuthenticatePassword verifies an email/password pair. Any mismatch yields
// ErrInvalidCredentials without revealing which part failed.
func (s *Service) AuthenticatePassword(ctx context.Context, email, password string) (*Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("email = ?", NormalizeEmail(email)).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !account.HasPassword() {
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(account.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &account, nil
}

// GetByID loads an account by its identifier.
func (s *Service) GetByID(ctx context.Context, id string) (*Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetProfile loads the profile owned by an account.
func (s *Service) GetProfile(ctx context.Context, accountID string) (*Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ProfileUpdate describes a partial profile mutation. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	DisplayName *string
	Bio         *string
}

// UpdateProfile applies a partial update to the caller's profile.
func (s *Service) UpdateProfile(ctx context.Context, accountID string, update ProfileUpdate) (*Profile, error) {
	updates := map[string]interface{}{}
	if update.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*update.DisplayName)
	}
	if update.Bio != nil {
		updates["bio"] = strings.TrimSpace(*update.Bio)
	}
	if len(updates) > 0 {
		updates["updated_at"] = s.clock().UTC()
		result := s.db.WithContext(ctx).
			Model(&Profile{}).
			Where("account_id = ?", accountID).
			Updates(updates)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			return nil, ErrAccountNotFound
		}
	}
	return s.GetProfile(ctx, accountID)
}
