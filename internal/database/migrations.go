package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillAccountProfiles = "2026-07-18_backfill_account_profiles"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillAccountProfiles, apply: backfillAccountProfiles},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillAccountProfiles creates an empty profile for any account that
// predates the one-profile-per-account guarantee. The display name defaults
// to the email local part, matching registration behavior.
func backfillAccountProfiles(db *gorm.DB) error {
	const insertMissingProfiles = `
INSERT INTO profiles (account_id, display_name, bio, created_at, updated_at)
SELECT a.id,
       CASE WHEN instr(a.email, '@') > 1
            THEN substr(a.email, 1, instr(a.email, '@') - 1)
            ELSE a.email END,
       '',
       CURRENT_TIMESTAMP,
       CURRENT_TIMESTAMP
FROM accounts a
WHERE NOT EXISTS (SELECT 1 FROM profiles p WHERE p.account_id = a.id);`
	return db.Exec(insertMissingProfiles).Error
}
