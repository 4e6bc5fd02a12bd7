package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeAccountEmails = "2026-10-01_normalize_account_emails"
	migrationPurgeOrphanedRows      = "2026-10-02_purge_orphaned_tokens_and_sessions"
)

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
		{name: migrationNormalizeAccountEmails, apply: normalizeAccountEmails},
		{name: migrationPurgeOrphanedRows, apply: purgeOrphanedRows},
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

// normalizeAccountEmails lower-cases and trims stored emails. Rows whose normalized
// address matches the normalized address of any other account are left for manual review.
func normalizeAccountEmails(db *gorm.DB) error {
	return db.Exec(`UPDATE accounts SET email = lower(trim(email))
WHERE email <> lower(trim(email))
AND NOT EXISTS (
	SELECT 1 FROM accounts AS other
	WHERE lower(trim(other.email)) = lower(trim(accounts.email)) AND other.id <> accounts.id
)`).Error
}

func purgeOrphanedRows(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM account_tokens WHERE account_id NOT IN (SELECT id FROM accounts)").Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM sessions WHERE account_id NOT IN (SELECT id FROM accounts)").Error
	})
}
