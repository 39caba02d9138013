package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/leadforms/internal/forms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillFormRevisions = "2026-07-14_backfill_form_revisions"

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
		{name: migrationBackfillFormRevisions, apply: backfillFormRevisions},
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

// backfillFormRevisions repairs rows written before revisions existed.
func backfillFormRevisions(db *gorm.DB) error {
	return db.Model(&forms.LeadForm{}).
		Where("revision <= 0").
		Update("revision", 1).Error
}
