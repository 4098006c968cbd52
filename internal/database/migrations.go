package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/josephluck/internote-sub000/internal/notes"
)

const migrationPurgeOrphanedTags = "2026-07-14_purge_orphaned_tags"

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
		{name: migrationPurgeOrphanedTags, apply: purgeOrphanedTags},
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

// purgeOrphanedTags removes tags that lost their last note reference before
// eager orphan collection ran inside the write transaction. New writes keep
// the graph consistent; this covers rows from before that guarantee.
func purgeOrphanedTags(db *gorm.DB) error {
	return db.Where(
		"NOT EXISTS (SELECT 1 FROM note_tags WHERE note_tags.user_id = tags.user_id AND note_tags.tag_id = tags.tag_id)",
	).Delete(&notes.Tag{}).Error
}
