package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/giftcircle/giftcircle/backend/internal/gateway"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRebuildDocumentAccessRows = "2026-08-10_rebuild_document_access_rows"

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
		{name: migrationRebuildDocumentAccessRows, apply: rebuildDocumentAccessRows},
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

// rebuildDocumentAccessRows regenerates the document_access join table from
// the canonical access_json column. The join table only serves the pull
// query's filter; access_json is the source of truth, so drift is repaired in
// its favor.
func rebuildDocumentAccessRows(db *gorm.DB) error {
	var documents []gateway.StoredDocument
	if err := db.Find(&documents).Error; err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		for _, stored := range documents {
			var accessSet []string
			if stored.AccessJSON != "" {
				if err := json.Unmarshal([]byte(stored.AccessJSON), &accessSet); err != nil {
					return err
				}
			}
			if err := tx.
				Where("collection = ? AND doc_id = ?", stored.Collection, stored.DocID).
				Delete(&gateway.DocumentAccess{}).Error; err != nil {
				return err
			}
			for _, principal := range accessSet {
				row := gateway.DocumentAccess{
					Collection:  stored.Collection,
					DocID:       stored.DocID,
					PrincipalID: principal,
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
