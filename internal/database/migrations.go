package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropOrphanTargetOrder = "2026-10-01_drop_orphan_target_order"

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
		{name: migrationDropOrphanTargetOrder, apply: dropOrphanTargetOrder},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOrphanTargetOrder removes order rows left behind by deletes that were not cascaded
// inside a transaction.
func dropOrphanTargetOrder(db *gorm.DB) error {
	return db.Exec(`DELETE FROM user_target_order
		WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.id = user_target_order.user_id)
		OR (target_type = 'user' AND NOT EXISTS (
			SELECT 1 FROM user_user_targets t
			WHERE t.user_id = user_target_order.user_id AND t.target_id = user_target_order.target_id))
		OR (target_type = 'conference' AND NOT EXISTS (
			SELECT 1 FROM user_conf_targets t
			WHERE t.user_id = user_target_order.user_id AND t.target_id = user_target_order.target_id))
		OR (target_type = 'feed' AND NOT EXISTS (
			SELECT 1 FROM user_feed_targets t
			WHERE t.user_id = user_target_order.user_id AND t.target_id = user_target_order.target_id))`).Error
}
