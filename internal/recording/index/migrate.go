package index

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Migrate ensures the schema exists and is at CurrentSchemaVersion,
// running the v1->v2 upgrade (populate waveforms column) when an older
// version is found, per §4.6 / §9.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&Recording{}, &schemaMeta{}); err != nil {
		return fmt.Errorf("index: automigrate: %w", err)
	}

	var meta schemaMeta
	err := db.WithContext(ctx).First(&meta, "id = ?", 1).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		meta = schemaMeta{ID: 1, Version: 1}
		if err := db.WithContext(ctx).Create(&meta).Error; err != nil {
			return fmt.Errorf("index: create schema meta: %w", err)
		}
	case err != nil:
		return fmt.Errorf("index: read schema meta: %w", err)
	}

	if meta.Version < CurrentSchemaVersion {
		if err := upgradeToV2(ctx, db); err != nil {
			return fmt.Errorf("index: upgrade schema: %w", err)
		}
		meta.Version = CurrentSchemaVersion
		if err := db.WithContext(ctx).Save(&meta).Error; err != nil {
			return fmt.Errorf("index: persist schema version: %w", err)
		}
	}

	return nil
}

// upgradeToV2 backfills the waveforms column on any row that predates it
// (empty string), so Recording.Waveforms() always has valid JSON to parse.
func upgradeToV2(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Model(&Recording{}).
		Where("waveforms = ? OR waveforms IS NULL", "").
		Update("waveforms", "[]").Error
}
