package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMigrateBootstrapsFreshSchemaAtCurrentVersion(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Migrate(context.Background(), db))

	var meta schemaMeta
	require.NoError(t, db.First(&meta, "id = ?", 1).Error)
	require.Equal(t, CurrentSchemaVersion, meta.Version)
}

func TestMigrateBackfillsV1RowsMissingWaveforms(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Recording{}, &schemaMeta{}))
	require.NoError(t, db.Create(&schemaMeta{ID: 1, Version: 1}).Error)

	v1Row := &Recording{
		BotID: 1, FileID: "legacy-row", FileName: "legacy.opus",
		StartUTC: time.Now().UTC(), IsOpen: false,
		ParticipantsJSON: "[]",
		WaveformsJSON:    "",
		SchemaVersion:    1,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, db.Create(v1Row).Error)

	require.NoError(t, Migrate(context.Background(), db))

	var meta schemaMeta
	require.NoError(t, db.First(&meta, "id = ?", 1).Error)
	require.Equal(t, CurrentSchemaVersion, meta.Version)

	var got Recording
	require.NoError(t, db.Where("file_id = ?", "legacy-row").First(&got).Error)
	require.Equal(t, "[]", got.WaveformsJSON)
	require.Empty(t, got.Waveforms())
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, Migrate(context.Background(), db))

	var count int64
	require.NoError(t, db.Model(&schemaMeta{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}
