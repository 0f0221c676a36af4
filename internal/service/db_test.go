package service

import (
	"testing"

	"RaceStatsSync/internal/model"
	"RaceStatsSync/internal/repository"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, repository.AutoMigrate(db))
	return db
}

func seedEntities(t *testing.T, db *gorm.DB, entities ...*model.CanonicalEntity) {
	t.Helper()
	require.NoError(t, db.CreateInBatches(entities, 500).Error)
}
