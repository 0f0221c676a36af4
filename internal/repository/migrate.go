package repository

import (
	"RaceStatsSync/internal/model"

	"gorm.io/gorm"
)

// AutoMigrate 库表不存在则自动创建（按依赖顺序）
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.RaceEvent{},
		&model.RunnerResult{},
		&model.CanonicalEntity{},
		&model.PedigreeLink{},
		&model.EntityStatistics{},
	)
}
