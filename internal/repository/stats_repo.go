package repository

import (
	"context"
	"fmt"

	"RaceStatsSync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatisticsRepository 派生统计仓储（EntityStore 的统计部分）
type StatisticsRepository interface {
	// UpsertStatistics 以 (entity_kind, entity_id) 为键整行覆盖，分批写入
	UpsertStatistics(ctx context.Context, stats []*model.EntityStatistics, batchSize int) error
	GetStatistics(ctx context.Context, key model.EntityKey) (*model.EntityStatistics, error)
	ListStatistics(ctx context.Context, kind model.EntityKind) ([]*model.EntityStatistics, error)
}

type statisticsRepository struct {
	db *gorm.DB
}

// NewStatisticsRepository 创建 StatisticsRepository 实例
func NewStatisticsRepository(db *gorm.DB) StatisticsRepository {
	return &statisticsRepository{db: db}
}

func (r *statisticsRepository) UpsertStatistics(ctx context.Context, stats []*model.EntityStatistics, batchSize int) error {
	if len(stats) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	for start := 0; start < len(stats); start += batchSize {
		end := start + batchSize
		if end > len(stats) {
			end = len(stats)
		}
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_kind"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns(model.StatisticsColumns),
		}).Create(stats[start:end]).Error; err != nil {
			return fmt.Errorf("写入统计失败(%d-%d): %w", start, end, err)
		}
	}
	return nil
}

func (r *statisticsRepository) GetStatistics(ctx context.Context, key model.EntityKey) (*model.EntityStatistics, error) {
	var s model.EntityStatistics
	if err := r.db.WithContext(ctx).
		Where("entity_kind = ? AND entity_id = ?", key.Kind, key.ID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *statisticsRepository) ListStatistics(ctx context.Context, kind model.EntityKind) ([]*model.EntityStatistics, error) {
	db := r.db.WithContext(ctx).Model(&model.EntityStatistics{})
	if kind != "" {
		db = db.Where("entity_kind = ?", kind)
	}
	var list []*model.EntityStatistics
	if err := db.Order("entity_kind ASC, entity_id ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
