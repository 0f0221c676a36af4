package repository

import (
	"context"
	"fmt"

	"RaceStatsSync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PedigreeRepository 血统关联仓储
type PedigreeRepository interface {
	ListLinks(ctx context.Context) ([]*model.PedigreeLink, error)
}

type pedigreeRepository struct {
	db *gorm.DB
}

// NewPedigreeRepository 创建 PedigreeRepository 实例
func NewPedigreeRepository(db *gorm.DB) PedigreeRepository {
	return &pedigreeRepository{db: db}
}

func (r *pedigreeRepository) ListLinks(ctx context.Context) ([]*model.PedigreeLink, error) {
	var links []*model.PedigreeLink
	if err := r.db.WithContext(ctx).Order("horse_id ASC").Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}

// upsertPedigreeLinks 以 horse_id 为键覆盖，供事务内复用
func upsertPedigreeLinks(db *gorm.DB, links []*model.PedigreeLink) error {
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "horse_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sire_id", "dam_id", "damsire_id", "updated_at"}),
	}).Create(links).Error; err != nil {
		return fmt.Errorf("写入血统关联失败: %w", err)
	}
	return nil
}
