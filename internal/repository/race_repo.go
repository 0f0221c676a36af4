package repository

import (
	"context"
	"fmt"
	"time"

	"RaceStatsSync/internal/model"

	"gorm.io/gorm"
)

// RunnerFilter 事件日志筛选：按日期区间和/或实体
type RunnerFilter struct {
	From     *time.Time // race_date >= From
	To       *time.Time // race_date <= To
	Kind     model.EntityKind
	EntityID string // 与 Kind 同时使用：只返回该实体作为马匹/骑师/练马师/马主的行
}

// RaceRepository 事件日志仓储（只追加）
type RaceRepository interface {
	// ScanRunners 以 runner id 为游标分页读取，返回 id > afterID 的至多 limit 行
	ScanRunners(ctx context.Context, filter RunnerFilter, afterID uint64, limit int) ([]model.RunnerRow, error)
}

type raceRepository struct {
	db *gorm.DB
}

// NewRaceRepository 创建 RaceRepository 实例
func NewRaceRepository(db *gorm.DB) RaceRepository {
	return &raceRepository{db: db}
}

func (r *raceRepository) ScanRunners(ctx context.Context, filter RunnerFilter, afterID uint64, limit int) ([]model.RunnerRow, error) {
	if limit <= 0 {
		limit = 10000
	}
	db := r.db.WithContext(ctx).
		Table("runner_results AS rr").
		Select(`rr.id, rr.race_id, rc.race_date, rc.race_class, rc.distance_raw, rc.distance_yards,
			rr.horse_id, rr.jockey_id, rr.trainer_id, rr.owner_id, rr.finishing_position, rr.prize`).
		Joins("JOIN races AS rc ON rc.race_id = rr.race_id").
		Where("rr.id > ?", afterID)
	if filter.From != nil {
		db = db.Where("rc.race_date >= ?", *filter.From)
	}
	if filter.To != nil {
		db = db.Where("rc.race_date <= ?", *filter.To)
	}
	if filter.EntityID != "" {
		col, ok := discoverColumns[filter.Kind]
		if !ok {
			return nil, fmt.Errorf("实体类型%s不能直接筛选事件日志", filter.Kind)
		}
		db = db.Where("rr."+col+" = ?", filter.EntityID)
	}

	var rows []model.RunnerRow
	if err := db.Order("rr.id ASC").Limit(limit).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// StreamRunners 按页遍历事件日志，fn 返回错误时中止；pageTimeout > 0 时每页单独限时
func StreamRunners(ctx context.Context, repo RaceRepository, filter RunnerFilter, pageSize int, pageTimeout time.Duration, fn func([]model.RunnerRow) error) error {
	var after uint64
	for {
		pctx, cancel := ctx, context.CancelFunc(func() {})
		if pageTimeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, pageTimeout)
		}
		rows, err := repo.ScanRunners(pctx, filter, after, pageSize)
		cancel()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		after = rows[len(rows)-1].ID
		if len(rows) < pageSize {
			return nil
		}
	}
}
