package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RaceStatsSync/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntityRepository 规范化实体仓储（EntityStore 的实体部分）
type EntityRepository interface {
	// DiscoverFromEventLog 为事件日志中出现但尚未入库的马匹/人员创建待补全记录
	DiscoverFromEventLog(ctx context.Context, kinds []model.EntityKind) (int64, error)
	// ListQueue 按 queue_key 升序返回补全队列的一页
	ListQueue(ctx context.Context, filter QueueFilter) ([]*model.CanonicalEntity, error)
	// GetByKey 按 kind+id 查询，不存在返回 gorm.ErrRecordNotFound
	GetByKey(ctx context.Context, key model.EntityKey) (*model.CanonicalEntity, error)
	// CommitEnrichment 在一个事务内写入补全结果、血统与祖先实体
	CommitEnrichment(ctx context.Context, w *EnrichmentWrite) error
	// MarkStatus 仅更新补全状态（no_data / skipped）
	MarkStatus(ctx context.Context, key model.EntityKey, status model.EnrichmentStatus, runID string, at time.Time, attempts int) error
	// ListHorseNames 名称解析索引的数据源
	ListHorseNames(ctx context.Context) ([]HorseName, error)
	// ListBreeding 列出血统实体（可选仅未关联马匹的）
	ListBreeding(ctx context.Context, unlinkedOnly bool) ([]*model.CanonicalEntity, error)
	// SetLinkedHorse 仅当 linked_horse_id 为空时写入，返回是否写入
	SetLinkedHorse(ctx context.Context, key model.EntityKey, horseID string) (bool, error)
}

// QueueFilter 补全队列筛选
type QueueFilter struct {
	Kinds    []model.EntityKind // 为空表示全部类型
	AfterKey string             // 只返回 queue_key > AfterKey
	RunID    string             // 非空时同时返回该运行已提交的实体（断点续跑用）
	Limit    int
}

// HorseName 名称解析用的轻量视图
type HorseName struct {
	ID     string
	Name   string
	Region *string
}

// EnrichmentWrite 单个实体的补全写入
type EnrichmentWrite struct {
	Key        model.EntityKey
	Name       string
	Region     *string
	Extended   datatypes.JSON
	RunID      string
	EnrichedAt time.Time
	Attempts   int
	Pedigree   *model.PedigreeLink      // 可为空
	Ancestors  []*model.CanonicalEntity // 血统实体，已存在则不覆盖
}

// discoverColumns 事件日志中各角色对应的列
var discoverColumns = map[model.EntityKind]string{
	model.KindHorse:   "horse_id",
	model.KindJockey:  "jockey_id",
	model.KindTrainer: "trainer_id",
	model.KindOwner:   "owner_id",
}

type entityRepository struct {
	db *gorm.DB
}

// NewEntityRepository 创建 EntityRepository 实例
func NewEntityRepository(db *gorm.DB) EntityRepository {
	return &entityRepository{db: db}
}

// ensureEntities 插入不存在的实体，已存在的保持不变（身份不可变）
func ensureEntities(db *gorm.DB, entities []*model.CanonicalEntity) error {
	for _, e := range entities {
		if e.QueueKey == "" {
			e.QueueKey = model.QueueKeyOf(e.Kind, e.EntityID)
		}
		if e.EnrichmentStatus == "" {
			e.EnrichmentStatus = model.EnrichmentPending
		}
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_kind"}, {Name: "entity_id"}},
		DoNothing: true,
	}).CreateInBatches(entities, 500).Error
}

func (r *entityRepository) DiscoverFromEventLog(ctx context.Context, kinds []model.EntityKind) (int64, error) {
	if len(kinds) == 0 {
		kinds = model.AllKinds
	}
	now := time.Now().UTC()
	var total int64
	for _, kind := range kinds {
		col, ok := discoverColumns[kind]
		if !ok {
			continue // 血统实体来自补全结果，不来自事件日志
		}
		sql := fmt.Sprintf(`INSERT INTO canonical_entities
	(entity_kind, entity_id, queue_key, name, enrichment_status, attempts, created_at, updated_at)
SELECT DISTINCT CAST(? AS VARCHAR(16)), r.%[1]s, CAST(? AS VARCHAR(17)) || r.%[1]s, '', ?, 0, ?, ?
FROM runner_results r
WHERE r.%[1]s IS NOT NULL AND r.%[1]s <> ''
  AND NOT EXISTS (
	SELECT 1 FROM canonical_entities e WHERE e.entity_kind = ? AND e.entity_id = r.%[1]s
  )`, col)
		res := r.db.WithContext(ctx).Exec(sql,
			string(kind), string(kind)+":", string(model.EnrichmentPending), now, now, string(kind))
		if res.Error != nil {
			return total, fmt.Errorf("发现%s实体失败: %w", kind, res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (r *entityRepository) ListQueue(ctx context.Context, filter QueueFilter) ([]*model.CanonicalEntity, error) {
	if filter.Limit <= 0 {
		filter.Limit = 500
	}
	db := r.db.WithContext(ctx).Model(&model.CanonicalEntity{})
	if len(filter.Kinds) > 0 {
		db = db.Where("entity_kind IN ?", filter.Kinds)
	}
	if filter.AfterKey != "" {
		db = db.Where("queue_key > ?", filter.AfterKey)
	}
	pending := []model.EnrichmentStatus{model.EnrichmentPending, model.EnrichmentSkipped}
	if filter.RunID != "" {
		db = db.Where("(enrichment_status IN ? OR enrichment_run_id = ?)", pending, filter.RunID)
	} else {
		db = db.Where("enrichment_status IN ?", pending)
	}
	var list []*model.CanonicalEntity
	if err := db.Order("queue_key ASC").Limit(filter.Limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *entityRepository) GetByKey(ctx context.Context, key model.EntityKey) (*model.CanonicalEntity, error) {
	var e model.CanonicalEntity
	if err := r.db.WithContext(ctx).
		Where("entity_kind = ? AND entity_id = ?", key.Kind, key.ID).
		First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *entityRepository) CommitEnrichment(ctx context.Context, w *EnrichmentWrite) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 祖先实体先落库（已存在的不动）
		if len(w.Ancestors) > 0 {
			if err := ensureEntities(tx, w.Ancestors); err != nil {
				return fmt.Errorf("写入血统实体失败: %w", err)
			}
		}
		// 2. 血统关联
		if w.Pedigree != nil {
			if err := upsertPedigreeLinks(tx, []*model.PedigreeLink{w.Pedigree}); err != nil {
				return err
			}
		}
		// 3. 实体本身：不触碰身份字段与 linked_horse_id
		updates := map[string]interface{}{
			"enrichment_status": model.EnrichmentEnriched,
			"enrichment_run_id": w.RunID,
			"enriched_at":       w.EnrichedAt,
			"attempts":          w.Attempts,
			"extended":          w.Extended,
			"updated_at":        w.EnrichedAt,
		}
		if w.Name != "" {
			updates["name"] = w.Name
		}
		if w.Region != nil {
			updates["region"] = *w.Region
		}
		res := tx.Model(&model.CanonicalEntity{}).
			Where("entity_kind = ? AND entity_id = ?", w.Key.Kind, w.Key.ID).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("更新实体%s失败: %w", w.Key, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("实体%s不存在", w.Key)
		}
		return nil
	})
}

func (r *entityRepository) MarkStatus(ctx context.Context, key model.EntityKey, status model.EnrichmentStatus, runID string, at time.Time, attempts int) error {
	res := r.db.WithContext(ctx).Model(&model.CanonicalEntity{}).
		Where("entity_kind = ? AND entity_id = ?", key.Kind, key.ID).
		Updates(map[string]interface{}{
			"enrichment_status": status,
			"enrichment_run_id": runID,
			"enriched_at":       at,
			"attempts":          attempts,
			"updated_at":        at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("实体%s不存在", key)
	}
	return nil
}

func (r *entityRepository) ListHorseNames(ctx context.Context) ([]HorseName, error) {
	var rows []HorseName
	if err := r.db.WithContext(ctx).Model(&model.CanonicalEntity{}).
		Select("entity_id AS id, name, region").
		Where("entity_kind = ? AND name <> ''", model.KindHorse).
		Order("entity_id ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *entityRepository) ListBreeding(ctx context.Context, unlinkedOnly bool) ([]*model.CanonicalEntity, error) {
	db := r.db.WithContext(ctx).Model(&model.CanonicalEntity{}).
		Where("entity_kind IN ?", []model.EntityKind{model.KindSire, model.KindDam, model.KindDamsire})
	if unlinkedOnly {
		db = db.Where("linked_horse_id IS NULL AND name <> ''")
	}
	var list []*model.CanonicalEntity
	if err := db.Order("queue_key ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *entityRepository) SetLinkedHorse(ctx context.Context, key model.EntityKey, horseID string) (bool, error) {
	if horseID == "" {
		return false, errors.New("horseID 不能为空")
	}
	res := r.db.WithContext(ctx).Model(&model.CanonicalEntity{}).
		Where("entity_kind = ? AND entity_id = ? AND linked_horse_id IS NULL", key.Kind, key.ID).
		Update("linked_horse_id", horseID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
