package model

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// EntityKind 实体类型
type EntityKind string

const (
	KindHorse   EntityKind = "horse"
	KindSire    EntityKind = "sire"
	KindDam     EntityKind = "dam"
	KindDamsire EntityKind = "damsire"
	KindJockey  EntityKind = "jockey"
	KindTrainer EntityKind = "trainer"
	KindOwner   EntityKind = "owner"
)

// AllKinds 固定顺序，决定补全队列与统计分区的遍历顺序
var AllKinds = []EntityKind{KindHorse, KindSire, KindDam, KindDamsire, KindJockey, KindTrainer, KindOwner}

// IsBreeding 种马/母马/外祖父
func (k EntityKind) IsBreeding() bool {
	return k == KindSire || k == KindDam || k == KindDamsire
}

// IsPersonnel 骑师/练马师/马主
func (k EntityKind) IsPersonnel() bool {
	return k == KindJockey || k == KindTrainer || k == KindOwner
}

// Valid 是否为已知类型
func (k EntityKind) Valid() bool {
	for _, kind := range AllKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// ParseKind 解析命令行/接口传入的实体类型
func ParseKind(s string) (EntityKind, bool) {
	k := EntityKind(s)
	return k, k.Valid()
}

// ParseKinds 解析一组实体类型，去重并保持输入顺序；空输入表示全部类型
func ParseKinds(values []string) ([]EntityKind, error) {
	var kinds []EntityKind
	seen := make(map[EntityKind]bool, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			k, ok := ParseKind(part)
			if !ok {
				return nil, fmt.Errorf("未知实体类型 %q", part)
			}
			if !seen[k] {
				seen[k] = true
				kinds = append(kinds, k)
			}
		}
	}
	return kinds, nil
}

// EnrichmentStatus 补全状态
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"  // 待补全
	EnrichmentEnriched EnrichmentStatus = "enriched" // 已补全
	EnrichmentNoData   EnrichmentStatus = "no_data"  // 数据源无记录，终态不再重试
	EnrichmentSkipped  EnrichmentStatus = "skipped"  // 重试耗尽，下次全量运行再试
)

// EntityKey 实体在同类型内唯一
type EntityKey struct {
	Kind EntityKind
	ID   string
}

// QueueKey 补全队列排序键，同时作为 checkpoint 游标
func (k EntityKey) QueueKey() string {
	return QueueKeyOf(k.Kind, k.ID)
}

func (k EntityKey) String() string { return k.QueueKey() }

// QueueKeyOf kind:id
func QueueKeyOf(kind EntityKind, id string) string {
	return string(kind) + ":" + id
}

// ParseQueueKey queue_key → EntityKey
func ParseQueueKey(queueKey string) (EntityKey, bool) {
	kind, id, ok := strings.Cut(queueKey, ":")
	if !ok || id == "" || !EntityKind(kind).Valid() {
		return EntityKey{}, false
	}
	return EntityKey{Kind: EntityKind(kind), ID: id}, true
}

// CanonicalEntity 规范化实体主表（马匹/血统/人员）
// 身份（kind+entity_id）一经写入不可变；linked_horse_id 只允许由空写为非空一次
type CanonicalEntity struct {
	ID               uint64           `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	Kind             EntityKind       `gorm:"column:entity_kind;type:varchar(16);not null;uniqueIndex:uq_entity_kind_id" json:"kind"`
	EntityID         string           `gorm:"column:entity_id;type:varchar(64);not null;uniqueIndex:uq_entity_kind_id" json:"entity_id"`
	QueueKey         string           `gorm:"column:queue_key;type:varchar(96);not null;uniqueIndex" json:"queue_key"`
	Name             string           `gorm:"column:name;type:varchar(256);index" json:"name"`
	Region           *string          `gorm:"column:region;type:varchar(16)" json:"region"`
	LinkedHorseID    *string          `gorm:"column:linked_horse_id;type:varchar(64)" json:"linked_horse_id"`
	EnrichmentStatus EnrichmentStatus `gorm:"column:enrichment_status;type:varchar(16);not null;default:pending;index" json:"enrichment_status"`
	EnrichmentRunID  *string          `gorm:"column:enrichment_run_id;type:varchar(64);index" json:"enrichment_run_id"`
	EnrichedAt       *time.Time       `gorm:"column:enriched_at" json:"enriched_at"`
	Attempts         int              `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Extended         datatypes.JSON   `gorm:"column:extended" json:"extended"`
	CreatedAt        time.Time        `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (CanonicalEntity) TableName() string { return "canonical_entities" }

// Key 返回实体键
func (e *CanonicalEntity) Key() EntityKey {
	return EntityKey{Kind: e.Kind, ID: e.EntityID}
}

// NewEntity 构造一个待补全的实体记录
func NewEntity(kind EntityKind, id, name string) *CanonicalEntity {
	return &CanonicalEntity{
		Kind:             kind,
		EntityID:         id,
		QueueKey:         QueueKeyOf(kind, id),
		Name:             name,
		EnrichmentStatus: EnrichmentPending,
	}
}
