package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RaceEvent 赛事（只追加、不可变）
type RaceEvent struct {
	RaceID        string    `gorm:"column:race_id;primaryKey;type:varchar(64)"`
	RaceDate      time.Time `gorm:"column:race_date;type:date;not null;index"`
	Course        string    `gorm:"column:course;type:varchar(128)"`
	Class         *int      `gorm:"column:race_class"`                        // 1 最高 .. 7 最低，未知为空
	DistanceRaw   string    `gorm:"column:distance_raw;type:varchar(32)"`     // 原始距离，如 1m2f110y
	DistanceYards int       `gorm:"column:distance_yards;not null;default:0"` // 归一化码数，0 表示未知
	Going         string    `gorm:"column:going;type:varchar(32)"`
}

func (RaceEvent) TableName() string { return "races" }

// RunnerResult 单匹马在单场赛事中的结果
// FinishingPosition 为空表示未完赛（摔倒/拉停/取消资格），计入出赛但不参与名次统计
type RunnerResult struct {
	ID                uint64              `gorm:"column:id;primaryKey;autoIncrement"`
	RaceID            string              `gorm:"column:race_id;type:varchar(64);not null;uniqueIndex:uq_runner_race_horse"`
	HorseID           string              `gorm:"column:horse_id;type:varchar(64);not null;uniqueIndex:uq_runner_race_horse;index"`
	JockeyID          string              `gorm:"column:jockey_id;type:varchar(64);index"`
	TrainerID         string              `gorm:"column:trainer_id;type:varchar(64);index"`
	OwnerID           string              `gorm:"column:owner_id;type:varchar(64);index"`
	FinishingPosition *int                `gorm:"column:finishing_position"`
	Prize             decimal.NullDecimal `gorm:"column:prize;type:numeric(14,2)"`
}

func (RunnerResult) TableName() string { return "runner_results" }

// RunnerRow 事件日志扫描结果：runner_results JOIN races 的紧凑视图
type RunnerRow struct {
	ID                uint64              `json:"id"`
	RaceID            string              `json:"race_id"`
	RaceDate          time.Time           `json:"race_date"`
	Class             *int                `gorm:"column:race_class" json:"race_class"`
	DistanceRaw       string              `json:"distance_raw"`
	DistanceYards     int                 `json:"distance_yards"`
	HorseID           string              `json:"horse_id"`
	JockeyID          string              `json:"jockey_id"`
	TrainerID         string              `json:"trainer_id"`
	OwnerID           string              `json:"owner_id"`
	FinishingPosition *int                `json:"finishing_position"`
	Prize             decimal.NullDecimal `json:"prize"`
}

// PersonnelID 返回该行中某一人员角色的 id
func (r *RunnerRow) PersonnelID(kind EntityKind) string {
	switch kind {
	case KindHorse:
		return r.HorseID
	case KindJockey:
		return r.JockeyID
	case KindTrainer:
		return r.TrainerID
	case KindOwner:
		return r.OwnerID
	}
	return ""
}

// PedigreeLink 马匹 → 父/母/外祖父，多对一
type PedigreeLink struct {
	HorseID   string    `gorm:"column:horse_id;primaryKey;type:varchar(64)"`
	SireID    *string   `gorm:"column:sire_id;type:varchar(64);index"`
	DamID     *string   `gorm:"column:dam_id;type:varchar(64);index"`
	DamsireID *string   `gorm:"column:damsire_id;type:varchar(64);index"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (PedigreeLink) TableName() string { return "pedigree_links" }

// Ancestors 按血统类型返回祖先 id（为空的跳过）
func (p *PedigreeLink) Ancestors() []EntityKey {
	var keys []EntityKey
	if p.SireID != nil && *p.SireID != "" {
		keys = append(keys, EntityKey{Kind: KindSire, ID: *p.SireID})
	}
	if p.DamID != nil && *p.DamID != "" {
		keys = append(keys, EntityKey{Kind: KindDam, ID: *p.DamID})
	}
	if p.DamsireID != nil && *p.DamsireID != "" {
		keys = append(keys, EntityKey{Kind: KindDamsire, ID: *p.DamsireID})
	}
	return keys
}
