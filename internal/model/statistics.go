package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EntityStatistics 实体派生统计，每次运行整体重算后整行覆盖
// 比率字段为空表示“无数据”，与 0% 区分
type EntityStatistics struct {
	ID       uint64     `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	Kind     EntityKind `gorm:"column:entity_kind;type:varchar(16);not null;uniqueIndex:uq_stats_kind_id" json:"kind"`
	EntityID string     `gorm:"column:entity_id;type:varchar(64);not null;uniqueIndex:uq_stats_kind_id" json:"entity_id"`

	OwnRuns         int             `gorm:"column:own_runs;not null;default:0" json:"own_runs"`
	OwnWins         int             `gorm:"column:own_wins;not null;default:0" json:"own_wins"`
	OwnPlaces       int             `gorm:"column:own_places;not null;default:0" json:"own_places"`
	OwnTotalPrize   decimal.Decimal `gorm:"column:own_total_prize;type:numeric(16,2);not null;default:0" json:"own_total_prize"`
	OwnBestPosition *int            `gorm:"column:own_best_position" json:"own_best_position"`
	OwnAvgPosition  *float64        `gorm:"column:own_avg_position" json:"own_avg_position"`
	OwnWinRate      *float64        `gorm:"column:own_win_rate" json:"own_win_rate"`
	OwnPlaceRate    *float64        `gorm:"column:own_place_rate" json:"own_place_rate"`
	CareerStart     *time.Time      `gorm:"column:career_start;type:date" json:"career_start"`
	CareerEnd       *time.Time      `gorm:"column:career_end;type:date" json:"career_end"`

	ProgenyTotal      int             `gorm:"column:progeny_total;not null;default:0" json:"progeny_total"`
	ProgenyRuns       int             `gorm:"column:progeny_runs;not null;default:0" json:"progeny_runs"`
	ProgenyWins       int             `gorm:"column:progeny_wins;not null;default:0" json:"progeny_wins"`
	ProgenyPlaces     int             `gorm:"column:progeny_places;not null;default:0" json:"progeny_places"`
	ProgenyTotalPrize decimal.Decimal `gorm:"column:progeny_total_prize;type:numeric(16,2);not null;default:0" json:"progeny_total_prize"`
	ProgenyWinRate    *float64        `gorm:"column:progeny_win_rate" json:"progeny_win_rate"`
	ProgenyPlaceRate  *float64        `gorm:"column:progeny_place_rate" json:"progeny_place_rate"`

	OverallAEIndex      *float64       `gorm:"column:overall_ae_index" json:"overall_ae_index"`
	BestClass           *string        `gorm:"column:best_class;type:varchar(16)" json:"best_class"`
	BestClassAEIndex    *float64       `gorm:"column:best_class_ae_index" json:"best_class_ae_index"`
	BestDistance        *string        `gorm:"column:best_distance;type:varchar(16)" json:"best_distance"`
	BestDistanceAEIndex *float64       `gorm:"column:best_distance_ae_index" json:"best_distance_ae_index"`
	ClassAE             datatypes.JSON `gorm:"column:class_ae" json:"class_ae"`       // 各级别 AE，null 表示未定义
	DistanceAE          datatypes.JSON `gorm:"column:distance_ae" json:"distance_ae"` // 各距离段 AE
	BaselineVersion     string         `gorm:"column:baseline_version;type:varchar(16)" json:"baseline_version"`

	Recent14dRuns    int      `gorm:"column:recent_14d_runs;not null;default:0" json:"recent_14d_runs"`
	Recent14dWins    int      `gorm:"column:recent_14d_wins;not null;default:0" json:"recent_14d_wins"`
	Recent14dWinRate *float64 `gorm:"column:recent_14d_win_rate" json:"recent_14d_win_rate"`
	Recent30dRuns    int      `gorm:"column:recent_30d_runs;not null;default:0" json:"recent_30d_runs"`
	Recent30dWins    int      `gorm:"column:recent_30d_wins;not null;default:0" json:"recent_30d_wins"`
	Recent30dWinRate *float64 `gorm:"column:recent_30d_win_rate" json:"recent_30d_win_rate"`

	LastUpdated time.Time `gorm:"column:last_updated;not null" json:"last_updated"`
}

func (EntityStatistics) TableName() string { return "entity_statistics" }

// Key 返回实体键
func (s *EntityStatistics) Key() EntityKey {
	return EntityKey{Kind: s.Kind, ID: s.EntityID}
}

// StatisticsColumns 全量覆盖时更新的列（不含主键与唯一键）
var StatisticsColumns = []string{
	"own_runs", "own_wins", "own_places", "own_total_prize", "own_best_position", "own_avg_position",
	"own_win_rate", "own_place_rate", "career_start", "career_end",
	"progeny_total", "progeny_runs", "progeny_wins", "progeny_places", "progeny_total_prize",
	"progeny_win_rate", "progeny_place_rate",
	"overall_ae_index", "best_class", "best_class_ae_index", "best_distance", "best_distance_ae_index",
	"class_ae", "distance_ae", "baseline_version",
	"recent_14d_runs", "recent_14d_wins", "recent_14d_win_rate",
	"recent_30d_runs", "recent_30d_wins", "recent_30d_win_rate",
	"last_updated",
}
