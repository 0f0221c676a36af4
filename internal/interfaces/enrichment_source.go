package interfaces

import (
	"context"

	"RaceStatsSync/internal/config"
	"RaceStatsSync/internal/model"

	"github.com/sirupsen/logrus"
)

// EnrichmentSource 外部数据源必须实现的接口
// 无记录返回 apperrors.ErrNotFound；限流返回 *apperrors.RateLimitedError；网络抖动返回 apperrors.ErrTransientIO
type EnrichmentSource interface {
	Name() string
	GetDetails(ctx context.Context, kind model.EntityKind, id string) (*model.ExtendedRecord, error)
}

// Factory 数据源适配器工厂函数签名
type Factory func(cfg *config.EnrichmentConfig, logger *logrus.Logger) EnrichmentSource
