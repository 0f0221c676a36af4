package adapter

import (
	"fmt"

	"RaceStatsSync/internal/config"
	"RaceStatsSync/internal/interfaces"

	"github.com/sirupsen/logrus"
)

// NewSource 按配置中的 provider 从工厂注册表创建数据源实例
func NewSource(cfg *config.EnrichmentConfig, logger *logrus.Logger) (interfaces.EnrichmentSource, error) {
	factory, ok := GetFactory(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("数据源%s未注册（已注册：%v）", cfg.Provider, ListFactories())
	}

	source := factory(cfg, logger)
	if source == nil {
		return nil, fmt.Errorf("数据源%s的工厂函数返回nil", cfg.Provider)
	}
	if source.Name() != cfg.Provider {
		logger.WithFields(logrus.Fields{
			"config_provider":  cfg.Provider,
			"adapter_provider": source.Name(),
		}).Warn("适配器名称与配置不一致")
	}

	logger.WithFields(logrus.Fields{
		"provider": cfg.Provider,
		"base_url": cfg.BaseURL,
	}).Info("数据源适配器初始化成功")
	return source, nil
}
