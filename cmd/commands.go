package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"RaceStatsSync/internal/adapter"
	"RaceStatsSync/internal/api"
	"RaceStatsSync/internal/config"
	"RaceStatsSync/internal/metrics"
	"RaceStatsSync/internal/model"
	"RaceStatsSync/internal/repository"
	"RaceStatsSync/internal/service"
	"RaceStatsSync/internal/utils/retry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// app 命令共享的运行环境：配置、日志、数据库、指标
type app struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
	db         *gorm.DB
	registry   *prometheus.Registry
	metrics    *metrics.PipelineMetrics
}

func (a *app) load() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log)
	a.logger.Info("配置文件加载成功")

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics, err = metrics.NewPipelineMetrics(a.registry)
	return err
}

func (a *app) openDB() error {
	db, err := openDatabase(&a.cfg.Database, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	return nil
}

func (a *app) close() {
	if a.db == nil {
		return
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (a *app) enrichmentService() (*service.EnrichmentService, error) {
	e := a.cfg.Enrichment
	source, err := adapter.NewSource(&e, a.logger)
	if err != nil {
		return nil, err
	}
	settings := service.EnrichmentSettings{
		RateLimit:      e.RateLimit,
		RequestTimeout: e.RequestTimeout,
		QueryTimeout:   a.cfg.Database.QueryTimeout,
		Retry: &retry.Policy{
			MaxAttempts:  e.Retry.MaxAttempts,
			InitialDelay: e.Retry.InitialDelay,
			MaxDelay:     e.Retry.MaxDelay,
			Multiplier:   e.Retry.Multiplier,
			JitterFactor: 0.1,
		},
		Metrics: a.metrics,
	}
	return service.NewEnrichmentService(
		repository.NewEntityRepository(a.db),
		source,
		service.NewCheckpointManager(e.CheckpointPath),
		settings,
		a.logger,
	), nil
}

func (a *app) linkingService() *service.LinkingService {
	return service.NewLinkingService(repository.NewEntityRepository(a.db), a.cfg.Database.QueryTimeout, a.logger)
}

func (a *app) statisticsService() *service.StatisticsService {
	return service.NewStatisticsService(
		repository.NewRaceRepository(a.db),
		repository.NewPedigreeRepository(a.db),
		repository.NewEntityRepository(a.db),
		repository.NewStatisticsRepository(a.db),
		service.StatisticsSettings{
			PageSize:     a.cfg.Aggregation.PageSize,
			WriteSize:    a.cfg.Aggregation.WriteSize,
			QueryTimeout: a.cfg.Database.QueryTimeout,
			Metrics:      a.metrics,
		},
		a.logger,
	)
}

func (a *app) enrichmentDefaults() service.EnrichmentOptions {
	e := a.cfg.Enrichment
	return service.EnrichmentOptions{
		BatchSize:       e.BatchSize,
		Workers:         e.Workers,
		CheckpointEvery: e.CheckpointEvery,
	}
}

func rootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "racestats",
		Short:         "赛马实体补全与统计",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "配置文件路径（默认 ./config/config.yaml）")

	root.AddCommand(
		enrichCommand(a),
		linkCommand(a),
		aggregateCommand(a),
		serveCommand(a),
		checkpointCommand(a),
	)
	return root
}

func enrichCommand(a *app) *cobra.Command {
	var (
		opts          service.EnrichmentOptions
		kinds         []string
		rateLimit     float64
		skipLinking   bool
		skipDiscovery bool
	)
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "从外部数据源补全实体，可断点续跑",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := model.ParseKinds(kinds)
			if err != nil {
				return err
			}
			defaults := a.enrichmentDefaults()
			flags := cmd.Flags()
			if !flags.Changed("batch-size") {
				opts.BatchSize = defaults.BatchSize
			}
			if !flags.Changed("workers") {
				opts.Workers = defaults.Workers
			}
			if flags.Changed("rate") {
				if rateLimit <= 0 {
					return errors.New("--rate 必须大于0")
				}
				a.cfg.Enrichment.RateLimit = rateLimit
			}
			if opts.BatchSize < 1 || opts.Workers < 1 {
				return errors.New("--batch-size 与 --workers 必须大于等于1")
			}
			opts.Kinds = parsed
			opts.CheckpointEvery = defaults.CheckpointEvery
			opts.SkipDiscovery = skipDiscovery

			if err := a.openDB(); err != nil {
				return err
			}
			svc, err := a.enrichmentService()
			if err != nil {
				return err
			}
			if _, err := svc.Run(cmd.Context(), opts); err != nil {
				return err
			}
			if skipLinking {
				return nil
			}
			_, err = a.linkingService().Run(cmd.Context(), opts.DryRun)
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.Resume, "resume", false, "从 checkpoint 继续上次中断的运行")
	f.IntVar(&opts.BatchSize, "batch-size", 0, "队列分页大小（默认取配置）")
	f.StringSliceVar(&kinds, "kind", nil, "只处理指定实体类型，可重复或逗号分隔")
	f.BoolVar(&opts.DryRun, "dry-run", false, "只抓取与计数，不写库、不写 checkpoint")
	f.IntVar(&opts.Workers, "workers", 0, "并发抓取协程数（默认取配置）")
	f.Float64Var(&rateLimit, "rate", 0, "全局每秒请求数（默认取配置）")
	f.BoolVar(&skipDiscovery, "skip-discovery", false, "不从事件日志发现新实体")
	f.BoolVar(&skipLinking, "skip-linking", false, "补全后不做血统关联")
	return cmd
}

func linkCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "link",
		Short: "按名称把种马/母马/外祖父关联到马匹",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openDB(); err != nil {
				return err
			}
			_, err := a.linkingService().Run(cmd.Context(), dryRun)
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只解析不写库")
	return cmd
}

func aggregateCommand(a *app) *cobra.Command {
	var (
		kinds  []string
		dryRun bool
		now    string
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "全量重算实体统计（生涯、后代、AE 指数、近期状态）",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := model.ParseKinds(kinds)
			if err != nil {
				return err
			}
			asOf, err := service.ParseAsOf(now)
			if err != nil {
				return err
			}
			if err := a.openDB(); err != nil {
				return err
			}
			_, err = a.statisticsService().Run(cmd.Context(), service.AggregateOptions{Kinds: parsed, DryRun: dryRun, Now: asOf})
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&kinds, "kind", nil, "只计算指定实体类型，可重复或逗号分隔")
	f.BoolVar(&dryRun, "dry-run", false, "只计算不写库")
	f.StringVar(&now, "now", "", "统计基准时间（RFC3339 或 YYYY-MM-DD），默认当前时间")
	return cmd
}

func serveCommand(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动运维 HTTP 服务（健康检查、指标、pprof、查询与任务触发）",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openDB(); err != nil {
				return err
			}
			if port == 0 {
				port = a.cfg.Server.Port
			}
			return a.serve(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "监听端口（默认取配置）")
	return cmd
}

func (a *app) serve(ctx context.Context, port int) error {
	enricher, err := a.enrichmentService()
	if err != nil {
		return err
	}
	gin.SetMode(a.cfg.Server.Mode)
	jobs := api.NewJobHandler(ctx, enricher, a.linkingService(), a.statisticsService(), a.enrichmentDefaults(), a.logger)
	router := api.NewRouter(api.NewQueryHandler(a.db, a.logger), jobs, a.registry, a.logger)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("服务启动成功，端口：%d，Gin运行模式: %s", port, a.cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("启动服务失败: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("收到退出信号，正在关闭服务…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("关闭HTTP服务超时")
	}
	// 后台任务随 ctx 取消，已提交部分写入 checkpoint
	jobs.Wait()
	return nil
}

func checkpointCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "查看或清除补全 checkpoint",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "打印 checkpoint 内容",
		RunE: func(cmd *cobra.Command, args []string) error {
			cpm := service.NewCheckpointManager(a.cfg.Enrichment.CheckpointPath)
			cp, err := cpm.Load()
			if err != nil {
				return err
			}
			if cp == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s 不存在，下次运行从头开始\n", cpm.Path())
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cp)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "删除 checkpoint，下次 --resume 从头开始",
		RunE: func(cmd *cobra.Command, args []string) error {
			cpm := service.NewCheckpointManager(a.cfg.Enrichment.CheckpointPath)
			if err := cpm.Clear(); err != nil {
				return err
			}
			a.logger.WithField("path", cpm.Path()).Info("checkpoint已删除")
			return nil
		},
	})
	return cmd
}
