package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"RaceStatsSync/internal/apperrors"
	"RaceStatsSync/internal/metrics"
	"RaceStatsSync/internal/model"
	"RaceStatsSync/internal/repository"

	"github.com/sirupsen/logrus"
)

// StatisticsSettings 统计任务可调项
type StatisticsSettings struct {
	PageSize     int           // 事件日志分页大小
	WriteSize    int           // 统计写入批大小
	QueryTimeout time.Duration // 单页读取/单批写入超时
	Clock        func() time.Time
	Metrics      *metrics.PipelineMetrics
}

// AggregateOptions 单次统计运行参数
type AggregateOptions struct {
	Kinds  []model.EntityKind
	DryRun bool
	Now    time.Time // 为零时取当前时间；固定 now 可复现结果
}

// StatisticsSummary 统计运行汇总
type StatisticsSummary struct {
	Now        time.Time      `json:"now"`
	Rows       int64          `json:"rows"`
	RecentRows int            `json:"recent_rows"`
	Links      int            `json:"pedigree_links"`
	Entities   int            `json:"entities"`
	Written    int            `json:"written"`
	ByKind     map[string]int `json:"by_kind"`
	DryRun     bool           `json:"dry_run"`
	Duration   time.Duration  `json:"duration"`
}

// StatisticsService 统计编排：读事件日志与血统 → 聚合 → 近期状态 → 整行覆盖写入
type StatisticsService struct {
	raceRepo     repository.RaceRepository
	pedigreeRepo repository.PedigreeRepository
	entityRepo   repository.EntityRepository
	statsRepo    repository.StatisticsRepository
	engine       *AggregationEngine
	settings     StatisticsSettings
	logger       *logrus.Logger
}

func NewStatisticsService(
	raceRepo repository.RaceRepository,
	pedigreeRepo repository.PedigreeRepository,
	entityRepo repository.EntityRepository,
	statsRepo repository.StatisticsRepository,
	settings StatisticsSettings,
	logger *logrus.Logger,
) *StatisticsService {
	if settings.PageSize <= 0 {
		settings.PageSize = 50000
	}
	if settings.WriteSize <= 0 {
		settings.WriteSize = 1000
	}
	if settings.QueryTimeout <= 0 {
		settings.QueryTimeout = 30 * time.Second
	}
	if settings.Clock == nil {
		settings.Clock = time.Now
	}
	return &StatisticsService{
		raceRepo:     raceRepo,
		pedigreeRepo: pedigreeRepo,
		entityRepo:   entityRepo,
		statsRepo:    statsRepo,
		engine:       NewAggregationEngine(logger),
		settings:     settings,
		logger:       logger,
	}
}

// Run 计算并写入；dry-run 只计算与汇报
func (s *StatisticsService) Run(ctx context.Context, opts AggregateOptions) (*StatisticsSummary, error) {
	started := time.Now()
	stats, summary, err := s.Compute(ctx, opts)
	if err != nil {
		s.settings.Metrics.ObserveRun("aggregate", time.Since(started).Seconds(), false)
		return summary, err
	}

	if !opts.DryRun {
		for start := 0; start < len(stats); start += s.settings.WriteSize {
			end := min(start+s.settings.WriteSize, len(stats))
			wctx, cancel := context.WithTimeout(ctx, s.settings.QueryTimeout)
			err := s.statsRepo.UpsertStatistics(wctx, stats[start:end], s.settings.WriteSize)
			cancel()
			if err != nil {
				s.settings.Metrics.ObserveRun("aggregate", time.Since(started).Seconds(), false)
				return summary, apperrors.Integrity("write entity statistics", err)
			}
			for _, st := range stats[start:end] {
				s.settings.Metrics.AddStatisticsWritten(string(st.Kind), 1)
			}
			summary.Written = end
		}
	}

	summary.Duration = time.Since(started)
	s.settings.Metrics.ObserveRun("aggregate", summary.Duration.Seconds(), true)
	s.logger.WithFields(logrus.Fields{
		"now":      summary.Now.Format(time.RFC3339),
		"rows":     summary.Rows,
		"entities": summary.Entities,
		"written":  summary.Written,
		"by_kind":  summary.ByKind,
		"dry_run":  opts.DryRun,
		"duration": summary.Duration.String(),
	}).Info("统计任务完成")
	return summary, nil
}

// Compute 返回按 (kind, id) 排序的统计行，不写库
func (s *StatisticsService) Compute(ctx context.Context, opts AggregateOptions) ([]*model.EntityStatistics, *StatisticsSummary, error) {
	now := opts.Now
	if now.IsZero() {
		now = s.settings.Clock()
	}
	now = now.UTC()
	summary := &StatisticsSummary{Now: now, DryRun: opts.DryRun, ByKind: make(map[string]int)}

	qctx, cancel := context.WithTimeout(ctx, s.settings.QueryTimeout)
	links, err := s.pedigreeRepo.ListLinks(qctx)
	cancel()
	if err != nil {
		return nil, summary, s.readError(ctx, "load pedigree links", err)
	}
	summary.Links = len(links)

	qctx, cancel = context.WithTimeout(ctx, s.settings.QueryTimeout)
	breeding, err := s.entityRepo.ListBreeding(qctx, false)
	cancel()
	if err != nil {
		return nil, summary, s.readError(ctx, "load breeding entities", err)
	}

	run := s.engine.NewRun(opts.Kinds)
	err = repository.StreamRunners(ctx, s.raceRepo, repository.RunnerFilter{}, s.settings.PageSize, s.settings.QueryTimeout,
		func(rows []model.RunnerRow) error {
			return run.AddRows(ctx, rows)
		})
	if err != nil {
		return nil, summary, s.readError(ctx, "scan event log", err)
	}
	summary.Rows = run.Rows()

	byKey, err := run.Finish(ctx, links, breeding, now)
	if err != nil {
		return nil, summary, s.readError(ctx, "aggregate", err)
	}

	// 近期状态只读回看窗口内的行
	recent := NewRecentFormAggregator(now, opts.Kinds, links)
	window := recent.Window()
	var recentRows []model.RunnerRow
	err = repository.StreamRunners(ctx, s.raceRepo, repository.RunnerFilter{From: &window.LongStart, To: &window.Now},
		s.settings.PageSize, s.settings.QueryTimeout,
		func(rows []model.RunnerRow) error {
			recentRows = append(recentRows, rows...)
			return nil
		})
	if err != nil {
		return nil, summary, s.readError(ctx, "scan recent event log", err)
	}
	summary.RecentRows = len(recentRows)
	ApplyRecentForm(byKey, recent.Compute(recentRows))

	stats := make([]*model.EntityStatistics, 0, len(byKey))
	for _, st := range byKey {
		stats = append(stats, st)
		summary.ByKind[string(st.Kind)]++
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Kind != stats[j].Kind {
			return stats[i].Kind < stats[j].Kind
		}
		return stats[i].EntityID < stats[j].EntityID
	})
	summary.Entities = len(stats)
	return stats, summary, nil
}

// readError 取消归为中断，其它读取失败为运行级 DataIntegrity
func (s *StatisticsService) readError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrInterrupted, op, ctx.Err())
	}
	return apperrors.Integrity(op, err)
}
