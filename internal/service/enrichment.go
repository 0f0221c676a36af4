package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RaceStatsSync/internal/apperrors"
	"RaceStatsSync/internal/interfaces"
	"RaceStatsSync/internal/metrics"
	"RaceStatsSync/internal/model"
	"RaceStatsSync/internal/repository"
	"RaceStatsSync/internal/utils/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CheckpointStore 断点持久化；CheckpointManager 是文件实现
type CheckpointStore interface {
	Save(cp *model.EnrichmentCheckpoint) error
	Load() (*model.EnrichmentCheckpoint, error)
	Clear() error
}

// EnrichmentOptions 单次补全运行的调用参数
type EnrichmentOptions struct {
	Resume          bool
	BatchSize       int
	Kinds           []model.EntityKind
	DryRun          bool // 照常抓取与计数，但不写库、不落盘 checkpoint
	Workers         int
	CheckpointEvery int
	SkipDiscovery   bool
}

// EnrichmentSummary 运行结束汇总
type EnrichmentSummary struct {
	RunID       string                   `json:"run_id"`
	Resumed     bool                     `json:"resumed"`
	DryRun      bool                     `json:"dry_run"`
	Discovered  int64                    `json:"discovered"`
	Processed   int                      `json:"processed"` // 含从 checkpoint 恢复的部分
	Counters    model.EnrichmentCounters `json:"counters"`
	Cursor      string                   `json:"cursor"`
	Interrupted bool                     `json:"interrupted"`
	StartedAt   time.Time                `json:"started_at"`
	Duration    time.Duration            `json:"duration"`
}

// EnrichmentSettings 调度器依赖的可调项
type EnrichmentSettings struct {
	RateLimit      float64       // 全局每秒请求数，<=0 表示不限
	RequestTimeout time.Duration // 单次数据源调用超时
	QueryTimeout   time.Duration // 单次存储读写超时
	Retry          *retry.Policy
	Clock          func() time.Time
	Metrics        *metrics.PipelineMetrics
}

// EnrichmentService 按 queue_key 顺序补全实体：共享限流、统一重试、有序提交、可断点续跑
type EnrichmentService struct {
	entityRepo  repository.EntityRepository
	source      interfaces.EnrichmentSource
	checkpoints CheckpointStore
	limiter     *rate.Limiter
	policy      *retry.Policy
	settings    EnrichmentSettings
	logger      *logrus.Logger
}

func NewEnrichmentService(entityRepo repository.EntityRepository, source interfaces.EnrichmentSource, checkpoints CheckpointStore, settings EnrichmentSettings, logger *logrus.Logger) *EnrichmentService {
	limit := rate.Inf
	if settings.RateLimit > 0 {
		limit = rate.Limit(settings.RateLimit)
	}
	if settings.Clock == nil {
		settings.Clock = time.Now
	}
	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = 15 * time.Second
	}
	if settings.QueryTimeout <= 0 {
		settings.QueryTimeout = 30 * time.Second
	}

	policy := retry.DefaultPolicy()
	if settings.Retry != nil {
		p := *settings.Retry
		policy = &p
	}
	s := &EnrichmentService{
		entityRepo:  entityRepo,
		source:      source,
		checkpoints: checkpoints,
		// burst 1：所有 worker 与所有重试共用同一个令牌桶
		limiter:  rate.NewLimiter(limit, 1),
		policy:   policy,
		settings: settings,
		logger:   logger,
	}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.settings.Metrics.IncRetry()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Debug("数据源调用失败，等待重试")
	}
	return s
}

// enrichmentRun 单次运行的可变状态，只由提交协程修改
type enrichmentRun struct {
	opts      EnrichmentOptions
	runID     string
	counters  model.EnrichmentCounters
	processed int
	cursor    string
	resumed   bool
	lastFlush int
}

type fetchResult struct {
	record   *model.ExtendedRecord
	attempts int
	err      error
	done     chan struct{}
}

// Run 执行一次补全。实体级失败只计数；存储失败与 checkpoint 异常为运行级错误；
// ctx 取消时落盘已提交前缀的 checkpoint 并返回 ErrInterrupted
func (s *EnrichmentService) Run(ctx context.Context, opts EnrichmentOptions) (*EnrichmentSummary, error) {
	opts = normalizeEnrichmentOptions(opts)
	started := time.Now()
	run := &enrichmentRun{
		opts:     opts,
		runID:    uuid.NewString(),
		counters: model.EnrichmentCounters{ByKind: make(map[string]int)},
	}

	if err := s.prepare(ctx, run); err != nil {
		return nil, err
	}
	summary := &EnrichmentSummary{
		RunID:     run.runID,
		Resumed:   run.resumed,
		DryRun:    opts.DryRun,
		StartedAt: started,
	}

	if !opts.SkipDiscovery && !opts.DryRun {
		n, err := s.discover(ctx, opts.Kinds)
		if err != nil {
			return summary, err
		}
		summary.Discovered = n
	}

	log := s.logger.WithFields(logrus.Fields{"run_id": run.runID, "resume": run.resumed, "dry_run": opts.DryRun})
	log.WithFields(logrus.Fields{
		"cursor":    run.cursor,
		"processed": run.processed,
		"workers":   opts.Workers,
		"kinds":     opts.Kinds,
	}).Info("补全任务开始")

	runErr := s.drain(ctx, run)
	interrupted := errors.Is(runErr, apperrors.ErrInterrupted)

	// 运行级失败与中断都落盘已提交前缀；正常结束写入完成标记
	if !opts.DryRun && (run.processed > run.lastFlush || runErr == nil) {
		if err := s.flush(run, runErr == nil); err != nil {
			log.WithError(err).Error("写入checkpoint失败")
			if runErr == nil {
				runErr = err
			}
		}
	}

	summary.Processed = run.processed
	summary.Counters = run.counters.Clone()
	summary.Cursor = run.cursor
	summary.Interrupted = interrupted
	summary.Duration = time.Since(started)
	s.settings.Metrics.ObserveRun("enrich", summary.Duration.Seconds(), runErr == nil)

	fields := logrus.Fields{
		"processed":      run.processed,
		"enriched":       run.counters.Enriched,
		"no_data":        run.counters.NoData,
		"skipped":        run.counters.Skipped,
		"errored":        run.counters.Errored,
		"pedigree_links": run.counters.Links,
		"cursor":         run.cursor,
		"duration":       summary.Duration.String(),
	}
	switch {
	case interrupted:
		log.WithFields(fields).Warn("补全任务被中断，已保存checkpoint")
	case runErr != nil:
		log.WithError(runErr).WithFields(fields).Error("补全任务失败")
	default:
		log.WithFields(fields).Info("补全任务完成")
	}
	return summary, runErr
}

func normalizeEnrichmentOptions(opts EnrichmentOptions) EnrichmentOptions {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 100
	}
	return opts
}

// prepare 处理 resume：加载并校验 checkpoint，恢复游标与计数
func (s *EnrichmentService) prepare(ctx context.Context, run *enrichmentRun) error {
	if run.opts.DryRun {
		return nil
	}
	if !run.opts.Resume {
		// 新运行使用新的 run id，旧断点作废
		return s.checkpoints.Clear()
	}

	cp, err := s.checkpoints.Load()
	if err != nil {
		return err
	}
	if cp == nil {
		s.logger.Info("未找到checkpoint，从头开始")
		return nil
	}
	if cp.Completed {
		s.logger.WithField("run_id", cp.RunID).Info("上次运行已完成，开始新的运行")
		return s.checkpoints.Clear()
	}
	if err := s.verifyCheckpoint(ctx, cp); err != nil {
		return err
	}

	run.runID = cp.RunID
	run.cursor = cp.LastProcessedID
	run.processed = cp.ProcessedCount
	run.lastFlush = cp.ProcessedCount
	run.counters = cp.Counters.Clone()
	run.resumed = true
	return nil
}

// verifyCheckpoint 游标处的实体必须已由同一 run 提交，否则无法证明断点与存储一致
func (s *EnrichmentService) verifyCheckpoint(ctx context.Context, cp *model.EnrichmentCheckpoint) error {
	key, ok := model.ParseQueueKey(cp.LastProcessedID)
	if !ok {
		return apperrors.Integrity(fmt.Sprintf("checkpoint cursor %q is not a queue key", cp.LastProcessedID), nil)
	}
	qctx, cancel := context.WithTimeout(ctx, s.settings.QueryTimeout)
	defer cancel()
	entity, err := s.entityRepo.GetByKey(qctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Integrity(fmt.Sprintf("checkpoint cursor %s not in entity store", key), nil)
	}
	if err != nil {
		return apperrors.Integrity("verify checkpoint cursor", err)
	}
	if entity.EnrichmentStatus == model.EnrichmentPending ||
		entity.EnrichmentRunID == nil || *entity.EnrichmentRunID != cp.RunID {
		return apperrors.Integrity(fmt.Sprintf("checkpoint cursor %s was not committed by run %s", key, cp.RunID), nil)
	}
	return nil
}

func (s *EnrichmentService) discover(ctx context.Context, kinds []model.EntityKind) (int64, error) {
	qctx, cancel := context.WithTimeout(ctx, s.settings.QueryTimeout)
	defer cancel()
	n, err := s.entityRepo.DiscoverFromEventLog(qctx, kinds)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %w", apperrors.ErrInterrupted, ctx.Err())
		}
		return 0, apperrors.Integrity("discover entities from event log", err)
	}
	if n > 0 {
		s.logger.WithField("count", n).Info("从事件日志发现新实体")
	}
	return n, nil
}

// drain 分页拉取队列直到为空
func (s *EnrichmentService) drain(ctx context.Context, run *enrichmentRun) error {
	after := run.cursor
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrInterrupted, ctx.Err())
		}
		filter := repository.QueueFilter{
			Kinds:    run.opts.Kinds,
			AfterKey: after,
			Limit:    run.opts.BatchSize,
		}
		if run.resumed {
			filter.RunID = run.runID
		}
		qctx, cancel := context.WithTimeout(ctx, s.settings.QueryTimeout)
		page, err := s.entityRepo.ListQueue(qctx, filter)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", apperrors.ErrInterrupted, ctx.Err())
			}
			return apperrors.Integrity("list enrichment queue", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := s.processPage(ctx, run, page); err != nil {
			return err
		}
		after = page[len(page)-1].QueueKey
	}
}

// processPage W 个抓取协程 + 当前协程按队列顺序提交，checkpoint 永远是已提交前缀
func (s *EnrichmentService) processPage(ctx context.Context, run *enrichmentRun, page []*model.CanonicalEntity) error {
	pageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]fetchResult, len(page))
	for i := range results {
		results[i].done = make(chan struct{})
	}
	jobs := make(chan int)

	g, gctx := errgroup.WithContext(pageCtx)
	g.Go(func() error {
		defer close(jobs)
		for i := range page {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < run.opts.Workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				r := &results[i]
				r.record, r.attempts, r.err = s.fetch(gctx, page[i])
				close(r.done)
			}
			return nil
		})
	}

	commitErr := s.commitInOrder(ctx, run, page, results)
	cancel()
	_ = g.Wait()
	return commitErr
}

func (s *EnrichmentService) commitInOrder(ctx context.Context, run *enrichmentRun, page []*model.CanonicalEntity, results []fetchResult) error {
	for i, entity := range page {
		r := &results[i]
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", apperrors.ErrInterrupted, ctx.Err())
		}
		// 抓取因取消而失败的结果不能当作实体失败记账
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrInterrupted, ctx.Err())
		}
		if err := s.commit(ctx, run, entity, r); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", apperrors.ErrInterrupted, ctx.Err())
			}
			return err
		}
		run.processed++
		run.cursor = entity.QueueKey
		if !run.opts.DryRun && run.processed-run.lastFlush >= run.opts.CheckpointEvery {
			if err := s.flush(run, false); err != nil {
				return apperrors.Integrity("flush checkpoint", err)
			}
		}
	}
	return nil
}

// fetch 每次尝试（含重试）都先从共享限流器取令牌
func (s *EnrichmentService) fetch(ctx context.Context, entity *model.CanonicalEntity) (*model.ExtendedRecord, int, error) {
	attempts := 0
	rec, err := retry.DoWithResult(ctx, s.policy, func(ctx context.Context) (*model.ExtendedRecord, error) {
		attempts++
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.settings.RequestTimeout)
		defer cancel()

		start := time.Now()
		rec, err := s.source.GetDetails(callCtx, entity.Kind, entity.EntityID)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = apperrors.Transient(fmt.Errorf("request timed out after %s: %w", s.settings.RequestTimeout, err))
		}
		s.settings.Metrics.ObserveRequest(requestOutcome(err), time.Since(start).Seconds())
		return rec, err
	})
	return rec, attempts, err
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, apperrors.ErrTransientIO):
		return "transient"
	default:
		return "error"
	}
}

// commit 单个实体的结果落库并记账
func (s *EnrichmentService) commit(ctx context.Context, run *enrichmentRun, entity *model.CanonicalEntity, r *fetchResult) error {
	key := entity.Key()
	at := s.settings.Clock().UTC()
	entry := s.logger.WithFields(logrus.Fields{"entity": key.String(), "attempts": r.attempts})

	var status model.EnrichmentStatus
	var write *repository.EnrichmentWrite
	switch {
	case r.err == nil && r.record != nil:
		status = model.EnrichmentEnriched
		w, err := buildEnrichmentWrite(entity, r.record, run.runID, at, r.attempts)
		if err != nil {
			return err
		}
		write = w
	case r.err == nil, errors.Is(r.err, apperrors.ErrNotFound):
		status = model.EnrichmentNoData
		entry.Debug("数据源无记录，标记为no_data")
	case errors.Is(r.err, apperrors.ErrPersistentFailure):
		status = model.EnrichmentSkipped
		entry.WithError(r.err).Warn("重试耗尽，跳过该实体")
	default:
		status = model.EnrichmentSkipped
		entry.WithError(r.err).Error("数据源返回不可重试错误，跳过该实体")
	}

	if !run.opts.DryRun {
		qctx, cancel := context.WithTimeout(ctx, s.settings.QueryTimeout)
		var err error
		if write != nil {
			err = s.entityRepo.CommitEnrichment(qctx, write)
		} else {
			err = s.entityRepo.MarkStatus(qctx, key, status, run.runID, at, r.attempts)
		}
		cancel()
		if err != nil {
			return apperrors.Integrity(fmt.Sprintf("commit enrichment of %s", key), err)
		}
	}

	outcome := string(status)
	switch {
	case status == model.EnrichmentEnriched:
		run.counters.Enriched++
		if write.Pedigree != nil {
			run.counters.Links++
		}
	case status == model.EnrichmentNoData:
		run.counters.NoData++
	case errors.Is(r.err, apperrors.ErrPersistentFailure):
		run.counters.Skipped++
	default:
		run.counters.Errored++
		outcome = "errored"
	}
	run.counters.ByKind[string(key.Kind)]++
	s.settings.Metrics.IncEntity(string(key.Kind), outcome)
	return nil
}

// buildEnrichmentWrite 合并扩展属性；马匹的血统生成 PedigreeLink 与祖先占位实体
func buildEnrichmentWrite(entity *model.CanonicalEntity, rec *model.ExtendedRecord, runID string, at time.Time, attempts int) (*repository.EnrichmentWrite, error) {
	extended := datatypes.JSON("{}")
	if len(rec.Attributes) > 0 {
		b, err := json.Marshal(rec.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal attributes of %s: %w", entity.Key(), err)
		}
		extended = b
	}

	w := &repository.EnrichmentWrite{
		Key:        entity.Key(),
		Name:       rec.Name,
		Extended:   extended,
		RunID:      runID,
		EnrichedAt: at,
		Attempts:   attempts,
	}
	region := rec.Region
	if region == "" {
		_, region = ParseRegion(rec.Name)
	}
	if region != RegionUnknown {
		w.Region = &region
	}

	if entity.Kind != model.KindHorse || !rec.HasPedigree() {
		return w, nil
	}
	link := &model.PedigreeLink{HorseID: entity.EntityID}
	refs := []struct {
		kind model.EntityKind
		ref  *model.AncestorRef
		dst  **string
	}{
		{model.KindSire, rec.Pedigree.Sire, &link.SireID},
		{model.KindDam, rec.Pedigree.Dam, &link.DamID},
		{model.KindDamsire, rec.Pedigree.Damsire, &link.DamsireID},
	}
	for _, r := range refs {
		// 缺 id 的祖先不建立关联
		if r.ref == nil || r.ref.ID == "" {
			continue
		}
		id := r.ref.ID
		*r.dst = &id
		ancestor := model.NewEntity(r.kind, id, r.ref.Name)
		ancestorRegion := r.ref.Region
		if ancestorRegion == "" {
			_, ancestorRegion = ParseRegion(r.ref.Name)
		}
		if ancestorRegion != RegionUnknown {
			ancestor.Region = &ancestorRegion
		}
		w.Ancestors = append(w.Ancestors, ancestor)
	}
	if len(w.Ancestors) > 0 {
		w.Pedigree = link
	}
	return w, nil
}

// flush 写入当前已提交前缀的 checkpoint
func (s *EnrichmentService) flush(run *enrichmentRun, completed bool) error {
	if run.cursor == "" {
		return nil
	}
	cp := &model.EnrichmentCheckpoint{
		Version:         model.CheckpointVersion,
		RunID:           run.runID,
		LastProcessedID: run.cursor,
		ProcessedCount:  run.processed,
		Counters:        run.counters.Clone(),
		Timestamp:       s.settings.Clock().UTC(),
		Completed:       completed,
	}
	if err := s.checkpoints.Save(cp); err != nil {
		return err
	}
	run.lastFlush = run.processed
	s.logger.WithFields(logrus.Fields{
		"run_id":    run.runID,
		"cursor":    run.cursor,
		"processed": run.processed,
	}).Debug("checkpoint已保存")
	return nil
}
