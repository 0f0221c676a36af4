package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"RaceStatsSync/internal/apperrors"
	"RaceStatsSync/internal/model"
	"RaceStatsSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Enricher 补全任务
type Enricher interface {
	Run(ctx context.Context, opts service.EnrichmentOptions) (*service.EnrichmentSummary, error)
}

// Linker 血统关联任务
type Linker interface {
	Run(ctx context.Context, dryRun bool) (*service.LinkSummary, error)
}

// Aggregator 统计任务
type Aggregator interface {
	Run(ctx context.Context, opts service.AggregateOptions) (*service.StatisticsSummary, error)
}

// 任务状态
const (
	JobRunning     = "running"
	JobSucceeded   = "succeeded"
	JobFailed      = "failed"
	JobInterrupted = "interrupted"
)

// JobRecord 一次后台任务的执行记录
type JobRecord struct {
	ID         string     `json:"id"`
	Job        string     `json:"job"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Result     any        `json:"result,omitempty"`
}

// EnrichJobResult 补全任务结果：补全汇总 + 随后的血统关联汇总
type EnrichJobResult struct {
	Enrichment *service.EnrichmentSummary `json:"enrichment"`
	Linking    *service.LinkSummary       `json:"linking,omitempty"`
}

// JobHandler 后台触发补全/统计；同一时间只允许一个任务
type JobHandler struct {
	baseCtx    context.Context
	enricher   Enricher
	linker     Linker
	aggregator Aggregator
	defaults   service.EnrichmentOptions
	logger     *logrus.Logger

	mu      sync.Mutex
	current *JobRecord
	last    *JobRecord
	wg      sync.WaitGroup
}

// NewJobHandler ctx 为服务生命周期，取消时正在执行的任务按中断处理；linker 可为空
func NewJobHandler(ctx context.Context, enricher Enricher, linker Linker, aggregator Aggregator, defaults service.EnrichmentOptions, logger *logrus.Logger) *JobHandler {
	return &JobHandler{
		baseCtx:    ctx,
		enricher:   enricher,
		linker:     linker,
		aggregator: aggregator,
		defaults:   defaults,
		logger:     logger,
	}
}

// Wait 等待后台任务结束
func (h *JobHandler) Wait() {
	h.wg.Wait()
}

// RunEnrich 触发补全 POST /jobs/enrich?resume=true&dry_run=false&kind=horse&kind=sire
func (h *JobHandler) RunEnrich(c *gin.Context) {
	opts := h.defaults
	var err error
	if opts.Kinds, err = model.ParseKinds(c.QueryArray("kind")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.Resume, err = queryBool(c, "resume"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.DryRun, err = queryBool(c, "dry_run"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.start(c, "enrich", func(ctx context.Context) (any, error) {
		res := &EnrichJobResult{}
		summary, err := h.enricher.Run(ctx, opts)
		res.Enrichment = summary
		if err != nil || h.linker == nil {
			return res, err
		}
		res.Linking, err = h.linker.Run(ctx, opts.DryRun)
		return res, err
	})
}

// RunAggregate 触发统计 POST /jobs/aggregate?kind=sire&dry_run=true&now=2024-07-01
func (h *JobHandler) RunAggregate(c *gin.Context) {
	var opts service.AggregateOptions
	var err error
	if opts.Kinds, err = model.ParseKinds(c.QueryArray("kind")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.DryRun, err = queryBool(c, "dry_run"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.Now, err = service.ParseAsOf(c.Query("now")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.start(c, "aggregate", func(ctx context.Context) (any, error) {
		return h.aggregator.Run(ctx, opts)
	})
}

// LastRun 当前与最近一次任务 GET /jobs/last
func (h *JobHandler) LastRun(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp := gin.H{"running": nil, "last": nil}
	if h.current != nil {
		cur := *h.current
		resp["running"] = cur
	}
	if h.last != nil {
		resp["last"] = *h.last
	}
	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) start(c *gin.Context, name string, fn func(ctx context.Context) (any, error)) {
	h.mu.Lock()
	if h.current != nil {
		running := *h.current
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "已有任务在执行", "running": running})
		return
	}
	rec := &JobRecord{ID: uuid.NewString(), Job: name, Status: JobRunning, StartedAt: time.Now().UTC()}
	h.current = rec
	accepted := *rec
	h.wg.Add(1)
	h.mu.Unlock()

	log := h.logger.WithFields(logrus.Fields{"job": name, "job_id": rec.ID})
	log.Info("后台任务开始")
	go func() {
		defer h.wg.Done()
		result, err := fn(h.baseCtx)
		h.finish(rec, result, err, log)
	}()
	c.JSON(http.StatusAccepted, accepted)
}

func (h *JobHandler) finish(rec *JobRecord, result any, err error, log *logrus.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	rec.FinishedAt = &now
	rec.Result = result
	switch {
	case err == nil:
		rec.Status = JobSucceeded
		log.Info("后台任务完成")
	case errors.Is(err, apperrors.ErrInterrupted):
		rec.Status = JobInterrupted
		rec.Error = err.Error()
		log.WithError(err).Warn("后台任务被中断")
	default:
		rec.Status = JobFailed
		rec.Error = err.Error()
		log.WithError(err).Error("后台任务失败")
	}
	done := *rec
	h.last = &done
	h.current = nil
}

func queryBool(c *gin.Context, name string) (bool, error) {
	v := c.Query(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New(name + " 必须是布尔值")
	}
	return b, nil
}
