package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"RaceStatsSync/internal/model"
	"RaceStatsSync/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// QueryHandler 实体与统计的只读查询接口
type QueryHandler struct {
	db         *gorm.DB
	entityRepo repository.EntityRepository
	statsRepo  repository.StatisticsRepository
	raceRepo   repository.RaceRepository
	logger     *logrus.Logger
}

// 出赛记录分页
const (
	defaultRunsLimit = 100
	maxRunsLimit     = 1000
)

// NewQueryHandler 创建 QueryHandler
func NewQueryHandler(db *gorm.DB, logger *logrus.Logger) *QueryHandler {
	return &QueryHandler{
		db:         db,
		entityRepo: repository.NewEntityRepository(db),
		statsRepo:  repository.NewStatisticsRepository(db),
		raceRepo:   repository.NewRaceRepository(db),
		logger:     logger,
	}
}

// Health 存活检查 GET /healthz，数据库不可达时返回 503
func (h *QueryHandler) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err = sqlDB.PingContext(ctx)
		cancel()
	}
	if err != nil {
		h.logger.WithError(err).Warn("健康检查失败")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetEntity 实体详情 GET /api/entities/:kind/:id
func (h *QueryHandler) GetEntity(c *gin.Context) {
	key, ok := entityKeyParam(c)
	if !ok {
		return
	}
	entity, err := h.entityRepo.GetByKey(c.Request.Context(), key)
	if err != nil {
		h.respondLookupError(c, "GetEntity", key, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

// GetStatistics 实体统计 GET /api/stats/:kind/:id
func (h *QueryHandler) GetStatistics(c *gin.Context) {
	key, ok := entityKeyParam(c)
	if !ok {
		return
	}
	stats, err := h.statsRepo.GetStatistics(c.Request.Context(), key)
	if err != nil {
		h.respondLookupError(c, "GetStatistics", key, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListStatistics 某类实体的全部统计 GET /api/stats/:kind，按 entity_id 排序
func (h *QueryHandler) ListStatistics(c *gin.Context) {
	kind, ok := model.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity kind: " + c.Param("kind")})
		return
	}
	list, err := h.statsRepo.ListStatistics(c.Request.Context(), kind)
	if err != nil {
		h.logger.WithError(err).WithField("kind", kind).Error("ListStatistics failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "count": len(list), "items": list})
}

// ListRuns 实体的出赛记录 GET /api/entities/:kind/:id/runs?after=&limit=
// 仅马匹与人员；next_after 为空表示没有更多
func (h *QueryHandler) ListRuns(c *gin.Context) {
	key, ok := entityKeyParam(c)
	if !ok {
		return
	}
	if key.Kind.IsBreeding() {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(key.Kind) + " has no runs of its own"})
		return
	}
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after: " + c.Query("after")})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultRunsLimit)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: " + c.Query("limit")})
		return
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}

	filter := repository.RunnerFilter{Kind: key.Kind, EntityID: key.ID}
	rows, err := h.raceRepo.ScanRunners(c.Request.Context(), filter, after, limit)
	if err != nil {
		h.respondLookupError(c, "ListRuns", key, err)
		return
	}
	var next *uint64
	if len(rows) == limit {
		next = &rows[len(rows)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"entity": key.String(), "runs": rows, "next_after": next})
}

func entityKeyParam(c *gin.Context) (model.EntityKey, bool) {
	kind, ok := model.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity kind: " + c.Param("kind")})
		return model.EntityKey{}, false
	}
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return model.EntityKey{}, false
	}
	return model.EntityKey{Kind: kind, ID: id}, true
}

func (h *QueryHandler) respondLookupError(c *gin.Context, op string, key model.EntityKey, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": key.String() + " not found"})
		return
	}
	h.logger.WithError(err).WithField("entity", key.String()).Error(op + " failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
