package api

import (
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRouter 注册运维与查询路由；registry 为空时不暴露 /metrics
func NewRouter(query *QueryHandler, jobs *JobHandler, registry *prometheus.Registry, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	// 注册pprof 方便调试和监测性能问题
	pprof.Register(r)

	r.GET("/healthz", query.Health)
	if registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	r.GET("/api/entities/:kind/:id", query.GetEntity)
	r.GET("/api/entities/:kind/:id/runs", query.ListRuns)
	r.GET("/api/stats/:kind", query.ListStatistics)
	r.GET("/api/stats/:kind/:id", query.GetStatistics)

	r.POST("/jobs/enrich", jobs.RunEnrich)
	r.POST("/jobs/aggregate", jobs.RunAggregate)
	r.GET("/jobs/last", jobs.LastRun)
	return r
}

// requestLogger 用 logrus 记录请求，pprof 与 metrics 拉取走 debug 级别
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		switch path := c.FullPath(); {
		case c.Writer.Status() >= 500:
			entry.Warn("请求失败")
		case path == "/metrics" || path == "/healthz" || strings.HasPrefix(path, "/debug/pprof"):
			entry.Debug("请求完成")
		default:
			entry.Info("请求完成")
		}
	}
}
