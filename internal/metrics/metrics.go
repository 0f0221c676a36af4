// Package metrics 补全与聚合流水线的 Prometheus 指标
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics 流水线指标；所有方法对 nil 接收者安全，便于测试与 dry-run 不注入
type PipelineMetrics struct {
	EnrichmentRequests *prometheus.CounterVec   // 按结果统计的数据源请求（含重试）
	EnrichmentEntities *prometheus.CounterVec   // 按类型、结果统计的实体
	EnrichmentRetries  prometheus.Counter       // 重试次数
	RequestDuration    prometheus.Histogram     // 单次请求耗时
	StatisticsWritten  *prometheus.CounterVec   // 按类型统计写入的统计行
	RunDuration        *prometheus.HistogramVec // 按任务统计运行耗时
	LastRunSuccess     *prometheus.GaugeVec     // 最近一次运行是否成功（1/0）
	registry           *prometheus.Registry
}

// NewPipelineMetrics 创建并注册到给定 registry
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.EnrichmentRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racestats_enrichment_requests_total",
		Help: "Enrichment source calls by outcome.",
	}, []string{"outcome"})

	m.EnrichmentEntities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racestats_enrichment_entities_total",
		Help: "Entities processed by the enrichment scheduler, by kind and final status.",
	}, []string{"kind", "status"})

	m.EnrichmentRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racestats_enrichment_retries_total",
		Help: "Retries issued after rate-limited or transient failures.",
	})

	m.RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "racestats_enrichment_request_duration_seconds",
		Help:    "Duration of single enrichment source calls.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.StatisticsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racestats_statistics_written_total",
		Help: "Entity statistics rows upserted, by kind.",
	}, []string{"kind"})

	m.RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "racestats_run_duration_seconds",
		Help:    "Duration of pipeline runs, by job.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"job"})

	m.LastRunSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "racestats_last_run_success",
		Help: "Whether the last run of a job succeeded (1) or failed (0).",
	}, []string{"job"})
}

// ObserveRequest 记录一次数据源调用
func (m *PipelineMetrics) ObserveRequest(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.EnrichmentRequests.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(seconds)
}

// IncRetry 记录一次重试
func (m *PipelineMetrics) IncRetry() {
	if m == nil {
		return
	}
	m.EnrichmentRetries.Inc()
}

// IncEntity 记录一个实体的最终状态
func (m *PipelineMetrics) IncEntity(kind, status string) {
	if m == nil {
		return
	}
	m.EnrichmentEntities.WithLabelValues(kind, status).Inc()
}

// AddStatisticsWritten 记录写入的统计行数
func (m *PipelineMetrics) AddStatisticsWritten(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StatisticsWritten.WithLabelValues(kind).Add(float64(n))
}

// ObserveRun 记录一次任务运行
func (m *PipelineMetrics) ObserveRun(job string, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(job).Observe(seconds)
	if success {
		m.LastRunSuccess.WithLabelValues(job).Set(1)
	} else {
		m.LastRunSuccess.WithLabelValues(job).Set(0)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.EnrichmentRequests.Collect(ch)
	m.EnrichmentEntities.Collect(ch)
	ch <- m.EnrichmentRetries
	ch <- m.RequestDuration
	m.StatisticsWritten.Collect(ch)
	m.RunDuration.Collect(ch)
	m.LastRunSuccess.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.EnrichmentRequests.Describe(ch)
	m.EnrichmentEntities.Describe(ch)
	ch <- m.EnrichmentRetries.Desc()
	ch <- m.RequestDuration.Desc()
	m.StatisticsWritten.Describe(ch)
	m.RunDuration.Describe(ch)
	m.LastRunSuccess.Describe(ch)
}
