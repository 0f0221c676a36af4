package model

import "time"

// CheckpointVersion checkpoint 文件格式版本
const CheckpointVersion = 1

// EnrichmentCheckpoint 补全任务断点：有序队列中已持久化前缀的游标 + 计数
// LastProcessedID 永远不会越过一个尚未写入 EntityStore 的实体
type EnrichmentCheckpoint struct {
	Version         int                `json:"version"`
	RunID           string             `json:"run_id"`
	LastProcessedID string             `json:"last_processed_id"` // queue_key
	ProcessedCount  int                `json:"processed_count"`
	Counters        EnrichmentCounters `json:"counters"`
	Timestamp       time.Time          `json:"timestamp"`
	Completed       bool               `json:"completed,omitempty"` // 队列已全部处理完
}

// EnrichmentCounters 单次运行的计数器（每次运行新建，不使用全局变量）
type EnrichmentCounters struct {
	Enriched int            `json:"enriched"`
	NoData   int            `json:"no_data"`
	Skipped  int            `json:"skipped"`
	Errored  int            `json:"errored"`
	Links    int            `json:"pedigree_links"`
	ByKind   map[string]int `json:"by_kind"`
}

// Clone 深拷贝，避免 checkpoint 与运行中计数共享 map
func (c EnrichmentCounters) Clone() EnrichmentCounters {
	out := c
	out.ByKind = make(map[string]int, len(c.ByKind))
	for k, v := range c.ByKind {
		out.ByKind[k] = v
	}
	return out
}

// Processed 已处理实体总数
func (c EnrichmentCounters) Processed() int {
	return c.Enriched + c.NoData + c.Skipped + c.Errored
}
