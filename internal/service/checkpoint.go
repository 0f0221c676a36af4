package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"RaceStatsSync/internal/apperrors"
	"RaceStatsSync/internal/model"
)

// CheckpointManager 补全任务断点文件：JSON、可读、原子替换
type CheckpointManager struct {
	path string
}

func NewCheckpointManager(path string) *CheckpointManager {
	return &CheckpointManager{path: path}
}

// Path 断点文件路径
func (m *CheckpointManager) Path() string { return m.path }

// Save 先写 <path>.tmp 并 fsync，再 rename 覆盖；崩溃时读者只会看到旧文件或新文件
func (m *CheckpointManager) Save(cp *model.EnrichmentCheckpoint) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	if cp.Version == 0 {
		cp.Version = model.CheckpointVersion
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp checkpoint: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Load 文件不存在返回 (nil, nil) 表示从头开始；存在但读不出或内容不合法一律是 DataIntegrity
func (m *CheckpointManager) Load() (*model.EnrichmentCheckpoint, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Integrity("read checkpoint "+m.path, err)
	}

	var cp model.EnrichmentCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, apperrors.Integrity("decode checkpoint "+m.path, err)
	}
	if err := validateCheckpoint(&cp); err != nil {
		return nil, apperrors.Integrity("checkpoint "+m.path, err)
	}
	if cp.Counters.ByKind == nil {
		cp.Counters.ByKind = make(map[string]int)
	}
	return &cp, nil
}

func validateCheckpoint(cp *model.EnrichmentCheckpoint) error {
	switch {
	case cp.Version < 1 || cp.Version > model.CheckpointVersion:
		return fmt.Errorf("unsupported version %d", cp.Version)
	case cp.RunID == "":
		return errors.New("missing run_id")
	case cp.LastProcessedID == "":
		return errors.New("missing last_processed_id")
	case cp.ProcessedCount < 0:
		return fmt.Errorf("negative processed_count %d", cp.ProcessedCount)
	case cp.Counters.Processed() != cp.ProcessedCount:
		return fmt.Errorf("counters sum %d does not match processed_count %d", cp.Counters.Processed(), cp.ProcessedCount)
	}
	return nil
}

// Clear 运行完整结束后删除断点；文件不存在不算错误
func (m *CheckpointManager) Clear() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
