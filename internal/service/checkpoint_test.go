package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"RaceStatsSync/internal/apperrors"
	"RaceStatsSync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint() *model.EnrichmentCheckpoint {
	return &model.EnrichmentCheckpoint{
		RunID:           "run-1",
		LastProcessedID: "horse:h0400",
		ProcessedCount:  400,
		Counters: model.EnrichmentCounters{
			Enriched: 390, NoData: 6, Skipped: 3, Errored: 1, Links: 12,
			ByKind: map[string]int{"horse": 400},
		},
		Timestamp: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCheckpointManager_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cp.json")
	m := NewCheckpointManager(path)

	cp, err := m.Load()
	require.NoError(t, err)
	assert.Nil(t, cp, "文件不存在表示从头开始")

	require.NoError(t, m.Save(sampleCheckpoint()))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "临时文件应已被 rename")

	got, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.CheckpointVersion, got.Version)
	assert.Equal(t, "horse:h0400", got.LastProcessedID)
	assert.Equal(t, 390, got.Counters.Enriched)
	assert.Equal(t, 400, got.Counters.ByKind["horse"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"run_id\": \"run-1\"", "文件应便于人工查看")

	require.NoError(t, m.Clear())
	require.NoError(t, m.Clear())
	cp, err = m.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointManager_OverwriteKeepsLatest(t *testing.T) {
	m := NewCheckpointManager(filepath.Join(t.TempDir(), "cp.json"))
	cp := sampleCheckpoint()
	require.NoError(t, m.Save(cp))

	cp.LastProcessedID = "horse:h0500"
	cp.ProcessedCount = 500
	cp.Counters.Enriched = 490
	require.NoError(t, m.Save(cp))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "horse:h0500", got.LastProcessedID)
}

func TestCheckpointManager_ToleratesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	content := `{
  "version": 1,
  "run_id": "run-9",
  "last_processed_id": "jockey:j1",
  "processed_count": 2,
  "counters": {"enriched": 1, "no_data": 1, "skipped": 0, "errored": 0, "future_counter": 7},
  "timestamp": "2024-07-01T10:00:00Z",
  "host": "worker-3"
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := NewCheckpointManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "run-9", got.RunID)
	assert.NotNil(t, got.Counters.ByKind)
}

func TestCheckpointManager_CorruptIsDataIntegrity(t *testing.T) {
	tests := map[string]string{
		"truncated":        `{"version": 1, "run_id": "r`,
		"empty":            ``,
		"missing cursor":   `{"version": 1, "run_id": "r", "processed_count": 0, "counters": {}}`,
		"future version":   `{"version": 99, "run_id": "r", "last_processed_id": "horse:a"}`,
		"counter mismatch": `{"version": 1, "run_id": "r", "last_processed_id": "horse:a", "processed_count": 5, "counters": {"enriched": 1}}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cp.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := NewCheckpointManager(path).Load()
			assert.ErrorIs(t, err, apperrors.ErrDataIntegrity)
		})
	}
}

func TestCheckpointManager_UnreadableIsDataIntegrity(t *testing.T) {
	dir := t.TempDir()
	// 路径是目录：存在但无法作为文件读取
	_, err := NewCheckpointManager(dir).Load()
	assert.ErrorIs(t, err, apperrors.ErrDataIntegrity)
}
