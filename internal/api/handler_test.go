package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"RaceStatsSync/internal/apperrors"
	"RaceStatsSync/internal/metrics"
	"RaceStatsSync/internal/model"
	"RaceStatsSync/internal/repository"
	"RaceStatsSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEnricher struct {
	mu      sync.Mutex
	release chan struct{}
	opts    []service.EnrichmentOptions
	err     error
}

func (f *fakeEnricher) Run(ctx context.Context, opts service.EnrichmentOptions) (*service.EnrichmentSummary, error) {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return &service.EnrichmentSummary{Interrupted: true}, fmt.Errorf("%w: %w", apperrors.ErrInterrupted, ctx.Err())
		}
	}
	return &service.EnrichmentSummary{RunID: "run-1", Processed: 3}, f.err
}

type fakeLinker struct {
	calls int
}

func (f *fakeLinker) Run(context.Context, bool) (*service.LinkSummary, error) {
	f.calls++
	return &service.LinkSummary{Candidates: 2, Linked: 1}, nil
}

type fakeAggregator struct {
	opts service.AggregateOptions
}

func (f *fakeAggregator) Run(_ context.Context, opts service.AggregateOptions) (*service.StatisticsSummary, error) {
	f.opts = opts
	return &service.StatisticsSummary{Now: opts.Now, Written: 4}, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, repository.AutoMigrate(db))
	return db
}

type testServer struct {
	router     *gin.Engine
	jobs       *JobHandler
	enricher   *fakeEnricher
	linker     *fakeLinker
	aggregator *fakeAggregator
	metrics    *metrics.PipelineMetrics
	db         *gorm.DB
}

func newTestServer(t *testing.T, ctx context.Context) *testServer {
	t.Helper()
	db := setupTestDB(t)
	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(registry)
	require.NoError(t, err)

	ts := &testServer{
		enricher:   &fakeEnricher{},
		linker:     &fakeLinker{},
		aggregator: &fakeAggregator{},
		metrics:    m,
		db:         db,
	}
	defaults := service.EnrichmentOptions{BatchSize: 250, Workers: 2, CheckpointEvery: 50}
	ts.jobs = NewJobHandler(ctx, ts.enricher, ts.linker, ts.aggregator, defaults, testLogger())
	t.Cleanup(ts.jobs.Wait)
	ts.router = NewRouter(NewQueryHandler(db, testLogger()), ts.jobs, registry, testLogger())
	return ts
}

func (ts *testServer) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, context.Background())
	ts.metrics.ObserveRun("aggregate", 1.5, true)

	w := ts.do(http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = ts.do(http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `racestats_last_run_success{job="aggregate"} 1`)
}

func TestQueryHandler(t *testing.T) {
	ts := newTestServer(t, context.Background())
	ctx := context.Background()
	region := "IRE"
	h1 := model.NewEntity(model.KindHorse, "h1", "Example (IRE)")
	h1.Region = &region
	require.NoError(t, ts.db.Create(h1).Error)
	rate := 25.0
	require.NoError(t, repository.NewStatisticsRepository(ts.db).UpsertStatistics(ctx, []*model.EntityStatistics{{
		Kind: model.KindHorse, EntityID: "h1", OwnRuns: 4, OwnWins: 1, OwnWinRate: &rate,
		ClassAE: datatypes.JSON(`{"3": null}`), DistanceAE: datatypes.JSON(`{}`),
		LastUpdated: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	}}, 10))

	tests := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{"entity", "/api/entities/horse/h1", http.StatusOK, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "h1", body["entity_id"])
			assert.Equal(t, "IRE", body["region"])
			assert.Equal(t, "pending", body["enrichment_status"])
			assert.NotContains(t, body, "ID")
		}},
		{"stats", "/api/stats/horse/h1", http.StatusOK, func(t *testing.T, body map[string]any) {
			assert.EqualValues(t, 4, body["own_runs"])
			assert.EqualValues(t, 25, body["own_win_rate"])
			assert.Nil(t, body["own_place_rate"])
			assert.Equal(t, map[string]any{"3": nil}, body["class_ae"])
		}},
		{"missing entity", "/api/entities/horse/h404", http.StatusNotFound, nil},
		{"missing stats", "/api/stats/sire/s1", http.StatusNotFound, nil},
		{"bad kind", "/api/entities/mule/m1", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodGet, tt.path)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			body := decode(t, w)
			if tt.check != nil {
				tt.check(t, body)
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestJobHandler_OneJobAtATime(t *testing.T) {
	ts := newTestServer(t, context.Background())
	ts.enricher.release = make(chan struct{})

	w := ts.do(http.MethodPost, "/jobs/enrich?kind=horse&kind=sire&resume=true")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode(t, w)
	assert.Equal(t, "enrich", accepted["job"])
	assert.Equal(t, JobRunning, accepted["status"])

	w = ts.do(http.MethodPost, "/jobs/aggregate")
	assert.Equal(t, http.StatusConflict, w.Code)

	running := decode(t, ts.do(http.MethodGet, "/jobs/last"))
	require.NotNil(t, running["running"])
	assert.Nil(t, running["last"])

	close(ts.enricher.release)
	ts.jobs.Wait()

	last := decode(t, ts.do(http.MethodGet, "/jobs/last"))
	assert.Nil(t, last["running"])
	rec := last["last"].(map[string]any)
	assert.Equal(t, accepted["id"], rec["id"])
	assert.Equal(t, JobSucceeded, rec["status"])
	result := rec["result"].(map[string]any)
	assert.EqualValues(t, 3, result["enrichment"].(map[string]any)["processed"])
	assert.EqualValues(t, 1, result["linking"].(map[string]any)["linked"])

	require.Len(t, ts.enricher.opts, 1)
	opts := ts.enricher.opts[0]
	assert.True(t, opts.Resume)
	assert.False(t, opts.DryRun)
	assert.Equal(t, []model.EntityKind{model.KindHorse, model.KindSire}, opts.Kinds)
	assert.Equal(t, 250, opts.BatchSize)
	assert.Equal(t, 1, ts.linker.calls)

	// 上一个任务结束后可以再次提交
	w = ts.do(http.MethodPost, "/jobs/aggregate?kind=sire&dry_run=true&now=2024-07-01")
	require.Equal(t, http.StatusAccepted, w.Code)
	ts.jobs.Wait()
	assert.True(t, ts.aggregator.opts.DryRun)
	assert.Equal(t, []model.EntityKind{model.KindSire}, ts.aggregator.opts.Kinds)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), ts.aggregator.opts.Now)
}

func TestJobHandler_BadParameters(t *testing.T) {
	ts := newTestServer(t, context.Background())
	for _, path := range []string{
		"/jobs/enrich?kind=mule",
		"/jobs/enrich?resume=maybe",
		"/jobs/aggregate?now=yesterday",
		"/jobs/aggregate?dry_run=2",
	} {
		w := ts.do(http.MethodPost, path)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
	assert.Empty(t, ts.enricher.opts)
}

func TestJobHandler_FailureAndInterruption(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ts := newTestServer(t, ctx)

	ts.enricher.err = apperrors.Integrity("list enrichment queue", errors.New("connection refused"))
	require.Equal(t, http.StatusAccepted, ts.do(http.MethodPost, "/jobs/enrich").Code)
	ts.jobs.Wait()
	rec := decode(t, ts.do(http.MethodGet, "/jobs/last"))["last"].(map[string]any)
	assert.Equal(t, JobFailed, rec["status"])
	assert.Contains(t, rec["error"], "connection refused")
	assert.Zero(t, ts.linker.calls, "补全失败时不做血统关联")

	ts.enricher.err = nil
	ts.enricher.release = make(chan struct{})
	require.Equal(t, http.StatusAccepted, ts.do(http.MethodPost, "/jobs/enrich").Code)
	cancel()
	ts.jobs.Wait()
	rec = decode(t, ts.do(http.MethodGet, "/jobs/last"))["last"].(map[string]any)
	assert.Equal(t, JobInterrupted, rec["status"])
}

func TestQueryHandler_ListStatistics(t *testing.T) {
	ts := newTestServer(t, context.Background())
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repository.NewStatisticsRepository(ts.db).UpsertStatistics(context.Background(), []*model.EntityStatistics{
		{Kind: model.KindHorse, EntityID: "h2", OwnRuns: 1, LastUpdated: now},
		{Kind: model.KindHorse, EntityID: "h1", OwnRuns: 3, LastUpdated: now},
		{Kind: model.KindJockey, EntityID: "j1", OwnRuns: 4, LastUpdated: now},
	}, 10))

	w := ts.do(http.MethodGet, "/api/stats/horse")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "horse", body["kind"])
	assert.EqualValues(t, 2, body["count"])
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, "h1", items[0].(map[string]any)["entity_id"])
	assert.Equal(t, "h2", items[1].(map[string]any)["entity_id"])

	w = ts.do(http.MethodGet, "/api/stats/sire")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])

	w = ts.do(http.MethodGet, "/api/stats/mule")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryHandler_ListRuns(t *testing.T) {
	ts := newTestServer(t, context.Background())
	pos := func(v int) *int { return &v }
	require.NoError(t, ts.db.Create([]*model.RaceEvent{
		{RaceID: "r1", RaceDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), DistanceRaw: "6f", DistanceYards: 1320},
		{RaceID: "r2", RaceDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), DistanceRaw: "1m", DistanceYards: 1760},
		{RaceID: "r3", RaceDate: time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC), DistanceRaw: "1m", DistanceYards: 1760},
	}).Error)
	require.NoError(t, ts.db.Create([]*model.RunnerResult{
		{RaceID: "r1", HorseID: "h1", JockeyID: "j1", TrainerID: "t1", OwnerID: "o1", FinishingPosition: pos(1)},
		{RaceID: "r1", HorseID: "h2", JockeyID: "j2", TrainerID: "t1", OwnerID: "o2"},
		{RaceID: "r2", HorseID: "h1", JockeyID: "j2", TrainerID: "t1", OwnerID: "o1", FinishingPosition: pos(2)},
		{RaceID: "r3", HorseID: "h1", JockeyID: "j1", TrainerID: "t1", OwnerID: "o1", FinishingPosition: pos(5)},
	}).Error)

	w := ts.do(http.MethodGet, "/api/entities/horse/h1/runs?limit=2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "horse:h1", body["entity"])
	runs := body["runs"].([]any)
	require.Len(t, runs, 2)
	assert.Equal(t, "r1", runs[0].(map[string]any)["race_id"])
	assert.EqualValues(t, 1, runs[0].(map[string]any)["finishing_position"])
	next, ok := body["next_after"].(float64)
	require.True(t, ok, "满页时返回游标")

	w = ts.do(http.MethodGet, fmt.Sprintf("/api/entities/horse/h1/runs?limit=2&after=%d", uint64(next)))
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	runs = body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0].(map[string]any)["race_id"])
	assert.Nil(t, body["next_after"])

	w = ts.do(http.MethodGet, "/api/entities/jockey/j2/runs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["runs"], 2)

	for _, path := range []string{
		"/api/entities/sire/s1/runs",
		"/api/entities/horse/h1/runs?limit=0",
		"/api/entities/horse/h1/runs?after=-1",
		"/api/entities/mule/m1/runs",
	} {
		w = ts.do(http.MethodGet, path)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}
