package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"RaceStatsSync/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // :memory: 每个连接一个库
	require.NoError(t, AutoMigrate(db))
	return db
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func seedEventLog(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create([]*model.RaceEvent{
		{RaceID: "r1", RaceDate: day(2024, 5, 1), Class: intPtr(1), DistanceRaw: "1m", DistanceYards: 1760},
		{RaceID: "r2", RaceDate: day(2024, 6, 1), Class: intPtr(4), DistanceRaw: "6f", DistanceYards: 1320},
	}).Error)
	require.NoError(t, db.Create([]*model.RunnerResult{
		{RaceID: "r1", HorseID: "h1", JockeyID: "j1", TrainerID: "t1", OwnerID: "o1", FinishingPosition: intPtr(1),
			Prize: decimal.NewNullDecimal(decimal.RequireFromString("5000.50"))},
		{RaceID: "r1", HorseID: "h2", JockeyID: "j2", TrainerID: "t1", OwnerID: "o2"},
		{RaceID: "r2", HorseID: "h1", JockeyID: "j2", TrainerID: "t1", OwnerID: "o1", FinishingPosition: intPtr(3)},
	}).Error)
}

func seedEntities(t *testing.T, db *gorm.DB, entities ...*model.CanonicalEntity) {
	t.Helper()
	require.NoError(t, ensureEntities(db, entities))
}

func TestRaceRepository_ScanRunnersPagesAndFilters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRaceRepository(db)
	seedEventLog(t, db)
	ctx := context.Background()

	var pages [][]model.RunnerRow
	err := StreamRunners(ctx, repo, RunnerFilter{}, 2, time.Second, func(rows []model.RunnerRow) error {
		pages = append(pages, rows)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Len(t, pages[0], 2)
	assert.Len(t, pages[1], 1)

	first := pages[0][0]
	assert.Equal(t, "h1", first.HorseID)
	require.NotNil(t, first.Class)
	assert.Equal(t, 1, *first.Class)
	assert.Equal(t, 1760, first.DistanceYards)
	assert.True(t, first.Prize.Valid)
	assert.Equal(t, "5000.5", first.Prize.Decimal.String())
	assert.Nil(t, pages[0][1].FinishingPosition)

	from := day(2024, 5, 15)
	rows, err := repo.ScanRunners(ctx, RunnerFilter{From: &from}, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r2", rows[0].RaceID)

	rows, err = repo.ScanRunners(ctx, RunnerFilter{Kind: model.KindJockey, EntityID: "j2"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = repo.ScanRunners(ctx, RunnerFilter{Kind: model.KindSire, EntityID: "s1"}, 0, 10)
	assert.Error(t, err)
}

func TestEntityRepository_DiscoverFromEventLog(t *testing.T) {
	db := setupTestDB(t)
	seedEventLog(t, db)
	repo := NewEntityRepository(db)
	ctx := context.Background()

	n, err := repo.DiscoverFromEventLog(ctx, nil)
	require.NoError(t, err)
	// h1 h2, j1 j2, t1, o1 o2
	assert.Equal(t, int64(7), n)

	n, err = repo.DiscoverFromEventLog(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	e, err := repo.GetByKey(ctx, model.EntityKey{Kind: model.KindTrainer, ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "trainer:t1", e.QueueKey)
	assert.Equal(t, model.EnrichmentPending, e.EnrichmentStatus)
}

func TestEntityRepository_QueueOrderAndResumeRunID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEntityRepository(db)
	ctx := context.Background()

	seedEntities(t, db,
		model.NewEntity(model.KindJockey, "j1", ""),
		model.NewEntity(model.KindHorse, "h2", ""),
		model.NewEntity(model.KindHorse, "h1", ""),
		model.NewEntity(model.KindHorse, "h3", ""),
	)
	at := day(2024, 1, 1)
	require.NoError(t, repo.MarkStatus(ctx, model.EntityKey{Kind: model.KindHorse, ID: "h2"}, model.EnrichmentNoData, "run-a", at, 1))

	list, err := repo.ListQueue(ctx, QueueFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"horse:h1", "horse:h3", "jockey:j1"}, queueKeys(list))

	list, err = repo.ListQueue(ctx, QueueFilter{AfterKey: "horse:h1", RunID: "run-a", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"horse:h2", "horse:h3", "jockey:j1"}, queueKeys(list))

	list, err = repo.ListQueue(ctx, QueueFilter{Kinds: []model.EntityKind{model.KindJockey}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"jockey:j1"}, queueKeys(list))
}

func queueKeys(list []*model.CanonicalEntity) []string {
	keys := make([]string, 0, len(list))
	for _, e := range list {
		keys = append(keys, e.QueueKey)
	}
	return keys
}

func TestEntityRepository_CommitEnrichmentKeepsLink(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEntityRepository(db)
	ctx := context.Background()
	horse := model.EntityKey{Kind: model.KindHorse, ID: "h1"}
	sire := model.EntityKey{Kind: model.KindSire, ID: "s1"}

	seedEntities(t, db, model.NewEntity(horse.Kind, horse.ID, ""))

	at := day(2024, 2, 1)
	err := repo.CommitEnrichment(ctx, &EnrichmentWrite{
		Key:        horse,
		Name:       "Example (IRE)",
		Region:     strPtr("IRE"),
		Extended:   []byte(`{"sex":"g"}`),
		RunID:      "run-1",
		EnrichedAt: at,
		Attempts:   1,
		Pedigree:   &model.PedigreeLink{HorseID: "h1", SireID: strPtr("s1")},
		Ancestors:  []*model.CanonicalEntity{model.NewEntity(model.KindSire, "s1", "Galileo (IRE)")},
	})
	require.NoError(t, err)

	got, err := repo.GetByKey(ctx, horse)
	require.NoError(t, err)
	assert.Equal(t, "Example (IRE)", got.Name)
	assert.Equal(t, model.EnrichmentEnriched, got.EnrichmentStatus)
	require.NotNil(t, got.EnrichmentRunID)
	assert.Equal(t, "run-1", *got.EnrichmentRunID)

	links, err := NewPedigreeRepository(db).ListLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "s1", *links[0].SireID)

	ok, err := repo.SetLinkedHorse(ctx, sire, "h9")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.SetLinkedHorse(ctx, sire, "h10")
	require.NoError(t, err)
	assert.False(t, ok, "linked_horse_id 只能写一次")

	// 再次提交祖先不会覆盖已有的关联
	require.NoError(t, repo.CommitEnrichment(ctx, &EnrichmentWrite{
		Key: horse, RunID: "run-2", EnrichedAt: at, Attempts: 1,
		Ancestors: []*model.CanonicalEntity{model.NewEntity(model.KindSire, "s1", "Other Name")},
	}))
	s, err := repo.GetByKey(ctx, sire)
	require.NoError(t, err)
	assert.Equal(t, "Galileo (IRE)", s.Name)
	assert.Equal(t, "h9", *s.LinkedHorseID)

	unlinked, err := repo.ListBreeding(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, unlinked)

	err = repo.CommitEnrichment(ctx, &EnrichmentWrite{Key: model.EntityKey{Kind: model.KindHorse, ID: "missing"}, EnrichedAt: at})
	assert.Error(t, err)
}

func TestEntityRepository_ListHorseNames(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEntityRepository(db)
	ctx := context.Background()
	ire := model.NewEntity(model.KindHorse, "h1", "Example (IRE)")
	ire.Region = strPtr("IRE")
	seedEntities(t, db,
		ire,
		model.NewEntity(model.KindHorse, "h2", "Example (GB)"),
		model.NewEntity(model.KindHorse, "h3", ""),
		model.NewEntity(model.KindJockey, "j1", "A Jockey"),
	)

	names, err := repo.ListHorseNames(ctx)
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "h1", names[0].ID)
	require.NotNil(t, names[0].Region)
	assert.Equal(t, "IRE", *names[0].Region)
	assert.Nil(t, names[1].Region)
}

func TestStatisticsRepository_UpsertOverwrites(t *testing.T) {
	db := setupTestDB(t)
	repo := NewStatisticsRepository(db)
	ctx := context.Background()
	now := day(2024, 7, 1)
	rate := 50.0

	first := &model.EntityStatistics{Kind: model.KindHorse, EntityID: "h1", OwnRuns: 2, OwnWins: 1, OwnWinRate: &rate, LastUpdated: now}
	require.NoError(t, repo.UpsertStatistics(ctx, []*model.EntityStatistics{first}, 10))

	second := &model.EntityStatistics{Kind: model.KindHorse, EntityID: "h1", OwnRuns: 3, LastUpdated: now}
	require.NoError(t, repo.UpsertStatistics(ctx, []*model.EntityStatistics{second}, 10))

	got, err := repo.GetStatistics(ctx, model.EntityKey{Kind: model.KindHorse, ID: "h1"})
	require.NoError(t, err)
	assert.Equal(t, 3, got.OwnRuns)
	assert.Zero(t, got.OwnWins)
	assert.Nil(t, got.OwnWinRate, "整行覆盖，旧比率不残留")

	list, err := repo.ListStatistics(ctx, model.KindHorse)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.GetStatistics(ctx, model.EntityKey{Kind: model.KindHorse, ID: "nope"})
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}
