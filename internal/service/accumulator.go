package service

import (
	"time"

	"RaceStatsSync/internal/model"

	"github.com/shopspring/decimal"
)

// careerAccumulator 一个实体（或一组后代）的生涯累加器
// 只做可交换的累加与合并，结果与行顺序无关
type careerAccumulator struct {
	runs     int
	wins     int
	places   int
	prize    decimal.Decimal
	bestPos  int // 0 表示没有完赛名次
	posSum   int
	posCount int
	first    time.Time
	last     time.Time

	classRuns map[string]int
	classWins map[string]int
	distRuns  map[string]int
	distWins  map[string]int
}

func newCareerAccumulator() *careerAccumulator {
	return &careerAccumulator{
		classRuns: make(map[string]int),
		classWins: make(map[string]int),
		distRuns:  make(map[string]int),
		distWins:  make(map[string]int),
	}
}

// rowDistanceBucket 优先使用归一化码数，缺失时解析原始距离
func rowDistanceBucket(row *model.RunnerRow) string {
	yards := row.DistanceYards
	if yards <= 0 {
		yards, _ = ParseDistance(row.DistanceRaw)
	}
	return DistanceBucket(yards)
}

// add 累加一行：未完赛计入出赛，不参与名次统计
func (a *careerAccumulator) add(row *model.RunnerRow, class, dist string) {
	a.runs++
	won := false
	if pos := row.FinishingPosition; pos != nil {
		p := *pos
		won = p == 1
		if won {
			a.wins++
		}
		if p >= 1 && p <= 3 {
			a.places++
		}
		if a.bestPos == 0 || p < a.bestPos {
			a.bestPos = p
		}
		a.posSum += p
		a.posCount++
	}
	if row.Prize.Valid {
		a.prize = a.prize.Add(row.Prize.Decimal)
	}
	if !row.RaceDate.IsZero() {
		if a.first.IsZero() || row.RaceDate.Before(a.first) {
			a.first = row.RaceDate
		}
		if a.last.IsZero() || row.RaceDate.After(a.last) {
			a.last = row.RaceDate
		}
	}

	a.classRuns[class]++
	if won {
		a.classWins[class]++
	}
	if dist != "" {
		a.distRuns[dist]++
		if won {
			a.distWins[dist]++
		}
	}
}

// merge 合并另一个累加器（用于后代汇总）
func (a *careerAccumulator) merge(b *careerAccumulator) {
	if b == nil {
		return
	}
	a.runs += b.runs
	a.wins += b.wins
	a.places += b.places
	a.prize = a.prize.Add(b.prize)
	if b.bestPos != 0 && (a.bestPos == 0 || b.bestPos < a.bestPos) {
		a.bestPos = b.bestPos
	}
	a.posSum += b.posSum
	a.posCount += b.posCount
	if !b.first.IsZero() && (a.first.IsZero() || b.first.Before(a.first)) {
		a.first = b.first
	}
	if !b.last.IsZero() && (a.last.IsZero() || b.last.After(a.last)) {
		a.last = b.last
	}
	mergeCounts(a.classRuns, b.classRuns)
	mergeCounts(a.classWins, b.classWins)
	mergeCounts(a.distRuns, b.distRuns)
	mergeCounts(a.distWins, b.distWins)
}

func mergeCounts(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}

func (a *careerAccumulator) bestPosition() *int {
	if a.bestPos == 0 {
		return nil
	}
	p := a.bestPos
	return &p
}

func (a *careerAccumulator) avgPosition() *float64 {
	if a.posCount == 0 {
		return nil
	}
	v := decimal.NewFromInt(int64(a.posSum)).
		Div(decimal.NewFromInt(int64(a.posCount))).
		Round(2).InexactFloat64()
	return &v
}

func datePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
