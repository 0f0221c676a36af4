package service

import (
	"fmt"
	"time"

	"RaceStatsSync/internal/model"

	"github.com/shopspring/decimal"
)

// 近期状态窗口
const (
	ShortWindowDays = 14
	LongWindowDays  = 30
)

// RecentForm 近 14/30 天出赛与胜场
type RecentForm struct {
	Runs14d int
	Wins14d int
	Rate14d *float64
	Runs30d int
	Wins30d int
	Rate30d *float64
}

// RatePercent round-half-up(wins / runs * 100, 2)；runs 为 0 时返回 nil
func RatePercent(wins, runs int) *float64 {
	if runs <= 0 {
		return nil
	}
	v := decimal.NewFromInt(int64(wins)).Mul(hundred).
		Div(decimal.NewFromInt(int64(runs))).
		Round(2).InexactFloat64()
	return &v
}

// ParseAsOf 解析统计基准时间：RFC3339 或 2006-01-02（当天零点 UTC）；空串返回零值
func ParseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("无法解析时间 %q，需要 RFC3339 或 YYYY-MM-DD", s)
	}
	return t, nil
}

// RecentFormWindow 一次计算的时间窗口（按自然日，UTC）
type RecentFormWindow struct {
	Now        time.Time // now 当天零点
	ShortStart time.Time
	LongStart  time.Time
}

// NewRecentFormWindow [now-30d, now] 与 [now-14d, now]，赛事日期为自然日，两端都包含
func NewRecentFormWindow(now time.Time) RecentFormWindow {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return RecentFormWindow{
		Now:        today,
		ShortStart: today.AddDate(0, 0, -ShortWindowDays),
		LongStart:  today.AddDate(0, 0, -LongWindowDays),
	}
}

// RecentFormAggregator 近期状态聚合：纯函数，只依赖行集合与 now
type RecentFormAggregator struct {
	window  RecentFormWindow
	kinds   map[model.EntityKind]bool
	parents map[string][]model.EntityKey // horse_id → 血统祖先
}

// NewRecentFormAggregator kinds 为空表示全部类型；links 用于把后代的出赛归到血统实体
func NewRecentFormAggregator(now time.Time, kinds []model.EntityKind, links []*model.PedigreeLink) *RecentFormAggregator {
	a := &RecentFormAggregator{
		window:  NewRecentFormWindow(now),
		kinds:   kindSet(kinds),
		parents: make(map[string][]model.EntityKey, len(links)),
	}
	for _, l := range links {
		if ancestors := l.Ancestors(); len(ancestors) > 0 {
			a.parents[l.HorseID] = ancestors
		}
	}
	return a
}

// Window 返回本次计算的时间窗口，调用方据此做有界回看查询
func (a *RecentFormAggregator) Window() RecentFormWindow { return a.window }

type formCounter struct {
	runs14, wins14, runs30, wins30 int
}

// Compute 单次分组遍历：每行只看一次，按角色累加到各实体的 14/30 天计数
func (a *RecentFormAggregator) Compute(rows []model.RunnerRow) map[model.EntityKey]RecentForm {
	counters := make(map[model.EntityKey]*formCounter)
	add := func(key model.EntityKey, inShort, won bool) {
		c := counters[key]
		if c == nil {
			c = &formCounter{}
			counters[key] = c
		}
		c.runs30++
		if won {
			c.wins30++
		}
		if inShort {
			c.runs14++
			if won {
				c.wins14++
			}
		}
	}

	for i := range rows {
		row := &rows[i]
		if row.FinishingPosition == nil {
			continue
		}
		if row.RaceDate.Before(a.window.LongStart) || row.RaceDate.After(a.window.Now) {
			continue
		}
		inShort := !row.RaceDate.Before(a.window.ShortStart)
		won := *row.FinishingPosition == 1

		for _, kind := range []model.EntityKind{model.KindHorse, model.KindJockey, model.KindTrainer, model.KindOwner} {
			if !a.kinds[kind] {
				continue
			}
			if id := row.PersonnelID(kind); id != "" {
				add(model.EntityKey{Kind: kind, ID: id}, inShort, won)
			}
		}
		for _, ancestor := range a.parents[row.HorseID] {
			if a.kinds[ancestor.Kind] {
				add(ancestor, inShort, won)
			}
		}
	}

	out := make(map[model.EntityKey]RecentForm, len(counters))
	for key, c := range counters {
		out[key] = RecentForm{
			Runs14d: c.runs14,
			Wins14d: c.wins14,
			Rate14d: RatePercent(c.wins14, c.runs14),
			Runs30d: c.runs30,
			Wins30d: c.wins30,
			Rate30d: RatePercent(c.wins30, c.runs30),
		}
	}
	return out
}

func kindSet(kinds []model.EntityKind) map[model.EntityKind]bool {
	if len(kinds) == 0 {
		kinds = model.AllKinds
	}
	set := make(map[model.EntityKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}
