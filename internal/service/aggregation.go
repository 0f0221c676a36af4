package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"RaceStatsSync/internal/model"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// roleKinds 事件日志中直接出现的角色
var roleKinds = []model.EntityKind{model.KindHorse, model.KindJockey, model.KindTrainer, model.KindOwner}

// AggregationEngine 生涯/后代聚合：按实体分组的归约，与行顺序无关
type AggregationEngine struct {
	logger *logrus.Logger
}

func NewAggregationEngine(logger *logrus.Logger) *AggregationEngine {
	return &AggregationEngine{logger: logger}
}

// AggregationInput 一次完整计算的输入快照
type AggregationInput struct {
	Rows     []model.RunnerRow
	Links    []*model.PedigreeLink
	Entities []*model.CanonicalEntity // 需要产出统计的已知实体（血统实体的 linked_horse_id 从这里取）
	Kinds    []model.EntityKind       // 为空表示全部
	Now      time.Time
}

// Compute 一次性计算，等价于 NewRun + AddRows + Finish
func (e *AggregationEngine) Compute(ctx context.Context, in *AggregationInput) (map[model.EntityKey]*model.EntityStatistics, error) {
	run := e.NewRun(in.Kinds)
	if err := run.AddRows(ctx, in.Rows); err != nil {
		return nil, err
	}
	return run.Finish(ctx, in.Links, in.Entities, in.Now)
}

// AggregationRun 单次运行的累加状态；分页读取事件日志时逐页 AddRows，避免整表驻留内存
type AggregationRun struct {
	logger *logrus.Logger
	kinds  map[model.EntityKind]bool
	roles  []model.EntityKind
	accs   map[model.EntityKind]map[string]*careerAccumulator
	rows   int64
}

// NewRun 血统类型依赖马匹累加器，只要请求了任一血统类型就会累加马匹
func (e *AggregationEngine) NewRun(kinds []model.EntityKind) *AggregationRun {
	set := kindSet(kinds)
	needHorse := set[model.KindHorse] || set[model.KindSire] || set[model.KindDam] || set[model.KindDamsire]

	run := &AggregationRun{
		logger: e.logger,
		kinds:  set,
		accs:   make(map[model.EntityKind]map[string]*careerAccumulator),
	}
	for _, kind := range roleKinds {
		if set[kind] || (kind == model.KindHorse && needHorse) {
			run.roles = append(run.roles, kind)
			run.accs[kind] = make(map[string]*careerAccumulator)
		}
	}
	return run
}

// AddRows 每个角色一个 goroutine，各自只写自己的 map
func (r *AggregationRun) AddRows(ctx context.Context, rows []model.RunnerRow) error {
	if len(rows) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range r.roles {
		accs := r.accs[kind]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := range rows {
				row := &rows[i]
				id := row.PersonnelID(kind)
				if id == "" {
					continue
				}
				acc := accs[id]
				if acc == nil {
					acc = newCareerAccumulator()
					accs[id] = acc
				}
				acc.add(row, ClassCategory(row.Class), rowDistanceBucket(row))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.rows += int64(len(rows))
	return nil
}

// Rows 已累加的行数
func (r *AggregationRun) Rows() int64 { return r.rows }

// Finish 产出统计结果。血统类型按类型并行，只读马匹累加器
func (r *AggregationRun) Finish(ctx context.Context, links []*model.PedigreeLink, entities []*model.CanonicalEntity, now time.Time) (map[model.EntityKey]*model.EntityStatistics, error) {
	now = now.UTC()
	horses := r.accs[model.KindHorse]

	parts := make([]map[model.EntityKey]*model.EntityStatistics, len(model.AllKinds))
	g, ctx := errgroup.WithContext(ctx)
	for i, kind := range model.AllKinds {
		if !r.kinds[kind] {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if kind.IsBreeding() {
				parts[i] = breedingStatistics(kind, horses, links, entities, now)
			} else {
				parts[i] = roleStatistics(kind, r.accs[kind], entities, now)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregate statistics: %w", err)
	}

	out := make(map[model.EntityKey]*model.EntityStatistics)
	for i, part := range parts {
		for key, s := range part {
			out[key] = s
		}
		if r.kinds[model.AllKinds[i]] {
			r.logger.WithFields(logrus.Fields{
				"kind":     model.AllKinds[i],
				"entities": len(part),
			}).Debug("聚合分区完成")
		}
	}
	return out, nil
}

// roleStatistics 马匹与人员：按角色直接聚合
func roleStatistics(kind model.EntityKind, accs map[string]*careerAccumulator, entities []*model.CanonicalEntity, now time.Time) map[model.EntityKey]*model.EntityStatistics {
	out := make(map[model.EntityKey]*model.EntityStatistics, len(accs))
	for id, acc := range accs {
		key := model.EntityKey{Kind: kind, ID: id}
		out[key] = buildStatistics(key, acc, nil, 0, now)
	}
	for _, e := range entities {
		if e.Kind != kind {
			continue
		}
		if _, ok := out[e.Key()]; !ok {
			out[e.Key()] = buildStatistics(e.Key(), nil, nil, 0, now)
		}
	}
	return out
}

// breedingStatistics 血统实体：自身生涯经 linked_horse_id 取马匹累加器，
// 后代按 PedigreeLink 中对应列汇总（damsire 即外孙辈）
func breedingStatistics(kind model.EntityKind, horses map[string]*careerAccumulator, links []*model.PedigreeLink, entities []*model.CanonicalEntity, now time.Time) map[model.EntityKey]*model.EntityStatistics {
	offspring := make(map[string]map[string]struct{})
	for _, l := range links {
		for _, ancestor := range l.Ancestors() {
			if ancestor.Kind != kind {
				continue
			}
			set := offspring[ancestor.ID]
			if set == nil {
				set = make(map[string]struct{})
				offspring[ancestor.ID] = set
			}
			set[l.HorseID] = struct{}{}
		}
	}

	linked := make(map[string]string)
	for _, e := range entities {
		if e.Kind != kind {
			continue
		}
		if _, ok := offspring[e.EntityID]; !ok {
			offspring[e.EntityID] = map[string]struct{}{}
		}
		if e.LinkedHorseID != nil && *e.LinkedHorseID != "" {
			linked[e.EntityID] = *e.LinkedHorseID
		}
	}

	out := make(map[model.EntityKey]*model.EntityStatistics, len(offspring))
	for id, children := range offspring {
		progeny := newCareerAccumulator()
		for horseID := range children {
			progeny.merge(horses[horseID])
		}
		var own *careerAccumulator
		if horseID, ok := linked[id]; ok {
			own = horses[horseID]
		}
		key := model.EntityKey{Kind: kind, ID: id}
		out[key] = buildStatistics(key, own, progeny, len(children), now)
	}
	return out
}

// buildStatistics 由累加器生成统计行；progeny 非空时 AE 以后代为口径
func buildStatistics(key model.EntityKey, own, progeny *careerAccumulator, progenyTotal int, now time.Time) *model.EntityStatistics {
	if own == nil {
		own = newCareerAccumulator()
	}
	s := &model.EntityStatistics{
		Kind:            key.Kind,
		EntityID:        key.ID,
		OwnRuns:         own.runs,
		OwnWins:         own.wins,
		OwnPlaces:       own.places,
		OwnTotalPrize:   own.prize.Round(2),
		OwnBestPosition: own.bestPosition(),
		OwnAvgPosition:  own.avgPosition(),
		OwnWinRate:      RatePercent(own.wins, own.runs),
		OwnPlaceRate:    RatePercent(own.places, own.runs),
		CareerStart:     datePtr(own.first),
		CareerEnd:       datePtr(own.last),
		BaselineVersion: BaselineVersion,
		LastUpdated:     now,
	}

	primary := own
	if progeny != nil {
		primary = progeny
		s.ProgenyTotal = progenyTotal
		s.ProgenyRuns = progeny.runs
		s.ProgenyWins = progeny.wins
		s.ProgenyPlaces = progeny.places
		s.ProgenyTotalPrize = progeny.prize.Round(2)
		s.ProgenyWinRate = RatePercent(progeny.wins, progeny.runs)
		s.ProgenyPlaceRate = RatePercent(progeny.places, progeny.runs)
	}

	s.OverallAEIndex = ComputeAEIndex(primary.wins, primary.classRuns, ClassBaselineV1)

	classes := CategoryIndices(primary.classRuns, primary.classWins, ClassBaselineV1)
	if top := TopCategory(classes); top != nil {
		s.BestClass = &top.Category
		s.BestClassAEIndex = top.AE
	}
	distances := CategoryIndices(primary.distRuns, primary.distWins, DistanceBaselineV1)
	if top := TopCategory(distances); top != nil {
		s.BestDistance = &top.Category
		s.BestDistanceAEIndex = top.AE
	}
	s.ClassAE = categoryJSON(classes)
	s.DistanceAE = categoryJSON(distances)
	return s
}

// categoryJSON map 序列化时键有序，保证同一输入得到相同字节
func categoryJSON(indices []CategoryAE) datatypes.JSON {
	m := make(map[string]*float64, len(indices))
	for _, c := range indices {
		m[c.Category] = c.AE
	}
	b, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}

// ApplyRecentForm 把近期状态写入统计行；没有近期出赛的实体保持 0 与 null
func ApplyRecentForm(stats map[model.EntityKey]*model.EntityStatistics, forms map[model.EntityKey]RecentForm) {
	for key, f := range forms {
		s, ok := stats[key]
		if !ok {
			continue
		}
		s.Recent14dRuns = f.Runs14d
		s.Recent14dWins = f.Wins14d
		s.Recent14dWinRate = f.Rate14d
		s.Recent30dRuns = f.Runs30d
		s.Recent30dWins = f.Wins30d
		s.Recent30dWinRate = f.Rate30d
	}
}
