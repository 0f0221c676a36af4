package service

import (
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// BaselineVersion 基准胜率表版本；改动表内任何数值都必须升版本，
// 否则历史 AE 指数会被悄悄改写
const BaselineVersion = "v1"

const (
	yardsPerFurlong = 220
	yardsPerMile    = 1760
)

// 距离段
const (
	DistanceSprint = "sprint" // ≤7f
	DistanceMile   = "mile"   // 8–10f
	DistanceMiddle = "middle" // 11–14f
	DistanceLong   = "long"   // >14f
)

// ClassUnknown 级别缺失或不在 1..7
const ClassUnknown = "unknown"

// Baseline 一个维度的基准胜率表
type Baseline struct {
	Name    string
	Rates   map[string]decimal.Decimal
	Default *decimal.Decimal // 未知类别的兜底胜率，nil 表示未知类别不计入期望
}

// Rate 类别对应的基准胜率
func (b *Baseline) Rate(category string) (decimal.Decimal, bool) {
	if r, ok := b.Rates[category]; ok {
		return r, true
	}
	if b.Default != nil {
		return *b.Default, true
	}
	return decimal.Zero, false
}

var classDefaultRate = decimal.RequireFromString("0.125")

// ClassBaselineV1 按级别：1 最高 .. 7 最低
var ClassBaselineV1 = &Baseline{
	Name: "class",
	Rates: map[string]decimal.Decimal{
		"1": decimal.RequireFromString("0.10"),
		"2": decimal.RequireFromString("0.11"),
		"3": decimal.RequireFromString("0.12"),
		"4": decimal.RequireFromString("0.13"),
		"5": decimal.RequireFromString("0.14"),
		"6": decimal.RequireFromString("0.15"),
		"7": decimal.RequireFromString("0.16"),
	},
	Default: &classDefaultRate,
}

// DistanceBaselineV1 按距离段
var DistanceBaselineV1 = &Baseline{
	Name: "distance",
	Rates: map[string]decimal.Decimal{
		DistanceSprint: decimal.RequireFromString("0.12"),
		DistanceMile:   decimal.RequireFromString("0.13"),
		DistanceMiddle: decimal.RequireFromString("0.12"),
		DistanceLong:   decimal.RequireFromString("0.11"),
	},
}

var hundred = decimal.NewFromInt(100)

// ComputeAEIndex expected = Σ runs[c] * rate[c]；expected 为 0 时返回 nil（未定义），
// 否则返回 round(wins / expected * 100, 3)
func ComputeAEIndex(wins int, runsByCategory map[string]int, baseline *Baseline) *float64 {
	expected := decimal.Zero
	for category, runs := range runsByCategory {
		if runs <= 0 {
			continue
		}
		rate, ok := baseline.Rate(category)
		if !ok {
			continue
		}
		expected = expected.Add(rate.Mul(decimal.NewFromInt(int64(runs))))
	}
	if expected.IsZero() {
		return nil
	}
	v := decimal.NewFromInt(int64(wins)).Mul(hundred).Div(expected).Round(3).InexactFloat64()
	return &v
}

// ClassCategory 级别 → 类别键
func ClassCategory(class *int) string {
	if class == nil || *class < 1 || *class > 7 {
		return ClassUnknown
	}
	return strconv.Itoa(*class)
}

// DistanceBucket 归一化码数 → 距离段；码数未知返回空串。
// 弗隆数按四舍五入取整后分段，使 7.5f 归入 mile
func DistanceBucket(yards int) string {
	if yards <= 0 {
		return ""
	}
	furlongs := int(math.Floor(float64(yards)/yardsPerFurlong + 0.5))
	switch {
	case furlongs <= 7:
		return DistanceSprint
	case furlongs <= 10:
		return DistanceMile
	case furlongs <= 14:
		return DistanceMiddle
	default:
		return DistanceLong
	}
}

var distancePart = regexp.MustCompile(`(\d+)\s*([mfy])`)

// ParseDistance 解析 "1m2f110y" / "5f" / "2m" 等原始距离为码数
func ParseDistance(raw string) (int, bool) {
	matches := distancePart.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return 0, false
	}
	yards := 0
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		switch m[2] {
		case "m":
			yards += n * yardsPerMile
		case "f":
			yards += n * yardsPerFurlong
		case "y":
			yards += n
		}
	}
	return yards, yards > 0
}

// CategoryAE 单个类别的 AE
type CategoryAE struct {
	Category string
	Runs     int
	Wins     int
	AE       *float64
}

// MinTopCategoryRuns 参与“最佳类别”评选的最少出赛数
const MinTopCategoryRuns = 3

// CategoryIndices 为每个类别单独计算 AE，按类别键排序返回
func CategoryIndices(runs, wins map[string]int, baseline *Baseline) []CategoryAE {
	out := make([]CategoryAE, 0, len(runs))
	for category, n := range runs {
		out = append(out, CategoryAE{
			Category: category,
			Runs:     n,
			Wins:     wins[category],
			AE:       ComputeAEIndex(wins[category], map[string]int{category: n}, baseline),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// TopCategory AE 最高的类别；并列时出赛多者优先，再按类别键。
// 未知级别只计入总体 AE，不参与评选
func TopCategory(indices []CategoryAE) *CategoryAE {
	var best *CategoryAE
	for i := range indices {
		c := &indices[i]
		if c.AE == nil || c.Runs < MinTopCategoryRuns || c.Category == ClassUnknown || c.Category == "" {
			continue
		}
		if best == nil || *c.AE > *best.AE ||
			(*c.AE == *best.AE && (c.Runs > best.Runs || (c.Runs == best.Runs && c.Category < best.Category))) {
			best = c
		}
	}
	return best
}
