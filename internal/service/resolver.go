package service

import (
	"strings"

	"RaceStatsSync/internal/repository"
)

// Resolution 名称解析结果
type Resolution struct {
	HorseID    string
	Candidates int  // 最终参与判定的候选数
	ByRegion   bool // 是否通过 名称+地区 命中
}

// Resolved 是否唯一命中
func (r Resolution) Resolved() bool { return r.HorseID != "" }

// Ambiguous 是否因多个候选而放弃
func (r Resolution) Ambiguous() bool { return r.HorseID == "" && r.Candidates > 1 }

// NameResolver 血统实体名称 → 规范马匹 id；多候选时不猜测
// 索引在构造时建立，之后只读，可并发使用
type NameResolver struct {
	byName       map[string][]string
	byNameRegion map[string][]string
}

// NewNameResolver 用全部马匹建立索引
func NewNameResolver(horses []repository.HorseName) *NameResolver {
	r := &NameResolver{
		byName:       make(map[string][]string, len(horses)),
		byNameRegion: make(map[string][]string, len(horses)),
	}
	for _, h := range horses {
		base, parsed := ParseRegion(h.Name)
		name := normalizeName(base)
		if name == "" {
			continue
		}
		region := parsed
		if h.Region != nil && strings.TrimSpace(*h.Region) != "" {
			region = strings.ToUpper(strings.TrimSpace(*h.Region))
		}
		r.byName[name] = appendUnique(r.byName[name], h.ID)
		if region != RegionUnknown {
			key := regionKey(name, region)
			r.byNameRegion[key] = appendUnique(r.byNameRegion[key], h.ID)
		}
	}
	return r
}

// Resolve 唯一命中时返回马匹 id；无命中或有歧义返回 false
func (r *NameResolver) Resolve(name, region string) (string, bool) {
	res := r.ResolveDetailed(name, region)
	return res.HorseID, res.Resolved()
}

// ResolveDetailed 先按 名称+地区 精确匹配，未唯一命中再按名称匹配
func (r *NameResolver) ResolveDetailed(name, region string) Resolution {
	base, parsed := ParseRegion(name)
	norm := normalizeName(base)
	if norm == "" {
		return Resolution{}
	}
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = parsed
	}

	if region != RegionUnknown {
		if ids := r.byNameRegion[regionKey(norm, region)]; len(ids) == 1 {
			return Resolution{HorseID: ids[0], Candidates: 1, ByRegion: true}
		}
	}
	ids := r.byName[norm]
	if len(ids) == 1 {
		return Resolution{HorseID: ids[0], Candidates: 1}
	}
	return Resolution{Candidates: len(ids)}
}

// Size 索引中的马匹名数量
func (r *NameResolver) Size() int { return len(r.byName) }

// normalizeName 折叠空白并转小写
func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func regionKey(name, region string) string {
	return name + "|" + region
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
