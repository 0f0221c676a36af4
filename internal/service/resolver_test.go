package service

import (
	"testing"

	"RaceStatsSync/internal/repository"

	"github.com/stretchr/testify/assert"
)

func TestParseRegion(t *testing.T) {
	tests := []struct {
		in         string
		wantBase   string
		wantRegion string
	}{
		{"Example (IRE)", "Example", "IRE"},
		{"  Sea The Stars (ire) ", "Sea The Stars", "IRE"},
		{"Frankel", "Frankel", RegionUnknown},
		{"Dubawi(GB)", "Dubawi", "GB"},
		{"(IRE)", "(IRE)", RegionUnknown},
		{"Odd (Name) Here", "Odd (Name) Here", RegionUnknown},
		{"", "", RegionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			base, region := ParseRegion(tt.in)
			assert.Equal(t, tt.wantBase, base)
			assert.Equal(t, tt.wantRegion, region)
		})
	}
}

func TestNameResolver_Ambiguity(t *testing.T) {
	r := NewNameResolver([]repository.HorseName{
		{ID: "h-ire", Name: "Example (IRE)"},
		{ID: "h-gb", Name: "Example (GB)"},
	})

	_, ok := r.Resolve("Example", "")
	assert.False(t, ok, "两个同名马匹不应猜测")
	assert.True(t, r.ResolveDetailed("Example", "").Ambiguous())

	id, ok := r.Resolve("Example", "IRE")
	assert.True(t, ok)
	assert.Equal(t, "h-ire", id)

	id, ok = r.Resolve("example   (gb)", "")
	assert.True(t, ok, "名称自带地区后缀时作为地区使用")
	assert.Equal(t, "h-gb", id)

	_, ok = r.Resolve("Example", "FR")
	assert.False(t, ok, "地区未命中时回退名称匹配，名称仍有歧义")
}

func TestNameResolver_NameOnlyFallback(t *testing.T) {
	region := "USA"
	r := NewNameResolver([]repository.HorseName{
		{ID: "h1", Name: "Frankel"},
		{ID: "h2", Name: "American  Pharoah", Region: &region},
	})

	id, ok := r.Resolve("  FRANKEL ", "GB")
	assert.True(t, ok)
	assert.Equal(t, "h1", id)

	res := r.ResolveDetailed("american pharoah", "USA")
	assert.True(t, res.ByRegion)
	assert.Equal(t, "h2", res.HorseID)

	res = r.ResolveDetailed("Nobody", "")
	assert.False(t, res.Resolved())
	assert.False(t, res.Ambiguous())
	assert.Zero(t, res.Candidates)

	_, ok = r.Resolve("   ", "")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Size())
}

func TestNameResolver_SameRegionDuplicatesStayAmbiguous(t *testing.T) {
	r := NewNameResolver([]repository.HorseName{
		{ID: "h1", Name: "Twin (IRE)"},
		{ID: "h2", Name: "Twin (IRE)"},
	})
	_, ok := r.Resolve("Twin", "IRE")
	assert.False(t, ok)
}
