package algebra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/trustgate/internal/domain"
)

func anchor(id, exhibit string, page int, bbox []float64, text string) domain.Anchor {
	return domain.Anchor{ID: id, ExhibitID: exhibit, PageNumber: page, BBox: bbox, Text: text, IntegrityStatus: domain.IntegrityVerified}
}

// ===== Corroborate Tests =====

func TestCorroborate(t *testing.T) {
	anchors := AnchorMap{
		"a1": anchor("a1", "A", 1, []float64{0, 0, 10, 10}, "x"),
		"a2": anchor("a2", "A", 1, []float64{20, 20, 30, 30}, "y"),
		"b1": anchor("b1", "B", 1, []float64{0, 0, 10, 10}, "z"),
	}

	tests := []struct {
		name         string
		ids          []string
		count        int
		corroborated bool
	}{
		{"same exhibit and page is single source", []string{"a1", "a2"}, 1, false},
		{"two exhibits", []string{"a1", "b1"}, 2, true},
		{"unknown ids skipped", []string{"ghost", "a1"}, 1, false},
		{"empty", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Corroborate(anchors, tt.ids)
			assert.Equal(t, tt.count, got.Count)
			assert.Equal(t, tt.corroborated, got.Corroborated)
		})
	}
}

// ===== DetectContradiction Tests =====

func TestDetectContradiction_TimeConflict(t *testing.T) {
	anchors := AnchorMap{
		"a": anchor("a", "A", 1, nil, "Signed on 2021-03-01."),
		"b": anchor("b", "B", 2, nil, "Signed in 2022."),
	}
	got := DetectContradiction(anchors, []string{"a", "b"})
	assert.True(t, got.Contradictory)
	assert.Equal(t, ReasonTimeConflict, got.Reason)
	assert.Equal(t, []string{"a", "b"}, got.ConflictingIDs)
}

func TestDetectContradiction_IsoDateAloneIsNotConflict(t *testing.T) {
	anchors := AnchorMap{"a": anchor("a", "A", 1, nil, "Effective 2021-03-01, renewed 2021-03-01.")}
	got := DetectContradiction(anchors, []string{"a"})
	assert.False(t, got.Contradictory)
}

func TestDetectContradiction_ValueConflict(t *testing.T) {
	anchors := AnchorMap{
		"a": anchor("a", "A", 1, []float64{100, 100, 220, 130}, "Cap is 50 million"),
		"b": anchor("b", "A", 1, []float64{150, 110, 50, 30}, "Cap is 75 million"),
		"c": anchor("c", "A", 1, []float64{500, 500, 520, 530}, "Cap is 90 million"),
	}

	got := DetectContradiction(anchors, []string{"a", "b"})
	assert.True(t, got.Contradictory)
	assert.Equal(t, ReasonValueConflict, got.Reason)
	assert.Equal(t, []string{"a", "b"}, got.ConflictingIDs)

	got = DetectContradiction(anchors, []string{"a", "c"})
	assert.False(t, got.Contradictory, "non-overlapping boxes never conflict")
}

func TestDetectContradiction_SameValueOverlapping(t *testing.T) {
	anchors := AnchorMap{
		"a": anchor("a", "A", 1, []float64{0, 0, 100, 100}, "Pay 10 units"),
		"b": anchor("b", "A", 1, []float64{50, 50, 150, 150}, "Total 10"),
	}
	assert.False(t, DetectContradiction(anchors, []string{"a", "b"}).Contradictory)
}

// ===== ClassifyDependency Tests =====

func TestClassifyDependency(t *testing.T) {
	revoked := anchor("r", "A", 1, nil, "text")
	revoked.IntegrityStatus = domain.IntegrityRevoked

	anchors := AnchorMap{
		"a1": anchor("a1", "A", 1, nil, "alpha"),
		"b1": anchor("b1", "B", 1, nil, "beta"),
		"t1": anchor("t1", "A", 2, nil, "in 2020"),
		"t2": anchor("t2", "B", 2, nil, "in 2021"),
		"r":  revoked,
	}

	tests := []struct {
		name  string
		ids   []string
		class DependencyClass
		count int
	}{
		{"empty", nil, Unstable, 0},
		{"all unknown", []string{"ghost"}, Unstable, 0},
		{"revoked wins", []string{"r", "a1", "b1"}, Unstable, 2},
		{"conflicted", []string{"t1", "t2"}, Conflicted, 2},
		{"multi source", []string{"a1", "b1"}, MultiSource, 2},
		{"single source", []string{"a1"}, SingleSource, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyDependency(anchors, tt.ids)
			assert.Equal(t, tt.class, got.Class)
			assert.Equal(t, tt.count, got.CorroborationCount)
		})
	}
}
