package grounding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", "  "))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.Equal(t, 1.0, Similarity("Hello   World", "hello world"))
	assert.InDelta(t, 0.8, Similarity("abcde", "abcdx"), 1e-9)
}

func TestRegionCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewRegionCache(2)
	require.NoError(t, err)
	box := [4]float64{1, 2, 3, 4}

	c.Put("ws1", "e1", 1, box, "one")
	c.Put("ws1", "e2", 1, box, "two")
	_, _ = c.Get("ws1", "e1", 1, box) // e1 становится самым свежим
	c.Put("ws1", "e3", 1, box, "three")

	_, ok := c.Get("ws1", "e2", 1, box)
	assert.False(t, ok)
	v, ok := c.Get("ws1", "e1", 1, box)
	assert.True(t, ok)
	assert.Equal(t, "one", v)
	assert.Equal(t, "ws1\x00e1:1:1,2,3,4", regionKey("ws1", "e1", 1, box))
}

func TestRegionCache_ScopedByWorkspace(t *testing.T) {
	c, err := NewRegionCache(10)
	require.NoError(t, err)
	box := [4]float64{1, 2, 3, 4}

	c.Put("ws1", "e1", 1, box, "one")
	c.Put("ws1", "e2", 2, box, "two")
	c.Put("ws2", "e1", 1, box, "other")

	_, ok := c.Get("ws3", "e1", 1, box)
	assert.False(t, ok)

	assert.Equal(t, 2, c.PurgeWorkspace("ws1"))
	assert.Equal(t, 1, c.Len())
	_, ok = c.Get("ws1", "e1", 1, box)
	assert.False(t, ok)
	v, ok := c.Get("ws2", "e1", 1, box)
	assert.True(t, ok)
	assert.Equal(t, "other", v)
	assert.Zero(t, c.PurgeWorkspace("ws1"))
}

func TestAssemble_ReadingOrder(t *testing.T) {
	glyphs := []glyph{
		{x: 15, top: 100, w: 5, h: 10, s: "d"},
		{x: 10, top: 100, w: 5, h: 10, s: "c"},
		{x: 10, top: 80, w: 5, h: 10, s: "a"},
		{x: 15, top: 81, w: 5, h: 10, s: "b"},
		{x: 40, top: 100, w: 5, h: 10, s: "e"},
	}
	// строка "ab" выше, "cd" без разрыва, "e" отделена разрывом
	assert.Equal(t, "ab cd e", assemble(glyphs))
	assert.Equal(t, "", assemble(nil))
}

func TestPDFExtractor_RejectsGarbage(t *testing.T) {
	_, err := NewPDFExtractor().ExtractRegion(context.Background(), []byte("not a pdf"), 1, [4]float64{0, 0, 1, 1})
	assert.Error(t, err)
}
