package grounding

import (
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize: сколько извлеченных регионов держим в памяти.
const DefaultCacheSize = 500

// RegionCache: ограниченный MRU-кэш текста, извлеченного из региона страницы.
// Промах кэша приводит только к повторной работе, но не к неверному результату.
type RegionCache struct {
	lru *lru.Cache[string, string]
}

func NewRegionCache(size int) (*RegionCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("grounding: create region cache: %w", err)
	}
	return &RegionCache{lru: c}, nil
}

func (c *RegionCache) Get(workspaceID, exhibitID string, page int, bbox [4]float64) (string, bool) {
	return c.lru.Get(regionKey(workspaceID, exhibitID, page, bbox))
}

func (c *RegionCache) Put(workspaceID, exhibitID string, page int, bbox [4]float64, text string) {
	c.lru.Add(regionKey(workspaceID, exhibitID, page, bbox), text)
}

// PurgeWorkspace выбрасывает весь извлеченный текст workspace (после crypto shredding).
func (c *RegionCache) PurgeWorkspace(workspaceID string) int {
	prefix := workspaceID + "\x00"
	n := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) && c.lru.Remove(key) {
			n++
		}
	}
	return n
}

func (c *RegionCache) Len() int {
	return c.lru.Len()
}

// regionKey: "workspaceId\x00exhibitId:page:x,y,w,h"
func regionKey(workspaceID, exhibitID string, page int, bbox [4]float64) string {
	parts := make([]string, len(bbox))
	for i, v := range bbox {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return workspaceID + "\x00" + exhibitID + ":" + strconv.Itoa(page) + ":" + strings.Join(parts, ",")
}
