package grounding

import (
	"context"
	"fmt"
	"sync"

	"github.com/xela07ax/trustgate/internal/domain"
)

// MapAnchorStore: потокобезопасное in-memory хранилище якорей и байт экспонатов.
// Используется в тестах и при локальном запуске без Postgres.
type MapAnchorStore struct {
	mu      sync.RWMutex
	anchors map[string]domain.Anchor
	blobs   map[string][]byte
}

func NewMapAnchorStore() *MapAnchorStore {
	return &MapAnchorStore{
		anchors: make(map[string]domain.Anchor),
		blobs:   make(map[string][]byte),
	}
}

func (s *MapAnchorStore) Put(a domain.Anchor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors[a.ID] = a
}

func (s *MapAnchorStore) PutBlob(storageKey string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[storageKey] = data
}

func (s *MapAnchorStore) FindAnchor(_ context.Context, anchorID, exhibitID, workspaceID string) (*domain.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[anchorID]
	if !ok || a.ExhibitID != exhibitID || a.Exhibit.WorkspaceID != workspaceID {
		return nil, nil
	}
	return &a, nil
}

func (s *MapAnchorStore) Download(_ context.Context, storageKey string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[storageKey]
	if !ok {
		return nil, fmt.Errorf("grounding: blob %q not found", storageKey)
	}
	return data, nil
}
