package audit

import (
	"context"
	"errors"
	"sync"
)

// ErrConflict: другой писатель уже занял этот prevHash (уникальность (workspace, prevHash)).
var ErrConflict = errors.New("audit: chain head conflict")

// Store: долговременное хранилище журнала. Реализации: MemoryStore и postgres.AuditRepo.
type Store interface {
	// Last возвращает последнее событие workspace в порядке создания или nil.
	Last(ctx context.Context, workspaceID string) (*Event, error)
	// Insert сохраняет событие; занятый prevHash дает ErrConflict.
	Insert(ctx context.Context, e Event) error
	// List возвращает все события workspace в порядке создания.
	List(ctx context.Context, workspaceID string) ([]Event, error)
	SaveProof(ctx context.Context, p LedgerProof) error
	LatestProof(ctx context.Context, workspaceID string) (*LedgerProof, error)
}

// MemoryStore: хранилище в памяти для тестов и локального запуска.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event
	proofs map[string][]LedgerProof
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]Event),
		proofs: make(map[string][]LedgerProof),
	}
}

func (m *MemoryStore) Last(_ context.Context, workspaceID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.events[workspaceID]
	if len(list) == 0 {
		return nil, nil
	}
	e := list[len(list)-1]
	return &e, nil
}

func (m *MemoryStore) Insert(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events[e.WorkspaceID] {
		if existing.PrevHash == e.PrevHash {
			return ErrConflict
		}
	}
	m.events[e.WorkspaceID] = append(m.events[e.WorkspaceID], e)
	return nil
}

func (m *MemoryStore) List(_ context.Context, workspaceID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events[workspaceID]...), nil
}

// Mutate позволяет тестам имитировать подмену строки в базе.
func (m *MemoryStore) Mutate(workspaceID string, index int, fn func(*Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.events[workspaceID][index])
}

func (m *MemoryStore) SaveProof(_ context.Context, p LedgerProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proofs[p.WorkspaceID] = append(m.proofs[p.WorkspaceID], p)
	return nil
}

func (m *MemoryStore) LatestProof(_ context.Context, workspaceID string) (*LedgerProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.proofs[workspaceID]
	if len(list) == 0 {
		return nil, nil
	}
	p := list[len(list)-1]
	return &p, nil
}
