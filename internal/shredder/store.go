package shredder

import (
	"context"
	"sync"
)

// WrappedKey: ключ workspace, зашифрованный ключом обертки. В открытом виде ключ не хранится.
type WrappedKey struct {
	CiphertextB64 string `json:"ciphertextB64"`
	IVB64         string `json:"ivB64"`
	TagB64        string `json:"tagB64"`
}

// Receipt: квитанция об уничтожении ключа.
type Receipt struct {
	WorkspaceID   string `json:"workspaceId"`
	ShreddedAt    string `json:"shreddedAt"`
	KeyDigest     string `json:"keyDigest"`
	ReceiptDigest string `json:"receiptDigest"`
	Nonce         string `json:"nonce"`
	Algorithm     string `json:"algorithm"`
}

// KeyStore: долговременное хранилище обернутых ключей и квитанций.
type KeyStore interface {
	SaveWrapped(ctx context.Context, workspaceID string, rec WrappedKey) error
	// LoadWrapped возвращает (nil, nil), если ключ не сохранялся.
	LoadWrapped(ctx context.Context, workspaceID string) (*WrappedKey, error)
	DeleteWrapped(ctx context.Context, workspaceID string) error
	SaveReceipt(ctx context.Context, r Receipt) error
	// ShreddedWorkspaces: все workspace с квитанцией (для прогрева реестра).
	ShreddedWorkspaces(ctx context.Context) ([]string, error)
}

type MemoryKeyStore struct {
	mu       sync.RWMutex
	wrapped  map[string]WrappedKey
	receipts []Receipt
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{wrapped: make(map[string]WrappedKey)}
}

func (m *MemoryKeyStore) SaveWrapped(_ context.Context, workspaceID string, rec WrappedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wrapped[workspaceID] = rec
	return nil
}

func (m *MemoryKeyStore) LoadWrapped(_ context.Context, workspaceID string) (*WrappedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.wrapped[workspaceID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryKeyStore) DeleteWrapped(_ context.Context, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wrapped, workspaceID)
	return nil
}

func (m *MemoryKeyStore) SaveReceipt(_ context.Context, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, r)
	return nil
}

func (m *MemoryKeyStore) ShreddedWorkspaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.receipts))
	for _, r := range m.receipts {
		out = append(out, r.WorkspaceID)
	}
	return out, nil
}

func (m *MemoryKeyStore) Receipts() []Receipt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Receipt(nil), m.receipts...)
}
