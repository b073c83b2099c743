package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/trustgate/internal/shredder"
)

// KeyVault: операции Crypto Shredder, доступные через API.
type KeyVault interface {
	EnsureKey(ctx context.Context, workspaceID string) error
	PersistKey(ctx context.Context, workspaceID string) (bool, error)
	Encrypt(ctx context.Context, workspaceID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, workspaceID string, data []byte) ([]byte, error)
	ShredWorkspace(ctx context.Context, workspaceID string) (*shredder.Receipt, error)
}

type ShredService struct {
	vault   KeyVault
	onShred func()
}

// NewShredService; onShred (может быть nil) вызывается на каждую выданную квитанцию.
func NewShredService(v KeyVault, onShred func()) *ShredService {
	return &ShredService{vault: v, onShred: onShred}
}

// EnsureKey создает (или поднимает) ключ и сохраняет его обернутую копию.
func (s *ShredService) EnsureKey(ctx context.Context, workspaceID string) (bool, error) {
	if err := s.vault.EnsureKey(ctx, workspaceID); err != nil {
		return false, err
	}
	persisted, err := s.vault.PersistKey(ctx, workspaceID)
	if err != nil {
		return false, fmt.Errorf("shred_service: persist key: %w", err)
	}
	return persisted, nil
}

func (s *ShredService) Encrypt(ctx context.Context, workspaceID string, plaintext []byte) ([]byte, error) {
	if err := s.vault.EnsureKey(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.vault.Encrypt(ctx, workspaceID, plaintext)
}

func (s *ShredService) Decrypt(ctx context.Context, workspaceID string, data []byte) ([]byte, error) {
	return s.vault.Decrypt(ctx, workspaceID, data)
}

// Shred возвращает квитанцию; nil без ошибки: workspace уже был уничтожен.
func (s *ShredService) Shred(ctx context.Context, workspaceID string) (*shredder.Receipt, error) {
	receipt, err := s.vault.ShredWorkspace(ctx, workspaceID)
	if receipt != nil && s.onShred != nil {
		s.onShred()
	}
	return receipt, err
}
