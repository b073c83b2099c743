package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/trustgate/internal/audit"
)

// Ledger: операции журнала, которые консоль отдает наружу.
type Ledger interface {
	Append(ctx context.Context, workspaceID, actorID, eventType string, payload map[string]any) (*audit.Event, error)
	Events(ctx context.Context, workspaceID string) ([]audit.Event, error)
	VerifyChain(ctx context.Context, workspaceID string) (audit.Verification, error)
	RecordProof(ctx context.Context, workspaceID string) (*audit.LedgerProof, error)
	LatestProof(ctx context.Context, workspaceID string) (*audit.LedgerProof, error)
}

type AuditService struct {
	ledger Ledger
}

func NewAuditService(l Ledger) *AuditService {
	return &AuditService{ledger: l}
}

func (s *AuditService) Append(ctx context.Context, workspaceID, actorID, eventType string, payload map[string]any) (*audit.Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	e, err := s.ledger.Append(ctx, workspaceID, actorID, eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("audit_service: append: %w", err)
	}
	return e, nil
}

func (s *AuditService) Events(ctx context.Context, workspaceID string) ([]audit.Event, error) {
	return s.ledger.Events(ctx, workspaceID)
}

func (s *AuditService) Verify(ctx context.Context, workspaceID string) (audit.Verification, error) {
	return s.ledger.VerifyChain(ctx, workspaceID)
}

func (s *AuditService) Snapshot(ctx context.Context, workspaceID string) (*audit.LedgerProof, error) {
	return s.ledger.RecordProof(ctx, workspaceID)
}

// LatestProof возвращает (nil, nil), если снимков еще не было.
func (s *AuditService) LatestProof(ctx context.Context, workspaceID string) (*audit.LedgerProof, error) {
	return s.ledger.LatestProof(ctx, workspaceID)
}
