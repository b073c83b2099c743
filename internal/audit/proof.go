package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/trustgate/internal/canonical"
	"go.uber.org/zap"
)

// NoneMarker заменяет id и хеш головы для пустой цепочки.
const NoneMarker = "NONE"

// Verification: результат полного пересчета цепочки.
type Verification struct {
	Valid       bool    `json:"valid"`
	BrokenAtID  string  `json:"brokenAtId,omitempty"`
	EventCount  int     `json:"eventCount"`
	HeadHash    *string `json:"headHash"`
	LastEventID *string `json:"lastEventId"`
	GenesisHash string  `json:"genesisHash"`
}

// LedgerProof: дешевый контрольный снимок состояния журнала.
type LedgerProof struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	EventCount  int       `json:"eventCount"`
	MaxEventID  string    `json:"maxEventId"`
	HeadHash    string    `json:"headHash"`
	ProofHash   string    `json:"proofHash"`
	TamperFlag  bool      `json:"tamperFlag"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ComputeProofHash = SHA256(workspaceId:count:maxId:headHash).
func ComputeProofHash(workspaceID string, count int, maxEventID, headHash string) string {
	return canonical.HashString(fmt.Sprintf("%s:%d:%s:%s", workspaceID, count, maxEventID, headHash))
}

// VerifyEvents пересчитывает prevHash/hash по порядку и останавливается на первом расхождении.
func VerifyEvents(events []Event) Verification {
	res := Verification{EventCount: len(events), GenesisHash: GenesisHash, Valid: true}
	prev := GenesisHash
	for _, e := range events {
		expected, err := ComputeHash(prev, e.CreatedAt, e.ActorID, e.Action, e.Details)
		if err != nil || e.PrevHash != prev || e.Hash != expected {
			res.Valid = false
			res.BrokenAtID = e.ID
			return res
		}
		prev = e.Hash
		head, id := e.Hash, e.ID
		res.HeadHash, res.LastEventID = &head, &id
	}
	return res
}

// VerifyChain проверяет всю цепочку workspace.
func (l *Ledger) VerifyChain(ctx context.Context, workspaceID string) (Verification, error) {
	events, err := l.store.List(ctx, workspaceID)
	if err != nil {
		return Verification{}, fmt.Errorf("audit: list events: %w", err)
	}
	return VerifyEvents(events), nil
}

// RecordProof снимает и сохраняет ledger proof. tamperFlag выставляется, если цепочка уже сломана.
func (l *Ledger) RecordProof(ctx context.Context, workspaceID string) (*LedgerProof, error) {
	events, err := l.store.List(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}

	maxID, head := NoneMarker, NoneMarker
	if n := len(events); n > 0 {
		maxID, head = events[n-1].ID, events[n-1].Hash
	}
	proof := LedgerProof{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		EventCount:  len(events),
		MaxEventID:  maxID,
		HeadHash:    head,
		ProofHash:   ComputeProofHash(workspaceID, len(events), maxID, head),
		TamperFlag:  !VerifyEvents(events).Valid,
		CreatedAt:   l.now().UTC(),
	}
	if proof.TamperFlag {
		l.logger.Error("ledger proof recorded over a broken chain", zap.String("workspace_id", workspaceID))
	}
	if err := l.store.SaveProof(ctx, proof); err != nil {
		return nil, fmt.Errorf("audit: save proof: %w", err)
	}
	return &proof, nil
}

func (l *Ledger) LatestProof(ctx context.Context, workspaceID string) (*LedgerProof, error) {
	return l.store.LatestProof(ctx, workspaceID)
}
