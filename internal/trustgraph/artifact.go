package trustgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/trustgate/internal/audit"
	"go.uber.org/zap"
)

type ExhibitHash struct {
	ExhibitID     string `json:"exhibitId"`
	IntegrityHash string `json:"integrityHash"`
}

// DerivedArtifact: запись о выпущенном результате и всех его доказательствах.
type DerivedArtifact struct {
	ID                         string           `json:"id"`
	RequestID                  string           `json:"requestId"`
	WorkspaceID                string           `json:"workspaceId"`
	ArtifactType               string           `json:"artifactType"`
	AnchorIDsUsed              []string         `json:"anchorIdsUsed"`
	ExhibitIDsUsed             []string         `json:"exhibitIdsUsed"`
	ExhibitIntegrityHashesUsed []ExhibitHash    `json:"exhibitIntegrityHashesUsed"`
	ProofContract              *ProofContract   `json:"proofContract,omitempty"`
	ProofContractHash          string           `json:"proofContractHash,omitempty"`
	ReplayHash                 string           `json:"replayHash,omitempty"`
	ClaimProofs                []ClaimProof     `json:"claimProofs,omitempty"`
	ClaimProofHashes           []ClaimProofHash `json:"claimProofHashes,omitempty"`
	ClaimProofsHash            string           `json:"claimProofsHash,omitempty"`
	AuditEventID               string           `json:"auditEventId,omitempty"`
	CreatedAt                  string           `json:"createdAt"`
}

// Seal вычисляет все производные хеши. replayHash есть только при наличии proof contract.
func (a *DerivedArtifact) Seal() error {
	a.ProofContractHash, a.ReplayHash = "", ""
	if a.ProofContract != nil {
		h, err := HashProofContract(*a.ProofContract)
		if err != nil {
			return fmt.Errorf("trustgraph: hash proof contract: %w", err)
		}
		a.ProofContractHash = h
	}

	hashes, rollup, err := RollupClaimProofs(a.ClaimProofs)
	if err != nil {
		return err
	}
	a.ClaimProofHashes, a.ClaimProofsHash = hashes, rollup

	if a.ProofContractHash != "" {
		if a.ReplayHash, err = ReplayHash(a.ProofContractHash, a.ClaimProofsHash); err != nil {
			return err
		}
	}
	return nil
}

// Appender: та часть журнала, которая нужна для записи DERIVED_ARTIFACT.
type Appender interface {
	Append(ctx context.Context, workspaceID, actorID, eventType string, payload map[string]any) (*audit.Event, error)
}

// ArtifactStore хранит артефакты для выборки и экспорта пакетов.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a DerivedArtifact) error
	ListArtifacts(ctx context.Context, workspaceID string, limit int) ([]DerivedArtifact, error)
}

type Recorder struct {
	ledger Appender
	store  ArtifactStore
	now    func() time.Time
	logger *zap.Logger
}

func NewRecorder(ledger Appender, store ArtifactStore, logger *zap.Logger) *Recorder {
	return &Recorder{ledger: ledger, store: store, now: time.Now, logger: logger.Named("trustgraph")}
}

// Record запечатывает артефакт и пишет событие DERIVED_ARTIFACT.
// Журнал: источник истины: ошибка сохранения копии только логируется.
func (r *Recorder) Record(ctx context.Context, actorID string, a DerivedArtifact) (*DerivedArtifact, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = audit.Timestamp(r.now())
	}
	if err := a.Seal(); err != nil {
		return nil, err
	}

	payload, err := toMap(a)
	if err != nil {
		return nil, err
	}
	details, err := toMap(map[string]any{
		"claimProofsHash":   a.ClaimProofsHash,
		"claimProofHashes":  a.ClaimProofHashes,
		"proofContractHash": a.ProofContractHash,
		"replayHash":        a.ReplayHash,
	})
	if err != nil {
		return nil, err
	}
	payload["details"] = details

	event, err := r.ledger.Append(ctx, a.WorkspaceID, actorID, audit.EventDerivedArtifact, payload)
	if err != nil {
		return nil, fmt.Errorf("trustgraph: record artifact: %w", err)
	}
	a.AuditEventID = event.ID

	if r.store != nil {
		if err := r.store.SaveArtifact(ctx, a); err != nil {
			r.logger.Warn("failed to store derived artifact copy",
				zap.String("artifact_id", a.ID), zap.Error(err))
		}
	}
	return &a, nil
}

func (r *Recorder) List(ctx context.Context, workspaceID string, limit int) ([]DerivedArtifact, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListArtifacts(ctx, workspaceID, limit)
}

// MemoryArtifactStore: хранилище артефактов в памяти.
type MemoryArtifactStore struct {
	mu   sync.RWMutex
	byWS map[string][]DerivedArtifact
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{byWS: make(map[string][]DerivedArtifact)}
}

func (m *MemoryArtifactStore) SaveArtifact(_ context.Context, a DerivedArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byWS[a.WorkspaceID] = append(m.byWS[a.WorkspaceID], a)
	return nil
}

// ListArtifacts возвращает новые первыми.
func (m *MemoryArtifactStore) ListArtifacts(_ context.Context, workspaceID string, limit int) ([]DerivedArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byWS[workspaceID]
	out := make([]DerivedArtifact, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, list[i])
	}
	return out, nil
}

// toMap приводит значение к JSON-дереву, в котором оно и будет храниться.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
