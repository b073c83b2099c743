package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/trustgate/internal/audit"
)

// AuditRepo реализует audit.Store. details хранится текстом как есть,
// чтобы пересчет хеша после чтения совпадал с исходным.
type AuditRepo struct {
	db *DB
}

func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

const eventColumns = `id, workspace_id, actor_id, event_type, action, resource_id, payload_json, details_json, prev_hash, hash, created_at`

func (r *AuditRepo) Last(ctx context.Context, workspaceID string) (*audit.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE workspace_id = $1 ORDER BY seq DESC LIMIT 1`
	e, err := scanEvent(r.db.pool.QueryRow(ctx, query, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: last audit event: %w", err)
	}
	return e, nil
}

// Insert: уникальность (workspace_id, prev_hash) превращает гонку писателей в audit.ErrConflict.
func (r *AuditRepo) Insert(ctx context.Context, e audit.Event) error {
	var details *string
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("postgres: encode details: %w", err)
		}
		s := string(raw)
		details = &s
	}

	query := `INSERT INTO audit_events (` + eventColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.pool.Exec(ctx, query,
		e.ID, e.WorkspaceID, e.ActorID, e.EventType, e.Action, e.ResourceID,
		e.Payload, details, e.PrevHash, e.Hash, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return audit.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("postgres: insert audit event: %w", err)
	}
	return nil
}

func (r *AuditRepo) List(ctx context.Context, workspaceID string) ([]audit.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE workspace_id = $1 ORDER BY seq ASC`
	rows, err := r.db.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit events: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	events := make([]audit.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return events, nil
}

func (r *AuditRepo) SaveProof(ctx context.Context, p audit.LedgerProof) error {
	query := `
		INSERT INTO ledger_proofs (id, workspace_id, event_count, max_event_id, head_hash, proof_hash, tamper_flag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.pool.Exec(ctx, query,
		p.ID, p.WorkspaceID, p.EventCount, p.MaxEventID, p.HeadHash, p.ProofHash, p.TamperFlag, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save ledger proof: %w", err)
	}
	return nil
}

func (r *AuditRepo) LatestProof(ctx context.Context, workspaceID string) (*audit.LedgerProof, error) {
	query := `
		SELECT id, workspace_id, event_count, max_event_id, head_hash, proof_hash, tamper_flag, created_at
		FROM ledger_proofs WHERE workspace_id = $1
		ORDER BY created_at DESC LIMIT 1`
	var p audit.LedgerProof
	err := r.db.pool.QueryRow(ctx, query, workspaceID).Scan(
		&p.ID, &p.WorkspaceID, &p.EventCount, &p.MaxEventID, &p.HeadHash, &p.ProofHash, &p.TamperFlag, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: latest ledger proof: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func scanEvent(row pgx.Row) (*audit.Event, error) {
	var e audit.Event
	var details *string
	err := row.Scan(
		&e.ID, &e.WorkspaceID, &e.ActorID, &e.EventType, &e.Action, &e.ResourceID,
		&e.Payload, &details, &e.PrevHash, &e.Hash, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if details != nil {
		// UseNumber: числа возвращаются в исходной записи, канонический JSON не меняется
		dec := json.NewDecoder(bytes.NewReader([]byte(*details)))
		dec.UseNumber()
		if err := dec.Decode(&e.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	return &e, nil
}
