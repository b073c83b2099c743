package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/trustgate/internal/shredder"
)

// KeyRepo реализует shredder.KeyStore.
type KeyRepo struct {
	db *DB
}

func NewKeyRepo(db *DB) *KeyRepo {
	return &KeyRepo{db: db}
}

func (r *KeyRepo) SaveWrapped(ctx context.Context, workspaceID string, rec shredder.WrappedKey) error {
	query := `
		INSERT INTO workspace_keys (workspace_id, ciphertext_b64, iv_b64, tag_b64)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id) DO UPDATE
		SET ciphertext_b64 = EXCLUDED.ciphertext_b64,
		    iv_b64 = EXCLUDED.iv_b64,
		    tag_b64 = EXCLUDED.tag_b64,
		    updated_at = NOW()`
	if _, err := r.db.pool.Exec(ctx, query, workspaceID, rec.CiphertextB64, rec.IVB64, rec.TagB64); err != nil {
		return fmt.Errorf("postgres: save wrapped key: %w", err)
	}
	return nil
}

func (r *KeyRepo) LoadWrapped(ctx context.Context, workspaceID string) (*shredder.WrappedKey, error) {
	query := `SELECT ciphertext_b64, iv_b64, tag_b64 FROM workspace_keys WHERE workspace_id = $1`
	var rec shredder.WrappedKey
	err := r.db.pool.QueryRow(ctx, query, workspaceID).Scan(&rec.CiphertextB64, &rec.IVB64, &rec.TagB64)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load wrapped key: %w", err)
	}
	return &rec, nil
}

func (r *KeyRepo) DeleteWrapped(ctx context.Context, workspaceID string) error {
	if _, err := r.db.pool.Exec(ctx, `DELETE FROM workspace_keys WHERE workspace_id = $1`, workspaceID); err != nil {
		return fmt.Errorf("postgres: delete wrapped key: %w", err)
	}
	return nil
}

func (r *KeyRepo) SaveReceipt(ctx context.Context, rc shredder.Receipt) error {
	query := `
		INSERT INTO shred_receipts (workspace_id, shredded_at, key_digest, receipt_digest, nonce, algorithm)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.pool.Exec(ctx, query, rc.WorkspaceID, rc.ShreddedAt, rc.KeyDigest, rc.ReceiptDigest, rc.Nonce, rc.Algorithm)
	if err != nil {
		return fmt.Errorf("postgres: save shred receipt: %w", err)
	}
	return nil
}

func (r *KeyRepo) ShreddedWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT DISTINCT workspace_id FROM shred_receipts`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list shredded workspaces: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan workspace id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

// Receipts: квитанции workspace в порядке записи.
func (r *KeyRepo) Receipts(ctx context.Context, workspaceID string) ([]shredder.Receipt, error) {
	query := `
		SELECT workspace_id, shredded_at, key_digest, receipt_digest, nonce, algorithm
		FROM shred_receipts WHERE workspace_id = $1 ORDER BY id`
	rows, err := r.db.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts: %w", err)
	}
	defer rows.Close()

	out := make([]shredder.Receipt, 0)
	for rows.Next() {
		var rc shredder.Receipt
		if err := rows.Scan(&rc.WorkspaceID, &rc.ShreddedAt, &rc.KeyDigest, &rc.ReceiptDigest, &rc.Nonce, &rc.Algorithm); err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
