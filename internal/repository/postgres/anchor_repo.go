package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/trustgate/internal/domain"
)

// AnchorRepo: источник якорей для Grounding Validator. Ядро только читает;
// запись нужна загрузчику экспонатов и тестам.
type AnchorRepo struct {
	db *DB
}

func NewAnchorRepo(db *DB) *AnchorRepo {
	return &AnchorRepo{db: db}
}

// FindAnchor ищет якорь строго в рамках (anchorId, exhibitId, workspaceId).
func (r *AnchorRepo) FindAnchor(ctx context.Context, anchorID, exhibitID, workspaceID string) (*domain.Anchor, error) {
	query := `
		SELECT a.id, a.exhibit_id, a.page_number, a.line_number, a.bbox, a.text, a.integrity_status,
		       e.id, e.workspace_id, e.storage_key, e.integrity_hash, e.verification_status
		FROM anchors a
		JOIN exhibits e ON e.id = a.exhibit_id
		WHERE a.id = $1 AND a.exhibit_id = $2 AND e.workspace_id = $3`

	var a domain.Anchor
	var status string
	err := r.db.pool.QueryRow(ctx, query, anchorID, exhibitID, workspaceID).Scan(
		&a.ID, &a.ExhibitID, &a.PageNumber, &a.LineNumber, &a.BBox, &a.Text, &status,
		&a.Exhibit.ID, &a.Exhibit.WorkspaceID, &a.Exhibit.StorageKey, &a.Exhibit.IntegrityHash, &a.Exhibit.VerificationStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: find anchor: %w", err)
	}
	a.IntegrityStatus = domain.IntegrityStatus(status)
	return &a, nil
}

func (r *AnchorRepo) SaveExhibit(ctx context.Context, e domain.Exhibit) error {
	query := `
		INSERT INTO exhibits (id, workspace_id, storage_key, integrity_hash, verification_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET storage_key = EXCLUDED.storage_key,
		    integrity_hash = EXCLUDED.integrity_hash,
		    verification_status = EXCLUDED.verification_status`
	status := e.VerificationStatus
	if status == "" {
		status = string(domain.IntegrityPending)
	}
	if _, err := r.db.pool.Exec(ctx, query, e.ID, e.WorkspaceID, e.StorageKey, e.IntegrityHash, status); err != nil {
		return fmt.Errorf("postgres: save exhibit: %w", err)
	}
	return nil
}

// SaveAnchor: якоря неизменяемы: повторная запись того же id игнорируется.
func (r *AnchorRepo) SaveAnchor(ctx context.Context, a domain.Anchor) error {
	query := `
		INSERT INTO anchors (id, exhibit_id, page_number, line_number, bbox, text, integrity_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	status := a.IntegrityStatus
	if status == "" {
		status = domain.IntegrityVerified
	}
	_, err := r.db.pool.Exec(ctx, query, a.ID, a.ExhibitID, a.PageNumber, a.LineNumber, a.BBox, a.Text, string(status))
	if err != nil {
		return fmt.Errorf("postgres: save anchor: %w", err)
	}
	return nil
}
