package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/trustgate/internal/trustgraph"
)

// ArtifactRepo реализует trustgraph.ArtifactStore. Артефакт хранится целиком в JSONB.
type ArtifactRepo struct {
	db *DB
}

func NewArtifactRepo(db *DB) *ArtifactRepo {
	return &ArtifactRepo{db: db}
}

func (r *ArtifactRepo) SaveArtifact(ctx context.Context, a trustgraph.DerivedArtifact) error {
	query := `
		INSERT INTO derived_artifacts (id, workspace_id, request_id, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.pool.Exec(ctx, query, a.ID, a.WorkspaceID, a.RequestID, a); err != nil {
		return fmt.Errorf("postgres: save artifact: %w", err)
	}
	return nil
}

// ListArtifacts: новые первыми; limit <= 0 означает все.
func (r *ArtifactRepo) ListArtifacts(ctx context.Context, workspaceID string, limit int) ([]trustgraph.DerivedArtifact, error) {
	query := `SELECT body FROM derived_artifacts WHERE workspace_id = $1 ORDER BY seq DESC`
	args := []interface{}{workspaceID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]trustgraph.DerivedArtifact, 0)
	for rows.Next() {
		var a trustgraph.DerivedArtifact
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("postgres: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
