package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/domain"
	"github.com/xela07ax/trustgate/internal/shredder"
	"github.com/xela07ax/trustgate/internal/trustgraph"
	"go.uber.org/zap"
)

// testDB подключается к TRUSTGATE_TEST_DB_URL; без нее тесты пропускаются.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TRUSTGATE_TEST_DB_URL")
	if url == "" {
		t.Skip("TRUSTGATE_TEST_DB_URL is not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))
	// Повторная миграция не должна падать
	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestAnchorRepo_FindAnchor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewAnchorRepo(db)

	ws := "ws-" + uuid.NewString()
	exhibit := domain.Exhibit{ID: uuid.NewString(), WorkspaceID: ws, StorageKey: "exhibits/a.pdf", IntegrityHash: "abc"}
	require.NoError(t, repo.SaveExhibit(ctx, exhibit))

	line := 7
	anchor := domain.Anchor{
		ID: uuid.NewString(), ExhibitID: exhibit.ID, PageNumber: 3, LineNumber: &line,
		BBox: []float64{0.1, 0.2, 0.3, 0.4}, Text: "The lease term is 24 months.",
	}
	require.NoError(t, repo.SaveAnchor(ctx, anchor))

	got, err := repo.FindAnchor(ctx, anchor.ID, exhibit.ID, ws)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.PageNumber)
	require.NotNil(t, got.LineNumber)
	assert.Equal(t, 7, *got.LineNumber)
	assert.Equal(t, anchor.BBox, got.BBox)
	assert.Equal(t, domain.IntegrityVerified, got.IntegrityStatus)
	assert.Equal(t, ws, got.Exhibit.WorkspaceID)
	assert.Equal(t, string(domain.IntegrityPending), got.Exhibit.VerificationStatus)

	// Чужой workspace и чужой экспонат не находят якорь
	got, err = repo.FindAnchor(ctx, anchor.ID, exhibit.ID, "other")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = repo.FindAnchor(ctx, anchor.ID, "other", ws)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAuditRepo_LedgerRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewAuditRepo(db)
	ledger := audit.NewLedger(repo, zap.NewNop())

	ws := "ws-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		_, err := ledger.Append(ctx, ws, "user-1", "ANCHOR_CREATED", map[string]any{
			"details": map[string]any{"index": i, "ratio": 0.25, "note": "<b>&</b>"},
			"text":    "secret",
		})
		require.NoError(t, err)
	}

	events, err := repo.List(ctx, ws)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, audit.GenesisHash, events[0].PrevHash)
	assert.Equal(t, audit.Placeholder, events[0].Payload["text"])

	// Хеши, пересчитанные по прочитанным строкам, совпадают с записанными
	res, err := ledger.VerifyChain(ctx, ws)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.EventCount)

	last, err := repo.Last(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, events[2].ID, last.ID)

	proof, err := ledger.RecordProof(ctx, ws)
	require.NoError(t, err)
	latest, err := repo.LatestProof(ctx, ws)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, proof.ProofHash, latest.ProofHash)
	assert.Equal(t, 3, latest.EventCount)
}

func TestAuditRepo_ConflictOnSameHead(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewAuditRepo(db)

	ws := "ws-" + uuid.NewString()
	mk := func() audit.Event {
		return audit.Event{
			ID: uuid.NewString(), WorkspaceID: ws, ActorID: "a", EventType: "X", Action: "X",
			Payload: map[string]any{}, PrevHash: audit.GenesisHash, Hash: uuid.NewString(),
		}
	}
	require.NoError(t, repo.Insert(ctx, mk()))
	assert.ErrorIs(t, repo.Insert(ctx, mk()), audit.ErrConflict)

	empty, err := repo.Last(ctx, "missing-"+ws)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestKeyRepo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewKeyRepo(db)
	ws := "ws-" + uuid.NewString()

	rec, err := repo.LoadWrapped(ctx, ws)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, repo.SaveWrapped(ctx, ws, shredder.WrappedKey{CiphertextB64: "c1", IVB64: "i1", TagB64: "t1"}))
	require.NoError(t, repo.SaveWrapped(ctx, ws, shredder.WrappedKey{CiphertextB64: "c2", IVB64: "i2", TagB64: "t2"}))
	rec, err = repo.LoadWrapped(ctx, ws)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c2", rec.CiphertextB64)

	require.NoError(t, repo.DeleteWrapped(ctx, ws))
	rec, err = repo.LoadWrapped(ctx, ws)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rc := shredder.Receipt{WorkspaceID: ws, ShreddedAt: "2024-01-01T00:00:00.000Z", KeyDigest: "k", ReceiptDigest: "r", Nonce: "n", Algorithm: "AES-256-GCM"}
	require.NoError(t, repo.SaveReceipt(ctx, rc))
	require.NoError(t, repo.SaveReceipt(ctx, rc))

	ids, err := repo.ShreddedWorkspaces(ctx)
	require.NoError(t, err)
	count := 0
	for _, id := range ids {
		if id == ws {
			count++
		}
	}
	assert.Equal(t, 1, count)

	receipts, err := repo.Receipts(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
	assert.Equal(t, rc, receipts[0])
}

func TestArtifactRepo_NewestFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewArtifactRepo(db)
	ws := "ws-" + uuid.NewString()

	for _, id := range []string{"a1", "a2", "a3"} {
		a := trustgraph.DerivedArtifact{
			ID: ws + "-" + id, WorkspaceID: ws, RequestID: id, ArtifactType: "release",
			AnchorIDsUsed: []string{"anc-1"}, ExhibitIDsUsed: []string{"ex-1"},
		}
		require.NoError(t, a.Seal())
		require.NoError(t, repo.SaveArtifact(ctx, a))
	}

	all, err := repo.ListArtifacts(ctx, ws, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].RequestID)
	assert.Equal(t, []string{"anc-1"}, all[0].AnchorIDsUsed)

	top, err := repo.ListArtifacts(ctx, ws, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "a3", top[0].RequestID)
}
