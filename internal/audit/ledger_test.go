package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func appendN(t *testing.T, l *Ledger, ws string, n int) []*Event {
	t.Helper()
	out := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), ws, "user-1", "ANCHOR_CREATED", map[string]any{
			"details": map[string]any{"index": i, "text": "secret"},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppend_ChainContinuity(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, zap.NewNop())
	events := appendN(t, l, "ws-1", 5)

	assert.Equal(t, GenesisHash, events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash)
	}

	res, err := l.VerifyChain(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 5, res.EventCount)
	require.NotNil(t, res.HeadHash)
	assert.Equal(t, events[4].Hash, *res.HeadHash)
	assert.Equal(t, events[4].ID, *res.LastEventID)
	assert.Equal(t, GenesisHash, res.GenesisHash)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"hash", func(e *Event) { e.Hash = "deadbeef" }},
		{"prevHash", func(e *Event) { e.PrevHash = GenesisHash[:63] + "1" }},
		{"details", func(e *Event) { e.Details = map[string]any{"index": 99} }},
		{"actor", func(e *Event) { e.ActorID = "mallory" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			l := NewLedger(store, zap.NewNop())
			events := appendN(t, l, "ws-1", 4)

			store.Mutate("ws-1", 2, tc.mutate)

			res, err := l.VerifyChain(context.Background(), "ws-1")
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, events[2].ID, res.BrokenAtID)
			assert.Equal(t, events[1].Hash, *res.HeadHash)
		})
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	l := NewLedger(NewMemoryStore(), zap.NewNop())
	res, err := l.VerifyChain(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Nil(t, res.HeadHash)
	assert.Nil(t, res.LastEventID)
}

func TestAppend_RedactsStoredCopyOnly(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	l := NewLedger(NewMemoryStore(), zap.NewNop(), WithClock(func() time.Time { return fixed }))

	details := map[string]any{"email": "a@b.c", "nested": []any{map[string]any{"path": "/x"}}}
	e, err := l.Append(context.Background(), "ws-1", "user-1", "EXPORT", map[string]any{
		"action":     "EXPORT_PACKET",
		"resourceId": "res-1",
		"filename":   "secret.pdf",
		"details":    details,
	})
	require.NoError(t, err)

	assert.Equal(t, "EXPORT_PACKET", e.Action)
	assert.Equal(t, "res-1", e.ResourceID)
	assert.Equal(t, Placeholder, e.Payload["filename"])
	assert.Equal(t, HashMode, e.Payload["auditHashMode"])
	assert.Equal(t, "2024-03-01T12:00:00.123Z", Timestamp(e.CreatedAt))

	// Хеш считается по исходным details
	expected, err := ComputeHash(GenesisHash, fixed, "user-1", "EXPORT_PACKET", details)
	require.NoError(t, err)
	assert.Equal(t, expected, e.Hash)

	exported, err := l.Events(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, exported, 1)
	d := exported[0].Details.(map[string]any)
	assert.Equal(t, Placeholder, d["email"])
	assert.Equal(t, Placeholder, d["nested"].([]any)[0].(map[string]any)["path"])
	assert.Equal(t, "a@b.c", details["email"], "input must not be mutated")
}

type conflictStore struct {
	*MemoryStore
	inserts int
}

func (c *conflictStore) Insert(context.Context, Event) error {
	c.inserts++
	return ErrConflict
}

func TestAppend_ContentionIsSurfaced(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	retries := 0
	l := NewLedger(store, zap.NewNop(), WithRetryHook(func() { retries++ }))

	_, err := l.Append(context.Background(), "ws-1", "user-1", "X", nil)
	assert.ErrorIs(t, err, ErrChainContention)
	assert.Equal(t, "Failed to log audit event after 3 attempts due to chain contention.", err.Error())
	assert.Equal(t, 3, store.inserts)
	assert.GreaterOrEqual(t, retries, 2)
}

func TestAppend_ConcurrentWritersKeepChainValid(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Append(context.Background(), "ws-1", "user-1", "X", map[string]any{"details": "d"})
		}()
	}
	wg.Wait()

	res, err := l.VerifyChain(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Positive(t, res.EventCount)
}

func TestRecordProof(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, zap.NewNop())
	ctx := context.Background()

	empty, err := l.RecordProof(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, NoneMarker, empty.MaxEventID)
	assert.Equal(t, NoneMarker, empty.HeadHash)
	assert.Equal(t, ComputeProofHash("ws-1", 0, "NONE", "NONE"), empty.ProofHash)

	events := appendN(t, l, "ws-1", 3)
	proof, err := l.RecordProof(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 3, proof.EventCount)
	assert.Equal(t, events[2].ID, proof.MaxEventID)
	assert.Equal(t, ComputeProofHash("ws-1", 3, events[2].ID, events[2].Hash), proof.ProofHash)
	assert.False(t, proof.TamperFlag)

	store.Mutate("ws-1", 0, func(e *Event) { e.ActorID = "mallory" })
	tampered, err := l.RecordProof(ctx, "ws-1")
	require.NoError(t, err)
	assert.True(t, tampered.TamperFlag)

	latest, err := l.LatestProof(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, tampered.ID, latest.ID)
}

type recordingQueue struct{ records []ShipRecord }

func (q *recordingQueue) Enqueue(rec ShipRecord) { q.records = append(q.records, rec) }

func TestAppend_ShipsSignedRecord(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	q := &recordingQueue{}
	l := NewLedger(NewMemoryStore(), zap.NewNop(), WithShipper(q, priv))

	e, err := l.Append(context.Background(), "ws-1", "user-1", "RELEASE_DECISION", map[string]any{"action": "RELEASED"})
	require.NoError(t, err)

	require.Len(t, q.records, 1)
	rec := q.records[0]
	assert.Equal(t, e.ID, rec.ID)
	assert.Equal(t, "RELEASE_DECISION", rec.Action)
	assert.Equal(t, "user-1", rec.Actor)
	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte(e.Hash), sig))
}
