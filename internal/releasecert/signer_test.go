package releasecert

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/trustgate/internal/canonical"
	"github.com/xela07ax/trustgate/internal/domain"
	"github.com/xela07ax/trustgate/internal/infra"
	"go.uber.org/zap"
)

func newTestSigner(t *testing.T, chain ChainStore, opts Options) *Signer {
	t.Helper()
	keys, err := infra.GenerateEd25519Keys()
	require.NoError(t, err)
	return NewSigner(keys, chain, opts, zap.NewNop())
}

func released(ws string) Request {
	return Request{
		Decision:    domain.DecisionReleased,
		WorkspaceID: ws,
		ExhibitID:   "ex-1",
		Anchors:     []domain.AnchorRef{{AnchorID: "a1", ExhibitID: "ex-1", PageNumber: 1}},
	}
}

func TestIssue_ChainBinding(t *testing.T) {
	s := newTestSigner(t, NewMemoryChain(), Options{})
	ctx := context.Background()

	first, err := s.Issue(ctx, released("ws-1"))
	require.NoError(t, err)
	second, err := s.Issue(ctx, released("ws-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Payload.Chain.Seq)
	assert.Equal(t, "GENESIS", first.Payload.Chain.Prev)
	assert.Equal(t, first.Payload.Chain.Seq+1, second.Payload.Chain.Seq)
	assert.Equal(t, first.Payload.Chain.Hash, second.Payload.Chain.Prev)

	for _, c := range []*Certificate{first, second} {
		p, err := Verify(c.Token, s.keys.Public)
		require.NoError(t, err)
		assert.Equal(t, c.Payload.Chain, p.Chain)
		assert.Equal(t, s.KID(), p.KID)
	}
}

func TestIssue_ChainHashIsDraftDigest(t *testing.T) {
	s := newTestSigner(t, NewMemoryChain(), Options{})
	cert, err := s.Issue(context.Background(), released("ws-1"))
	require.NoError(t, err)

	// Пересобираем черновик: тот же payload с пустым chain.hash
	draft := cert.Payload
	draft.Chain.Hash = ""
	token, err := s.sign(&draft)
	require.NoError(t, err)
	assert.Equal(t, canonical.HashString(token), cert.Payload.Chain.Hash)
}

func TestIssue_WorkspacesAreIndependent(t *testing.T) {
	s := newTestSigner(t, NewMemoryChain(), Options{})
	ctx := context.Background()

	_, err := s.Issue(ctx, released("ws-a"))
	require.NoError(t, err)
	b, err := s.Issue(ctx, released("ws-b"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Payload.Chain.Seq)

	g, err := s.Issue(ctx, Request{Decision: domain.DecisionWithheld})
	require.NoError(t, err)
	assert.Equal(t, "global", g.Payload.WorkspaceID)
	assert.NotNil(t, g.Payload.Anchors)
}

func TestIssue_SeededGenesis(t *testing.T) {
	s := newTestSigner(t, NewMemoryChain(), Options{GenesisSeed: "seed"})
	cert, err := s.Issue(context.Background(), released("ws-1"))
	require.NoError(t, err)
	assert.Equal(t, canonical.HashString("GENESIS:seed:ws-1"), cert.Payload.Chain.Prev)
	assert.Equal(t, "seeded", s.Meta().GenesisMode)
}

func TestIssue_ConcurrentSeqIsGapless(t *testing.T) {
	s := newTestSigner(t, NewMemoryChain(), Options{})
	ctx := context.Background()

	const n = 3
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Issue(ctx, released("ws-1"))
			if err == nil {
				seqs <- c.Payload.Chain.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	head, err := s.chain.Head(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(seen)), head.Seq)
}

func TestVerify_Tampered(t *testing.T) {
	s := newTestSigner(t, NewMemoryChain(), Options{})
	cert, err := s.Issue(context.Background(), released("ws-1"))
	require.NoError(t, err)

	parts := strings.Split(cert.Token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	corrupted := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = Verify(corrupted, s.keys.Public)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := infra.GenerateEd25519Keys()
	require.NoError(t, err)
	_, err = Verify(cert.Token, other.Public)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSummaryAndMeta(t *testing.T) {
	s := newTestSigner(t, NewMemoryChain(), Options{})
	cert, err := s.Issue(context.Background(), released("ws-1"))
	require.NoError(t, err)

	summary := cert.Summary(s.Scope())
	assert.True(t, strings.HasPrefix(summary, "v=1;seq=1;prev=GENESIS;hash="))
	assert.True(t, strings.HasSuffix(summary, ";scope=process"))
	assert.Equal(t, cert.Payload.Chain.Hash[:12], strings.Split(strings.Split(summary, "hash=")[1], ";")[0])

	meta := s.Meta()
	assert.Equal(t, "EdDSA", meta.Algorithm)
	assert.Equal(t, "PRP-001:NO_ANCHOR_NO_OUTPUT", meta.Policy)
	assert.Equal(t, "literal", meta.GenesisMode)
	assert.Equal(t, ScopeProcess, meta.ChainScope)
	assert.Len(t, meta.KID, 16)
}

func TestResolveKeys(t *testing.T) {
	_, err := ResolveKeys(nil, true, zap.NewNop())
	assert.ErrorIs(t, err, ErrKeysMissing)

	keys, err := ResolveKeys(nil, false, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, keys.Ephemeral)
}

func TestRedisChain(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	chain := NewRedisChain(rdb)
	head, err := chain.Head(ctx, "ws-1")
	require.NoError(t, err)
	assert.Nil(t, head)

	first := ChainLink{V: "1", Seq: 1, Prev: "GENESIS", Hash: "h1"}
	ok, err := chain.CompareAndSwap(ctx, "ws-1", nil, first)
	require.NoError(t, err)
	assert.True(t, ok)

	// Устаревшая голова не должна перезаписать цепочку
	ok, err = chain.CompareAndSwap(ctx, "ws-1", nil, ChainLink{V: "1", Seq: 1, Hash: "stale"})
	require.NoError(t, err)
	assert.False(t, ok)

	s := newTestSigner(t, chain, Options{})
	cert, err := s.Issue(ctx, released("ws-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), cert.Payload.Chain.Seq)
	assert.Equal(t, "h1", cert.Payload.Chain.Prev)
	assert.Equal(t, ScopeCluster, s.Meta().ChainScope)
	assert.True(t, mr.Exists(infra.CertChainKey("ws-1")))
}
