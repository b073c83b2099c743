package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/canonical"
	"github.com/xela07ax/trustgate/internal/infra"
	"github.com/xela07ax/trustgate/internal/packet"
	"github.com/xela07ax/trustgate/internal/trustgraph"
	"go.uber.org/zap"
)

const pdfPath = "reports/admissibility_proof.pdf"

func buildPacket(t *testing.T) map[string][]byte {
	t.Helper()
	keys, err := infra.GenerateEd25519Keys()
	require.NoError(t, err)

	ctx := context.Background()
	ledger := audit.NewLedger(audit.NewMemoryStore(), zap.NewNop())
	for _, action := range []string{"upload", "release", "export"} {
		_, err := ledger.Append(ctx, "ws1", "u1", "EXHIBIT_EVENT", map[string]any{"action": action})
		require.NoError(t, err)
	}
	events, err := ledger.Events(ctx, "ws1")
	require.NoError(t, err)
	ver, err := ledger.VerifyChain(ctx, "ws1")
	require.NoError(t, err)

	page := 1
	exhibit := "e1"
	a := trustgraph.DerivedArtifact{
		ID:           "art-1",
		WorkspaceID:  "ws1",
		ArtifactType: "release",
		ClaimProofs: []trustgraph.ClaimProof{
			{
				ClaimID:   "c1",
				Claim:     "Cap is $50M",
				AnchorIDs: []string{"a1"},
				SourceSpans: []trustgraph.SourceSpan{
					{AnchorID: "a1", ExhibitID: &exhibit, PageNumber: &page, BBox: []float64{100, 100, 220, 130}},
				},
				Verification: trustgraph.Verification{Grounding: trustgraph.Pass, Semantic: trustgraph.Pass},
			},
			{ClaimID: "c2", Claim: "Term is 5 years", AnchorIDs: []string{"a2"}},
		},
		ProofContract: &trustgraph.ProofContract{Version: "1", PolicyID: "PRP-001", ClaimCount: 2, Temperature: 0.2},
	}
	require.NoError(t, a.Seal())

	p, err := packet.NewBuilder(keys, "kid-1", "").Build(packet.Contents{
		WorkspaceID:  "ws1",
		Artifacts:    []trustgraph.DerivedArtifact{a},
		Events:       events,
		Verification: ver,
		Extra: []packet.File{
			{Path: pdfPath, Data: []byte("%PDF-1.4 admissibility")},
			{Path: "exhibits/e1.pdf", Data: []byte("%PDF-1.4 exhibit")},
		},
	})
	require.NoError(t, err)
	return p.Files
}

func clone(files map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(files))
	for k, v := range files {
		out[k] = bytes.Clone(v)
	}
	return out
}

func categories(r *Report) []Category {
	var out []Category
	for _, f := range r.Failures {
		out = append(out, f.Category)
	}
	return out
}

func hasFailure(r *Report, c Category, substr string) bool {
	for _, f := range r.Failures {
		if f.Category == c && strings.Contains(f.Message, substr) {
			return true
		}
	}
	return false
}

func TestVerify_UnmodifiedPasses(t *testing.T) {
	files := buildPacket(t)
	for range 2 {
		r := Verify(files)
		assert.True(t, r.OK(), "%v", r.Failures)
	}
}

func TestVerify_ThroughZip(t *testing.T) {
	keys, err := infra.GenerateEd25519Keys()
	require.NoError(t, err)
	p, err := packet.NewBuilder(keys, "kid", "").Build(packet.Contents{WorkspaceID: "ws", Verification: audit.VerifyEvents(nil)})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, p.WriteZip(&buf))
	files, err := packet.ReadZip(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, Verify(files).OK())
}

func TestVerify_ByteFlipNamesFile(t *testing.T) {
	base := buildPacket(t)
	for name := range base {
		if packet.IsSignatureFile(name) {
			continue
		}
		t.Run(name, func(t *testing.T) {
			files := clone(base)
			files[name][0] ^= 0x01
			r := Verify(files)
			require.False(t, r.OK())
			assert.True(t, hasFailure(r, CategoryDigest, name), "%v", r.Failures)
		})
	}
}

func TestVerify_SignatureTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string][]byte)
		want   string
	}{
		{
			name: "manifest edited",
			mutate: func(f map[string][]byte) {
				f[packet.FileManifest] = bytes.Replace(f[packet.FileManifest], []byte("kid-1"), []byte("kid-2"), 1)
			},
			want: packet.FileManifestSig,
		},
		{
			name: "hashes list edited",
			mutate: func(f map[string][]byte) {
				f[packet.FileHashes] = append(f[packet.FileHashes], []byte("0000  extra.txt\n")...)
			},
			want: packet.FileSignature,
		},
		{
			name: "unsigned manifest",
			mutate: func(f map[string][]byte) {
				f[packet.FileManifestSig] = []byte(`{"status":"unsigned"}`)
			},
			want: "unsigned",
		},
		{
			name: "foreign key",
			mutate: func(f map[string][]byte) {
				other, _ := infra.GenerateEd25519Keys()
				f[packet.FilePublicKey] = other.PublicPEM
			},
			want: packet.FileManifestSig,
		},
	}
	base := buildPacket(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := clone(base)
			tt.mutate(files)
			r := Verify(files)
			assert.True(t, hasFailure(r, CategorySignature, tt.want), "%v", r.Failures)
		})
	}
}

func TestVerifyDigests_CollectsFailuresInManifestOrder(t *testing.T) {
	files := make(map[string][]byte)
	var manifest packet.Manifest
	var want []string
	for i := range 20 {
		path := fmt.Sprintf("exhibits/e%02d.pdf", i)
		data := []byte(path)
		manifest.Files = append(manifest.Files, packet.Entry{Path: path, SHA256: canonical.SHA256Hex(data), Size: int64(len(data))})
		switch i % 3 {
		case 0:
			files[path] = data
		case 1:
			files[path] = append([]byte("x"), data...)
			want = append(want, "digest mismatch for "+path)
		case 2:
			want = append(want, "missing file "+path)
		}
	}

	var r Report
	verifyDigests(&r, files, manifest)
	got := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		assert.Equal(t, CategoryDigest, f.Category)
		got = append(got, f.Message)
	}
	assert.Equal(t, want, got)
}

func TestVerify_NoSignatures(t *testing.T) {
	files := buildPacket(t)
	delete(files, packet.FileManifestSig)
	delete(files, packet.FileSignature)
	r := Verify(files)
	assert.True(t, hasFailure(r, CategorySignature, "no detached signature"))
}

func TestVerify_MissingManifestStops(t *testing.T) {
	files := buildPacket(t)
	delete(files, packet.FileManifest)
	r := Verify(files)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, CategoryPacket, r.Failures[0].Category)
	assert.Equal(t, "FAIL: PACKET: manifest.json missing", r.Failures[0].String())
}

func TestVerify_ExtraAndMissingFiles(t *testing.T) {
	files := buildPacket(t)
	files["smuggled.txt"] = []byte("x")
	delete(files, "exhibits/e1.pdf")

	r := Verify(files)
	assert.True(t, hasFailure(r, CategoryDigest, "smuggled.txt"))
	assert.True(t, hasFailure(r, CategoryDigest, "missing file exhibits/e1.pdf"))
}

// Подмененный документ ловится доменными пересчетами, а не только дайджестами.
func TestVerify_DomainRecompute(t *testing.T) {
	base := buildPacket(t)

	t.Run("claim proof altered", func(t *testing.T) {
		files := clone(base)
		var doc packet.ClaimProofsFile
		require.NoError(t, json.Unmarshal(files[packet.FileClaimProofs], &doc))
		doc.Artifacts[0].ClaimProofs[0].Claim = "Cap is $5M"
		files[packet.FileClaimProofs], _ = canonical.MarshalIndent(doc)

		r := Verify(files)
		assert.True(t, hasFailure(r, CategoryClaimProof, "c1"), "%v", r.Failures)
		assert.True(t, hasFailure(r, CategoryClaimProof, "claimProofsHash"))
	})

	t.Run("contract altered", func(t *testing.T) {
		files := clone(base)
		var doc packet.ContractsFile
		require.NoError(t, json.Unmarshal(files[packet.FileContracts], &doc))
		doc.Contracts[0].ProofContract.Temperature = 0.9
		files[packet.FileContracts], _ = canonical.MarshalIndent(doc)

		r := Verify(files)
		assert.True(t, hasFailure(r, CategoryContract, "art-1"), "%v", r.Failures)
	})

	t.Run("chain reordered", func(t *testing.T) {
		files := clone(base)
		var chain []packet.ChainEntry
		require.NoError(t, json.Unmarshal(files[packet.FileAuditChain], &chain))
		chain[1], chain[2] = chain[2], chain[1]
		files[packet.FileAuditChain], _ = canonical.MarshalIndent(chain)

		r := Verify(files)
		assert.True(t, hasFailure(r, CategoryAuditChain, "continuity"), "%v", r.Failures)
		assert.Contains(t, categories(r), CategoryCustody)
		assert.Contains(t, categories(r), CategoryAttestation)
	})

	t.Run("verification reported broken", func(t *testing.T) {
		files := clone(base)
		var ver audit.Verification
		require.NoError(t, json.Unmarshal(files[packet.FileVerification], &ver))
		ver.Valid, ver.BrokenAtID = false, "evt-9"
		files[packet.FileVerification], _ = canonical.MarshalIndent(ver)

		r := Verify(files)
		assert.True(t, hasFailure(r, CategoryAuditChain, "evt-9"))
	})
}

func TestGolden_RecordThenCompare(t *testing.T) {
	files := buildPacket(t)
	golden := filepath.Join(t.TempDir(), "golden", "proof_packet.pdf")

	r := &Report{}
	require.NoError(t, r.CheckGolden(files, golden, false))
	assert.True(t, hasFailure(r, CategoryGolden, "--record"))

	r = &Report{}
	require.NoError(t, r.CheckGolden(files, golden, true))
	assert.True(t, r.OK())
	recorded, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Equal(t, files[pdfPath], recorded)

	r = &Report{}
	require.NoError(t, r.CheckGolden(files, golden, false))
	assert.True(t, r.OK(), "%v", r.Failures)

	files[pdfPath] = []byte("%PDF-1.4 changed")
	r = &Report{}
	require.NoError(t, r.CheckGolden(files, golden, false))
	assert.True(t, hasFailure(r, CategoryGolden, pdfPath))
}

func TestFindPDF(t *testing.T) {
	name, ok := FindPDF(map[string][]byte{"a.pdf": nil, "z/admissibility.pdf": nil, "b.txt": nil})
	assert.True(t, ok)
	assert.Equal(t, "z/admissibility.pdf", name)

	name, ok = FindPDF(map[string][]byte{"b.pdf": nil, "a.PDF": nil})
	assert.True(t, ok)
	assert.Equal(t, "a.PDF", name)

	_, ok = FindPDF(map[string][]byte{"x.json": nil})
	assert.False(t, ok)
}
