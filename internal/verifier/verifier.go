// Package verifier проверяет пакет доказательств offline: без базы, сети
// и секретов, только по вложенному публичному ключу.
package verifier

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/canonical"
	"github.com/xela07ax/trustgate/internal/infra"
	"github.com/xela07ax/trustgate/internal/packet"
	"github.com/xela07ax/trustgate/internal/trustgraph"
	"golang.org/x/sync/errgroup"
)

type Category string

const (
	CategoryPacket      Category = "PACKET"
	CategorySignature   Category = "SIGNATURE"
	CategoryDigest      Category = "DIGEST"
	CategoryClaimProof  Category = "CLAIM_PROOF"
	CategoryContract    Category = "PROOF_CONTRACT"
	CategoryAuditChain  Category = "AUDIT_CHAIN"
	CategoryCustody     Category = "CUSTODY"
	CategoryAttestation Category = "ATTESTATION"
	CategoryGolden      Category = "GOLDEN"
)

type Failure struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
}

func (f Failure) String() string {
	return fmt.Sprintf("FAIL: %s: %s", f.Category, f.Message)
}

type Report struct {
	Failures []Failure `json:"failures"`
}

func (r *Report) OK() bool { return len(r.Failures) == 0 }

func (r *Report) fail(c Category, format string, args ...any) {
	r.Failures = append(r.Failures, Failure{Category: c, Message: fmt.Sprintf(format, args...)})
}

// Verify прогоняет все проверки и собирает все найденные расхождения.
// Останавливается раньше только без manifest.json: дальше проверять не с чем.
func Verify(files map[string][]byte) *Report {
	r := &Report{}

	rawManifest, ok := files[packet.FileManifest]
	if !ok {
		r.fail(CategoryPacket, "%s missing", packet.FileManifest)
		return r
	}
	var manifest packet.Manifest
	if err := json.Unmarshal(rawManifest, &manifest); err != nil {
		r.fail(CategoryPacket, "%s invalid: %v", packet.FileManifest, err)
		return r
	}

	// 1. Подписи
	verifySignatures(r, files, rawManifest)
	// 2. Дайджесты и размеры
	verifyDigests(r, files, manifest)
	// 3-4. Claim proofs, proof contracts, replay hash
	artifacts := verifyClaimProofs(r, files)
	verifyContracts(r, files, artifacts)
	// 5. Журнал, chain of custody, attestation
	verifyLedger(r, files)

	return r
}

func verifySignatures(r *Report, files map[string][]byte, rawManifest []byte) {
	pemBytes, ok := files[packet.FilePublicKey]
	if !ok {
		r.fail(CategorySignature, "%s missing", packet.FilePublicKey)
		return
	}
	pub, err := infra.PublicKeyFromPEM(pemBytes)
	if err != nil {
		r.fail(CategorySignature, "%s invalid: %v", packet.FilePublicKey, err)
		return
	}

	sigBundle, hasBundle := files[packet.FileManifestSig]
	detached, hasDetached := files[packet.FileSignature]
	if !hasBundle && !hasDetached {
		r.fail(CategorySignature, "no detached signature (%s or %s)", packet.FileManifestSig, packet.FileSignature)
		return
	}

	if hasBundle {
		var ms packet.ManifestSignature
		switch err := json.Unmarshal(sigBundle, &ms); {
		case err != nil:
			r.fail(CategorySignature, "%s invalid: %v", packet.FileManifestSig, err)
		case ms.Status != packet.StatusSigned:
			r.fail(CategorySignature, "manifest is %s", orDefault(ms.Status, "unsigned"))
		case ms.SignatureB64 == "":
			r.fail(CategorySignature, "%s missing signatureB64", packet.FileManifestSig)
		case !verifyB64(pub, rawManifest, ms.SignatureB64):
			r.fail(CategorySignature, "%s does not match manifest.json", packet.FileManifestSig)
		}
	}

	if hasDetached {
		hashes, ok := files[packet.FileHashes]
		if !ok {
			r.fail(CategorySignature, "%s missing", packet.FileHashes)
			return
		}
		if !verifyB64(pub, packet.SigningInput(rawManifest, hashes), string(bytes.TrimSpace(detached))) {
			r.fail(CategorySignature, "%s does not match manifest.json + hashes.txt", packet.FileSignature)
		}
		verifyHashesList(r, files, hashes)
	}
}

// verifyHashesList сверяет hashes.txt с фактическими файлами.
func verifyHashesList(r *Report, files map[string][]byte, hashes []byte) {
	listed := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(hashes))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sum, path, ok := strings.Cut(line, "  ")
		if !ok {
			r.fail(CategoryDigest, "%s: malformed line %q", packet.FileHashes, line)
			continue
		}
		listed[path] = true
		data, ok := files[path]
		if !ok {
			r.fail(CategoryDigest, "%s lists missing file %s", packet.FileHashes, path)
			continue
		}
		if got := canonical.SHA256Hex(data); got != sum {
			r.fail(CategoryDigest, "%s: digest mismatch for %s", packet.FileHashes, path)
		}
	}
	for _, p := range sortedKeys(files) {
		if !packet.IsSignatureFile(p) && !listed[p] {
			r.fail(CategoryDigest, "%s does not list %s", packet.FileHashes, p)
		}
	}
}

func verifyDigests(r *Report, files map[string][]byte, manifest packet.Manifest) {
	type result struct {
		failure *Failure
	}
	results := make([]result, len(manifest.Files))

	// Хеширование крупных экспонатов идет параллельно
	var g errgroup.Group
	g.SetLimit(8)
	for i, entry := range manifest.Files {
		g.Go(func() error {
			data, ok := files[entry.Path]
			switch {
			case !ok:
				results[i].failure = &Failure{CategoryDigest, fmt.Sprintf("missing file %s", entry.Path)}
			case canonical.SHA256Hex(data) != entry.SHA256:
				results[i].failure = &Failure{CategoryDigest, fmt.Sprintf("digest mismatch for %s", entry.Path)}
			case int64(len(data)) != entry.Size:
				results[i].failure = &Failure{CategoryDigest, fmt.Sprintf("size mismatch for %s", entry.Path)}
			}
			return nil
		})
	}
	g.Wait()
	for _, res := range results {
		if res.failure != nil {
			r.Failures = append(r.Failures, *res.failure)
		}
	}

	listed := make(map[string]bool, len(manifest.Files))
	for _, e := range manifest.Files {
		listed[e.Path] = true
	}
	for _, p := range sortedKeys(files) {
		if !listed[p] && !packet.IsSignatureFile(p) {
			r.fail(CategoryDigest, "file %s is not listed in manifest", p)
		}
	}
}

func verifyClaimProofs(r *Report, files map[string][]byte) map[string]trustgraph.DerivedArtifact {
	byID := map[string]trustgraph.DerivedArtifact{}
	raw, ok := files[packet.FileClaimProofs]
	if !ok {
		r.fail(CategoryClaimProof, "%s missing", packet.FileClaimProofs)
		return byID
	}
	var doc packet.ClaimProofsFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.fail(CategoryClaimProof, "%s invalid: %v", packet.FileClaimProofs, err)
		return byID
	}

	for _, a := range doc.Artifacts {
		byID[a.ID] = a
		hashes, rollup, err := trustgraph.RollupClaimProofs(a.ClaimProofs)
		if err != nil {
			r.fail(CategoryClaimProof, "artifact %s: %v", a.ID, err)
			continue
		}
		declared := map[string]string{}
		for _, h := range a.ClaimProofHashes {
			declared[h.ClaimID] = h.Hash
		}
		for _, h := range hashes {
			if declared[h.ClaimID] != h.Hash {
				r.fail(CategoryClaimProof, "claim proof hash mismatch for %s", orDefault(h.ClaimID, "unknown"))
			}
		}
		if len(hashes) != len(a.ClaimProofHashes) {
			r.fail(CategoryClaimProof, "artifact %s declares %d claim proof hashes for %d proofs", a.ID, len(a.ClaimProofHashes), len(hashes))
		}
		if rollup != a.ClaimProofsHash {
			r.fail(CategoryClaimProof, "claimProofsHash mismatch for artifact %s", a.ID)
		}

		if a.ProofContract != nil {
			pc, err := trustgraph.HashProofContract(*a.ProofContract)
			if err != nil || pc != a.ProofContractHash {
				r.fail(CategoryContract, "proofContractHash mismatch for artifact %s", a.ID)
				continue
			}
			if replay, err := trustgraph.ReplayHash(pc, rollup); err != nil || replay != a.ReplayHash {
				r.fail(CategoryContract, "replayHash mismatch for artifact %s", a.ID)
			}
		}
	}
	return byID
}

func verifyContracts(r *Report, files map[string][]byte, artifacts map[string]trustgraph.DerivedArtifact) {
	raw, ok := files[packet.FileContracts]
	if !ok {
		r.fail(CategoryContract, "%s missing", packet.FileContracts)
		return
	}
	var doc packet.ContractsFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.fail(CategoryContract, "%s invalid: %v", packet.FileContracts, err)
		return
	}
	for _, c := range doc.Contracts {
		if c.ProofContract == nil {
			r.fail(CategoryContract, "contract for artifact %s is empty", c.ArtifactID)
			continue
		}
		pc, err := trustgraph.HashProofContract(*c.ProofContract)
		if err != nil || pc != c.ProofContractHash {
			r.fail(CategoryContract, "proof contract hash mismatch for artifact %s", c.ArtifactID)
			continue
		}
		replay, err := trustgraph.ReplayHash(pc, c.ClaimProofsHash)
		if err != nil || replay != c.ReplayHash {
			r.fail(CategoryContract, "replay hash mismatch for artifact %s", c.ArtifactID)
		}
		a, ok := artifacts[c.ArtifactID]
		if !ok {
			r.fail(CategoryContract, "contract references unknown artifact %s", c.ArtifactID)
			continue
		}
		if a.ClaimProofsHash != c.ClaimProofsHash || a.ReplayHash != c.ReplayHash {
			r.fail(CategoryContract, "contract for artifact %s disagrees with %s", c.ArtifactID, packet.FileClaimProofs)
		}
	}
}

func verifyLedger(r *Report, files map[string][]byte) {
	var chain []packet.ChainEntry
	if !decode(r, files, packet.FileAuditChain, CategoryAuditChain, &chain) {
		return
	}

	// 1. Непрерывность prevHash
	for i := 1; i < len(chain); i++ {
		if chain[i].PrevHash != chain[i-1].Hash {
			r.fail(CategoryAuditChain, "continuity break at index %d (event %s)", i, chain[i].ID)
		}
	}
	ids := make([]string, 0, len(chain))
	for _, e := range chain {
		ids = append(ids, e.ID)
	}
	head, maxID := audit.NoneMarker, audit.NoneMarker
	if n := len(chain); n > 0 {
		head, maxID = chain[n-1].Hash, chain[n-1].ID
	}

	// 2. Порядок событий совпадает с chain of custody
	var custody packet.Custody
	if decode(r, files, packet.FileCustody, CategoryCustody, &custody) {
		if !slices.Equal(custody.EventIDs, ids) {
			r.fail(CategoryCustody, "event order does not match %s", packet.FileAuditChain)
		}
		if custody.HeadHash != head {
			r.fail(CategoryCustody, "head hash does not match %s", packet.FileAuditChain)
		}
	}

	// 3. Ledger proof пересчитывается по выписке
	var att packet.Attestation
	if decode(r, files, packet.FileAttestation, CategoryAttestation, &att) {
		if att.EventCount != len(chain) || att.MaxEventID != maxID || att.HeadHash != head {
			r.fail(CategoryAttestation, "attestation does not describe %s", packet.FileAuditChain)
		}
		if audit.ComputeProofHash(att.WorkspaceID, att.EventCount, att.MaxEventID, att.HeadHash) != att.ProofHash {
			r.fail(CategoryAttestation, "proofHash mismatch")
		}
		if att.TamperFlag {
			r.fail(CategoryAttestation, "ledger was flagged as tampered at export")
		}
	}

	var ver audit.Verification
	if decode(r, files, packet.FileVerification, CategoryAuditChain, &ver) {
		if !ver.Valid {
			r.fail(CategoryAuditChain, "ledger verification failed at export (brokenAtId=%s)", ver.BrokenAtID)
		}
		if ver.EventCount != len(chain) {
			r.fail(CategoryAuditChain, "%s counts %d events, %s has %d", packet.FileVerification, ver.EventCount, packet.FileAuditChain, len(chain))
		}
	}
}

func decode(r *Report, files map[string][]byte, name string, c Category, v any) bool {
	raw, ok := files[name]
	if !ok {
		r.fail(c, "%s missing", name)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		r.fail(c, "%s invalid: %v", name, err)
		return false
	}
	return true
}

func verifyB64(pub ed25519.PublicKey, msg []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func sortedKeys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
