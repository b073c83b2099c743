// Package trustgraph связывает решение релиз-гейта с доказательствами: claim proofs,
// proof contract и их свертки, которые потом независимо пересчитывает offline verifier.
package trustgraph

import (
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/xela07ax/trustgate/internal/canonical"
	"github.com/xela07ax/trustgate/internal/domain"
)

const (
	Pass = "PASS"
	Fail = "FAIL"
)

// Verification: результат каждого слоя проверки для одного утверждения.
type Verification struct {
	Grounding   string `json:"grounding"`
	Semantic    string `json:"semantic"`
	Audit       string `json:"audit"`
	ReleaseGate string `json:"releaseGate"`
}

// SourceSpan: фрагмент экспоната, на который опирается утверждение.
// Отсутствующие значения сериализуются как null, а не опускаются: это часть хеша.
type SourceSpan struct {
	AnchorID        string    `json:"anchorId"`
	ExhibitID       *string   `json:"exhibitId"`
	PageNumber      *int      `json:"pageNumber"`
	LineNumber      *int      `json:"lineNumber"`
	BBox            []float64 `json:"bbox"`
	SpanText        *string   `json:"spanText"`
	IntegrityStatus *string   `json:"integrityStatus"`
	IntegrityHash   *string   `json:"integrityHash"`
}

type ClaimProof struct {
	ClaimID      string       `json:"claimId"`
	Claim        string       `json:"claim"`
	AnchorIDs    []string     `json:"anchorIds"`
	SourceSpans  []SourceSpan `json:"sourceSpans"`
	Verification Verification `json:"verification"`
}

type ReleaseCertRef struct {
	Version    string `json:"version"`
	KID        string `json:"kid"`
	PolicyHash string `json:"policyHash"`
}

// ProofContract: фиксированный набор полей, объясняющих решение. Волатильные поля сюда не входят.
type ProofContract struct {
	Version        string          `json:"version"`
	PolicyID       string          `json:"policyId"`
	PolicyHash     string          `json:"policyHash"`
	Decision       domain.Decision `json:"decision"`
	EvidenceDigest string          `json:"evidenceDigest"`
	PromptKey      string          `json:"promptKey"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	GuardrailsHash string          `json:"guardrailsHash"`
	ReleaseCert    ReleaseCertRef  `json:"releaseCert"`
	AnchorCount    int             `json:"anchorCount"`
	ClaimCount     int             `json:"claimCount"`
	CreatedAt      string          `json:"createdAt"`
}

type ClaimProofHash struct {
	ClaimID      string       `json:"claimId"`
	Hash         string       `json:"hash"`
	Verification Verification `json:"verification"`
}

// NormalizeClaimProof сортирует anchorIds и sourceSpans, не трогая исходный proof.
func NormalizeClaimProof(p ClaimProof) ClaimProof {
	out := p
	out.AnchorIDs = slices.Clone(p.AnchorIDs)
	if out.AnchorIDs == nil {
		out.AnchorIDs = []string{}
	}
	sort.Strings(out.AnchorIDs)

	out.SourceSpans = slices.Clone(p.SourceSpans)
	if out.SourceSpans == nil {
		out.SourceSpans = []SourceSpan{}
	}
	sort.SliceStable(out.SourceSpans, func(i, j int) bool {
		return spanKey(out.SourceSpans[i]) < spanKey(out.SourceSpans[j])
	})
	return out
}

// spanKey: "anchorId:exhibitId:page:line", пустые значения как "".
func spanKey(s SourceSpan) string {
	key := s.AnchorID + ":"
	if s.ExhibitID != nil {
		key += *s.ExhibitID
	}
	key += ":"
	if s.PageNumber != nil {
		key += strconv.Itoa(*s.PageNumber)
	}
	key += ":"
	if s.LineNumber != nil {
		key += strconv.Itoa(*s.LineNumber)
	}
	return key
}

func HashClaimProof(p ClaimProof) (string, error) {
	return canonical.Hash(NormalizeClaimProof(p))
}

func HashProofContract(c ProofContract) (string, error) {
	return canonical.Hash(c)
}

// RollupClaimProofs возвращает хеш каждого proof и свертку по отсортированным хешам.
// Пустой список дает пустую свертку.
func RollupClaimProofs(proofs []ClaimProof) ([]ClaimProofHash, string, error) {
	if len(proofs) == 0 {
		return nil, "", nil
	}
	hashes := make([]ClaimProofHash, 0, len(proofs))
	sorted := make([]string, 0, len(proofs))
	for _, p := range proofs {
		h, err := HashClaimProof(p)
		if err != nil {
			return nil, "", fmt.Errorf("trustgraph: hash claim proof %s: %w", p.ClaimID, err)
		}
		hashes = append(hashes, ClaimProofHash{ClaimID: p.ClaimID, Hash: h, Verification: p.Verification})
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)
	rollup, err := canonical.Hash(sorted)
	if err != nil {
		return nil, "", err
	}
	return hashes, rollup, nil
}

// ReplayHash = SHA256({proofContractHash, claimProofsHash|null}).
func ReplayHash(proofContractHash, claimProofsHash string) (string, error) {
	var cp *string
	if claimProofsHash != "" {
		cp = &claimProofsHash
	}
	return canonical.Hash(struct {
		ProofContractHash string  `json:"proofContractHash"`
		ClaimProofsHash   *string `json:"claimProofsHash"`
	}{proofContractHash, cp})
}
