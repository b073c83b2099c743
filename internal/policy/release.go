package policy

import (
	"github.com/xela07ax/trustgate/internal/canonical"
)

// ReleasePolicy: политика релиз-гейта. Хеш текста входит в каждый сертификат,
// поэтому любая правка формулировки меняет хеши всех будущих сертификатов.
type ReleasePolicy struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// NoAnchorNoOutput: единственная действующая политика: без якоря нет ответа (422).
var NoAnchorNoOutput = ReleasePolicy{
	ID:   "PRP-001:NO_ANCHOR_NO_OUTPUT",
	Text: "PRP-001: No Anchor -> No Output (422)",
}

// Hash: SHA-256 буквального текста политики.
func (p ReleasePolicy) Hash() string {
	return canonical.HashString(p.Text)
}

// Guardrails: численные пороги, при которых принималось решение.
// Их хеш пишется в сертификат рядом с хешем политики.
type Guardrails struct {
	BBoxTolerance       float64 `json:"bboxTolerance"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
	HighRiskMinAnchors  int     `json:"highRiskMinAnchors"`
	SupportMode         string  `json:"supportMode"`
}

func (g Guardrails) Hash() string {
	h, err := canonical.Hash(g)
	if err != nil {
		// Структура из примитивов сериализуется всегда
		panic(err)
	}
	return h
}
