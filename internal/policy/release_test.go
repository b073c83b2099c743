package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/trustgate/internal/canonical"
)

func TestReleasePolicyHash(t *testing.T) {
	assert.Equal(t, canonical.HashString("PRP-001: No Anchor -> No Output (422)"), NoAnchorNoOutput.Hash())

	changed := NoAnchorNoOutput
	changed.Text += "!"
	assert.NotEqual(t, NoAnchorNoOutput.Hash(), changed.Hash())
}

func TestGuardrailsHashStable(t *testing.T) {
	g := Guardrails{BBoxTolerance: 2, SimilarityThreshold: 0.85, HighRiskMinAnchors: 2, SupportMode: "deterministic"}
	assert.Equal(t, g.Hash(), g.Hash())
	g.HighRiskMinAnchors = 1
	assert.NotEqual(t, Guardrails{HighRiskMinAnchors: 2}.Hash(), g.Hash())
}
