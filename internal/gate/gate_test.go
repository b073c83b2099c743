package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/trustgate/internal/domain"
	"github.com/xela07ax/trustgate/internal/risk"
	"go.uber.org/zap"
)

// stubChecker подтверждает всё, кроме перечисленных текстов якорей.
type stubChecker struct {
	reject map[string]bool
	err    error
	calls  atomic.Int32
}

func (s *stubChecker) Supports(_ context.Context, _, evidence string) (bool, error) {
	s.calls.Add(1)
	if s.err != nil {
		return false, s.err
	}
	return !s.reject[evidence], nil
}

var evidence = Evidence{
	"a1": "Liability cap raised to $50,000,000.",
	"a2": "The liability cap was amended to fifty million dollars.",
	"a3": "The parties met in Paris.",
}

func newGate(checker SupportChecker, minAnchors int) *Gate {
	return New(checker, risk.NewAnalyzer(zap.NewNop()), Config{HighRiskMinAnchors: minAnchors}, zap.NewNop())
}

func requireCode(t *testing.T, err error, code domain.ErrorCode) *domain.GroundingError {
	t.Helper()
	require.Error(t, err)
	gErr, ok := domain.AsGroundingError(err)
	require.True(t, ok, "expected grounding error, got %v", err)
	assert.Equal(t, code, gErr.Code)
	return gErr
}

// ===== Structured Claims Tests =====

func TestEvaluate_SingleAnchorClaimApproved(t *testing.T) {
	// Одиночный якорь проходит только при снятом требовании корроборации
	g := newGate(&stubChecker{}, 1)

	res, err := g.Evaluate(context.Background(), `{"claims":[{"text":"Cap is $50M","anchorIds":["a1"]}]}`, evidence)
	require.NoError(t, err)
	assert.Equal(t, KindClaims, res.Kind)
	require.Len(t, res.Claims, 1)
	assert.Equal(t, risk.High, res.Claims[0].Risk)
	assert.Equal(t, []string{"a1"}, res.AnchorIDs())
}

func TestEvaluate_SingleAnchorClaimAtDefaultMinimum(t *testing.T) {
	// Сумма делает утверждение HIGH: при настройках по умолчанию одного якоря мало
	g := New(&stubChecker{}, risk.NewAnalyzer(zap.NewNop()), Config{}, zap.NewNop())

	_, err := g.Evaluate(context.Background(), `{"claims":[{"text":"Cap is $50M","anchorIds":["a1"]}]}`, evidence)
	gErr := requireCode(t, err, domain.CodeCorroborationRequired)
	assert.Equal(t, "a1", gErr.Details["anchorId"])
	assert.Contains(t, gErr.Message, "at least 2 anchors")
}

func TestEvaluate_UncitedClaim(t *testing.T) {
	g := newGate(&stubChecker{}, 1)
	_, err := g.Evaluate(context.Background(), `{"claims":[{"text":"Cap is $50M","anchorIds":[]}]}`, evidence)
	requireCode(t, err, domain.CodeUncitedClaims)
}

func TestEvaluate_FabricatedCitation(t *testing.T) {
	checker := &stubChecker{}
	g := newGate(checker, 1)
	_, err := g.Evaluate(context.Background(), `{"claims":[{"text":"Cap is $50M","anchorIds":["ghost"]}]}`, evidence)
	gErr := requireCode(t, err, domain.CodeFabricatedCitation)
	assert.Equal(t, "ghost", gErr.Details["anchorId"])
	assert.Zero(t, checker.calls.Load(), "no semantic calls before citations are validated")
}

func TestEvaluate_HighRiskNeedsCorroboration(t *testing.T) {
	g := newGate(&stubChecker{}, DefaultHighRiskMinAnchors)

	_, err := g.Evaluate(context.Background(), `{"claims":[{"text":"Cap is $50M","anchorIds":["a1"]}]}`, evidence)
	requireCode(t, err, domain.CodeCorroborationRequired)

	res, err := g.Evaluate(context.Background(), `{"claims":[{"text":"Cap is $50M","anchorIds":["a1","a2"]}]}`, evidence)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, res.Claims[0].SupportedBy)
}

func TestEvaluate_DuplicateAnchorDoesNotCorroborate(t *testing.T) {
	g := newGate(&stubChecker{}, DefaultHighRiskMinAnchors)
	_, err := g.Evaluate(context.Background(), `{"claims":[{"text":"Cap is $50M","anchorIds":["a1","a1"]}]}`, evidence)
	requireCode(t, err, domain.CodeCorroborationRequired)
}

func TestEvaluate_LowRiskSingleAnchor(t *testing.T) {
	g := newGate(&stubChecker{}, DefaultHighRiskMinAnchors)
	_, err := g.Evaluate(context.Background(), `{"claims":[{"text":"The parties met in Paris","anchorIds":["a3"]}]}`, evidence)
	require.NoError(t, err)
}

func TestEvaluate_UnsupportedCitationNamesAnchor(t *testing.T) {
	g := newGate(&stubChecker{reject: map[string]bool{evidence["a2"]: true}}, 1)
	_, err := g.Evaluate(context.Background(), `{"claims":[
		{"text":"Cap is $50M","anchorIds":["a1"]},
		{"text":"Cap is fifty million","anchorIds":["a2"]}]}`, evidence)
	gErr := requireCode(t, err, domain.CodeUnsupportedCitation)
	assert.Equal(t, "a2", gErr.Details["anchorId"])
	assert.Contains(t, gErr.Message, "Citation a2 does not logically support the statement.")
}

func TestEvaluate_CheckerErrorFailsClosed(t *testing.T) {
	g := newGate(&stubChecker{err: errors.New("model offline")}, 1)
	_, err := g.Evaluate(context.Background(), `{"claims":[{"text":"The parties met","anchorIds":["a3"]}]}`, evidence)
	requireCode(t, err, domain.CodeUnsupportedCitation)
}

func TestEvaluate_InvalidSchema(t *testing.T) {
	g := newGate(&stubChecker{}, 1)
	for _, raw := range []string{`{"claims": "nope"}`, `{"answer": 1}`, `[1,2]`, `{broken`} {
		_, err := g.Evaluate(context.Background(), raw, evidence)
		requireCode(t, err, domain.CodeInvalidSchema)
	}
}

// ===== Cite Tag Tests =====

func TestEvaluate_CiteTags(t *testing.T) {
	g := newGate(&stubChecker{}, 2)
	raw := "The parties met in Paris <cite>a3</cite>. The cap is $50M <cite>a1</cite><cite>a2</cite>."

	res, err := g.Evaluate(context.Background(), raw, evidence)
	require.NoError(t, err)
	assert.Equal(t, KindCiteTags, res.Kind)
	require.Len(t, res.Claims, 2)
	assert.Equal(t, "The parties met in Paris .", res.Claims[0].Claim.Text)
	assert.Equal(t, []string{"a1", "a2"}, res.Claims[1].Claim.AnchorIDs)
}

func TestEvaluate_CiteTagFabricated(t *testing.T) {
	g := newGate(&stubChecker{}, 1)
	_, err := g.Evaluate(context.Background(), "They met <cite>nope</cite>.", evidence)
	requireCode(t, err, domain.CodeFabricatedCitation)
}

// ===== Prose Fallback Tests =====

func TestEvaluate_PlainProse(t *testing.T) {
	g := newGate(&stubChecker{}, 1)

	_, err := g.Evaluate(context.Background(), "The cap is fifty million. Nothing else.", evidence)
	requireCode(t, err, domain.CodeUncitedClaims)

	_, err = g.Evaluate(context.Background(), "   ", evidence)
	requireCode(t, err, domain.CodeUncitedClaims)
}

func TestEvaluate_PageCitationsAreNotAnchors(t *testing.T) {
	checker := &stubChecker{reject: map[string]bool{
		evidence["a1"]: true, evidence["a2"]: true, evidence["a3"]: true,
	}}
	g := newGate(checker, DefaultHighRiskMinAnchors)

	res, err := g.Evaluate(context.Background(),
		"The liability cap is $999M and the indemnity is unlimited (Made Up Exhibit, p. 99).", evidence)
	gErr := requireCode(t, err, domain.CodeUncitedClaims)
	assert.Nil(t, res)
	assert.Equal(t, 1, gErr.Details["pageCitations"])
	assert.Zero(t, checker.calls.Load())

	_, err = g.Evaluate(context.Background(),
		"The cap is fifty million (Master Agreement, p. 4). Notice is due in 30 days [Amendment 2, p 7-8].", evidence)
	gErr = requireCode(t, err, domain.CodeUncitedClaims)
	assert.Equal(t, 2, gErr.Details["pageCitations"])
}

// ===== Deterministic Checker Tests =====

func TestDeterministicChecker(t *testing.T) {
	c := DeterministicChecker{}
	ok, err := c.Supports(context.Background(), "cap RAISED to", "Liability cap raised   to $50,000,000.")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.Supports(context.Background(), "Cap is $50M", evidence["a1"])
	assert.False(t, ok)

	ok, _ = c.Supports(context.Background(), "", evidence["a1"])
	assert.False(t, ok)
}

func TestNewChecker(t *testing.T) {
	c, err := NewChecker(CheckerConfig{})
	require.NoError(t, err)
	assert.IsType(t, DeterministicChecker{}, c)

	_, err = NewChecker(CheckerConfig{Mode: ModeOpenAI})
	assert.Error(t, err)

	_, err = NewChecker(CheckerConfig{Mode: "oracle"})
	assert.Error(t, err)
}

func TestIsTrue(t *testing.T) {
	assert.True(t, isTrue(" true\n"))
	assert.True(t, isTrue("TRUE."))
	assert.False(t, isTrue("FALSE"))
	assert.False(t, isTrue(""))
}
