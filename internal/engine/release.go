package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/trustgate/internal/algebra"
	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/canonical"
	"github.com/xela07ax/trustgate/internal/domain"
	"github.com/xela07ax/trustgate/internal/gate"
	"github.com/xela07ax/trustgate/internal/policy"
	"github.com/xela07ax/trustgate/internal/releasecert"
	"github.com/xela07ax/trustgate/internal/trustgraph"
	"go.uber.org/zap"
)

const (
	ActionReleaseApproved = "RELEASE_APPROVED"
	ActionReleaseWithheld = "RELEASE_WITHHELD"

	systemActor = "system"
)

type FindingValidator interface {
	Validate(ctx context.Context, workspaceID string, findings []domain.Finding) ([]domain.Finding, error)
}

type ClaimGate interface {
	Evaluate(ctx context.Context, raw string, evidence gate.Evidence) (*gate.Result, error)
}

type CertIssuer interface {
	Issue(ctx context.Context, req releasecert.Request) (*releasecert.Certificate, error)
	KID() string
	Scope() string
}

type ArtifactRecorder interface {
	Record(ctx context.Context, actorID string, a trustgraph.DerivedArtifact) (*trustgraph.DerivedArtifact, error)
}

// ReleaseRequest: находки и (опционально) ответ модели, который нужно выпустить.
type ReleaseRequest struct {
	RequestID   string           `json:"requestId"`
	WorkspaceID string           `json:"workspaceId" validate:"required"`
	ActorID     string           `json:"actorId"`
	Findings    []domain.Finding `json:"findings"`
	ModelOutput string           `json:"modelOutput,omitempty"`
	PromptKey   string           `json:"promptKey,omitempty"`
}

// Outcome: решение гейта в форме ответа: 200 {ok:true, findings} или 422 {ok:false, errorCode}.
type Outcome struct {
	OK           bool                     `json:"ok"`
	Findings     []domain.Finding         `json:"findings,omitempty"`
	Claims       []gate.ClaimVerdict      `json:"claims,omitempty"`
	Dependencies []algebra.Classification `json:"dependencies,omitempty"`
	ErrorCode    domain.ErrorCode         `json:"errorCode,omitempty"`
	Message      string                   `json:"message,omitempty"`
	Details      map[string]any           `json:"details,omitempty"`
	AuditEventID string                   `json:"auditEventId,omitempty"`
	ArtifactID   string                   `json:"artifactId,omitempty"`

	Status       int                      `json:"-"`
	Certificate  *releasecert.Certificate `json:"-"`
	ChainSummary string                   `json:"-"`
}

// ReleaseOptions описывает модель, чей ответ проходит через гейт (попадает в proof contract).
type ReleaseOptions struct {
	Provider    string
	Model       string
	Temperature float64
	Guardrails  policy.Guardrails
}

// Releaser: единый пайплайн решения для HTTP и gRPC.
type Releaser struct {
	validator FindingValidator
	gate      ClaimGate
	signer    CertIssuer
	ledger    trustgraph.Appender
	recorder  ArtifactRecorder
	policy    policy.ReleasePolicy
	opts      ReleaseOptions
	metrics   *Metrics
	now       func() time.Time
	logger    *zap.Logger
}

func NewReleaser(v FindingValidator, g ClaimGate, signer CertIssuer, ledger trustgraph.Appender, recorder ArtifactRecorder,
	opts ReleaseOptions, metrics *Metrics, logger *zap.Logger) *Releaser {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Releaser{
		validator: v,
		gate:      g,
		signer:    signer,
		ledger:    ledger,
		recorder:  recorder,
		policy:    policy.NoAnchorNoOutput,
		opts:      opts,
		metrics:   metrics,
		now:       time.Now,
		logger:    logger.Named("release"),
	}
}

// Decide проверяет находки и ответ модели целиком. Отказ гейта не является ошибкой:
// он возвращается как Outcome со статусом 422. Ошибка означает сбой инфраструктуры.
func (r *Releaser) Decide(ctx context.Context, req ReleaseRequest) (*Outcome, error) {
	start := r.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ActorID == "" {
		req.ActorID = systemActor
	}
	logger := r.logger.With(
		zap.String("trace_id", TraceID(ctx)),
		zap.String("request_id", req.RequestID),
		zap.String("workspace_id", req.WorkspaceID),
	)

	// 1. Grounding: все находки или ничего
	findings, err := r.validator.Validate(ctx, req.WorkspaceID, req.Findings)
	if err != nil {
		return r.rejectOrFail(ctx, req, start, err, logger)
	}

	// 2. Гейт: каждое утверждение цитирует подтвержденный якорь
	var verdict *gate.Result
	if req.ModelOutput != "" {
		evidence := make(gate.Evidence, len(findings))
		for _, f := range findings {
			evidence[f.AnchorID] = f.Quote
		}
		if verdict, err = r.gate.Evaluate(ctx, req.ModelOutput, evidence); err != nil {
			return r.rejectOrFail(ctx, req, start, err, logger)
		}
	}

	// 3. Утверждение, опирающееся на отозванный якорь, не выпускается
	claims := claimsOf(verdict, findings)
	deps := dependencies(claims, findings)
	if err := unstableClaim(claims, deps); err != nil {
		return r.rejectOrFail(ctx, req, start, err, logger)
	}

	// Решение принято. Запись сертификата, журнала и артефакта не прерывается отменой клиента
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wctx := context.WithoutCancel(ctx)

	// 4. Сертификат
	refs := make([]domain.AnchorRef, 0, len(findings))
	for _, f := range findings {
		refs = append(refs, domain.RefFromFinding(f))
	}
	cert, err := r.signer.Issue(wctx, releasecert.Request{
		Decision:       domain.DecisionReleased,
		WorkspaceID:    req.WorkspaceID,
		ExhibitID:      singleExhibit(findings),
		Anchors:        refs,
		GuardrailsHash: r.opts.Guardrails.Hash(),
	})
	if err != nil {
		return nil, err
	}

	// 5. Журнал
	event, err := r.ledger.Append(wctx, req.WorkspaceID, req.ActorID, audit.EventReleaseDecision, map[string]any{
		"action":     ActionReleaseApproved,
		"resourceId": req.RequestID,
		"decision":   string(domain.DecisionReleased),
		"details": map[string]any{
			"requestId":  req.RequestID,
			"decision":   string(domain.DecisionReleased),
			"certHash":   cert.Payload.Chain.Hash,
			"certSeq":    cert.Payload.Chain.Seq,
			"anchorIds":  anchorIDs(findings),
			"claimCount": len(claims),
			"dependency": dependencyClasses(deps),
		},
	})
	if err != nil {
		return nil, err
	}

	// 6. Trust graph
	artifact, err := r.recorder.Record(wctx, req.ActorID, r.artifact(req, findings, claims, cert))
	if err != nil {
		return nil, err
	}

	r.observe(domain.DecisionReleased, "", start)
	logger.Info("release approved",
		zap.Int("findings", len(findings)),
		zap.Int64("cert_seq", cert.Payload.Chain.Seq),
		zap.String("audit_event_id", event.ID))

	out := &Outcome{
		OK:           true,
		Findings:     findings,
		AuditEventID: event.ID,
		ArtifactID:   artifact.ID,
		Dependencies: deps,
		Status:       http.StatusOK,
		Certificate:  cert,
		ChainSummary: cert.Summary(r.signer.Scope()),
	}
	if verdict != nil {
		out.Claims = verdict.Claims
	}
	return out, nil
}

// rejectOrFail превращает отказ гейта в подписанный и залогированный 422.
func (r *Releaser) rejectOrFail(ctx context.Context, req ReleaseRequest, start time.Time, err error, logger *zap.Logger) (*Outcome, error) {
	gErr, ok := domain.AsGroundingError(err)
	if !ok {
		return nil, err
	}
	wctx := context.WithoutCancel(ctx)

	cert, err := r.signer.Issue(wctx, releasecert.Request{
		Decision:       domain.DecisionWithheld,
		WorkspaceID:    req.WorkspaceID,
		GuardrailsHash: r.opts.Guardrails.Hash(),
	})
	if err != nil {
		return nil, err
	}

	details := map[string]any{
		"requestId": req.RequestID,
		"decision":  string(domain.DecisionWithheld),
		"errorCode": string(gErr.Code),
		"certHash":  cert.Payload.Chain.Hash,
		"certSeq":   cert.Payload.Chain.Seq,
	}
	event, err := r.ledger.Append(wctx, req.WorkspaceID, req.ActorID, audit.EventReleaseDecision, map[string]any{
		"action":     ActionReleaseWithheld,
		"resourceId": req.RequestID,
		"decision":   string(domain.DecisionWithheld),
		"errorCode":  string(gErr.Code),
		"reason":     gErr.Details,
		"details":    details,
	})
	if err != nil {
		return nil, err
	}

	r.observe(domain.DecisionWithheld, gErr.Code, start)
	logger.Warn("release withheld",
		zap.String("error_code", string(gErr.Code)),
		zap.String("audit_event_id", event.ID))

	return &Outcome{
		OK:           false,
		ErrorCode:    gErr.Code,
		Message:      gErr.Message,
		Details:      gErr.Details,
		AuditEventID: event.ID,
		Status:       gErr.Status,
		Certificate:  cert,
		ChainSummary: cert.Summary(r.signer.Scope()),
	}, nil
}

func (r *Releaser) observe(decision domain.Decision, code domain.ErrorCode, start time.Time) {
	r.metrics.ReleaseDecisions.WithLabelValues(string(decision), string(code)).Inc()
	r.metrics.ReleaseDuration.WithLabelValues(string(decision)).Observe(time.Since(start).Seconds())
}

func (r *Releaser) artifact(req ReleaseRequest, findings []domain.Finding, claims []domain.Claim, cert *releasecert.Certificate) trustgraph.DerivedArtifact {
	byAnchor := make(map[string]domain.Finding, len(findings))
	var exhibits []string
	var hashes []trustgraph.ExhibitHash
	seen := map[string]bool{}
	for _, f := range findings {
		byAnchor[f.AnchorID] = f
		if !seen[f.ExhibitID] {
			seen[f.ExhibitID] = true
			exhibits = append(exhibits, f.ExhibitID)
			hashes = append(hashes, trustgraph.ExhibitHash{ExhibitID: f.ExhibitID, IntegrityHash: f.IntegrityHash})
		}
	}

	pass := trustgraph.Verification{
		Grounding:   trustgraph.Pass,
		Semantic:    trustgraph.Pass,
		Audit:       trustgraph.Pass,
		ReleaseGate: trustgraph.Pass,
	}
	proofs := make([]trustgraph.ClaimProof, 0, len(claims))
	for i, c := range claims {
		p := trustgraph.ClaimProof{
			ClaimID:      fmt.Sprintf("claim-%d", i+1),
			Claim:        c.Text,
			AnchorIDs:    c.AnchorIDs,
			Verification: pass,
		}
		for _, id := range c.AnchorIDs {
			f, ok := byAnchor[id]
			if !ok {
				continue
			}
			page, quote, hash := f.PageNumber, f.Quote, f.IntegrityHash
			exhibit, integrity := f.ExhibitID, string(integrityOf(f))
			p.SourceSpans = append(p.SourceSpans, trustgraph.SourceSpan{
				AnchorID:        id,
				ExhibitID:       &exhibit,
				PageNumber:      &page,
				BBox:            f.BBox,
				SpanText:        &quote,
				IntegrityStatus: &integrity,
				IntegrityHash:   &hash,
			})
		}
		proofs = append(proofs, p)
	}

	evidenceDigest, err := canonical.Hash(findings)
	if err != nil {
		r.logger.Warn("evidence digest failed", zap.Error(err))
	}
	createdAt := audit.Timestamp(r.now())
	return trustgraph.DerivedArtifact{
		RequestID:                  req.RequestID,
		WorkspaceID:                req.WorkspaceID,
		ArtifactType:               "release",
		AnchorIDsUsed:              anchorIDs(findings),
		ExhibitIDsUsed:             exhibits,
		ExhibitIntegrityHashesUsed: hashes,
		ClaimProofs:                proofs,
		CreatedAt:                  createdAt,
		ProofContract: &trustgraph.ProofContract{
			Version:        "1",
			PolicyID:       r.policy.ID,
			PolicyHash:     r.policy.Hash(),
			Decision:       domain.DecisionReleased,
			EvidenceDigest: evidenceDigest,
			PromptKey:      req.PromptKey,
			Provider:       r.opts.Provider,
			Model:          r.opts.Model,
			Temperature:    r.opts.Temperature,
			GuardrailsHash: r.opts.Guardrails.Hash(),
			ReleaseCert: trustgraph.ReleaseCertRef{
				Version:    cert.Payload.V,
				KID:        cert.Payload.KID,
				PolicyHash: cert.Payload.PolicyHash,
			},
			AnchorCount: len(findings),
			ClaimCount:  len(claims),
			CreatedAt:   createdAt,
		},
	}
}

// claimsOf берет утверждения из гейта. Без ответа модели каждая находка становится отдельным утверждением.
func claimsOf(verdict *gate.Result, findings []domain.Finding) []domain.Claim {
	if verdict != nil {
		out := make([]domain.Claim, 0, len(verdict.Claims))
		for _, c := range verdict.Claims {
			out = append(out, c.Claim)
		}
		return out
	}
	out := make([]domain.Claim, 0, len(findings))
	for _, f := range findings {
		out = append(out, domain.Claim{Text: f.Quote, AnchorIDs: []string{f.AnchorID}})
	}
	return out
}

// dependencies классифицирует каждое утверждение по проверенным находкам.
// Текст якоря здесь берется из цитаты, уже сверенной с экспонатом.
func dependencies(claims []domain.Claim, findings []domain.Finding) []algebra.Classification {
	anchors := make(algebra.AnchorMap, len(findings))
	for _, f := range findings {
		anchors[f.AnchorID] = domain.Anchor{
			ID:              f.AnchorID,
			ExhibitID:       f.ExhibitID,
			PageNumber:      f.PageNumber,
			BBox:            f.BBox,
			Text:            f.Quote,
			IntegrityStatus: integrityOf(f),
		}
	}
	out := make([]algebra.Classification, 0, len(claims))
	for _, c := range claims {
		out = append(out, algebra.ClassifyDependency(anchors, c.AnchorIDs))
	}
	return out
}

// integrityOf: находка без статуса не прошла через валидатор и доверия не получает.
func integrityOf(f domain.Finding) domain.IntegrityStatus {
	if f.IntegrityStatus == "" {
		return domain.IntegrityPending
	}
	return f.IntegrityStatus
}

// unstableClaim возвращает отказ для первого утверждения класса UNSTABLE.
func unstableClaim(claims []domain.Claim, deps []algebra.Classification) error {
	for i, d := range deps {
		if d.Class != algebra.Unstable {
			continue
		}
		return domain.NewGroundingError(domain.CodeUnstableDependency,
			"Claim depends on an anchor whose integrity has been revoked.",
			map[string]any{"claim": claims[i].Text, "anchorIds": claims[i].AnchorIDs})
	}
	return nil
}

func dependencyClasses(deps []algebra.Classification) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, string(d.Class))
	}
	return out
}

func anchorIDs(findings []domain.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.AnchorID)
	}
	return out
}

func singleExhibit(findings []domain.Finding) string {
	if len(findings) == 0 {
		return ""
	}
	id := findings[0].ExhibitID
	for _, f := range findings[1:] {
		if f.ExhibitID != id {
			return ""
		}
	}
	return id
}
