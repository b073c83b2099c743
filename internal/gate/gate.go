// Package gate реализует Hallucination Gate: ни одно утверждение модели не выходит
// к пользователю без цитаты, существующего якоря и семантического подтверждения.
package gate

import (
	"context"
	"fmt"

	"github.com/xela07ax/trustgate/internal/domain"
	"github.com/xela07ax/trustgate/internal/risk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultHighRiskMinAnchors: сколько независимо подтвержденных якорей нужно HIGH-утверждению.
const DefaultHighRiskMinAnchors = 2

// Evidence: доступные якоря: id -> исходный текст.
type Evidence map[string]string

type Config struct {
	HighRiskMinAnchors int `mapstructure:"high_risk_min_anchors"`
	// Concurrency ограничивает параллельные семантические проверки
	Concurrency int `mapstructure:"concurrency"`
}

// ClaimVerdict: утверждение, прошедшее гейт.
type ClaimVerdict struct {
	Claim       domain.Claim `json:"claim"`
	Risk        risk.Level   `json:"risk"`
	SupportedBy []string     `json:"supportedBy"`
}

type Result struct {
	Kind   Kind           `json:"kind"`
	Claims []ClaimVerdict `json:"claims"`
}

// AnchorIDs: все якоря, процитированные в одобренном ответе, без повторов.
func (r *Result) AnchorIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range r.Claims {
		for _, id := range c.SupportedBy {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

type Gate struct {
	checker SupportChecker
	risk    *risk.Analyzer
	cfg     Config
	logger  *zap.Logger
}

func New(checker SupportChecker, analyzer *risk.Analyzer, cfg Config, logger *zap.Logger) *Gate {
	if cfg.HighRiskMinAnchors <= 0 {
		cfg.HighRiskMinAnchors = DefaultHighRiskMinAnchors
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Gate{
		checker: checker,
		risk:    analyzer,
		cfg:     cfg,
		logger:  logger.Named("gate"),
	}
}

type check struct {
	claim, anchor int
	ok            bool
}

// Evaluate одобряет ответ целиком или возвращает первую причину отказа.
// Одно неподтвержденное утверждение блокирует весь ответ.
func (g *Gate) Evaluate(ctx context.Context, raw string, evidence Evidence) (*Result, error) {
	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}

	result := &Result{Kind: resp.Kind}

	// 1. Цитирование и существование якорей проверяем до дорогих семантических вызовов
	for _, c := range resp.Claims {
		if c.Text == "" || len(c.AnchorIDs) == 0 {
			return nil, domain.NewGroundingError(domain.CodeUncitedClaims,
				"Every claim must cite at least one anchor.", map[string]any{"claim": c.Text})
		}
		for _, id := range c.AnchorIDs {
			if _, ok := evidence[id]; !ok {
				return nil, domain.NewGroundingError(domain.CodeFabricatedCitation,
					fmt.Sprintf("Citation %s does not reference an available anchor.", id),
					map[string]any{"anchorId": id})
			}
		}
	}

	// 2. Семантическое подтверждение каждой пары (утверждение, якорь)
	var checks []*check
	for ci, c := range resp.Claims {
		for ai := range c.AnchorIDs {
			checks = append(checks, &check{claim: ci, anchor: ai})
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Concurrency)
	for _, ch := range checks {
		eg.Go(func() error {
			c := resp.Claims[ch.claim]
			id := c.AnchorIDs[ch.anchor]
			ok, err := g.checker.Supports(egCtx, c.Text, evidence[id])
			if err != nil {
				// Ошибка проверки = не подтверждено (fail closed)
				g.logger.Warn("support check failed", zap.String("anchor_id", id), zap.Error(err))
				ok = false
			}
			ch.ok = ok
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 3. Разбор результатов в исходном порядке, чтобы отказ был детерминированным
	supported := make([][]string, len(resp.Claims))
	for _, ch := range checks {
		c := resp.Claims[ch.claim]
		id := c.AnchorIDs[ch.anchor]
		if !ch.ok {
			return nil, domain.NewGroundingError(domain.CodeUnsupportedCitation,
				fmt.Sprintf("Citation %s does not logically support the statement.", id),
				map[string]any{"anchorId": id, "claim": c.Text})
		}
		supported[ch.claim] = append(supported[ch.claim], id)
	}

	// 4. Эскалация риска
	for ci, c := range resp.Claims {
		level := g.risk.Classify(c.Text)
		if level == risk.High && len(supported[ci]) < g.cfg.HighRiskMinAnchors {
			return nil, domain.NewGroundingError(domain.CodeCorroborationRequired,
				fmt.Sprintf("High-risk claim requires corroboration from at least %d anchors.", g.cfg.HighRiskMinAnchors),
				map[string]any{"anchorId": c.AnchorIDs[0], "claim": c.Text})
		}
		result.Claims = append(result.Claims, ClaimVerdict{Claim: c, Risk: level, SupportedBy: supported[ci]})
	}

	return result, nil
}
