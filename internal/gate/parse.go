package gate

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"

	"github.com/xela07ax/trustgate/internal/domain"
)

// Kind: закрытый набор принимаемых форм ответа модели.
type Kind string

const (
	// KindClaims: JSON {"claims":[{"text":..., "anchorIds":[...]}]}
	KindClaims Kind = "STRUCTURED_CLAIMS"
	// KindCiteTags: проза с <cite>anchorId</cite>, привязанными к предложению.
	KindCiteTags Kind = "CITE_TAGS"
)

// Response: разобранный ответ.
type Response struct {
	Kind   Kind
	Claims []domain.Claim
}

var (
	citeTagRe      = regexp.MustCompile(`<cite[^>]*>([^<]+)</cite>`)
	pageCitationRe = regexp.MustCompile(`(?i)[(\[]\s*[^)\]]+,\s*p\.?\s*\d+(?:\s*-\s*\d+)?\s*[)\]]`)
)

type structuredBody struct {
	Claims *[]struct {
		Text      string   `json:"text"`
		AnchorIDs []string `json:"anchorIds"`
	} `json:"claims"`
}

// ParseResponse определяет форму ответа и разбирает его.
// Всё, что выглядит как JSON, обязано быть корректным объектом с массивом claims;
// проза без тегов <cite> отвергается как UNCITED_CLAIMS, даже если в ней есть
// ссылки на страницы: страница не указывает на якорь, и проверить ее нечем.
func ParseResponse(raw string) (Response, error) {
	trimmed := strings.TrimSpace(raw)

	// 1. Структурированная форма
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return parseStructured(trimmed)
	}

	// 2. Теги <cite>
	if claims := parseCiteTags(raw); len(claims) > 0 {
		return Response{Kind: KindCiteTags, Claims: claims}, nil
	}

	// 3. Ссылки на страницы без якорей не принимаются
	if n := len(pageCitationRe.FindAllString(trimmed, -1)); n > 0 {
		return Response{}, domain.NewGroundingError(domain.CodeUncitedClaims,
			"Page citations do not reference anchors; cite anchor ids instead.",
			map[string]any{"pageCitations": n})
	}

	return Response{}, domain.NewGroundingError(domain.CodeUncitedClaims,
		"Response contains statements without citations.", nil)
}

func parseStructured(trimmed string) (Response, error) {
	var body structuredBody
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&body); err != nil || body.Claims == nil {
		details := map[string]any{}
		if err != nil {
			details["error"] = err.Error()
		}
		return Response{}, domain.NewGroundingError(domain.CodeInvalidSchema,
			"Structured response must be an object with a claims array.", details)
	}
	if len(*body.Claims) == 0 {
		return Response{}, domain.NewGroundingError(domain.CodeUncitedClaims,
			"Structured response contains no claims.", nil)
	}

	claims := make([]domain.Claim, 0, len(*body.Claims))
	for _, c := range *body.Claims {
		ids := make([]string, 0, len(c.AnchorIDs))
		for _, id := range c.AnchorIDs {
			if id = strings.TrimSpace(id); id != "" && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		claims = append(claims, domain.Claim{Text: normalizeSentence(c.Text), AnchorIDs: ids})
	}
	return Response{Kind: KindClaims, Claims: claims}, nil
}

// parseCiteTags привязывает каждый тег к объемлющему предложению: от последнего
// терминатора (.!?\n) до тега и до первого терминатора после него. Несколько тегов
// в одном предложении образуют одно утверждение с несколькими якорями.
func parseCiteTags(raw string) []domain.Claim {
	matches := citeTagRe.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return nil
	}

	type span struct{ start, end int }
	var order []span
	groups := make(map[span]*domain.Claim)

	for _, m := range matches {
		id := strings.TrimSpace(raw[m[2]:m[3]])
		if id == "" {
			continue
		}
		start := strings.LastIndexAny(raw[:m[0]], ".!?\n") + 1
		end := len(raw)
		if idx := strings.IndexAny(raw[m[1]:], ".!?\n"); idx >= 0 {
			end = m[1] + idx + 1
		}
		key := span{start, end}

		claim, ok := groups[key]
		if !ok {
			text := normalizeSentence(citeTagRe.ReplaceAllString(raw[start:end], ""))
			if text == "" {
				text = normalizeSentence(citeTagRe.ReplaceAllString(raw, ""))
			}
			claim = &domain.Claim{Text: text}
			groups[key] = claim
			order = append(order, key)
		}
		if !slices.Contains(claim.AnchorIDs, id) {
			claim.AnchorIDs = append(claim.AnchorIDs, id)
		}
	}

	out := make([]domain.Claim, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	return out
}

func normalizeSentence(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
