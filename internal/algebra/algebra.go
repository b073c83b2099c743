// Package algebra содержит чистые функции над множествами якорей:
// подсчет подтверждений, поиск противоречий и классификацию зависимости утверждения.
// Никакого I/O: все данные приходят через AnchorMap.
package algebra

import (
	"fmt"
	"regexp"

	"github.com/xela07ax/trustgate/internal/domain"
)

// AnchorMap: якоря, доступные для расчета, по id.
type AnchorMap map[string]domain.Anchor

// ReasonCode: причина противоречия.
type ReasonCode string

const (
	ReasonNone          ReasonCode = ""
	ReasonTimeConflict  ReasonCode = "TIME_CONFLICT"
	ReasonValueConflict ReasonCode = "VALUE_CONFLICT"
)

// DependencyClass: класс устойчивости утверждения.
type DependencyClass string

const (
	Unstable     DependencyClass = "UNSTABLE"
	Conflicted   DependencyClass = "CONFLICTED"
	MultiSource  DependencyClass = "MULTI_SOURCE"
	SingleSource DependencyClass = "SINGLE_SOURCE"
)

type Corroboration struct {
	Corroborated bool     `json:"corroborated"`
	Count        int      `json:"corroborationCount"`
	AnchorIDs    []string `json:"anchorIdsUsed"`
}

type Contradiction struct {
	Contradictory  bool       `json:"contradictory"`
	ConflictingIDs []string   `json:"conflictingAnchorIds"`
	Reason         ReasonCode `json:"reasonCode"`
}

type Classification struct {
	Class                 DependencyClass `json:"dependencyClass"`
	CorroborationCount    int             `json:"corroborationCount"`
	ContradictionDetected bool            `json:"contradictionDetected"`
}

var (
	isoDateRe = regexp.MustCompile(`\b(?:19|20)\d{2}-\d{2}-\d{2}\b`)
	yearRe    = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	numberRe  = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// resolve отбрасывает неизвестные id, сохраняя порядок.
func resolve(anchors AnchorMap, ids []string) ([]string, []domain.Anchor) {
	usedIDs := make([]string, 0, len(ids))
	used := make([]domain.Anchor, 0, len(ids))
	for _, id := range ids {
		a, ok := anchors[id]
		if !ok {
			continue
		}
		usedIDs = append(usedIDs, id)
		used = append(used, a)
	}
	return usedIDs, used
}

// Corroborate считает различные пары (exhibitId, pageNumber) среди найденных якорей.
// Два якоря на одной странице одного экспоната считаются одним источником.
func Corroborate(anchors AnchorMap, ids []string) Corroboration {
	usedIDs, used := resolve(anchors, ids)
	if len(used) == 0 {
		return Corroboration{AnchorIDs: []string{}}
	}

	sources := make(map[string]struct{}, len(used))
	for _, a := range used {
		sources[fmt.Sprintf("%s:%d", a.ExhibitID, a.PageNumber)] = struct{}{}
	}

	return Corroboration{
		Corroborated: len(sources) >= 2,
		Count:        len(sources),
		AnchorIDs:    usedIDs,
	}
}

// DetectContradiction ищет сначала временной конфликт по всему набору,
// затем конфликт значений между перекрывающимися якорями одной страницы.
func DetectContradiction(anchors AnchorMap, ids []string) Contradiction {
	usedIDs, used := resolve(anchors, ids)
	none := Contradiction{ConflictingIDs: []string{}}
	if len(used) == 0 {
		return none
	}

	// 1. TIME_CONFLICT: больше одного различного токена даты/года во всех текстах
	dates := make(map[string]struct{})
	for _, a := range used {
		for _, d := range extractDates(a.Text) {
			dates[d] = struct{}{}
		}
	}
	if len(dates) > 1 {
		return Contradiction{Contradictory: true, ConflictingIDs: usedIDs, Reason: ReasonTimeConflict}
	}

	// 2. VALUE_CONFLICT: та же страница, пересекающиеся рамки, разные первые числа
	for i := 0; i < len(used); i++ {
		a := used[i]
		aBox, ok := domain.ParseBBox(a.BBox)
		if !ok || a.Text == "" {
			continue
		}
		aValue := numberRe.FindString(a.Text)
		if aValue == "" {
			continue
		}
		for j := i + 1; j < len(used); j++ {
			b := used[j]
			bBox, ok := domain.ParseBBox(b.BBox)
			if !ok || b.Text == "" {
				continue
			}
			if a.ExhibitID != b.ExhibitID || a.PageNumber != b.PageNumber {
				continue
			}
			if !domain.NormalizeRect(aBox).Overlaps(domain.NormalizeRect(bBox)) {
				continue
			}
			bValue := numberRe.FindString(b.Text)
			if bValue == "" {
				continue
			}
			if aValue != bValue {
				return Contradiction{
					Contradictory:  true,
					ConflictingIDs: []string{a.ID, b.ID},
					Reason:         ReasonValueConflict,
				}
			}
		}
	}

	return none
}

// ClassifyDependency сводит подтверждения и противоречия в один класс.
// Порядок проверок важен: отзыв целостности перекрывает всё остальное.
func ClassifyDependency(anchors AnchorMap, ids []string) Classification {
	_, used := resolve(anchors, ids)
	if len(used) == 0 {
		return Classification{Class: Unstable}
	}

	revoked := false
	for _, a := range used {
		if a.Revoked() {
			revoked = true
			break
		}
	}
	contradiction := DetectContradiction(anchors, ids)
	corroboration := Corroborate(anchors, ids)

	out := Classification{
		CorroborationCount:    corroboration.Count,
		ContradictionDetected: contradiction.Contradictory,
	}
	switch {
	case revoked:
		out.Class = Unstable
	case contradiction.Contradictory:
		out.Class = Conflicted
	case corroboration.Count >= 2:
		out.Class = MultiSource
	default:
		out.Class = SingleSource
	}
	return out
}

// extractDates возвращает ISO-даты и отдельно стоящие года.
// Год, входящий в ISO-дату, самостоятельным токеном не считается.
func extractDates(text string) []string {
	if text == "" {
		return nil
	}
	out := isoDateRe.FindAllString(text, -1)
	rest := isoDateRe.ReplaceAllString(text, " ")
	out = append(out, yearRe.FindAllString(rest, -1)...)
	return out
}
