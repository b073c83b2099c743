package grounding

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Normalize приводит текст к нижнему регистру и схлопывает пробельные символы.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Similarity = 1 - edits/max(len_a, len_b) по нормализованным строкам (в рунах).
// Две пустые строки идентичны; пустая против непустой: 0.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	la, lb := utf8.RuneCountInString(na), utf8.RuneCountInString(nb)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	return 1 - float64(levenshtein.ComputeDistance(na, nb))/float64(maxLen)
}
