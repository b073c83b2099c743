package risk

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Level: уровень риска утверждения.
type Level string

const (
	Low  Level = "LOW"
	High Level = "HIGH"
)

// Юридически чувствительные термины (целые слова).
var sensitiveTerms = []string{
	"liability", "damages", "termination", "breach", "penalty", "indemnity",
	"settlement", "verdict", "payment", "interest", "fine", "sanction",
	"deadline", "tax", "warranty",
}

var (
	// любая цифра покрывает и суммы, и года, и ISO-даты
	digitRe = regexp.MustCompile(`\d`)

	// indemn* ловится по префиксу: indemnify, indemnification
	termRe = regexp.MustCompile(`\b(?:` + strings.Join(sensitiveTerms, "|") + `)\b|\bindemn`)
)

// Analyzer классифицирует утверждения модели по риску.
// HIGH-риск требует подтверждения несколькими независимыми якорями.
type Analyzer struct {
	logger *zap.Logger
}

func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("risk")}
}

// Classify возвращает HIGH, если текст содержит число, год/ISO-дату или чувствительный термин.
func (a *Analyzer) Classify(text string) Level {
	lower := strings.ToLower(text)

	// 1. Числа, года, даты
	if digitRe.MatchString(lower) {
		return High
	}

	// 2. Словарь терминов
	if term := termRe.FindString(lower); term != "" {
		a.logger.Debug("sensitive term in claim", zap.String("term", term))
		return High
	}

	return Low
}

// IsHigh: сокращение для гейта.
func (a *Analyzer) IsHigh(text string) bool {
	return a.Classify(text) == High
}
