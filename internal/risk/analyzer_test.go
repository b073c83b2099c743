package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAnalyzer_Classify(t *testing.T) {
	a := NewAnalyzer(zap.NewNop())

	tests := []struct {
		text string
		want Level
	}{
		{"The parties met to discuss the project.", Low},
		{"Cap is $50M", High},
		{"Signed in 2019 by both parties", High},
		{"The supplier shall indemnify the buyer", High},
		{"Liability is limited", High},
		{"A WARRANTY applies", High},
		{"Finely crafted prose", Low}, // "fine" только как начало слова
		{"The contract was terminated", Low},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Classify(tt.text))
		})
	}
}
