// Package analyzer classifies clipboard text and computes paste risk
// contributions. Everything here is pure and deterministic.
package analyzer

import (
	"regexp"
	"strings"
)

// Indicator threshold and score tiers. Exact boundaries are tunable design
// choices, kept as named constants.
const (
	// CodeIndicatorThreshold is the number of independent indicators needed
	// to classify text as code when no reserved keyword matched.
	CodeIndicatorThreshold = 3

	LengthTier1 = 100 // characters
	LengthTier2 = 500
	LengthTier3 = 1000

	LengthTier1Score = 10
	LengthTier2Score = 20
	LengthTier3Score = 30

	CodeFlatBonus  = 15 // applied whenever the text classifies as code
	CodeLargeBonus = 20 // additionally, for code longer than LengthTier1

	LineTier1      = 5
	LineTier2      = 20
	LineTier1Score = 10
	LineTier2Score = 20
)

var reservedKeywords = []string{
	"function", "class", "def", "return", "import", "export",
	"if", "else", "for", "while", "switch", "case",
	"const", "let", "var", "public", "private", "static",
	"void", "int", "float", "string", "bool", "struct",
}

var (
	callPattern     = regexp.MustCompile(`\w+\s*\(`)
	operatorPattern = regexp.MustCompile(`==|!=|<=|>=|=>|->|:=|[-+*/%]=|[^=!<>]=[^=]`)
	indentPattern   = regexp.MustCompile(`(?m)^(\t|    )\S`)
	keywordPatterns = buildKeywordPatterns()
)

func buildKeywordPatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(reservedKeywords))
	for i, kw := range reservedKeywords {
		patterns[i] = regexp.MustCompile(`\b` + kw + `\b`)
	}
	return patterns
}

// Classification is the result of analyzing a block of text.
type Classification struct {
	IsLikelyCode bool `json:"isLikelyCode"`
	CodeScore    int  `json:"codeScore"` // number of independent code indicators
	LineCount    int  `json:"lineCount"`
	WordCount    int  `json:"wordCount"`
}

// Classify inspects text for code indicators. It is deterministic: identical
// input always yields an identical classification.
func Classify(text string) Classification {
	c := Classification{
		LineCount: lineCount(text),
		WordCount: len(strings.Fields(text)),
	}
	if strings.TrimSpace(text) == "" {
		return c
	}

	keyword := false
	for _, p := range keywordPatterns {
		if p.MatchString(text) {
			keyword = true
			break
		}
	}

	indicators := 0
	if strings.ContainsAny(text, "{}[]") {
		indicators++
	}
	if callPattern.MatchString(text) {
		indicators++
	}
	if strings.Contains(text, ";") {
		indicators++
	}
	if operatorPattern.MatchString(text) {
		indicators++
	}
	if keyword {
		indicators++
	}
	if strings.Contains(text, "//") || strings.Contains(text, "/*") || strings.Contains(text, "#") {
		indicators++
	}
	if strings.ContainsAny(text, `"'`+"`") {
		indicators++
	}
	if indentPattern.MatchString(text) {
		indicators++
	}

	c.CodeScore = indicators
	// A keyword match alone is enough; otherwise require the threshold.
	c.IsLikelyCode = keyword || indicators >= CodeIndicatorThreshold
	return c
}

// PasteScore computes the risk contribution of a paste of the given length
// and classification, clamped to [0,100].
func PasteScore(length int, c Classification) int {
	score := 0

	if length > LengthTier1 {
		score += LengthTier1Score
	}
	if length > LengthTier2 {
		score += LengthTier2Score
	}
	if length > LengthTier3 {
		score += LengthTier3Score
	}

	if c.IsLikelyCode {
		score += CodeFlatBonus
		if length > LengthTier1 {
			score += CodeLargeBonus
		}
	}

	if c.LineCount > LineTier1 {
		score += LineTier1Score
	}
	if c.LineCount > LineTier2 {
		score += LineTier2Score
	}

	if score > 100 {
		score = 100
	}
	return score
}

func lineCount(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}
