package analyzer

import (
	"strings"
	"testing"
)

func TestClassifyPlainProse(t *testing.T) {
	c := Classify("The quick brown fox jumps over the lazy dog")
	if c.IsLikelyCode {
		t.Errorf("plain prose classified as code: %+v", c)
	}
	if c.WordCount != 9 {
		t.Errorf("Expected 9 words, got %d", c.WordCount)
	}
	if c.LineCount != 1 {
		t.Errorf("Expected 1 line, got %d", c.LineCount)
	}
}

func TestClassifyCodeSnippet(t *testing.T) {
	c := Classify("function solve() { return 42; }")
	if !c.IsLikelyCode {
		t.Errorf("code snippet not classified as code: %+v", c)
	}
	if c.CodeScore < 3 {
		t.Errorf("Expected at least 3 indicators, got %d", c.CodeScore)
	}
}

func TestClassifyKeywordAlone(t *testing.T) {
	// A single reserved keyword is enough even below the indicator threshold.
	c := Classify("import os")
	if !c.IsLikelyCode {
		t.Errorf("keyword-bearing text not classified as code: %+v", c)
	}
}

func TestClassifyEmpty(t *testing.T) {
	c := Classify("")
	if c.IsLikelyCode || c.CodeScore != 0 || c.LineCount != 0 || c.WordCount != 0 {
		t.Errorf("empty text should classify to zero values, got %+v", c)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	text := "for (let i = 0; i < 10; i++) { console.log(i); }"
	first := Classify(text)
	for i := 0; i < 50; i++ {
		if got := Classify(text); got != first {
			t.Fatalf("classification not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestClassifyMonotonicIndicators(t *testing.T) {
	// Appending additional indicator patterns must never lower the score.
	fragments := []string{
		"plain words only here",
		" value = 1;",
		" call(arg)",
		" { nested }",
		" // comment",
		" \"literal\"",
	}
	text := ""
	prev := 0
	for _, frag := range fragments {
		text += frag
		score := Classify(text).CodeScore
		if score < prev {
			t.Fatalf("code score decreased from %d to %d after adding %q", prev, score, frag)
		}
		prev = score
	}
}

func TestPasteScoreLargeCodePaste(t *testing.T) {
	body := "function solve() { return 42; }\n"
	text := body + strings.Repeat("x", 600-len(body))
	c := Classify(text)
	if !c.IsLikelyCode {
		t.Fatalf("expected code classification, got %+v", c)
	}
	score := PasteScore(len(text), c)
	if score < 45 {
		t.Errorf("Expected score >= 45 for 600-char code paste, got %d", score)
	}
}

func TestPasteScoreClamped(t *testing.T) {
	text := strings.Repeat("if (x) { y(); }\n", 500)
	c := Classify(text)
	score := PasteScore(len(text), c)
	if score < 0 || score > 100 {
		t.Errorf("score out of range: %d", score)
	}
}

func TestPasteScoreShortProse(t *testing.T) {
	c := Classify("hello there")
	if score := PasteScore(len("hello there"), c); score != 0 {
		t.Errorf("Expected zero score for short prose, got %d", score)
	}
}
