package router

import (
	"strings"
	"testing"
)

func TestClassifyBypassRules(t *testing.T) {
	cfg := ClassifierConfig{Intents: []IntentDef{{Name: "research", Keywords: []string{"search"}}}}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"slash command", "/stop", "command"},
		{"directly prefix", "directly: just answer this", "direct"},
		{"directly prefix case insensitive", "DIRECTLY: answer", "direct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.input, cfg)
			if c.Intent != tt.want || !c.Bypassed || c.Confidence != 1.0 || c.ShouldOrchestrate {
				t.Fatalf("Classify(%q) = %+v", tt.input, c)
			}
		})
	}
}

func TestClassifyScoring(t *testing.T) {
	cfg := ClassifierConfig{
		Intents: []IntentDef{
			{Name: "research", Keywords: []string{"search", "look up", "find out"}},
		},
	}

	c := Classify("can you search for the latest news", cfg)
	if c.Intent != "research" {
		t.Fatalf("intent = %q, want research", c.Intent)
	}
	if c.Confidence < baseScore {
		t.Fatalf("confidence = %v, want at least base score %v", c.Confidence, baseScore)
	}
	if !c.ShouldOrchestrate {
		t.Fatalf("expected ShouldOrchestrate with confidence %v >= default threshold", c.Confidence)
	}
}

func TestClassifyMultipleKeywordsScoreHigher(t *testing.T) {
	cfg := ClassifierConfig{
		Intents: []IntentDef{
			{Name: "research", Keywords: []string{"search", "look up"}},
		},
	}

	one := Classify("please search", cfg)
	two := Classify("please search and look up", cfg)
	if two.Confidence <= one.Confidence {
		t.Fatalf("expected more matched keywords to score higher: one=%v two=%v", one.Confidence, two.Confidence)
	}
}

func TestClassifyNoMatch(t *testing.T) {
	cfg := ClassifierConfig{Intents: []IntentDef{{Name: "research", Keywords: []string{"search"}}}}
	c := Classify("good morning", cfg)
	if c.Intent != "" || c.ShouldOrchestrate {
		t.Fatalf("expected no match, got %+v", c)
	}
}

func TestClassifyBelowThreshold(t *testing.T) {
	cfg := ClassifierConfig{
		Intents:   []IntentDef{{Name: "research", Keywords: []string{"search"}}},
		Threshold: 0.99,
	}
	c := Classify("search", cfg)
	if c.ShouldOrchestrate {
		t.Fatalf("expected ShouldOrchestrate=false below threshold, got confidence %v", c.Confidence)
	}
}

func TestStripDirectlyPrefix(t *testing.T) {
	got := StripDirectlyPrefix("Directly:   do the thing")
	if got != "do the thing" {
		t.Fatalf("got %q", got)
	}
}

func TestClassifyKeywordLengthBonus(t *testing.T) {
	tests := []struct {
		name    string
		matched []string
		want    float64
	}{
		{"no matches", nil, 0},
		{"short keyword", []string{"go"}, 2.0 / 50},
		{"average of two", []string{"search", "look up the docs"}, (6.0 + 16.0) / 2 / 50},
		{"capped at 0.10", []string{"please run the full production deployment pipeline now"}, 0.10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keywordLengthBonus(tt.matched)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("keywordLengthBonus(%v) = %v, want %v", tt.matched, got, tt.want)
			}
		})
	}
}

func TestClassifyBonusFromMatchedKeywordsNotInputLength(t *testing.T) {
	cfg := ClassifierConfig{
		Intents: []IntentDef{
			{Name: "research", Keywords: []string{"search"}},
		},
	}

	// The bonus comes from the matched keyword's length, so a short and a
	// long message with the same single match must score identically.
	short := Classify("search", cfg)
	long := Classify("search "+strings.Repeat("filler ", 60), cfg)
	if short.Confidence != long.Confidence {
		t.Fatalf("input length leaked into the score: short=%v long=%v", short.Confidence, long.Confidence)
	}

	want := baseScore + 6.0/50
	if diff := short.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("confidence = %v, want %v", short.Confidence, want)
	}
}
