// Package router implements the intent classifier and routing decision
// function that sit between the channel monitor and the per-session
// scheduler: pure functions, no I/O, budgeted to run in well under the
// per-message processing window.
package router

import (
	"strings"
	"unicode"
)

// Classification is the result of scoring a single inbound message against
// the configured intent keyword sets.
type Classification struct {
	Intent            string   `json:"intent"`
	Confidence        float64  `json:"confidence"`
	MatchedKeywords   []string `json:"matchedKeywords,omitempty"`
	ShouldOrchestrate bool     `json:"shouldOrchestrate"`
	Bypassed          bool     `json:"bypassed,omitempty"` // true when a bypass rule fired
}

// IntentDef is one configured intent: a name plus the keywords that score
// it, matched case-insensitively against the whole message.
type IntentDef struct {
	Name     string
	Keywords []string
}

// ClassifierConfig tunes Classify. Threshold is the minimum confidence for
// ShouldOrchestrate to be true; zero falls back to the spec default (0.6).
type ClassifierConfig struct {
	Intents   []IntentDef
	Threshold float64
}

const (
	baseScore           = 0.65
	perExtraKeyword     = 0.10
	lengthBonusCap      = 0.10
	lengthBonusDivisor  = 50.0 // bonus = min(avg matched keyword length / 50, cap)
	defaultThreshold    = 0.6
	directlyPrefix      = "directly:"
)

// Classify scores input against cfg.Intents and returns the best match.
// Bypass rules take priority and short-circuit scoring entirely:
//   - a message starting with "/" is a slash command: Intent "command",
//     Confidence 1.0, never orchestrated.
//   - a message starting with "directly:" (case-insensitive) bypasses
//     classification entirely: Intent "direct", Confidence 1.0, never
//     orchestrated, and the prefix is expected to be stripped by the caller
//     before the message reaches the agent.
func Classify(input string, cfg ClassifierConfig) Classification {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "/") {
		return Classification{Intent: "command", Confidence: 1.0, ShouldOrchestrate: false, Bypassed: true}
	}
	if hasDirectlyPrefix(trimmed) {
		return Classification{Intent: "direct", Confidence: 1.0, ShouldOrchestrate: false, Bypassed: true}
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}

	lower := strings.ToLower(trimmed)

	var best Classification
	for _, intent := range cfg.Intents {
		var matched []string
		for _, kw := range intent.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				matched = append(matched, kw)
			}
		}
		if len(matched) == 0 {
			continue
		}

		score := baseScore + float64(len(matched)-1)*perExtraKeyword
		score += keywordLengthBonus(matched)
		if score > 1.0 {
			score = 1.0
		}

		if score > best.Confidence {
			best = Classification{
				Intent:          intent.Name,
				Confidence:      score,
				MatchedKeywords: matched,
			}
		}
	}

	if best.Intent == "" {
		return Classification{Intent: "", Confidence: 0, ShouldOrchestrate: false}
	}

	best.ShouldOrchestrate = best.Confidence >= threshold
	return best
}

// keywordLengthBonus rewards longer (more specific) keyword matches:
// min(average matched keyword length / 50, 0.10). A long phrase like
// "deploy to production" is stronger evidence of intent than "go".
func keywordLengthBonus(matched []string) float64 {
	if len(matched) == 0 {
		return 0
	}
	total := 0
	for _, kw := range matched {
		total += len(kw)
	}
	bonus := float64(total) / float64(len(matched)) / lengthBonusDivisor
	if bonus > lengthBonusCap {
		bonus = lengthBonusCap
	}
	return bonus
}

func hasDirectlyPrefix(s string) bool {
	if len(s) < len(directlyPrefix) {
		return false
	}
	return strings.EqualFold(s[:len(directlyPrefix)], directlyPrefix)
}

// StripDirectlyPrefix removes a leading "directly:" (any case) and the
// whitespace that follows it, for use once a caller has observed
// Classification.Intent == "direct".
func StripDirectlyPrefix(s string) string {
	trimmed := strings.TrimSpace(s)
	if !hasDirectlyPrefix(trimmed) {
		return s
	}
	rest := trimmed[len(directlyPrefix):]
	return strings.TrimLeftFunc(rest, unicode.IsSpace)
}
