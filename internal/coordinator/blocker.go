package coordinator

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/reliability"
)

// blockerPattern pairs a detection regex with the BlockerKind it signals.
// Modeled on internal/agent/sanitize.go's line-scanning strip* helpers:
// cheap, case-insensitive substring/regex matches over the raw text
// rather than a full NLP classifier — a blocker is a condition the run
// cannot resolve by retrying, so false negatives are cheap and false
// positives are not.
type blockerPattern struct {
	kind reliability.BlockerKind
	re   *regexp.Regexp
}

var blockerPatterns = []blockerPattern{
	{reliability.BlockerInsufficientFunds, regexp.MustCompile(`(?i)insufficient\s+(funds|balance|credit)|billing\s+hard\s+limit|account\s+balance\s+is\s+too\s+low`)},
	{reliability.BlockerRateLimit, regexp.MustCompile(`(?i)rate\s*limit(ed)?|too\s+many\s+requests|quota\s+exceeded`)},
	{reliability.BlockerAPIKeyError, regexp.MustCompile(`(?i)invalid\s+api\s+key|api\s+key\s+(not\s+found|is\s+missing|expired)|authentication\s+failed`)},
	{reliability.BlockerPermissionDenied, regexp.MustCompile(`(?i)permission\s+denied|access\s+denied|not\s+authorized\s+to`)},
	{reliability.BlockerConnectionError, regexp.MustCompile(`(?i)connection\s+(refused|reset|timed?\s*out)|network\s+is\s+unreachable|dial\s+tcp.*(timeout|refused)`)},
}

// detectBlocker scans text for a known blocker pattern, returning the
// matched kind and a short snippet of surrounding context for the first
// hit, or "" if none match.
func detectBlocker(text string) (reliability.BlockerKind, string) {
	if text == "" {
		return "", ""
	}
	for _, p := range blockerPatterns {
		if loc := p.re.FindStringIndex(text); loc != nil {
			return p.kind, snippetAround(text, loc[0], loc[1])
		}
	}
	return "", ""
}

// snippetAround returns up to ~80 characters of context centered on
// [start,end) in text, for error messages/logs.
func snippetAround(text string, start, end int) string {
	const pad = 40
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(text) {
		hi = len(text)
	}
	s := strings.TrimSpace(text[lo:hi])
	if lo > 0 {
		s = "…" + s
	}
	if hi < len(text) {
		s = s + "…"
	}
	return s
}
