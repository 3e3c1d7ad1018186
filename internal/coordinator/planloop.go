package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// planLoopDetector is the runaway-plan guard
// (internal/agent/loop.go's toolLoopState) into the typed, configurable
// behind maxPlanRetries: the same tool called with the
// same arguments, producing the same result, more than maxPlanRetries
// times in a row, means the plan is exhausted rather than making progress.
type planLoopDetector struct {
	maxRetries int
	lastHash   string
	repeats    int
	lastResult string
}

func newPlanLoopDetector(maxRetries int) *planLoopDetector {
	return &planLoopDetector{maxRetries: maxRetries}
}

// record computes a stable hash for (tool name, arguments) and returns it
// for use by recordResult/check.
func (d *planLoopDetector) record(tc providers.ToolCall) string {
	b, _ := json.Marshal(tc.Arguments)
	sum := sha256.Sum256(append([]byte(tc.Name+"|"), b...))
	return hex.EncodeToString(sum[:])
}

// recordResult tracks whether this call+result pair repeats the
// immediately preceding one.
func (d *planLoopDetector) recordResult(hash, result string) {
	if hash == d.lastHash && result == d.lastResult {
		d.repeats++
	} else {
		d.repeats = 0
	}
	d.lastHash = hash
	d.lastResult = result
}

// check reports whether the plan has exhausted its retry budget for the
// current (tool, args, result) triple.
func (d *planLoopDetector) check(toolName, hash string) (bool, string) {
	if d.repeats >= d.maxRetries {
		return true, fmt.Sprintf("tool %q repeated the same call and result %d times without progress", toolName, d.repeats+1)
	}
	return false, ""
}
