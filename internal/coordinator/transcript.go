package coordinator

import (
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
)

// repairTranscript enforces the transcript invariants the providers
// requires before a run starts or resumes: no "tool" message whose
// ToolCallID doesn't correspond to a preceding assistant tool call
// (orphaned tool-result), and no two consecutive "assistant" messages.
// An orphaned tool result is repaired in place by dropping it (the model
// will see the gap and re-issue the call); a trailing orphan with no
// assistant turn left to follow it is structurally unrepairable and
// reported as a RoleOrderingConflictError so the caller can reset the
// session and retry once.
func repairTranscript(run *RunState) error {
	knownCallIDs := make(map[string]bool)
	msgs := run.Messages
	out := make([]providers.Message, 0, len(msgs))

	for i, m := range msgs {
		switch m.Role {
		case "assistant":
			for _, tc := range m.ToolCalls {
				knownCallIDs[tc.ID] = true
			}
			if len(out) > 0 && out[len(out)-1].Role == "assistant" {
				// Two consecutive assistant turns: merge rather than
				// error — this can happen after a steer-injected message
				// is appended out of band.
				prev := out[len(out)-1]
				prev.Content = joinNonEmpty(prev.Content, m.Content)
				prev.ToolCalls = append(prev.ToolCalls, m.ToolCalls...)
				out[len(out)-1] = prev
				continue
			}
			out = append(out, m)
		case "tool":
			if m.ToolCallID == "" || !knownCallIDs[m.ToolCallID] {
				if i == len(msgs)-1 {
					return &reliability.RoleOrderingConflictError{
						Detail: "trailing tool result with no matching assistant tool call",
					}
				}
				continue // drop the orphan; the model will re-issue the call
			}
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	run.Messages = out
	return nil
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n" + b
}
