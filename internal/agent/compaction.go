package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

const compactionTimeout = 120 * time.Second

// maybeCompact summarizes the transcript when it is close to the context
// budget. Runs synchronously before the prompt is built so a fresh run
// never starts with an over-budget history. Returns a typed error
// (CompactionFailedError, TimeoutError{compaction}) the caller uses to
// decide whether to reset the session.
func (l *Loop) maybeCompact(ctx context.Context, sessionKey string) error {
	entry, ok := l.sessions.Get(sessionKey)
	if !ok {
		return nil
	}

	tokenEstimate := EstimateTokensWithCalibration(entry.Messages, entry.LastPromptTokens, entry.LastMessageCount)

	historyShare := 0.75
	if l.compactionCfg != nil && l.compactionCfg.MaxHistoryShare > 0 {
		historyShare = l.compactionCfg.MaxHistoryShare
	}
	minMessages := 50
	if l.compactionCfg != nil && l.compactionCfg.MinMessages > 0 {
		minMessages = l.compactionCfg.MinMessages
	}
	keepLast := 4
	if l.compactionCfg != nil && l.compactionCfg.KeepLastMessages > 0 {
		keepLast = l.compactionCfg.KeepLastMessages
	}

	threshold := int(float64(l.contextWindow) * historyShare)
	if len(entry.Messages) <= minMessages && tokenEstimate <= threshold {
		return nil
	}
	if len(entry.Messages) <= keepLast {
		return nil
	}

	// One compaction pass per key at a time. A concurrent pass means the
	// transcript is already shrinking; skip.
	muI, _ := l.compactMu.LoadOrStore(sessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		slog.Debug("compaction already in progress, skipping", "session", sessionKey)
		return nil
	}
	defer sessionMu.Unlock()

	if l.phaseFn != nil {
		l.phaseFn(sessionKey, "at_compaction_boundary")
	}

	sctx, cancel := context.WithTimeout(ctx, compactionTimeout)
	defer cancel()

	toSummarize := entry.Messages[:len(entry.Messages)-keepLast]
	var sb strings.Builder
	if entry.Summary != "" {
		sb.WriteString("Existing context: " + entry.Summary + "\n\n")
	}
	for _, m := range toSummarize {
		switch m.Role {
		case "user":
			fmt.Fprintf(&sb, "user: %s\n", m.Content)
		case "assistant":
			if m.Content != "" {
				fmt.Fprintf(&sb, "assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}
	}

	prompt := "Provide a concise summary of this conversation, preserving key context:\n\n" + sb.String()
	resp, err := l.provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    l.model,
		Options:  map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
	})
	if err != nil {
		if sctx.Err() == context.DeadlineExceeded {
			return &reliability.TimeoutError{Phase: reliability.PhaseCompaction, Err: err}
		}
		return &reliability.CompactionFailedError{Err: err}
	}

	// Dropping everything but the tail can strand tool results whose
	// tool_use turn was summarized away; sanitizeHistory repairs that, and
	// an unrepairable tail is a role-ordering conflict.
	tail := entry.Messages[len(entry.Messages)-keepLast:]
	repaired := sanitizeHistory(tail)
	if len(tail) > 0 && len(repaired) == 0 {
		return &reliability.RoleOrderingConflictError{
			Detail: fmt.Sprintf("compaction left no usable transcript tail for %s", sessionKey),
		}
	}

	snapshot := l.sessions.Upsert(sessionKey, func(s *sessions.SessionData) {
		s.Summary = SanitizeAssistantContent(resp.Content)
		s.Messages = append([]providers.Message{}, repaired...)
		s.CompactionCount++
	})

	l.broadcast(protocol.EventSessionCompacted, map[string]interface{}{
		"sessionKey": sessionKey,
		"count":      snapshot.CompactionCount,
	})
	slog.Info("session compacted",
		"session", sessionKey,
		"count", snapshot.CompactionCount,
		"kept_messages", len(repaired),
	)
	return nil
}

// limitHistoryTurns keeps only the last N user turns (and their
// associated assistant/tool messages) from history. A "turn" is one user
// message plus all subsequent non-user messages until the next user
// message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}

	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing in session history.
//
// Problems this fixes:
//   - Orphaned tool messages at start of history (after truncation)
//   - tool_result without matching tool_use in preceding assistant message
//   - assistant with tool_calls but missing tool_results
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	// 1. Skip leading orphaned tool messages (no preceding assistant with tool_calls).
	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}

	if start >= len(msgs) {
		return nil
	}

	// 2. Walk through messages ensuring tool_result follows matching tool_use.
	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expectedIDs := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expectedIDs[tc.ID] = true
			}

			result = append(result, msg)

			// Collect matching tool results that follow
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expectedIDs[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expectedIDs, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result",
						"tool_call_id", toolMsg.ToolCallID)
				}
			}

			// Synthesize missing tool results
			for id := range expectedIDs {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — session was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history",
				"tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}

	return result
}
