// Package coordinator implements the tool-call coordinator: the part of
// an agent run that drives repeated LLM calls and tool dispatch, enforces
// the transcript invariants (no orphaned tool results, no two consecutive
// assistant turns), detects blockers the model can't resolve on its own,
// and bounds runaway plans with maxPlanRetries.
//
// It generalizes internal/agent/loop.go's iteration loop and the
// line-scanning style of internal/agent/sanitize.go's strip* helpers into
// a reusable driver that doesn't know about sessions, channels, or
// providers beyond the providers.Provider interface.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
)

// ToolExecutor runs one tool call and returns its content for the LLM plus
// whether it was an error result.
type ToolExecutor func(ctx context.Context, tc providers.ToolCall) (content string, isError bool)

// RunState is the mutable transcript and configuration for one Drive call.
type RunState struct {
	SessionKey string
	Messages   []providers.Message
	Tools      []providers.ToolDefinition
	Model      string
	Options    map[string]interface{}
	ToolExec   ToolExecutor

	// Steer delivers prompts injected into this run while it is active
	// (queue mode "steer"). Drive drains it at suspension points and
	// appends each prompt as a follow-up user turn — the run absorbs the
	// message instead of a new run being created.
	Steer <-chan string
}

// OutputSink receives incremental output as Drive makes progress, mirroring
// the AgentEvent stream internal/agent/loop.go emits today.
type OutputSink interface {
	OnChunk(content string)
	OnThinking(thinking string)
	OnToolCall(tc providers.ToolCall)
	OnToolResult(tc providers.ToolCall, result string, isError bool)
	// OnPhase reports a SuspensionPoint transition so the scheduler can
	// decide whether a pending steer request may be injected right now
	// (forbidden during compaction).
	OnPhase(p SuspensionPoint)
}

// SuspensionPoint names the points in a run where it is safe to consider
// external interruption (cancel, steer).
type SuspensionPoint string

const (
	SuspendBetweenChunks       SuspensionPoint = "between_chunks"
	SuspendBeforeToolDispatch  SuspensionPoint = "before_tool_dispatch"
	SuspendBetweenExecAndResume SuspensionPoint = "between_exec_and_resume"
	SuspendAtCompactionBoundary SuspensionPoint = "at_compaction_boundary"
)

// Config configures one Coordinator.
type Config struct {
	MaxPlanRetries int           // consecutive identical tool cycles before plan_exhausted (default 4)
	PerToolTimeout time.Duration // 0 = no per-tool timeout
	MaxIterations  int           // hard ceiling on LLM round-trips, default 25
}

// DefaultConfig returns the stock coordinator settings.
func DefaultConfig() Config {
	return Config{MaxPlanRetries: 4, PerToolTimeout: 0, MaxIterations: 25}
}

// Outcome is the result of a completed Drive call.
type Outcome struct {
	Content    string
	Iterations int
	Usage      providers.Usage
}

// Coordinator drives one agent run's LLM/tool iteration loop.
type Coordinator struct {
	cfg Config
}

// New builds a Coordinator from cfg, filling in defaults for zero fields.
func New(cfg Config) *Coordinator {
	if cfg.MaxPlanRetries <= 0 {
		cfg.MaxPlanRetries = 4
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 25
	}
	return &Coordinator{cfg: cfg}
}

// Drive runs run to completion against client, emitting progress to sink.
// It returns a *reliability.RoleOrderingConflictError if the transcript
// cannot be repaired, a *reliability.BlockerDetectedError if a blocker
// pattern is found in model or tool output, and a plan_exhausted
// reliability.Kind-classified error if maxPlanRetries is exceeded without
// progress.
func (c *Coordinator) Drive(ctx context.Context, run *RunState, client providers.Provider, sink OutputSink) (*Outcome, error) {
	if err := repairTranscript(run); err != nil {
		return nil, err
	}

	detector := newPlanLoopDetector(c.cfg.MaxPlanRetries)
	var totalUsage providers.Usage
	var finalContent string
	iteration := 0

	for iteration < c.cfg.MaxIterations {
		iteration++

		// Absorb any steered prompts that arrived since the last call.
		drainSteer(run)

		req := providers.ChatRequest{
			Messages: run.Messages,
			Tools:    run.Tools,
			Model:    run.Model,
			Options:  run.Options,
		}

		resp, err := client.Chat(ctx, req)
		if err != nil {
			if kind, snippet := detectBlocker(err.Error()); kind != "" {
				return nil, &reliability.BlockerDetectedError{Kind: kind, Snippet: snippet}
			}
			return nil, fmt.Errorf("coordinator: LLM call failed (iteration %d): %w", iteration, err)
		}
		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if kind, snippet := detectBlocker(resp.Content); kind != "" {
			return nil, &reliability.BlockerDetectedError{Kind: kind, Snippet: snippet}
		}

		sink.OnPhase(SuspendBetweenChunks)
		if resp.Content != "" {
			sink.OnChunk(resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			// A steer that landed while the model was replying extends the
			// conversation: record the reply as an assistant turn, append
			// the steered user turn(s), and go around again.
			if resp.Content != "" && drainSteerPending(run) {
				run.Messages = append(run.Messages, providers.Message{
					Role:                "assistant",
					Content:             resp.Content,
					RawAssistantContent: resp.RawAssistantContent,
				})
				drainSteer(run)
				continue
			}
			finalContent = resp.Content
			break
		}

		run.Messages = append(run.Messages, providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		})

		sink.OnPhase(SuspendBeforeToolDispatch)

		for _, tc := range resp.ToolCalls {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			sink.OnToolCall(tc)

			hash := detector.record(tc)
			result, isError := c.execTool(ctx, run, tc)
			detector.recordResult(hash, result)

			sink.OnToolResult(tc, result, isError)

			run.Messages = append(run.Messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})

			if exhausted, msg := detector.check(tc.Name, hash); exhausted {
				slog.Warn("coordinator: plan exhausted", "tool", tc.Name, "message", msg)
				return nil, planExhaustedError(msg)
			}
		}

		sink.OnPhase(SuspendBetweenExecAndResume)
	}

	if iteration >= c.cfg.MaxIterations && finalContent == "" {
		return nil, &reliability.InsufficientContextError{}
	}

	return &Outcome{Content: finalContent, Iterations: iteration, Usage: totalUsage}, nil
}

// drainSteerPending reports whether a steered prompt is waiting, without
// consuming it.
func drainSteerPending(run *RunState) bool {
	if run.Steer == nil {
		return false
	}
	return len(run.Steer) > 0
}

// drainSteer moves every pending steered prompt into the transcript as a
// user turn. Non-blocking: an empty channel means nothing was steered.
func drainSteer(run *RunState) {
	if run.Steer == nil {
		return
	}
	for {
		select {
		case text := <-run.Steer:
			slog.Info("coordinator: steered prompt absorbed",
				"session", run.SessionKey, "chars", len(text))
			run.Messages = append(run.Messages, providers.Message{Role: "user", Content: text})
		default:
			return
		}
	}
}

// execTool runs run.ToolExec with an optional per-tool timeout.
func (c *Coordinator) execTool(ctx context.Context, run *RunState, tc providers.ToolCall) (string, bool) {
	if run.ToolExec == nil {
		return "", false
	}
	if c.cfg.PerToolTimeout <= 0 {
		return run.ToolExec(ctx, tc)
	}
	toolCtx, cancel := context.WithTimeout(ctx, c.cfg.PerToolTimeout)
	defer cancel()
	return run.ToolExec(toolCtx, tc)
}

// planExhaustedErr is classified by reliability.Classify as KindFatal: a
// plan that can't make progress after MaxPlanRetries identical attempts
// needs a human, not another retry.
type planExhaustedErr struct{ msg string }

func (e *planExhaustedErr) Error() string { return "plan_exhausted: " + e.msg }

func planExhaustedError(msg string) error { return &planExhaustedErr{msg: msg} }
