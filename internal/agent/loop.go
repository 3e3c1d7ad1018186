// Package agent hosts the per-agent execution loop: it owns the system
// prompt, session history, and compaction for one configured agent, and
// drives each run through the tool-call coordinator.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bootstrap"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/coordinator"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// PhaseFunc reports the run's current suspension point to the scheduler,
// which uses it to decide whether a pending steer may be injected.
type PhaseFunc func(sessionKey string, p coordinator.SuspensionPoint)

// Loop is the agent execution loop for one agent instance.
type Loop struct {
	id            string
	displayName   string
	provider      providers.Provider
	model         string
	contextWindow int
	maxIterations int
	workspace     string
	thinkingLevel string
	ownerIDs      []string

	eventPub bus.EventPublisher
	sessions store.SessionStore
	tools    *tools.Registry

	toolPolicy      *tools.PolicyEngine
	agentToolPolicy *config.ToolPolicySpec

	contextFiles  []bootstrap.ContextFile
	compactionCfg *config.CompactionConfig

	coord      *coordinator.Coordinator
	onEvent    func(event AgentEvent)
	phaseFn    PhaseFunc
	activeRuns atomic.Int32

	// Per-session compaction lock: one summarization pass per key at a time.
	compactMu sync.Map // sessionKey → *sync.Mutex
}

// AgentEvent is emitted during agent execution for WS broadcasting and
// channel streaming.
type AgentEvent struct {
	Type    string      `json:"type"` // "run.started", "run.completed", "run.failed", "chunk", "tool.call", "tool.result"
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	DisplayName   string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxIterations int
	Workspace     string
	ThinkingLevel string
	OwnerIDs      []string

	Bus      bus.EventPublisher
	Sessions store.SessionStore
	Tools    *tools.Registry

	ToolPolicy      *tools.PolicyEngine
	AgentToolPolicy *config.ToolPolicySpec

	ContextFiles  []bootstrap.ContextFile
	CompactionCfg *config.CompactionConfig

	OnEvent func(AgentEvent)
	PhaseFn PhaseFunc
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}

	return &Loop{
		id:              cfg.ID,
		displayName:     cfg.DisplayName,
		provider:        cfg.Provider,
		model:           cfg.Model,
		contextWindow:   cfg.ContextWindow,
		maxIterations:   cfg.MaxIterations,
		workspace:       cfg.Workspace,
		thinkingLevel:   cfg.ThinkingLevel,
		ownerIDs:        cfg.OwnerIDs,
		eventPub:        cfg.Bus,
		sessions:        cfg.Sessions,
		tools:           cfg.Tools,
		toolPolicy:      cfg.ToolPolicy,
		agentToolPolicy: cfg.AgentToolPolicy,
		contextFiles:    cfg.ContextFiles,
		compactionCfg:   cfg.CompactionCfg,
		coord: coordinator.New(coordinator.Config{
			MaxPlanRetries: 4,
			PerToolTimeout: 30 * time.Second,
			MaxIterations:  cfg.MaxIterations,
		}),
		onEvent: cfg.OnEvent,
		phaseFn: cfg.PhaseFn,
	}
}

// SetPhaseFunc installs the scheduler phase callback after construction
// (the scheduler is wired later than the agents).
func (l *Loop) SetPhaseFunc(fn PhaseFunc) { l.phaseFn = fn }

// RunRequest is the input for processing a message through the agent.
type RunRequest struct {
	SessionKey        string   // composite key: agent:{agentId}:{channel}:{peerKind}:{chatId}
	Message           string   // user message
	Media             []string // local file paths to images (already sanitized)
	Channel           string   // source channel
	ChatID            string   // source chat ID
	PeerKind          string   // "direct" or "group"
	RunID             string   // unique run identifier
	UserID            string   // external user ID for per-user scoping
	SenderID          string   // original individual sender ID (preserved in group chats)
	Stream            bool     // whether to stream response chunks
	ExtraSystemPrompt string   // optional: injected into system prompt
	HistoryLimit      int      // max user turns to keep in context (0=unlimited)

	// Steer delivers prompts injected by the scheduler while this run is
	// active; the coordinator absorbs them as follow-up user turns.
	Steer <-chan string
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Media      []MediaResult    `json:"media,omitempty"` // media files from tool results (MEDIA: prefix)
}

// MediaResult represents a media file produced by a tool during the agent run.
type MediaResult struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"` // send as voice message
}

// Run processes a single message through the agent loop. It blocks until
// completion and returns the final response. A compaction failure or
// role-ordering conflict resets the session (new SessionID, cleared
// transcript) and retries the prompt exactly once; a second failure
// surfaces.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	l.emit(AgentEvent{Type: protocol.AgentEventRunStarted, AgentID: l.id, RunID: req.RunID})

	ctx, span := tracing.StartRunSpan(ctx, req.SessionKey, req.RunID, l.provider.Name(), l.model)
	defer span.End()

	result, err := l.runOnce(ctx, req)
	if err != nil && sessionResetWorthy(err) {
		reason := reliability.Classify(err)
		fresh := l.sessions.Reset(req.SessionKey)
		l.broadcast(protocol.EventSessionReset, map[string]interface{}{
			"sessionKey": req.SessionKey,
			"sessionId":  fresh.SessionID,
			"reason":     string(reason),
		})
		slog.Warn("session reset, retrying prompt once",
			"session", req.SessionKey, "reason", reason, "new_session_id", fresh.SessionID)
		l.emit(AgentEvent{Type: protocol.AgentEventRunRetrying, AgentID: l.id, RunID: req.RunID})
		result, err = l.runOnce(ctx, req)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			l.sessions.Upsert(req.SessionKey, func(s *sessions.SessionData) {
				s.AbortedLastRun = true
			})
		}
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunFailed,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	if result.Usage != nil {
		tracing.RecordUsage(span, int64(result.Usage.PromptTokens), int64(result.Usage.CompletionTokens))
	}
	l.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, AgentID: l.id, RunID: req.RunID})
	return result, nil
}

func (l *Loop) runOnce(ctx context.Context, req RunRequest) (*RunResult, error) {
	entry, existed := l.sessions.Get(req.SessionKey)
	if !existed {
		entry = l.sessions.GetOrCreate(req.SessionKey)
		l.broadcast(protocol.EventSessionStart, map[string]interface{}{
			"sessionKey": req.SessionKey,
			"sessionId":  entry.SessionID,
		})
	}

	// Compact before building the prompt when the transcript is near the
	// context budget. Compaction failures surface so Run can reset.
	if err := l.maybeCompact(ctx, req.SessionKey); err != nil {
		return nil, err
	}
	entry, _ = l.sessions.Get(req.SessionKey)

	msgs := l.buildMessages(entry.Messages, entry.Summary, req)

	// Vision: attach images to the trailing user message.
	if imgs := loadImages(req.Media); len(imgs) > 0 {
		msgs[len(msgs)-1].Images = imgs
	}

	var toolDefs []providers.ToolDefinition
	if l.toolPolicy != nil {
		toolDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.provider.Name(), l.agentToolPolicy)
	} else if l.tools != nil {
		toolDefs = l.tools.Definitions()
	}

	var mediaResults []MediaResult
	var mediaMu sync.Mutex

	runState := &coordinator.RunState{
		SessionKey: req.SessionKey,
		Messages:   msgs,
		Tools:      toolDefs,
		Model:      l.model,
		Options:    l.chatOptions(),
		Steer:      req.Steer,
		ToolExec: func(ctx context.Context, tc providers.ToolCall) (string, bool) {
			toolCtx, toolSpan := tracing.StartToolSpan(ctx, tc.Name)
			defer toolSpan.End()

			toolCtx = tools.WithToolSessionKey(toolCtx, req.SessionKey)
			toolCtx = tools.WithToolChannel(toolCtx, req.Channel)
			toolCtx = tools.WithToolChatID(toolCtx, req.ChatID)
			toolCtx = tools.WithToolPeerKind(toolCtx, req.PeerKind)

			res := l.tools.Execute(toolCtx, req.SessionKey, tc.Name, tc.Arguments)
			if mr := parseMediaResult(res.ForLLM); mr != nil {
				mediaMu.Lock()
				mediaResults = append(mediaResults, *mr)
				mediaMu.Unlock()
			}
			return res.ForLLM, res.IsError
		},
	}

	before := len(runState.Messages)
	sink := &loopSink{loop: l, req: req}
	out, err := l.coord.Drive(ctx, runState, l.provider, sink)
	if err != nil {
		var blocker *reliability.BlockerDetectedError
		if errors.As(err, &blocker) {
			l.recordBlocker(req, blocker)
		}
		return nil, err
	}

	content := SanitizeAssistantContent(out.Content)

	// Persist the turn: user message, intermediate assistant/tool turns
	// the coordinator appended, and the final assistant reply.
	delta := runState.Messages[before:]
	l.sessions.Upsert(req.SessionKey, func(s *sessions.SessionData) {
		s.Messages = append(s.Messages, providers.Message{Role: "user", Content: req.Message})
		s.Messages = append(s.Messages, delta...)
		s.Messages = append(s.Messages, providers.Message{Role: "assistant", Content: content})
		s.Provider = l.provider.Name()
		s.Model = l.model
		s.Channel = req.Channel
		if req.UserID != "" {
			s.UserID = req.UserID
		}
		s.ThinkingLevel = sessions.ThinkingLevel(l.thinkingLevel)
		s.ContextWindow = l.contextWindow
		s.SystemSent = true
		s.AbortedLastRun = false
		s.Blocker = nil
		s.InputTokens += int64(out.Usage.PromptTokens)
		s.OutputTokens += int64(out.Usage.CompletionTokens)
		s.LastPromptTokens = out.Usage.PromptTokens
		s.LastMessageCount = len(s.Messages)
	})

	l.broadcast(protocol.EventAgentReply, map[string]interface{}{
		"sessionKey": req.SessionKey,
		"runId":      req.RunID,
		"input":      req.Message,
		"output":     content,
	})

	usage := out.Usage
	return &RunResult{
		Content:    content,
		RunID:      req.RunID,
		Iterations: out.Iterations,
		Usage:      &usage,
		Media:      mediaResults,
	}, nil
}

// buildMessages constructs the full message list for an LLM request:
// system prompt, summary turns, repaired history, current user message.
func (l *Loop) buildMessages(history []providers.Message, summary string, req RunRequest) []providers.Message {
	mode := PromptFull
	if sessions.IsSubagentSession(req.SessionKey) || sessions.IsCronSession(req.SessionKey) {
		mode = PromptMinimal
	}

	systemPrompt := BuildSystemPrompt(SystemPromptConfig{
		AgentID:      l.id,
		DisplayName:  l.displayName,
		Model:        l.model,
		Provider:     l.provider.Name(),
		Workspace:    l.workspace,
		Channel:      req.Channel,
		OwnerIDs:     l.ownerIDs,
		Mode:         mode,
		ToolNames:    l.tools.List(),
		ContextFiles: l.contextFiles,
		ExtraPrompt:  req.ExtraSystemPrompt,
	})

	messages := []providers.Message{{Role: "system", Content: systemPrompt}}

	if summary != "" {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: "[Previous conversation summary]\n" + summary,
		})
		messages = append(messages, providers.Message{
			Role:    "assistant",
			Content: "I understand the context from our previous conversation. How can I help you?",
		})
	}

	trimmed := limitHistoryTurns(history, req.HistoryLimit)
	messages = append(messages, sanitizeHistory(trimmed)...)

	messages = append(messages, providers.Message{Role: "user", Content: req.Message})
	return messages
}

// chatOptions returns per-call provider options derived from the agent's
// thinking level.
func (l *Loop) chatOptions() map[string]interface{} {
	if l.thinkingLevel == "" || l.thinkingLevel == "off" {
		return nil
	}
	return map[string]interface{}{"thinking_level": l.thinkingLevel}
}

// recordBlocker stores blocker info on the session and notifies observers.
func (l *Loop) recordBlocker(req RunRequest, blocker *reliability.BlockerDetectedError) {
	extracted := map[string]string{"snippet": blocker.Snippet}
	// For balance-style blockers, pull the first number out of the
	// snippet so operators see the remaining amount without reading logs.
	if blocker.Kind == reliability.BlockerInsufficientFunds {
		if amount := firstNumber(blocker.Snippet); amount != "" {
			extracted["current"] = amount
		}
	}
	l.sessions.Upsert(req.SessionKey, func(s *sessions.SessionData) {
		s.Blocker = &sessions.BlockerInfo{
			Reason:           string(blocker.Kind),
			MatchedPatterns:  []string{string(blocker.Kind)},
			ExtractedContext: extracted,
		}
	})
	l.broadcast(protocol.EventRunBlocked, map[string]interface{}{
		"sessionKey": req.SessionKey,
		"runId":      req.RunID,
		"blocker":    string(blocker.Kind),
		"snippet":    blocker.Snippet,
	})
}

// numberPattern matches a decimal amount inside a blocker snippet.
var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// firstNumber returns the first decimal number in s, or "".
func firstNumber(s string) string {
	return numberPattern.FindString(s)
}

// sessionResetWorthy reports whether err is one of the conditions that
// reset the session and retry the prompt once: compaction failure,
// role-ordering conflict, or a compaction-phase timeout.
func sessionResetWorthy(err error) bool {
	switch reliability.Classify(err) {
	case reliability.KindCompactionFailed, reliability.KindRoleOrderingConflict:
		return true
	case reliability.KindTimeout:
		var te *reliability.TimeoutError
		return errors.As(err, &te) && te.Phase == reliability.PhaseCompaction
	}
	return false
}

func (l *Loop) emit(ev AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(ev)
	}
	if l.eventPub != nil {
		l.eventPub.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
	}
}

// broadcast sends a lifecycle event to external observers.
func (l *Loop) broadcast(name string, payload interface{}) {
	if l.eventPub != nil {
		l.eventPub.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// loopSink adapts coordinator progress into agent events and scheduler
// phase updates.
type loopSink struct {
	loop *Loop
	req  RunRequest
}

func (s *loopSink) OnChunk(content string) {
	if !s.req.Stream {
		return
	}
	s.loop.emit(AgentEvent{
		Type:    protocol.ChatEventChunk,
		AgentID: s.loop.id,
		RunID:   s.req.RunID,
		Payload: map[string]string{"content": content},
	})
}

func (s *loopSink) OnThinking(thinking string) {
	if !s.req.Stream {
		return
	}
	s.loop.emit(AgentEvent{
		Type:    protocol.ChatEventThinking,
		AgentID: s.loop.id,
		RunID:   s.req.RunID,
		Payload: map[string]string{"content": thinking},
	})
}

func (s *loopSink) OnToolCall(tc providers.ToolCall) {
	s.loop.emit(AgentEvent{
		Type:    protocol.AgentEventToolCall,
		AgentID: s.loop.id,
		RunID:   s.req.RunID,
		Payload: map[string]interface{}{"tool": tc.Name, "args": tc.Arguments},
	})
}

func (s *loopSink) OnToolResult(tc providers.ToolCall, result string, isError bool) {
	s.loop.emit(AgentEvent{
		Type:    protocol.AgentEventToolResult,
		AgentID: s.loop.id,
		RunID:   s.req.RunID,
		Payload: map[string]interface{}{"tool": tc.Name, "is_error": isError},
	})
}

func (s *loopSink) OnPhase(p coordinator.SuspensionPoint) {
	if s.loop.phaseFn != nil {
		s.loop.phaseFn(s.req.SessionKey, p)
	}
}
