package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
	"github.com/nextlevelbuilder/goclaw/internal/router"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// toSchedulerRequest packs an agent.RunRequest into the scheduler's own,
// agent-ignorant RunRequest shape. Config carries the full
// agent.RunRequest through untouched; makeSchedulerRunFunc unpacks it on
// the other side. This is the one conversion boundary between the
// scheduler kernel and the concrete agent runtime it drives.
func toSchedulerRequest(req agent.RunRequest) scheduler.RunRequest {
	return scheduler.RunRequest{
		SessionKey: req.SessionKey,
		Prompt:     req.Message,
		RunID:      req.RunID,
		Config:     req,
	}
}

// fromSchedulerOutcome unpacks the agent.RunResult that makeSchedulerRunFunc
// stashed in Outcome.Result.Output, or synthesizes a minimal one from the
// scheduler's own Content/RunID fields if Output wasn't set.
func fromSchedulerOutcome(o scheduler.Outcome) (*agent.RunResult, error) {
	if o.Err != nil {
		return nil, o.Err
	}
	if o.Result == nil {
		return nil, nil
	}
	if ar, ok := o.Result.Output.(*agent.RunResult); ok && ar != nil {
		return ar, nil
	}
	return &agent.RunResult{Content: o.Result.Content, RunID: o.Result.RunID}, nil
}

// makeSchedulerRunFunc creates the RunFunc for the scheduler.
// It extracts the agentID from the session key and routes to the correct agent loop.
func makeSchedulerRunFunc(agents *agent.Router, cfg *config.Config) scheduler.RunFunc {
	return func(ctx context.Context, req scheduler.RunRequest) (*scheduler.RunResult, error) {
		agentReq, ok := req.Config.(agent.RunRequest)
		if !ok {
			return nil, fmt.Errorf("scheduler: run request for session %q was not built via toSchedulerRequest", req.SessionKey)
		}
		// The scheduler attaches the steer inbox after toSchedulerRequest
		// packed the request; hand it through to the loop.
		agentReq.Steer = req.Steer

		// Extract agentID from session key (format: agent:{agentId}:{rest})
		agentID := cfg.ResolveDefaultAgentID()
		if parts := strings.SplitN(agentReq.SessionKey, ":", 3); len(parts) >= 2 && parts[0] == "agent" {
			agentID = parts[1]
		}

		loop, err := agents.Get(agentID)
		if err != nil {
			return nil, fmt.Errorf("agent %s not found: %w", agentID, err)
		}
		result, err := loop.Run(ctx, agentReq)
		if err != nil {
			return nil, err
		}
		return &scheduler.RunResult{Content: result.Content, RunID: result.RunID, Output: result}, nil
	}
}

// consumeInboundMessages reads inbound messages from channels (Telegram,
// Discord, WS clients) and routes them through the intent router and
// scheduler, then publishes the response back to the origin channel.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, agents *agent.Router, cfg *config.Config, sched *scheduler.Scheduler, channelMgr *channels.Manager, sessStore store.SessionStore) {
	slog.Info("inbound message consumer started")

	// Inbound message deduplication: webhook retries / double-taps must
	// not duplicate agent runs.
	dedupe := bus.NewDedupeCache(20*time.Minute, 5000)

	// processNormalMessage handles routing, scheduling, and response delivery for a single
	// (possibly merged) inbound message. Called directly by the debouncer's flush callback.
	processNormalMessage := func(msg bus.InboundMessage) {
		agentID := msg.AgentID
		if agentID == "" {
			agentID = resolveAgentRoute(cfg, msg.Channel, msg.ChatID, msg.PeerKind)
		}
		if _, err := agents.Get(agentID); err != nil {
			slog.Warn("inbound: agent not found", "agent", agentID, "channel", msg.Channel)
			return
		}

		peerKind := msg.PeerKind
		if peerKind == "" {
			peerKind = string(sessions.PeerDirect)
		}
		sessionKey := sessions.BuildScopedSessionKey(agentID, msg.Channel, sessions.PeerKind(peerKind), msg.ChatID, cfg.Sessions.Scope, cfg.Sessions.DmScope, cfg.Sessions.MainKey)

		// Forum topic: isolate per-topic history.
		if msg.Metadata["is_forum"] == "true" && peerKind == string(sessions.PeerGroup) {
			var topicID int
			fmt.Sscanf(msg.Metadata["message_thread_id"], "%d", &topicID)
			if topicID > 0 {
				sessionKey = sessions.BuildGroupTopicSessionKey(agentID, msg.Channel, msg.ChatID, topicID)
			}
		}

		// Group-scoped UserID: treat the group as a single "virtual user"
		// for context files and seeding. Individual senderID is preserved
		// in the InboundMessage for dedup and the mention gate.
		userID := msg.UserID
		if peerKind == string(sessions.PeerGroup) && msg.ChatID != "" {
			groupID := msg.ChatID
			if guildID := msg.Metadata["guild_id"]; guildID != "" {
				groupID = guildID
			}
			userID = fmt.Sprintf("group:%s:%s", msg.Channel, groupID)
		}

		slog.Info("inbound: scheduling message (main lane)",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"peer_kind", peerKind,
			"agent", agentID,
			"session", sessionKey,
		)

		// Streaming when the channel supports it; groups stay
		// non-streaming (concurrent runs would interleave chunks).
		enableStream := channelMgr != nil && channelMgr.IsStreamingChannel(msg.Channel)
		if peerKind == string(sessions.PeerGroup) {
			enableStream = false
		}

		// Group chats allow a few concurrent runs across distinct sessions.
		maxConcurrent := 1
		if peerKind == string(sessions.PeerGroup) {
			maxConcurrent = 3
		}

		runID := fmt.Sprintf("inbound-%s-%s-%s", msg.Channel, msg.ChatID, uuid.NewString()[:8])

		// Register run with channel manager for streaming/typing event forwarding.
		messageID := 0
		if mid := msg.Metadata["message_id"]; mid != "" {
			fmt.Sscanf(mid, "%d", &messageID)
		}
		chatIDForRun := msg.ChatID
		if lk := msg.Metadata["local_key"]; lk != "" {
			chatIDForRun = lk
		}
		if channelMgr != nil {
			channelMgr.RegisterRun(runID, msg.Channel, chatIDForRun, messageID)
		}

		// Group-aware system prompt addition.
		var extraPrompt string
		if peerKind == string(sessions.PeerGroup) {
			extraPrompt = "You are in a GROUP chat (multiple participants), not a private 1-on-1 DM.\n" +
				"- Messages may include a [Chat messages since your last reply] section with recent group history. Each history line shows \"sender [time]: message\".\n" +
				"- The current message includes a [From: sender_name] tag identifying who @mentioned you.\n" +
				"- Keep responses concise and focused; long replies are disruptive in groups.\n" +
				"- Address the group naturally. If the history shows a multi-person conversation, consider the full context before answering."
		}

		// Intent classification & routing: a pre-scheduler step that may
		// steer this message to a different primary agent (blocking
		// delegation) or fan out an extra background run. ORCHESTRATION=false
		// disables this entirely.
		content := msg.Content
		if cfg.Orchestration.Enabled {
			classification := router.Classify(msg.Content, cfg.Router.ToClassifierConfig(cfg.Orchestration))
			if classification.Intent == "direct" {
				content = router.StripDirectlyPrefix(msg.Content)
			}
			decision := router.Route(classification, msg.Content, cfg.Router.ToRouterConfig())
			slog.Info("inbound: intent classified",
				"channel", msg.Channel,
				"intent", classification.Intent,
				"confidence", classification.Confidence,
				"should_delegate", decision.ShouldDelegate,
			)

			switch {
			case decision.ShouldDelegate && decision.DelegationType == string(router.ModeBlocking):
				if _, err := agents.Get(decision.PrimaryAgent); err == nil {
					agentID = decision.PrimaryAgent
					content = decision.PrimaryPrompt
					sessionKey = sessions.BuildScopedSessionKey(agentID, msg.Channel, sessions.PeerKind(peerKind), msg.ChatID, cfg.Sessions.Scope, cfg.Sessions.DmScope, cfg.Sessions.MainKey)
				} else {
					slog.Warn("router: blocking delegate agent not found, staying on original agent", "agent", decision.PrimaryAgent)
				}
			case decision.ShouldDelegate && decision.DelegationType == string(router.ModeBackground):
				dispatchBackgroundDelegate(ctx, sched, msgBus, agents, decision.BackgroundAgent, decision.BackgroundPrompt, msg)
			}
		}

		outCh := sched.ScheduleWithOpts(ctx, scheduler.LaneMain, toSchedulerRequest(agent.RunRequest{
			SessionKey:        sessionKey,
			Message:           content,
			Media:             msg.Media,
			Channel:           msg.Channel,
			ChatID:            msg.ChatID,
			PeerKind:          peerKind,
			UserID:            userID,
			SenderID:          msg.SenderID,
			RunID:             runID,
			Stream:            enableStream,
			HistoryLimit:      msg.HistoryLimit,
			ExtraSystemPrompt: extraPrompt,
		}), scheduler.ScheduleOpts{
			MaxConcurrent: maxConcurrent,
		})

		// Outbound metadata for reply-to + thread routing.
		outMeta := make(map[string]string)
		if mid := msg.Metadata["message_id"]; mid != "" {
			outMeta["reply_to_message_id"] = mid
		}
		for _, k := range []string{"message_thread_id", "local_key", "placeholder_key"} {
			if v := msg.Metadata[k]; v != "" {
				outMeta[k] = v
			}
		}

		// Handle result asynchronously to not block the flush callback.
		go func(channel, chatID, session, rID string, meta map[string]string) {
			outcome := <-outCh

			if channelMgr != nil {
				channelMgr.UnregisterRun(rID)
			}

			result, err := fromSchedulerOutcome(outcome)
			if err != nil {
				// Cancelled runs (/stop) publish an empty outbound to clean
				// up typing/placeholder indicators, no error text.
				if errors.Is(err, context.Canceled) {
					slog.Info("inbound: run cancelled", "channel", channel, "session", session)
					msgBus.PublishOutbound(bus.OutboundMessage{
						Channel:  channel,
						ChatID:   chatID,
						Content:  "",
						Metadata: meta,
					})
					return
				}
				slog.Error("inbound: agent run failed", "error", err, "channel", channel)
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel:  channel,
					ChatID:   chatID,
					Content:  formatAgentError(err),
					Metadata: meta,
				})
				return
			}

			// Suppress empty/NO_REPLY responses; still publish an empty
			// outbound so channels can clean up placeholders.
			if result == nil || result.Content == "" || agent.IsSilentReply(result.Content) {
				slog.Info("inbound: suppressed silent/empty reply",
					"channel", channel,
					"chat_id", chatID,
					"session", session,
				)
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel:  channel,
					ChatID:   chatID,
					Content:  "",
					Metadata: meta,
				})
				return
			}

			outMsg := bus.OutboundMessage{
				Channel:  channel,
				ChatID:   chatID,
				Content:  result.Content,
				Metadata: meta,
			}
			for _, mr := range result.Media {
				outMsg.Media = append(outMsg.Media, bus.MediaAttachment{
					URL:         mr.Path,
					ContentType: mr.ContentType,
				})
				if mr.AsVoice {
					if outMsg.Metadata == nil {
						outMsg.Metadata = make(map[string]string)
					}
					outMsg.Metadata["audio_as_voice"] = "true"
				}
			}

			msgBus.PublishOutbound(outMsg)
		}(msg.Channel, msg.ChatID, sessionKey, runID, outMeta)
	}

	// Inbound debounce: merge rapid messages from the same sender before processing.
	debounceMs := cfg.Gateway.InboundDebounceMs
	if debounceMs == 0 {
		debounceMs = 1000
	}
	debouncer := bus.NewInboundDebouncer(
		time.Duration(debounceMs)*time.Millisecond,
		processNormalMessage,
	)
	defer debouncer.Stop()

	slog.Info("inbound debounce configured", "debounce_ms", debounceMs)

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		// Dedup: skip duplicate inbound messages.
		if msgID := msg.Metadata["message_id"]; msgID != "" {
			dedupeKey := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msgID)
			if dedupe.IsDuplicate(dedupeKey) {
				slog.Debug("dedup: skipping duplicate message", "key", dedupeKey)
				continue
			}
		}

		// Commands act on the scheduler/store directly, bypassing the debouncer.
		if cmd := msg.Metadata["command"]; cmd == "stop" || cmd == "stopall" || cmd == "reset" {
			handleSessionCommand(cmd, msg, cfg, sched, msgBus, sessStore)
			continue
		}

		debouncer.Push(msg)
	}
}

// handleSessionCommand handles /stop, /stopall, and /reset.
func handleSessionCommand(cmd string, msg bus.InboundMessage, cfg *config.Config, sched *scheduler.Scheduler, msgBus *bus.MessageBus, sessStore store.SessionStore) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = resolveAgentRoute(cfg, msg.Channel, msg.ChatID, msg.PeerKind)
	}
	peerKind := msg.PeerKind
	if peerKind == "" {
		peerKind = string(sessions.PeerDirect)
	}
	sessionKey := sessions.BuildScopedSessionKey(agentID, msg.Channel, sessions.PeerKind(peerKind), msg.ChatID, cfg.Sessions.Scope, cfg.Sessions.DmScope, cfg.Sessions.MainKey)
	if msg.Metadata["is_forum"] == "true" && peerKind == string(sessions.PeerGroup) {
		var topicID int
		fmt.Sscanf(msg.Metadata["message_thread_id"], "%d", &topicID)
		if topicID > 0 {
			sessionKey = sessions.BuildGroupTopicSessionKey(agentID, msg.Channel, msg.ChatID, topicID)
		}
	}

	switch cmd {
	case "reset":
		// Cancel whatever is in flight, then reset the entry: new
		// SessionID, empty transcript. The channel already confirmed to
		// the user.
		sched.CancelSession(sessionKey)
		fresh := sessStore.Reset(sessionKey)
		slog.Info("inbound: /reset command", "session", sessionKey, "new_session_id", fresh.SessionID)
		return

	case "stop", "stopall":
		var cancelled bool
		if cmd == "stopall" {
			cancelled = sched.CancelSession(sessionKey)
			slog.Info("inbound: /stopall command", "session", sessionKey, "cancelled", cancelled)
		} else {
			cancelled = sched.CancelOneSession(sessionKey)
			slog.Info("inbound: /stop command", "session", sessionKey, "cancelled", cancelled)
		}

		var feedback string
		switch {
		case cancelled && cmd == "stopall":
			feedback = "All tasks stopped."
		case cancelled:
			feedback = "Task stopped."
		case cmd == "stopall":
			feedback = "No active tasks to stop."
		default:
			feedback = "No active task to stop."
		}
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  feedback,
			Metadata: msg.Metadata,
		})
	}
}

// dispatchBackgroundDelegate schedules a background run on the delegate
// lane. The reply is delivered to the origin chat when it completes; the
// main-lane run proceeds independently.
func dispatchBackgroundDelegate(ctx context.Context, sched *scheduler.Scheduler, msgBus *bus.MessageBus, agents *agent.Router, agentID, prompt string, origin bus.InboundMessage) {
	if agentID == "" || prompt == "" {
		return
	}
	if _, err := agents.Get(agentID); err != nil {
		slog.Warn("router: background delegate agent not found", "agent", agentID)
		return
	}

	sessionKey := sessions.BuildSubagentSessionKey(agentID, fmt.Sprintf("bg-%s", uuid.NewString()[:8]))
	outCh := sched.Schedule(ctx, scheduler.LaneDelegate, toSchedulerRequest(agent.RunRequest{
		SessionKey: sessionKey,
		Message:    prompt,
		Channel:    origin.Channel,
		ChatID:     origin.ChatID,
		PeerKind:   origin.PeerKind,
		UserID:     origin.UserID,
		RunID:      fmt.Sprintf("delegate-%s", uuid.NewString()[:8]),
	}))

	go func() {
		result, err := fromSchedulerOutcome(<-outCh)
		if err != nil {
			slog.Warn("background delegate run failed", "agent", agentID, "error", err)
			return
		}
		if result == nil || result.Content == "" || agent.IsSilentReply(result.Content) {
			return
		}
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: origin.Channel,
			ChatID:  origin.ChatID,
			Content: result.Content,
		})
	}()
}

// formatAgentError maps a classified error to the single user-visible
// error payload of a failed run, including the retry-after hint when
// available. Partial output already streamed is never retracted.
func formatAgentError(err error) string {
	kind := reliability.Classify(err)
	switch kind {
	case reliability.KindRateLimited:
		var rl *reliability.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfterMs > 0 {
			return fmt.Sprintf("The AI provider is rate limiting requests. Try again in about %d seconds.", (rl.RetryAfterMs+999)/1000)
		}
		return "The AI provider is rate limiting requests. Try again shortly."
	case reliability.KindTimeout:
		return "The request timed out. Try again, or simplify the request."
	case reliability.KindBlockerDetected:
		return "The run was blocked and needs operator attention: " + err.Error()
	case reliability.KindUnauthorized:
		return "Authentication with the AI provider failed. Check the configured API key."
	case reliability.KindConfigInvalid:
		return "Configuration error: " + err.Error()
	case reliability.KindTransientNetwork:
		return "A network error interrupted the request. Try again."
	default:
		return "Agent run failed: " + err.Error()
	}
}

// resolveAgentRoute determines which agent should handle a message
// based on config bindings. Priority: peer → channel → default.
func resolveAgentRoute(cfg *config.Config, channel, chatID, peerKind string) string {
	for _, binding := range cfg.Bindings {
		match := binding.Match
		if match.Channel != channel {
			continue
		}

		// Peer-level match (most specific)
		if match.Peer != nil {
			if match.Peer.Kind == peerKind && match.Peer.ID == chatID {
				return config.NormalizeAgentID(binding.AgentID)
			}
			continue // has peer constraint but doesn't match — skip
		}

		// Channel-level match (least specific, no peer constraint)
		return config.NormalizeAgentID(binding.AgentID)
	}

	return cfg.ResolveDefaultAgentID()
}
