// Package telegram connects the gateway to the Telegram Bot API. Updates
// arrive over long polling and are routed through the generic monitor
// loop, which handles dedup, cursor persistence, and strict per-chat
// serial dispatch before handleMessage runs.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/monitor"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	guard          *channels.SendGuard
	placeholders   sync.Map // localKey string → messageID int
	typingCtrls    sync.Map // localKey string → *typing.Controller
	threadIDs      sync.Map // localKey string → messageThreadID int (forum topic routing)
	groupHistory   *channels.PendingHistory
	historyLimit   int
	requireMention bool

	loop       *monitor.Loop
	updates    <-chan telego.Update
	pollCancel context.CancelFunc
}

// New creates a new Telegram channel from config. guard is optional
// (nil = unpaced sends).
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, guard *channels.SendGuard) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	base := channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom)
	base.ValidatePolicy(cfg.DMPolicy, cfg.GroupPolicy)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:    base,
		bot:            bot,
		config:         cfg,
		guard:          guard,
		groupHistory:   channels.NewPendingHistory(),
		historyLimit:   historyLimit,
		requireMention: requireMention,
	}, nil
}

// Start begins long polling and runs the monitor loop over the update
// stream. The loop owns dedup and per-chat serial dispatch; by the time
// dispatch fires, an update is seen at most once and in chat order.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"edited_message",
			"my_chat_member",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	c.updates = updates

	c.loop = monitor.NewLoop(
		&updateAdapter{ch: c},
		func(dctx context.Context, ev monitor.Event) error {
			var update telego.Update
			if err := json.Unmarshal(ev.Opaque, &update); err != nil {
				return fmt.Errorf("decode buffered update: %w", err)
			}
			c.handleMessage(dctx, update)
			return nil
		},
		monitor.DefaultConfig(),
		// Telegram's server tracks the getUpdates offset, but the dedup
		// set still persists so a crash between offset ack and dispatch
		// doesn't double-handle redelivered updates.
		monitor.NewFileStateStore(syncStatePath()),
	)

	go func() {
		if err := c.loop.Start(pollCtx); err != nil && pollCtx.Err() == nil {
			slog.Error("telegram monitor loop exited", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	// Register bot menu commands with retry.
	go func() {
		commands := DefaultMenuCommands()
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.SyncMenuCommands(pollCtx, commands); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				if attempt < 3 {
					select {
					case <-pollCtx.Done():
						return
					case <-time.After(time.Duration(attempt*5) * time.Second):
					}
				}
			} else {
				slog.Info("telegram menu commands synced")
				return
			}
		}
	}()

	return nil
}

// Stop shuts down the bot: cancel long polling, then drain the monitor
// loop so in-flight per-chat dispatches finish.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.loop != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.loop.Stop(drainCtx); err != nil {
			slog.Warn("telegram monitor loop stop", "error", err)
		}
	}

	slog.Info("telegram bot stopped")
	return nil
}

// updateAdapter bridges the telego update stream into the monitor's
// Adapter interface. Telegram long polling already acks the offset
// server-side, so PreProcess and Decrypt are pass-throughs.
type updateAdapter struct {
	ch *Channel
}

// PollOrStream collects one batch from the update stream: it blocks for
// the first update, then drains whatever else is immediately pending.
func (a *updateAdapter) PollOrStream(ctx context.Context) (monitor.Batch, error) {
	var batch monitor.Batch

	select {
	case <-ctx.Done():
		return batch, ctx.Err()
	case update, ok := <-a.ch.updates:
		if !ok {
			return batch, fmt.Errorf("telegram: update stream closed")
		}
		if ev, ok := encodeUpdate(update); ok {
			batch.Events = append(batch.Events, ev)
		}
	}

	for {
		select {
		case update, ok := <-a.ch.updates:
			if !ok {
				return batch, nil
			}
			if ev, ok := encodeUpdate(update); ok {
				batch.Events = append(batch.Events, ev)
			}
		default:
			return batch, nil
		}
	}
}

func (a *updateAdapter) PreProcess(ctx context.Context, opaque []byte) error { return nil }

func (a *updateAdapter) Decrypt(ctx context.Context, ev monitor.Event) (monitor.Event, error) {
	return ev, nil
}

func (a *updateAdapter) Reauth(ctx context.Context) error { return nil }

// encodeUpdate turns a telego update into a monitor event keyed for
// dedup and per-chat ordering. Non-message updates are skipped.
func encodeUpdate(update telego.Update) (monitor.Event, bool) {
	if update.Message == nil {
		updateType := "unknown"
		switch {
		case update.EditedMessage != nil:
			updateType = "edited_message"
		case update.ChannelPost != nil:
			updateType = "channel_post"
		case update.MyChatMember != nil:
			updateType = "my_chat_member"
		}
		slog.Debug("telegram update skipped (no message)", "type", updateType, "update_id", update.UpdateID)
		return monitor.Event{}, false
	}

	raw, err := json.Marshal(update)
	if err != nil {
		slog.Warn("telegram: failed to buffer update", "update_id", update.UpdateID, "error", err)
		return monitor.Event{}, false
	}
	return monitor.Event{
		ID:       fmt.Sprintf("%d:%d", update.Message.Chat.ID, update.UpdateID),
		RoomID:   fmt.Sprintf("%d", update.Message.Chat.ID),
		Opaque:   raw,
		Received: time.Now(),
	}, true
}

// syncStatePath returns where the monitor's persisted sync state lives.
func syncStatePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "goclaw", "telegram-sync.json")
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// parseRawChatID extracts the numeric chat ID from a potentially composite localKey.
// "-12345" → -12345, "-12345:topic:99" → -12345
func parseRawChatID(key string) (int64, error) {
	raw := key
	if idx := strings.Index(key, ":topic:"); idx > 0 {
		raw = key[:idx]
	}
	return parseChatID(raw)
}

// telegramGeneralTopicID is the fixed topic ID for the "General" topic in forum supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend returns the thread ID for Telegram send/edit API calls.
// General topic (1) must be omitted — Telegram rejects it with "thread not found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
