package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// handleBotCommand checks if the message is a known bot command and handles it.
// Returns true if the message was handled as a command.
func (c *Channel) handleBotCommand(ctx context.Context, message *telego.Message, chatID int64, chatIDStr, localKey, text, senderID string, isGroup, isForum bool, messageThreadID int) bool {
	if len(text) == 0 || text[0] != '/' {
		return false
	}

	// Extract command (strip @botname suffix if present)
	cmd := strings.SplitN(text, " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	cmd = strings.ToLower(cmd)

	chatIDObj := tu.ID(chatID)

	// Helper: set MessageThreadID on outgoing messages for forum topics.
	// General topic (1) must be omitted.
	setThread := func(msg *telego.SendMessageParams) {
		sendThreadID := resolveThreadIDForSend(messageThreadID)
		if sendThreadID > 0 {
			msg.MessageThreadID = sendThreadID
		}
	}

	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	// publishCommand forwards a command to the gateway consumer, which
	// resolves the session key and acts on the scheduler.
	publishCommand := func(name string) {
		c.Bus().PublishInbound(bus.InboundMessage{
			Channel:  c.Name(),
			SenderID: senderID,
			ChatID:   chatIDStr,
			Content:  text,
			PeerKind: peerKind,
			AgentID:  c.AgentID(),
			UserID:   strings.SplitN(senderID, "|", 2)[0],
			Metadata: map[string]string{
				"command":           name,
				"local_key":         localKey,
				"is_forum":          fmt.Sprintf("%t", isForum),
				"message_thread_id": fmt.Sprintf("%d", messageThreadID),
			},
		})
	}

	switch cmd {
	case "/start":
		// Don't intercept /start — let it pass through to agent loop.
		return false

	case "/help":
		helpText := "Available commands:\n" +
			"/start — Start chatting with the bot\n" +
			"/help — Show this help message\n" +
			"/reset — Reset conversation history\n" +
			"/stop — Stop the current task\n" +
			"/stopall — Stop all tasks for this chat\n" +
			"/status — Show bot status\n" +
			"\nJust send a message to chat with the AI."
		msg := tu.Message(chatIDObj, helpText)
		setThread(msg)
		c.bot.SendMessage(ctx, msg)
		return true

	case "/reset":
		publishCommand("reset")
		msg := tu.Message(chatIDObj, "Conversation history has been reset.")
		setThread(msg)
		c.bot.SendMessage(ctx, msg)
		return true

	case "/stop":
		publishCommand("stop")
		return true

	case "/stopall":
		publishCommand("stopall")
		return true

	case "/status":
		statusText := fmt.Sprintf("Bot status: Running\nChannel: Telegram\nBot: @%s", c.bot.Username())
		msg := tu.Message(chatIDObj, statusText)
		setThread(msg)
		c.bot.SendMessage(ctx, msg)
		return true
	}

	return false
}

// sendPairingReply tells an unknown DM sender how to get access. Sent at
// most once per sender per process lifetime.
func (c *Channel) sendPairingReply(ctx context.Context, chatID int64, userID string) {
	if _, sent := c.placeholders.Load("pairing:" + userID); sent {
		return
	}
	c.placeholders.Store("pairing:"+userID, true)

	text := fmt.Sprintf(
		"Hi! This bot is private. Ask the operator to add your Telegram ID (%s) to channels.telegram.allow_from.",
		userID,
	)
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Debug("telegram: pairing reply failed", "user_id", userID, "error", err)
	}
}

// SyncMenuCommands registers the bot's command menu with Telegram.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
}

// DefaultMenuCommands returns the standard command menu.
func DefaultMenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "help", Description: "Show available commands"},
		{Command: "reset", Description: "Reset conversation history"},
		{Command: "stop", Description: "Stop the current task"},
		{Command: "stopall", Description: "Stop all tasks for this chat"},
		{Command: "status", Description: "Show bot status"},
	}
}
