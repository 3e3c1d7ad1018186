package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels/typing"
)

// telegramMaxMessageChars is the Bot API limit per message.
const telegramMaxMessageChars = 4096

// Send delivers an outbound message: cleans up the thinking placeholder
// and typing indicator, then sends text (split to the API limit) and any
// media attachments. Sends go through the SendGuard when configured.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	localKey := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		localKey = lk
	}

	chatID, err := parseRawChatID(localKey)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChatID, err)
	}
	chatIDObj := tu.ID(chatID)

	// Stop the typing indicator for this chat/topic.
	if ctrl, ok := c.typingCtrls.LoadAndDelete(localKey); ok {
		ctrl.(*typing.Controller).Stop()
	}

	// Delete the thinking placeholder, if one was sent.
	if pid, ok := c.placeholders.LoadAndDelete(localKey); ok {
		if messageID, ok := pid.(int); ok {
			if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
				ChatID:    chatIDObj,
				MessageID: messageID,
			}); err != nil {
				slog.Debug("telegram: placeholder delete failed", "chat_id", chatID, "error", err)
			}
		}
	}

	// An empty message exists only to clean up indicators.
	if msg.Content == "" && len(msg.Media) == 0 {
		return nil
	}

	threadID := 0
	if tid, ok := c.threadIDs.Load(localKey); ok {
		threadID = resolveThreadIDForSend(tid.(int))
	}

	replyTo := 0
	if rid := msg.Metadata["reply_to_message_id"]; rid != "" {
		fmt.Sscanf(rid, "%d", &replyTo)
	}

	send := func(fn func() error) error {
		if c.guard != nil {
			return c.guard.Do(ctx, fn)
		}
		return fn()
	}

	for _, part := range splitMessage(msg.Content, telegramMaxMessageChars) {
		out := tu.Message(chatIDObj, part)
		if threadID > 0 {
			out.MessageThreadID = threadID
		}
		if replyTo > 0 {
			out.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
			replyTo = 0 // only the first part replies
		}
		if c.config.LinkPreview != nil && !*c.config.LinkPreview {
			out.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
		}
		if err := send(func() error {
			_, sendErr := c.bot.SendMessage(ctx, out)
			return sendErr
		}); err != nil {
			return fmt.Errorf("telegram: send text: %w", err)
		}
	}

	for _, media := range msg.Media {
		if err := c.sendMedia(ctx, chatIDObj, threadID, media, send); err != nil {
			slog.Warn("telegram: media send failed", "path", media.URL, "error", err)
		}
	}

	return nil
}

// sendMedia uploads one attachment, choosing photo/voice/audio/document
// by content type.
func (c *Channel) sendMedia(ctx context.Context, chatID telego.ChatID, threadID int, media bus.MediaAttachment, send func(func() error) error) error {
	f, err := os.Open(media.URL)
	if err != nil {
		return err
	}
	defer f.Close()
	file := tu.File(f)

	asVoice := false
	switch {
	case media.ContentType == "audio/ogg":
		asVoice = true
	}

	return send(func() error {
		var sendErr error
		switch {
		case asVoice:
			params := &telego.SendVoiceParams{ChatID: chatID, Voice: file, Caption: media.Caption}
			if threadID > 0 {
				params.MessageThreadID = threadID
			}
			_, sendErr = c.bot.SendVoice(ctx, params)
		case isImageContentType(media.ContentType):
			params := &telego.SendPhotoParams{ChatID: chatID, Photo: file, Caption: media.Caption}
			if threadID > 0 {
				params.MessageThreadID = threadID
			}
			_, sendErr = c.bot.SendPhoto(ctx, params)
		case isAudioContentType(media.ContentType):
			params := &telego.SendAudioParams{ChatID: chatID, Audio: file, Caption: media.Caption}
			if threadID > 0 {
				params.MessageThreadID = threadID
			}
			_, sendErr = c.bot.SendAudio(ctx, params)
		default:
			params := &telego.SendDocumentParams{ChatID: chatID, Document: file, Caption: media.Caption}
			if threadID > 0 {
				params.MessageThreadID = threadID
			}
			_, sendErr = c.bot.SendDocument(ctx, params)
		}
		return sendErr
	})
}

func isImageContentType(ct string) bool {
	switch ct {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	}
	return false
}

func isAudioContentType(ct string) bool {
	switch ct {
	case "audio/mpeg", "audio/wav", "audio/ogg", "audio/mp4":
		return true
	}
	return false
}

// splitMessage cuts text into chunks within limit, preferring newline
// boundaries so code blocks and paragraphs survive splitting.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		cut := limit
		// Look back for a newline in the last quarter of the window.
		for i := limit - 1; i > limit*3/4; i-- {
			if text[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
		if len(text) > 0 && text[0] == '\n' {
			text = text[1:]
		}
	}
	if len(text) > 0 {
		parts = append(parts, text)
	}
	return parts
}
