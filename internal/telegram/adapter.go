package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/parley/internal/gateway"
	"github.com/user/parley/internal/types"
)

const (
	platform           = "telegram"
	maxTelegramMessage = 4096
)

// fileLinker resolves a Telegram file id to a downloadable URL.
type fileLinker interface {
	GetFileDirectURL(fileID string) (string, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	gateway *gateway.Gateway
	rooms   types.RoomStore
	events  types.EventStore
	agent   types.AgentID
	logger  *slog.Logger
}

// New creates a Telegram adapter.
func New(token string, gw *gateway.Gateway, rooms types.RoomStore, events types.EventStore, agent types.AgentID, logger *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		bot:     bot,
		gateway: gw,
		rooms:   rooms,
		events:  events,
		agent:   agent,
		logger:  logger.With("component", "telegram"),
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	a.logger.Info("polling", "bot", a.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Deliver sends content to the chat named by key. It is registered with the
// delivery registry for the "telegram" platform.
func (a *Adapter) Deliver(_ context.Context, key types.RoomKey, content *types.Content) error {
	chatID, err := chatIDFromKey(key)
	if err != nil {
		return err
	}
	return a.sendResponse(chatID, content.Text)
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	inbound := convert(msg, a.bot.Self, a.bot, a.logger)
	if inbound == nil {
		return
	}

	key := buildRoomKey(msg.Chat.ID)
	chatID := msg.Chat.ID
	deliver := func(_ context.Context, content *types.Content) error {
		if strings.TrimSpace(content.Text) == "" {
			return nil
		}
		return a.sendResponse(chatID, content.Text)
	}

	if _, err := a.gateway.HandleInbound(ctx, key, inbound, gateway.WithDeliver(deliver)); err != nil {
		a.logger.Error("handle inbound", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildRoomKey(chatID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Send me a message to get started.")

	case "status":
		room, err := a.rooms.ResolveOrCreate(ctx, key, a.agent, channelType(msg.Chat))
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		count, err := a.events.Count(ctx, room.ID)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Room: %s\nEvents: %d\nMuted: %t", room.ID, count, room.Muted))

	case "mute", "unmute":
		room, err := a.rooms.ResolveOrCreate(ctx, key, a.agent, channelType(msg.Chat))
		if err != nil {
			a.sendResponse(chatID, "Error updating room.")
			return
		}
		room.Muted = msg.Command() == "mute"
		if err := a.rooms.Update(ctx, room); err != nil {
			a.sendResponse(chatID, "Error updating room.")
			return
		}
		if room.Muted {
			a.sendResponse(chatID, "Muted. Mention me to get my attention.")
		} else {
			a.sendResponse(chatID, "Unmuted.")
		}

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /status, /mute, /unmute")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) error {
	var lastErr error
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				a.logger.Error("send message", "chat_id", chatID, "error", err)
				lastErr = err
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("send message: %w", lastErr)
	}
	return nil
}

// convert maps a Telegram message to a gateway message. It returns nil for
// messages with nothing to process.
func convert(msg *tgbotapi.Message, self tgbotapi.User, files fileLinker, logger *slog.Logger) *types.Message {
	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}

	atts := attachments(msg, files, logger)
	if strings.TrimSpace(text) == "" && len(atts) == 0 {
		return nil
	}

	out := &types.Message{
		Content: types.Content{
			Text:        text,
			Source:      platform,
			Attachments: atts,
		},
		Metadata: types.Metadata{
			Source:      platform,
			ChannelType: channelType(msg.Chat),
			IsMention:   mentions(text, entities, self),
			IsReply:     msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == self.ID,
		},
		CreatedAt: msg.Time(),
	}
	if msg.From != nil {
		out.EntityID = types.EntityID(platform + ":" + strconv.FormatInt(msg.From.ID, 10))
		out.Metadata.Username = msg.From.UserName
		out.Metadata.EntityName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	return out
}

func channelType(chat *tgbotapi.Chat) types.ChannelType {
	if chat != nil && chat.IsPrivate() {
		return types.ChannelDM
	}
	return types.ChannelGroup
}

// mentions reports whether any entity addresses the bot, either as an
// @username or as a text mention of the bot user.
func mentions(text string, entities []tgbotapi.MessageEntity, self tgbotapi.User) bool {
	if len(entities) == 0 {
		return false
	}
	// Entity offsets are in UTF-16 code units.
	units := utf16.Encode([]rune(text))
	for _, e := range entities {
		switch e.Type {
		case "mention":
			if e.Offset < 0 || e.Offset+e.Length > len(units) {
				continue
			}
			name := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
			if self.UserName != "" && strings.EqualFold(strings.TrimPrefix(name, "@"), self.UserName) {
				return true
			}
		case "text_mention":
			if e.User != nil && e.User.ID == self.ID {
				return true
			}
		}
	}
	return false
}

func attachments(msg *tgbotapi.Message, files fileLinker, logger *slog.Logger) []types.Attachment {
	var out []types.Attachment
	if n := len(msg.Photo); n > 0 {
		largest := msg.Photo[n-1]
		if url, err := files.GetFileDirectURL(largest.FileID); err != nil {
			logger.Warn("resolve photo", "file_id", largest.FileID, "error", err)
		} else {
			out = append(out, types.Attachment{
				ID:          largest.FileUniqueID,
				URL:         url,
				Title:       "photo",
				Source:      "image",
				ContentType: "image/jpeg",
			})
		}
	}
	if doc := msg.Document; doc != nil {
		if url, err := files.GetFileDirectURL(doc.FileID); err != nil {
			logger.Warn("resolve document", "file_id", doc.FileID, "error", err)
		} else {
			out = append(out, types.Attachment{
				ID:          doc.FileUniqueID,
				URL:         url,
				Title:       doc.FileName,
				Source:      "document",
				ContentType: doc.MimeType,
			})
		}
	}
	return out
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildRoomKey(chatID int64) types.RoomKey {
	return types.NewRoomKey(platform, strconv.FormatInt(chatID, 10))
}

func chatIDFromKey(key types.RoomKey) (int64, error) {
	s := string(key)
	if key.Platform() != platform {
		return 0, fmt.Errorf("not a telegram room key: %s", key)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(s, platform+":"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id from %s: %w", key, err)
	}
	return id, nil
}
