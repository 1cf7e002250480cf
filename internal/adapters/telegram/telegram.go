// Package telegram implements the adapter contract over the Telegram
// Bot API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/hiboss/internal/adapters"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
)

const (
	// fileIDPrefix is the opaque attachment source form for files that
	// live on Telegram's servers.
	fileIDPrefix = "telegram:file-id:"

	pollTimeout  = 30 // seconds, long-poll hold
	stopDeadline = 10 * time.Second
)

// Adapter is one bot credential bound to one agent.
type Adapter struct {
	agentName string
	bot       *telego.Bot
	handler   adapters.InboundHandler
	logger    *slog.Logger

	// Bot API flood control: ~30 messages/second across chats.
	limiter *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the adapter. The bot token is validated lazily on Start.
func New(agentName, botToken string, handler adapters.InboundHandler, logger *slog.Logger) (*Adapter, error) {
	bot, err := telego.NewBot(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		agentName: agentName,
		bot:       bot,
		handler:   handler,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(25), 5),
	}, nil
}

// Type implements adapters.Adapter.
func (a *Adapter) Type() string { return "telegram" }

// Start begins long polling. Returns once polling is established; the
// update loop runs until Stop.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        pollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	a.logger.Info("telegram connected", "agent", a.agentName, "bot", a.bot.Username())

	go func() {
		defer close(a.done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					a.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update loop so Telegram
// releases the getUpdates hold before a restart.
func (a *Adapter) Stop(context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		select {
		case <-a.done:
		case <-time.After(stopDeadline):
			a.logger.Warn("telegram poll loop did not exit in time")
		}
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	text := msg.Text
	if msg.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Caption
	}
	atts := extractAttachments(msg)
	if text == "" && len(atts) == 0 {
		// Service message (member joined, title change); nothing to route.
		return
	}

	senderName := msg.From.FirstName
	if msg.From.Username != "" {
		senderName = "@" + msg.From.Username
	}

	in := adapters.Inbound{
		AdapterType: a.Type(),
		AgentName:   a.agentName,
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:    strconv.FormatInt(msg.From.ID, 10),
		SenderName:  senderName,
		Text:        text,
		Attachments: atts,
		MessageID:   adapters.EncodeMessageID(int64(msg.MessageID)),
	}
	if err := a.handler.HandleInbound(ctx, in); err != nil {
		a.logger.Error("telegram inbound rejected",
			"chat", in.ChatID, "sender", in.SenderID, "error", err)
	}
}

// extractAttachments maps Telegram media to file-id attachment sources.
// Photos use the largest size.
func extractAttachments(msg *telego.Message) []envelope.Attachment {
	var out []envelope.Attachment
	if n := len(msg.Photo); n > 0 {
		out = append(out, envelope.Attachment{
			Source: fileIDPrefix + msg.Photo[n-1].FileID,
			Mime:   "image/jpeg",
		})
	}
	if msg.Document != nil {
		out = append(out, envelope.Attachment{
			Source: fileIDPrefix + msg.Document.FileID,
			Name:   msg.Document.FileName,
			Mime:   msg.Document.MimeType,
		})
	}
	if msg.Voice != nil {
		out = append(out, envelope.Attachment{
			Source: fileIDPrefix + msg.Voice.FileID,
			Mime:   msg.Voice.MimeType,
		})
	}
	if msg.Audio != nil {
		out = append(out, envelope.Attachment{
			Source: fileIDPrefix + msg.Audio.FileID,
			Name:   msg.Audio.FileName,
			Mime:   msg.Audio.MimeType,
		})
	}
	return out
}

// Send implements adapters.Adapter: text as a message, attachments as
// documents, all to the envelope's channel chat id.
func (a *Adapter) Send(ctx context.Context, e envelope.Envelope) error {
	chatID, err := strconv.ParseInt(e.To.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", e.To.ChatID, err)
	}
	chat := tu.ID(chatID)

	if e.Content.Text != "" {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.SendMessage(ctx, tu.Message(chat, e.Content.Text)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	for _, att := range e.Content.Attachments {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := a.sendAttachment(ctx, chat, att); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendAttachment(ctx context.Context, chat telego.ChatID, att envelope.Attachment) error {
	var file telego.InputFile
	switch {
	case strings.HasPrefix(att.Source, fileIDPrefix):
		file = tu.FileFromID(strings.TrimPrefix(att.Source, fileIDPrefix))
	case strings.HasPrefix(att.Source, "http://"), strings.HasPrefix(att.Source, "https://"):
		file = tu.FileFromURL(att.Source)
	default:
		f, err := os.Open(att.Source)
		if err != nil {
			return fmt.Errorf("open attachment: %w", err)
		}
		defer f.Close()
		name := att.Name
		if name == "" {
			name = filepath.Base(att.Source)
		}
		file = tu.File(tu.NameReader(f, name))
	}
	if _, err := a.bot.SendDocument(ctx, tu.Document(chat, file)); err != nil {
		return fmt.Errorf("telegram send document: %w", err)
	}
	return nil
}

// React sets an emoji reaction on a message. The message id arrives in
// the compact base36 form (or "dec:<n>").
func (a *Adapter) React(ctx context.Context, chatIDStr, messageID, emoji string) error {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatIDStr, err)
	}
	msgID, err := adapters.ParseMessageID(messageID)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	err = a.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: int(msgID),
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
	if err != nil {
		return fmt.Errorf("telegram react: %w", err)
	}
	return nil
}
