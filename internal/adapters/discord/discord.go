// Package discord implements the adapter contract over the Discord
// gateway. It is a deliberately small surface: inbound messages, plain
// sends, and emoji reactions.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/hiboss/internal/adapters"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
)

// discordMaxMessageLen is the platform limit per message.
const discordMaxMessageLen = 2000

// Adapter is one bot credential bound to one agent.
type Adapter struct {
	agentName string
	session   *discordgo.Session
	handler   adapters.InboundHandler
	logger    *slog.Logger
	botUserID string
}

// New creates the adapter over a fresh gateway session.
func New(agentName, botToken string, handler adapters.InboundHandler, logger *slog.Logger) (*Adapter, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Adapter{
		agentName: agentName,
		session:   session,
		handler:   handler,
		logger:    logger,
	}, nil
}

// Type implements adapters.Adapter.
func (a *Adapter) Type() string { return "discord" }

// Start opens the gateway connection.
func (a *Adapter) Start(ctx context.Context) error {
	a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, m)
	})
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID
	a.logger.Info("discord connected", "agent", a.agentName, "bot", user.Username)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(context.Context) error {
	return a.session.Close()
}

func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	var atts []envelope.Attachment
	for _, att := range m.Attachments {
		atts = append(atts, envelope.Attachment{
			Source: att.URL,
			Name:   att.Filename,
			Mime:   att.ContentType,
		})
	}
	if m.Content == "" && len(atts) == 0 {
		return
	}

	in := adapters.Inbound{
		AdapterType: a.Type(),
		AgentName:   a.agentName,
		ChatID:      m.ChannelID,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		Text:        m.Content,
		Attachments: atts,
		MessageID:   m.ID, // Discord ids are snowflake strings; no base36 form
	}
	if err := a.handler.HandleInbound(ctx, in); err != nil {
		a.logger.Error("discord inbound rejected",
			"channel", in.ChatID, "sender", in.SenderID, "error", err)
	}
}

// Send implements adapters.Adapter. Long text is split at the platform
// limit; attachments are sent as links since sources may be remote.
func (a *Adapter) Send(_ context.Context, e envelope.Envelope) error {
	text := e.Content.Text
	for _, att := range e.Content.Attachments {
		if text != "" {
			text += "\n"
		}
		text += att.Source
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > discordMaxMessageLen {
			chunk = chunk[:discordMaxMessageLen]
		}
		text = text[len(chunk):]
		if _, err := a.session.ChannelMessageSend(e.To.ChatID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// React adds an emoji reaction. Accepts the raw snowflake or the
// "dec:<n>" form used by the reaction API.
func (a *Adapter) React(_ context.Context, chatID, messageID, emoji string) error {
	if strings.HasPrefix(messageID, "dec:") {
		id, err := adapters.ParseMessageID(messageID)
		if err != nil {
			return err
		}
		messageID = strconv.FormatInt(id, 10)
	}
	if err := a.session.MessageReactionAdd(chatID, messageID, emoji); err != nil {
		return fmt.Errorf("discord react: %w", err)
	}
	return nil
}
