package discord

import (
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/cordial/internal/events"
	"github.com/haasonsaas/cordial/internal/transport"
)

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botUser = *r.User
	a.mu.Unlock()
	a.logger.Info("gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	a.push(events.Event{Kind: events.KindMessage, Message: a.convertMessage(m.Message)})
}

func (a *Adapter) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author == nil {
		return
	}
	a.push(events.Event{Kind: events.KindEdit, Message: a.convertMessage(m.Message)})
}

func (a *Adapter) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	// Only the ids survive a delete; the cached copy restores the author
	// so the scheduler can clean the tool cache for the bot's own
	// messages.
	msg := transport.Message{ID: m.ID, ChannelID: m.ChannelID, GuildID: m.GuildID}
	if m.BeforeDelete != nil {
		msg = a.convertMessage(m.BeforeDelete)
	}
	a.push(events.Event{Kind: events.KindDelete, Message: msg})
}

func (a *Adapter) push(ev events.Event) {
	ev.Timestamp = time.Now()
	a.config.Queue.Push(ev)
}

// convertMessage normalizes a gateway message for the activation
// pipeline: id mentions become <@username>, replies gain a
// "<reply:@username> " prefix.
func (a *Adapter) convertMessage(m *discordgo.Message) transport.Message {
	content := m.Content
	for _, u := range m.Mentions {
		content = strings.ReplaceAll(content, "<@"+u.ID+">", "<@"+u.Username+">")
		content = strings.ReplaceAll(content, "<@!"+u.ID+">", "<@"+u.Username+">")
	}
	referencedID := ""
	if m.MessageReference != nil {
		referencedID = m.MessageReference.MessageID
	}
	if referencedID != "" && m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
		content = "<reply:@" + m.ReferencedMessage.Author.Username + "> " + content
	}

	out := transport.Message{
		ID:                  m.ID,
		ChannelID:           m.ChannelID,
		GuildID:             m.GuildID,
		Content:             content,
		Timestamp:           m.Timestamp,
		ReferencedMessageID: referencedID,
		System:              isSystemMessage(m.Type),
		WebhookID:           m.WebhookID,
	}
	if m.Author != nil {
		out.Author = transport.User{
			ID:          m.Author.ID,
			Username:    m.Author.Username,
			DisplayName: displayName(m),
			Bot:         m.Author.Bot,
		}
		if m.Member != nil {
			out.Author.Roles = append([]string(nil), m.Member.Roles...)
		}
	}
	for _, att := range m.Attachments {
		out.Attachments = append(out.Attachments, transport.Attachment{
			ID:          att.ID,
			Filename:    att.Filename,
			URL:         att.URL,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
	for _, r := range m.Reactions {
		if r.Emoji == nil {
			continue
		}
		out.Reactions = append(out.Reactions, transport.Reaction{
			Emoji: r.Emoji.Name,
			Count: r.Count,
			Me:    r.Me,
		})
	}
	return out
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func isSystemMessage(t discordgo.MessageType) bool {
	return t != discordgo.MessageTypeDefault && t != discordgo.MessageTypeReply
}
