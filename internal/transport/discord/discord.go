// Package discord implements the transport.Adapter contract on top of
// discordgo: gateway event intake, context fetching with history
// redirection, chunked sends, webhooks, and reactions.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/cordial/internal/events"
	"github.com/haasonsaas/cordial/internal/images"
	"github.com/haasonsaas/cordial/internal/retry"
	"github.com/haasonsaas/cordial/internal/transport"
	"github.com/haasonsaas/cordial/internal/typing"
)

// webhookName is the name under which the adapter creates its channel
// webhooks.
const webhookName = "cordial"

// discordSession is the slice of *discordgo.Session the adapter uses,
// extracted so tests can substitute a fake.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()

	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessagesPinned(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessagePin(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookThreadExecute(webhookID, token string, wait bool, threadID string, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config configures one bot's Discord connection.
type Config struct {
	// Token is the bot token from the Discord developer portal.
	Token string

	// Queue receives gateway events for the agent loop.
	Queue *events.Queue

	// ImageCache resolves attachment URLs to bytes. Nil disables image
	// and document sidecars.
	ImageCache *images.Cache

	// MaxDocumentBytes caps inlined text attachments.
	MaxDocumentBytes int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.Queue == nil {
		return fmt.Errorf("event queue is required")
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Discord transport for one bot identity.
type Adapter struct {
	config  Config
	session discordSession
	logger  *slog.Logger
	retry   retry.Config

	mu       sync.RWMutex
	botUser  discordgo.User
	channels map[string]*discordgo.Channel
	webhooks map[string]*discordgo.Webhook
}

// New creates an adapter. The gateway connection is established by Run.
func New(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	dg, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	dg.StateEnabled = true

	a := newAdapter(config)
	a.session = dg
	return a, nil
}

func newAdapter(config Config) *Adapter {
	return &Adapter{
		config:   config,
		logger:   config.Logger.With("component", "discord"),
		retry:    retry.Exponential(3, 250*time.Millisecond, 2*time.Second),
		channels: make(map[string]*discordgo.Channel),
		webhooks: make(map[string]*discordgo.Webhook),
	}
}

// Run connects to the gateway and blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleMessageUpdate)
	a.session.AddHandler(a.handleMessageDelete)

	if err := retry.Do(ctx, a.retry, a.session.Open); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	a.logger.Info("gateway connected")

	<-ctx.Done()
	if err := a.session.Close(); err != nil {
		a.logger.Warn("closing gateway failed", "error", err)
	}
	return nil
}

// BotUserID returns the connected bot's user id.
func (a *Adapter) BotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUser.ID
}

// BotUsername returns the connected bot's username.
func (a *Adapter) BotUsername() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUser.Username
}

// SendMessage chunks content at the transport limit and sends each
// chunk. replyTo applies to the first chunk only; when the reply target
// is gone the send falls back to a plain message.
func (a *Adapter) SendMessage(ctx context.Context, channelID, content, replyTo string) ([]string, error) {
	chunks := splitChunks(content, transport.MaxMessageLength)
	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && replyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
		}
		msg, err := retry.DoWithValue(ctx, a.retry, func() (*discordgo.Message, error) {
			m, err := a.session.ChannelMessageSendComplex(channelID, send)
			if err != nil && send.Reference != nil && isUnknownMessage(err) {
				// Reply target deleted between trigger and send.
				send.Reference = nil
				return a.session.ChannelMessageSendComplex(channelID, send)
			}
			return m, err
		})
		if err != nil {
			return ids, fmt.Errorf("send message: %w", err)
		}
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// SendWebhook posts content under displayName via a channel webhook.
// Threads execute the parent channel's webhook; failures of any kind
// fall back to a plain send.
func (a *Adapter) SendWebhook(ctx context.Context, channelID, displayName, content string) ([]string, error) {
	hookChannel := channelID
	threadID := ""
	if ch, err := a.channelInfo(channelID); err == nil && isThread(ch) {
		hookChannel = ch.ParentID
		threadID = channelID
	}

	hook, err := a.channelWebhook(hookChannel)
	if err == nil {
		params := &discordgo.WebhookParams{Content: content, Username: displayName}
		var msg *discordgo.Message
		if threadID != "" {
			msg, err = a.session.WebhookThreadExecute(hook.ID, hook.Token, true, threadID, params)
		} else {
			msg, err = a.session.WebhookExecute(hook.ID, hook.Token, true, params)
		}
		if err == nil {
			return []string{msg.ID}, nil
		}
	}
	a.logger.Debug("webhook send failed, falling back to plain send", "channel", channelID, "error", err)
	return a.SendMessage(ctx, channelID, content, "")
}

// SendImageAttachment posts an image file with an optional caption.
func (a *Adapter) SendImageAttachment(ctx context.Context, channelID, filename string, data []byte, caption string) (string, error) {
	return a.sendFile(ctx, channelID, filename, data, caption)
}

// SendFileAttachment posts an arbitrary file with an optional caption.
func (a *Adapter) SendFileAttachment(ctx context.Context, channelID, filename string, data []byte, caption string) (string, error) {
	return a.sendFile(ctx, channelID, filename, data, caption)
}

func (a *Adapter) sendFile(ctx context.Context, channelID, filename string, data []byte, caption string) (string, error) {
	msg, err := retry.DoWithValue(ctx, a.retry, func() (*discordgo.Message, error) {
		return a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: caption,
			Files:   []*discordgo.File{{Name: filename, Reader: bytes.NewReader(data)}},
		})
	})
	if err != nil {
		return "", fmt.Errorf("send attachment: %w", err)
	}
	return msg.ID, nil
}

// PinMessage pins a message in its channel.
func (a *Adapter) PinMessage(ctx context.Context, channelID, messageID string) error {
	return retry.Do(ctx, a.retry, func() error {
		return a.session.ChannelMessagePin(channelID, messageID)
	})
}

// DeleteMessage removes a message. Best effort for already-gone targets.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	err := retry.Do(ctx, a.retry, func() error {
		err := a.session.ChannelMessageDelete(channelID, messageID)
		if isUnknownMessage(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// AddReaction adds an emoji reaction to a message.
func (a *Adapter) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return retry.Do(ctx, a.retry, func() error {
		return a.session.MessageReactionAdd(channelID, messageID, emoji)
	})
}

// StartTyping keeps the channel's typing indicator alive until the
// returned stop function is called.
func (a *Adapter) StartTyping(channelID string) (stop func()) {
	r := typing.NewRefresher(func() {
		if err := a.session.ChannelTyping(channelID); err != nil {
			a.logger.Debug("typing indicator failed", "channel", channelID, "error", err)
		}
	}, 0, 0)
	r.Start()
	return r.Stop
}

// GetParentChannelID returns the parent channel for threads, "" for
// top-level channels.
func (a *Adapter) GetParentChannelID(_ context.Context, channelID string) (string, error) {
	ch, err := a.channelInfo(channelID)
	if err != nil {
		return "", err
	}
	if !isThread(ch) {
		return "", nil
	}
	return ch.ParentID, nil
}

// GetChannelName returns the channel's display name.
func (a *Adapter) GetChannelName(_ context.Context, channelID string) (string, error) {
	ch, err := a.channelInfo(channelID)
	if err != nil {
		return "", err
	}
	return ch.Name, nil
}

// ReplyChainDepth walks the reply chain backward through bot-authored
// messages and counts distinct consecutive bot identities. A visited
// set terminates cyclic reference chains.
func (a *Adapter) ReplyChainDepth(_ context.Context, channelID string, msg *transport.Message) (int, error) {
	depth := 0
	lastBot := ""
	visited := map[string]bool{msg.ID: true}
	ref := msg.ReferencedMessageID

	for ref != "" && !visited[ref] {
		visited[ref] = true
		m, err := a.session.ChannelMessage(channelID, ref)
		if err != nil {
			if isUnknownMessage(err) {
				break
			}
			return depth, fmt.Errorf("walk reply chain: %w", err)
		}
		if m.Author == nil || !m.Author.Bot {
			break
		}
		if m.Author.ID != lastBot {
			depth++
			lastBot = m.Author.ID
		}
		ref = ""
		if m.MessageReference != nil {
			ref = m.MessageReference.MessageID
		}
	}
	return depth, nil
}

// FetchPinnedConfigs returns pinned message contents oldest-first.
func (a *Adapter) FetchPinnedConfigs(_ context.Context, channelID string) ([]string, error) {
	pinned, err := a.session.ChannelMessagesPinned(channelID)
	if err != nil {
		return nil, fmt.Errorf("fetch pins: %w", err)
	}
	// The API returns newest-first.
	out := make([]string, 0, len(pinned))
	for i := len(pinned) - 1; i >= 0; i-- {
		out = append(out, pinned[i].Content)
	}
	return out, nil
}

func (a *Adapter) channelInfo(channelID string) (*discordgo.Channel, error) {
	a.mu.RLock()
	ch, ok := a.channels[channelID]
	a.mu.RUnlock()
	if ok {
		return ch, nil
	}
	ch, err := a.session.Channel(channelID)
	if err != nil {
		return nil, fmt.Errorf("channel info: %w", err)
	}
	a.mu.Lock()
	a.channels[channelID] = ch
	a.mu.Unlock()
	return ch, nil
}

// channelWebhook finds or creates the adapter's webhook in a channel.
func (a *Adapter) channelWebhook(channelID string) (*discordgo.Webhook, error) {
	a.mu.RLock()
	hook, ok := a.webhooks[channelID]
	a.mu.RUnlock()
	if ok {
		return hook, nil
	}

	hooks, err := a.session.ChannelWebhooks(channelID)
	if err != nil {
		return nil, err
	}
	for _, h := range hooks {
		if h.Name == webhookName && h.Token != "" {
			a.mu.Lock()
			a.webhooks[channelID] = h
			a.mu.Unlock()
			return h, nil
		}
	}

	hook, err = a.session.WebhookCreate(channelID, webhookName, "")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.webhooks[channelID] = hook
	a.mu.Unlock()
	return hook, nil
}

func isThread(ch *discordgo.Channel) bool {
	switch ch.Type {
	case discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return true
	}
	return false
}

func isUnknownMessage(err error) bool {
	if err == nil {
		return false
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code == discordgo.ErrCodeUnknownMessage
	}
	return strings.Contains(err.Error(), "Unknown Message")
}

// splitChunks breaks content into pieces at most limit bytes long,
// preferring newline boundaries near the cut. Raw cuts back up to a
// rune boundary so no chunk carries a split UTF-8 sequence.
func splitChunks(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}
	var chunks []string
	for len(content) > limit {
		cut := limit
		if nl := strings.LastIndexByte(content[:limit], '\n'); nl > limit-400 && nl > 0 {
			cut = nl
		} else {
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
		}
		chunks = append(chunks, content[:cut])
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
