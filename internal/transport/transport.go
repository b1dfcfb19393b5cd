// Package transport defines the chat-transport contract consumed by the
// activation pipeline, independent of any specific platform. The Discord
// implementation lives in the discord subpackage.
package transport

import (
	"context"
	"time"
)

// MaxMessageLength is the largest chunk sent as a single chat message.
// Content longer than this is split across messages.
const MaxMessageLength = 1800

// User identifies a message author.
type User struct {
	ID          string
	Username    string
	DisplayName string
	Bot         bool

	// Roles carries the author's guild role ids for credit checks.
	Roles []string
}

// Attachment describes a file attached to a message.
type Attachment struct {
	ID          string
	Filename    string
	URL         string
	ContentType string
	Size        int
}

// Reaction is an emoji reaction aggregate on a message.
type Reaction struct {
	Emoji string
	Count int
	Me    bool
}

// Message is one chat message in chronological context order.
//
// Content arrives normalized: user-id mentions are rewritten to
// <@username> and replies carry a "<reply:@username> " prefix.
type Message struct {
	ID                  string
	ChannelID           string
	GuildID             string
	Author              User
	Content             string
	Timestamp           time.Time
	Attachments         []Attachment
	Reactions           []Reaction
	ReferencedMessageID string
	System              bool
	WebhookID           string
}

// HasReaction reports whether the message carries the given emoji.
func (m *Message) HasReaction(emoji string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji {
			return true
		}
	}
	return false
}

// ImageRef is an image found in the fetch window, keyed by the message
// that carried it. Data is raw bytes; encoding happens at request build.
type ImageRef struct {
	MessageID string
	SourceURL string
	MimeType  string
	Data      []byte
}

// Document is extracted text from a non-image attachment (plain text
// files and PDFs).
type Document struct {
	MessageID string
	Filename  string
	Text      string
}

// InheritanceInfo records where fetched history originated when a
// .history command redirected the range.
type InheritanceInfo struct {
	SourceChannelID string
	FirstMessageID  string
	LastMessageID   string
}

// FetchOptions controls a context fetch.
type FetchOptions struct {
	ChannelID string

	// Depth is the base number of messages to fetch.
	Depth int

	// FirstMessageID extends the fetch backward until this message is
	// found or a bounded lookback is exhausted. The adapter never trims
	// past this anchor.
	FirstMessageID string

	// TargetMessageID, when set, guarantees this message is in the window.
	TargetMessageID string

	// IgnoreHistory skips .history command rewriting.
	IgnoreHistory bool
}

// FetchResult is the transport state for one context build.
type FetchResult struct {
	Messages      []Message
	Images        []ImageRef
	Documents     []Document
	PinnedConfigs []string
	GuildID       string
	Inheritance   *InheritanceInfo

	// FirstMessageFound reports whether FirstMessageID was reached
	// before the lookback bound.
	FirstMessageFound bool
}

// Adapter is the transport surface the activation pipeline depends on.
type Adapter interface {
	// FetchContext returns chronologically ordered messages plus
	// sidecar images, documents, and pinned configs.
	FetchContext(ctx context.Context, opts FetchOptions) (*FetchResult, error)

	// FetchPinnedConfigs returns pinned-message contents oldest-first.
	FetchPinnedConfigs(ctx context.Context, channelID string) ([]string, error)

	// SendMessage chunks content at MaxMessageLength and returns the ids
	// of all sent messages in order. replyTo applies to the first chunk
	// only; a deleted reply target falls back to a plain send.
	SendMessage(ctx context.Context, channelID, content, replyTo string) ([]string, error)

	// SendWebhook posts content under a display name. Falls back to a
	// plain send where webhooks are unsupported (threads).
	SendWebhook(ctx context.Context, channelID, displayName, content string) ([]string, error)

	// SendImageAttachment posts an image file with optional caption.
	SendImageAttachment(ctx context.Context, channelID, filename string, data []byte, caption string) (string, error)

	// SendFileAttachment posts an arbitrary file with optional caption.
	SendFileAttachment(ctx context.Context, channelID, filename string, data []byte, caption string) (string, error)

	PinMessage(ctx context.Context, channelID, messageID string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error

	// StartTyping begins the typing indicator, refreshed on a cadence.
	// The returned stop function is idempotent.
	StartTyping(channelID string) (stop func())

	GetParentChannelID(ctx context.Context, channelID string) (string, error)
	GetChannelName(ctx context.Context, channelID string) (string, error)

	BotUserID() string
	BotUsername() string

	// ReplyChainDepth walks the reply chain from msg backwards through
	// bot-authored messages and counts distinct consecutive bot
	// identities. Cycles terminate via a visited set.
	ReplyChainDepth(ctx context.Context, channelID string, msg *Message) (int, error)
}
