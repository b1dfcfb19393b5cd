// Package contextbuilder turns raw transport state plus stored history
// into a single completion request with a stable, cacheable prefix.
package contextbuilder

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/cordial/internal/activations"
	"github.com/haasonsaas/cordial/internal/config"
	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/toolcache"
	"github.com/haasonsaas/cordial/internal/transport"
)

// cacheMarkerBuffer is how many trailing messages stay outside the
// cached prefix when a new marker is placed. Holding the marker across
// roll-free activations lets the ephemeral tail grow while the prefix
// stays byte-identical.
const cacheMarkerBuffer = 20

// State is the prior channel state the builder reads.
type State struct {
	LastCacheMarker      string
	CacheOldestMessageID string
	MessagesSinceRoll    int
}

// Injection is an externally supplied context fragment with a target
// depth from the end of the message list.
type Injection struct {
	ID      string
	Content string

	// TargetDepth counts from the end; negative values are fixed
	// positions from the start (|d| - 1) and never age.
	TargetDepth int

	// LastModifiedAt anchors depth aging. While the named message is in
	// context, the injection sits min(messagesSince, TargetDepth) from
	// the end; once it leaves the window the injection settles at its
	// target depth.
	LastModifiedAt string

	Priority int
	AsSystem bool
}

// Input carries everything one build reads.
type Input struct {
	Bot          config.BotConfig
	BotUserID    string
	BotUsername  string
	SystemPrompt string
	Tools        []llm.ToolSpec

	Messages  []transport.Message
	Images    []transport.ImageRef
	Documents []transport.Document

	ToolCache   []toolcache.Entry
	Activations []activations.Activation
	Injections  []Injection

	State State
}

// Output is the built request plus the state updates the scheduler must
// apply.
type Output struct {
	Request *llm.Request

	// DidRoll reports that the oldest messages were truncated away.
	DidRoll bool

	// CacheMarker is the message id carrying cache_control, or "" when
	// the marker was disabled for this request.
	CacheMarker string

	// OldestMessageID is the oldest Discord message in the final
	// request, recorded as the new cache anchor after a roll.
	OldestMessageID string
}

// Builder shapes completion requests. Safe for concurrent use; all
// state is per-call.
type Builder struct {
	logger *slog.Logger

	// imageBudget caps the total base64 bytes of attached images per
	// request.
	imageBudget int
}

func New(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger, imageBudget: config.DefaultMaxImageRequestBytes}
}

// item is one entry of the working sequence between pipeline steps.
type item struct {
	participant string
	messageID   string
	fromBot     bool
	blocks      []llm.ContentBlock
	timestamp   time.Time

	// activationID groups items injected from the same stored
	// activation so they can be re-merged without duplicating prefixes.
	activationID string

	// mcpImages counts tool-result image blocks for the post-interleave
	// cap.
	mcpImages int
}

func (it *item) text() string {
	var b strings.Builder
	for i := range it.blocks {
		if it.blocks[i].Type == llm.BlockText {
			b.WriteString(it.blocks[i].Text)
		}
	}
	return b.String()
}

func (it *item) textLen() int {
	n := 0
	for i := range it.blocks {
		if it.blocks[i].Type == llm.BlockText {
			n += len(it.blocks[i].Text)
		}
	}
	return n
}

// Build runs the full pipeline.
func (b *Builder) Build(in Input) (*Output, error) {
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("no messages to build context from")
	}

	msgs := b.mergeBotMessages(in, in.Messages)
	msgs = b.filterHidden(in, msgs)
	if len(msgs) == 0 {
		return nil, fmt.Errorf("all messages filtered from context")
	}

	anchorIdx := b.imageAnchor(in, msgs)
	items := b.format(in, msgs)
	b.selectImages(in, msgs, items, anchorIdx)

	if in.Bot.PreserveThinkingContext {
		items = b.injectActivations(in, items)
	} else {
		items = b.interleaveToolHistory(in, items)
	}
	items = b.applyInjections(in, items)
	items = mergeSameParticipant(items)

	items, didRoll := b.applySizeLimits(in, items)
	marker := b.placeCacheMarker(in, items, didRoll)

	messages := make([]llm.ParticipantMessage, 0, len(items)+1)
	for i := range items {
		messages = append(messages, llm.ParticipantMessage{
			Participant:    items[i].participant,
			Content:        items[i].blocks,
			Timestamp:      items[i].timestamp,
			MessageID:      items[i].messageID,
			CacheEphemeral: in.Bot.Model.PromptCaching && marker != "" && items[i].messageID == marker,
		})
	}
	// Continuation placeholder: the provider turns this into the
	// assistant prefill seed.
	messages = append(messages, llm.ParticipantMessage{Participant: in.Bot.Name})

	req := &llm.Request{
		BotName:      in.Bot.Name,
		SystemPrompt: in.SystemPrompt,
		Messages:     messages,
		Config: llm.RequestConfig{
			Model:            in.Bot.Model.Model,
			Temperature:      in.Bot.Model.Temperature,
			MaxTokens:        in.Bot.Model.MaxTokens,
			TopP:             in.Bot.Model.TopP,
			Mode:             in.Bot.Model.Mode,
			PrefillThinking:  in.Bot.Model.PrefillThinking,
			TurnEndToken:     in.Bot.Model.TurnEndToken,
			MessageDelimiter: in.Bot.Model.MessageDelimiter,
			PromptCaching:    in.Bot.Model.PromptCaching,
		},
		Tools:         in.Tools,
		StopSequences: b.stopSequences(in, items),
	}

	out := &Output{
		Request:     req,
		DidRoll:     didRoll,
		CacheMarker: marker,
	}
	for i := range items {
		if items[i].messageID != "" {
			out.OldestMessageID = items[i].messageID
			break
		}
	}
	return out, nil
}

// mergeBotMessages folds consecutive messages from this bot into one,
// keeping the first id. Skipped under preserve_thinking_context, where
// per-message ids must stay distinct for activation reconstruction.
// Dot-prefixed tool-output webhooks are never merged.
func (b *Builder) mergeBotMessages(in Input, msgs []transport.Message) []transport.Message {
	if in.Bot.PreserveThinkingContext {
		return msgs
	}
	out := make([]transport.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if isOwnMessage(in, prev) && isOwnMessage(in, &m) &&
				!isDotMessage(prev.Content) && !isDotMessage(m.Content) {
				prev.Content += "\n" + m.Content
				prev.Attachments = append(prev.Attachments, m.Attachments...)
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// filterHidden drops tool-output webhooks (dot-prefixed) and messages
// carrying the hide reaction.
func (b *Builder) filterHidden(in Input, msgs []transport.Message) []transport.Message {
	out := make([]transport.Message, 0, len(msgs))
	for _, m := range msgs {
		if isDotMessage(m.Content) {
			continue
		}
		if m.HasReaction(in.Bot.Reactions.Hide) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// imageAnchor resolves the boundary for cached-prefix image selection
// before any interleaving shifts positions. Without a prior marker, the
// anchor is where the marker will land.
func (b *Builder) imageAnchor(in Input, msgs []transport.Message) int {
	if in.State.LastCacheMarker != "" {
		for i := range msgs {
			if msgs[i].ID == in.State.LastCacheMarker {
				return i
			}
		}
	}
	anchor := len(msgs) - cacheMarkerBuffer
	if anchor < 0 {
		anchor = 0
	}
	return anchor
}

// format produces one item per surviving message: participant naming,
// bot-username rewriting, and inlined text attachments.
func (b *Builder) format(in Input, msgs []transport.Message) []*item {
	docsByMessage := make(map[string][]transport.Document)
	for _, d := range in.Documents {
		docsByMessage[d.MessageID] = append(docsByMessage[d.MessageID], d)
	}

	items := make([]*item, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		it := &item{
			messageID: m.ID,
			timestamp: m.Timestamp,
			fromBot:   isOwnMessage(in, m),
		}
		if it.fromBot {
			it.participant = in.Bot.Name
		} else if m.System {
			it.participant = "System"
		} else if m.Author.DisplayName != "" {
			it.participant = m.Author.DisplayName
		} else {
			it.participant = m.Author.Username
		}

		text := rewriteBotReferences(m.Content, in.BotUsername, in.Bot.Name)
		for _, d := range docsByMessage[m.ID] {
			if len(d.Text) > in.Bot.MaxAttachmentBytes {
				continue
			}
			text += fmt.Sprintf("\n<attachment filename=%q>%s</attachment>", d.Filename, d.Text)
		}
		it.blocks = []llm.ContentBlock{llm.Text(text)}
		items = append(items, it)
	}
	return items
}

func isOwnMessage(in Input, m *transport.Message) bool {
	return m.Author.ID == in.BotUserID
}

// isDotMessage reports a tool-output webhook: content beginning with
// "." after any reply prefix.
func isDotMessage(content string) bool {
	return strings.HasPrefix(stripReplyPrefix(content), ".")
}

func stripReplyPrefix(content string) string {
	if strings.HasPrefix(content, "<reply:@") {
		if end := strings.Index(content, "> "); end >= 0 {
			return content[end+2:]
		}
	}
	return content
}

// rewriteBotReferences renames the bot's transport username to its
// configured participant name in mentions and reply prefixes, so stop
// sequences built from participant names never match the bot itself.
func rewriteBotReferences(content, username, name string) string {
	if username == "" || username == name {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+username+">", "<@"+name+">")
	content = strings.ReplaceAll(content, "<reply:@"+username+">", "<reply:@"+name+">")
	return content
}
