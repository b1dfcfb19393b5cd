package discord

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/cordial/internal/transport"
)

// maxLookbackMessages bounds how far a fetch extends backward while
// searching for the cache anchor or a history range boundary.
const maxLookbackMessages = 2000

// pageSize is the Discord API maximum per history request.
const pageSize = 100

// FetchContext returns the channel's recent messages in chronological
// order, plus image, document, and pinned-config sidecars.
//
// When FirstMessageID is set the fetch extends backward until that
// message is found or the lookback bound is exhausted; messages beyond
// the anchor are never trimmed.
func (a *Adapter) FetchContext(ctx context.Context, opts transport.FetchOptions) (*transport.FetchResult, error) {
	raw, found, err := a.fetchBackward(ctx, opts.ChannelID, opts.Depth, opts.FirstMessageID)
	if err != nil {
		return nil, err
	}

	if ch, err := a.channelInfo(opts.ChannelID); err == nil && isThread(ch) {
		raw = a.prependThreadParent(ch, raw, opts.Depth)
	}

	result := &transport.FetchResult{FirstMessageFound: found}
	if !opts.IgnoreHistory {
		raw, result.Inheritance, err = a.applyHistoryCommand(ctx, raw, opts.Depth)
		if err != nil {
			a.logger.Warn("history redirect failed", "channel", opts.ChannelID, "error", err)
		}
	}

	for _, m := range raw {
		result.Messages = append(result.Messages, a.convertMessage(m))
		if m.GuildID != "" {
			result.GuildID = m.GuildID
		}
		a.collectAttachments(ctx, m, result)
	}

	pinned, err := a.FetchPinnedConfigs(ctx, opts.ChannelID)
	if err != nil {
		a.logger.Warn("pinned config fetch failed", "channel", opts.ChannelID, "error", err)
	} else {
		result.PinnedConfigs = pinned
	}
	return result, nil
}

// fetchBackward pages history newest-to-oldest and returns it
// chronologically. found reports whether anchorID was reached (always
// true for an empty anchor).
func (a *Adapter) fetchBackward(ctx context.Context, channelID string, depth int, anchorID string) ([]*discordgo.Message, bool, error) {
	if depth <= 0 {
		depth = pageSize
	}
	var collected []*discordgo.Message
	found := anchorID == ""
	before := ""

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		page, err := a.session.ChannelMessages(channelID, pageSize, before, "", "")
		if err != nil {
			return nil, false, fmt.Errorf("fetch messages: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			collected = append(collected, m)
			if m.ID == anchorID {
				found = true
			}
		}
		before = page[len(page)-1].ID

		if len(collected) >= depth && found {
			break
		}
		if len(collected) >= maxLookbackMessages {
			break
		}
	}

	reverse(collected)
	return collected, found, nil
}

// prependThreadParent prepends parent-channel context up to the
// thread's starting message.
func (a *Adapter) prependThreadParent(thread *discordgo.Channel, msgs []*discordgo.Message, depth int) []*discordgo.Message {
	// A thread's id equals its root message id in the parent channel.
	page, err := a.session.ChannelMessages(thread.ParentID, min(depth, pageSize), thread.ID, "", "")
	if err != nil {
		a.logger.Warn("thread parent fetch failed", "thread", thread.ID, "error", err)
		return msgs
	}
	reverse(page)
	if root, err := a.session.ChannelMessage(thread.ParentID, thread.ID); err == nil {
		page = append(page, root)
	}
	return append(page, msgs...)
}

var messageLinkRe = regexp.MustCompile(`https://(?:\w+\.)?discord(?:app)?\.com/channels/\d+/(\d+)/(\d+)`)

// applyHistoryCommand honors the newest ".history" command in the
// window. A command with "first:" and "last:" message links replaces
// everything older than the command with the referenced range; an empty
// command just drops older history.
func (a *Adapter) applyHistoryCommand(ctx context.Context, msgs []*discordgo.Message, depth int) ([]*discordgo.Message, *transport.InheritanceInfo, error) {
	cmdIdx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if strings.HasPrefix(msgs[i].Content, ".history") {
			cmdIdx = i
			break
		}
	}
	if cmdIdx < 0 {
		return msgs, nil, nil
	}

	cmd := msgs[cmdIdx]
	newer := msgs[cmdIdx+1:]

	firstChannel, firstID := parseHistoryLink(cmd.Content, "first:")
	lastChannel, lastID := parseHistoryLink(cmd.Content, "last:")
	if firstID == "" || lastID == "" || firstChannel != lastChannel {
		// Empty or malformed command clears older history.
		return newer, nil, nil
	}

	inherited, err := a.fetchRange(ctx, firstChannel, firstID, lastID, depth)
	if err != nil {
		return newer, nil, err
	}
	info := &transport.InheritanceInfo{
		SourceChannelID: firstChannel,
		FirstMessageID:  firstID,
		LastMessageID:   lastID,
	}
	return append(inherited, newer...), info, nil
}

// fetchRange returns [firstID..lastID] from a source channel in
// chronological order, bounded by the lookback limit.
func (a *Adapter) fetchRange(ctx context.Context, channelID, firstID, lastID string, depth int) ([]*discordgo.Message, error) {
	last, err := a.session.ChannelMessage(channelID, lastID)
	if err != nil {
		return nil, fmt.Errorf("history range end: %w", err)
	}
	collected := []*discordgo.Message{last}
	if firstID == lastID {
		return collected, nil
	}

	before := lastID
	for len(collected) < maxLookbackMessages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := a.session.ChannelMessages(channelID, pageSize, before, "", "")
		if err != nil {
			return nil, fmt.Errorf("history range page: %w", err)
		}
		if len(page) == 0 {
			break
		}
		done := false
		for _, m := range page {
			collected = append(collected, m)
			if m.ID == firstID {
				done = true
				break
			}
		}
		if done {
			break
		}
		before = page[len(page)-1].ID
	}

	reverse(collected)
	return collected, nil
}

func parseHistoryLink(content, label string) (channelID, messageID string) {
	idx := strings.Index(content, label)
	if idx < 0 {
		return "", ""
	}
	line := content[idx+len(label):]
	if end := strings.IndexByte(line, '\n'); end >= 0 {
		line = line[:end]
	}
	m := messageLinkRe.FindStringSubmatch(line)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// collectAttachments resolves image and text attachments into sidecar
// entries. Fetch failures skip the attachment.
func (a *Adapter) collectAttachments(ctx context.Context, m *discordgo.Message, result *transport.FetchResult) {
	if a.config.ImageCache == nil {
		return
	}
	for _, att := range m.Attachments {
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			data, mime, err := a.config.ImageCache.Fetch(ctx, att.URL)
			if err != nil {
				a.logger.Warn("image attachment fetch failed", "url", att.URL, "error", err)
				continue
			}
			result.Images = append(result.Images, transport.ImageRef{
				MessageID: m.ID,
				SourceURL: att.URL,
				MimeType:  mime,
				Data:      data,
			})
		case isTextAttachment(att):
			if att.Size > a.config.MaxDocumentBytes {
				continue
			}
			data, _, err := a.config.ImageCache.Fetch(ctx, att.URL)
			if err != nil {
				a.logger.Warn("document attachment fetch failed", "url", att.URL, "error", err)
				continue
			}
			if !utf8.Valid(data) {
				continue
			}
			result.Documents = append(result.Documents, transport.Document{
				MessageID: m.ID,
				Filename:  att.Filename,
				Text:      string(data),
			})
		}
	}
}

var textExtensions = []string{".txt", ".md", ".log", ".json", ".yaml", ".yml", ".csv", ".go", ".py", ".js", ".ts"}

func isTextAttachment(att *discordgo.MessageAttachment) bool {
	if strings.HasPrefix(att.ContentType, "text/") {
		return true
	}
	name := strings.ToLower(att.Filename)
	for _, ext := range textExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func reverse(msgs []*discordgo.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
