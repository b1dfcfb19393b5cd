package contextbuilder

import (
	"sort"

	"github.com/haasonsaas/cordial/internal/activations"
	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/toolcache"
)

// interleaveToolHistory emits each tool-cache entry at the position of
// its triggering message: the assistant text that embedded the tool XML,
// then the result attributed to System<[toolName]>. Entries beyond the
// configured window are skipped. MCP result images are capped afterward
// by dropping oldest.
func (b *Builder) interleaveToolHistory(in Input, items []*item) []*item {
	entries := in.ToolCache
	if w := in.Bot.ToolCacheWindow; len(entries) > w {
		entries = entries[len(entries)-w:]
	}
	if len(entries) == 0 {
		return items
	}

	byTrigger := make(map[string][]toolcache.Entry)
	for _, e := range entries {
		byTrigger[e.TriggeringMessageID] = append(byTrigger[e.TriggeringMessageID], e)
	}

	out := make([]*item, 0, len(items)+2*len(entries))
	for _, it := range items {
		out = append(out, it)
		for _, e := range byTrigger[it.messageID] {
			if e.OriginalText != "" {
				out = append(out, &item{
					participant: in.Bot.Name,
					fromBot:     true,
					blocks:      []llm.ContentBlock{llm.Text(e.OriginalText)},
					timestamp:   e.Timestamp,
				})
			}
			result := &item{
				participant: "System<[" + e.Name + "]>",
				blocks:      []llm.ContentBlock{llm.Text(e.Result.Text())},
				timestamp:   e.Timestamp,
			}
			for _, img := range e.Result.Images {
				result.blocks = append(result.blocks, llm.Image(img.MimeType, img.Data))
				result.mcpImages++
			}
			out = append(out, result)
		}
	}
	capMCPImages(out, in.Bot.MaxMCPImages)
	return out
}

// capMCPImages removes the oldest tool-result images beyond the limit.
func capMCPImages(items []*item, limit int) {
	total := 0
	for _, it := range items {
		total += it.mcpImages
	}
	excess := total - limit
	for _, it := range items {
		if excess <= 0 {
			return
		}
		if it.mcpImages == 0 {
			continue
		}
		kept := it.blocks[:0]
		for _, blk := range it.blocks {
			if blk.Type == llm.BlockImage && it.mcpImages > 0 && excess > 0 {
				it.mcpImages--
				excess--
				continue
			}
			kept = append(kept, blk)
		}
		it.blocks = kept
	}
}

// injectActivations rebuilds the bot's own invisible output around its
// sent messages. Each sent message's text is wrapped with the recorded
// prefix and suffix; consecutive items from the same activation are
// then re-merged so shared prefixes are not duplicated. Phantom
// completions are recorded in the store but never injected: with no
// surviving message to anchor them, replaying their invisible content
// would desynchronize the reconstruction.
func (b *Builder) injectActivations(in Input, items []*item) []*item {
	contexts := make(map[string]activations.MessageContext)
	activationByMessage := make(map[string]string)
	for _, a := range in.Activations {
		for id, mc := range a.MessageContexts {
			contexts[id] = mc
			activationByMessage[id] = a.ID
		}
	}
	if len(contexts) == 0 {
		return items
	}

	for _, it := range items {
		if !it.fromBot {
			continue
		}
		mc, ok := contexts[it.messageID]
		if !ok {
			continue
		}
		it.activationID = activationByMessage[it.messageID]
		for i := range it.blocks {
			if it.blocks[i].Type == llm.BlockText {
				it.blocks[i].Text = mc.Prefix + it.blocks[i].Text + mc.Suffix
				break
			}
		}
	}
	return mergeSameActivation(items)
}

// mergeSameActivation joins consecutive bot items from one activation
// into a single item, concatenating text blocks.
func mergeSameActivation(items []*item) []*item {
	out := items[:0]
	for _, it := range items {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.activationID != "" && prev.activationID == it.activationID {
				appendBlocks(prev, it, "\n")
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

// applyInjections inserts plugin context fragments at their aged
// depths. Positive depths count from the end and drift from 0 toward
// the target as newer messages arrive after the injection's anchor;
// negative depths are fixed positions from the start.
func (b *Builder) applyInjections(in Input, items []*item) []*item {
	if len(in.Injections) == 0 {
		return items
	}

	indexOf := make(map[string]int, len(items))
	for i, it := range items {
		if it.messageID != "" {
			indexOf[it.messageID] = i
		}
	}

	type placed struct {
		inj   Injection
		depth int
	}
	var positive, negative []placed
	for _, inj := range in.Injections {
		if inj.TargetDepth < 0 {
			negative = append(negative, placed{inj: inj, depth: -inj.TargetDepth - 1})
			continue
		}
		depth := inj.TargetDepth
		if inj.LastModifiedAt != "" {
			if idx, ok := indexOf[inj.LastModifiedAt]; ok {
				since := len(items) - 1 - idx
				if since < depth {
					depth = since
				}
			}
		}
		positive = append(positive, placed{inj: inj, depth: depth})
	}

	// Deepest first so earlier insertions do not shift later ones.
	sort.SliceStable(positive, func(i, j int) bool {
		if positive[i].depth != positive[j].depth {
			return positive[i].depth > positive[j].depth
		}
		return positive[i].inj.Priority > positive[j].inj.Priority
	})
	for _, p := range positive {
		pos := len(items) - p.depth
		if pos < 0 {
			pos = 0
		}
		items = insertItem(items, pos, injectionItem(in, p.inj))
	}

	// Fixed positions from the start, largest first for the same reason.
	sort.SliceStable(negative, func(i, j int) bool {
		return negative[i].depth > negative[j].depth
	})
	for _, p := range negative {
		pos := p.depth
		if pos > len(items) {
			pos = len(items)
		}
		items = insertItem(items, pos, injectionItem(in, p.inj))
	}
	return items
}

func injectionItem(in Input, inj Injection) *item {
	participant := "System"
	if !inj.AsSystem {
		participant = in.Bot.Name
	}
	return &item{
		participant: participant,
		fromBot:     !inj.AsSystem,
		blocks:      []llm.ContentBlock{llm.Text(inj.Content)},
	}
}

func insertItem(items []*item, pos int, it *item) []*item {
	items = append(items, nil)
	copy(items[pos+1:], items[pos:])
	items[pos] = it
	return items
}

// mergeSameParticipant joins consecutive items from one participant.
// The first item's message id survives a merge.
func mergeSameParticipant(items []*item) []*item {
	out := items[:0]
	for _, it := range items {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.participant == it.participant {
				appendBlocks(prev, it, "\n")
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

// appendBlocks folds src into dst, joining adjacent text blocks with
// sep and carrying other block kinds over unchanged.
func appendBlocks(dst, src *item, sep string) {
	for _, blk := range src.blocks {
		if blk.Type == llm.BlockText && len(dst.blocks) > 0 {
			last := &dst.blocks[len(dst.blocks)-1]
			if last.Type == llm.BlockText {
				last.Text += sep + blk.Text
				continue
			}
		}
		dst.blocks = append(dst.blocks, blk)
	}
	dst.mcpImages += src.mcpImages
}
