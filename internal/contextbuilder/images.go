package contextbuilder

import (
	"encoding/base64"

	"github.com/haasonsaas/cordial/internal/config"
	"github.com/haasonsaas/cordial/internal/images"
	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/transport"
)

// selectImages attaches image blocks to their carrying items in two
// tiers split at the anchor: cached-prefix images (stable across
// activations) and ephemeral tail images. A shared request ceiling and
// a per-image ceiling apply; oversized images are resampled
// deterministically so the cached prefix never churns.
func (b *Builder) selectImages(in Input, msgs []transport.Message, items []*item, anchorIdx int) {
	if len(in.Images) == 0 {
		return
	}

	msgIndex := make(map[string]int, len(msgs))
	for i := range msgs {
		msgIndex[msgs[i].ID] = i
	}
	itemByMessage := make(map[string]*item, len(items))
	for _, it := range items {
		itemByMessage[it.messageID] = it
	}

	var prefix, ephemeral []transport.ImageRef
	for _, img := range in.Images {
		idx, ok := msgIndex[img.MessageID]
		if !ok {
			continue
		}
		if idx <= anchorIdx {
			if in.Bot.CacheImages {
				prefix = append(prefix, img)
			}
			continue
		}
		ephemeral = append(ephemeral, img)
	}
	// Most recent first within each tier.
	prefix = lastN(prefix, in.Bot.MaxImages)
	ephemeral = lastN(ephemeral, in.Bot.MaxEphemeralImages)

	budget := b.imageBudget
	if budget <= 0 {
		budget = config.DefaultMaxImageRequestBytes
	}
	for _, img := range append(prefix, ephemeral...) {
		it, ok := itemByMessage[img.MessageID]
		if !ok {
			continue
		}
		data, mimeType, err := images.ResampleToFit(img.Data, img.MimeType, config.DefaultMaxSingleImageBytes)
		if err != nil {
			b.logger.Warn("image dropped from context", "url", img.SourceURL, "error", err)
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		if len(encoded) > budget {
			b.logger.Warn("image budget exhausted", "url", img.SourceURL, "remaining", budget)
			continue
		}
		budget -= len(encoded)
		it.blocks = append(it.blocks, llm.Image(mimeType, encoded))
	}
}

func lastN(refs []transport.ImageRef, n int) []transport.ImageRef {
	if len(refs) <= n {
		return refs
	}
	return refs[len(refs)-n:]
}
