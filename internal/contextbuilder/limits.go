package contextbuilder

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/cordial/internal/llm"
)

// applySizeLimits enforces the character and message-count ceilings by
// dropping oldest items. Crossing the normal character ceiling always
// truncates and rolls; the message-count ceiling waits for the rolling
// threshold so small overshoots do not churn the cached prefix. The
// hard ceiling bounds the one case item dropping cannot: a single
// message larger than the window.
func (b *Builder) applySizeLimits(in Input, items []*item) ([]*item, bool) {
	didRoll := false

	chars := 0
	for _, it := range items {
		chars += it.textLen()
	}
	if chars > in.Bot.RecencyWindowCharacters {
		items = truncateToChars(items, in.Bot.RecencyWindowCharacters)
		didRoll = true
		clampToHardMax(items, in.Bot.HardMaxCharacters)
	}

	if max := in.Bot.RecencyWindowMessages; len(items) > max {
		if didRoll || in.State.MessagesSinceRoll >= in.Bot.RollingThreshold {
			items = items[len(items)-max:]
			didRoll = true
		}
	}
	return items, didRoll
}

// truncateToChars keeps the newest items whose cumulative text fits the
// limit, walking backward from the end.
func truncateToChars(items []*item, limit int) []*item {
	total := 0
	cut := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		n := items[i].textLen()
		if total+n > limit {
			break
		}
		total += n
		cut = i
	}
	if cut == len(items) && len(items) > 0 {
		// Even the newest item alone exceeds the limit; keep it rather
		// than building an empty request.
		cut = len(items) - 1
	}
	return items[cut:]
}

// clampToHardMax trims text from the oldest end until the total fits
// the hard ceiling, keeping the newest bytes. Only reachable when a
// kept item is itself larger than the recency window.
func clampToHardMax(items []*item, hardMax int) {
	if hardMax <= 0 {
		return
	}
	total := 0
	for _, it := range items {
		total += it.textLen()
	}
	excess := total - hardMax
	for _, it := range items {
		if excess <= 0 {
			return
		}
		for i := range it.blocks {
			if it.blocks[i].Type != llm.BlockText {
				continue
			}
			t := it.blocks[i].Text
			if len(t) <= excess {
				excess -= len(t)
				it.blocks[i].Text = ""
				continue
			}
			cut := excess
			for cut < len(t) && !utf8.RuneStart(t[cut]) {
				cut++
			}
			it.blocks[i].Text = t[cut:]
			excess = 0
		}
	}
}

// placeCacheMarker decides which message carries cache_control. A
// surviving prior marker is kept across roll-free builds so the prefix
// stays byte-identical; otherwise the marker moves to buffer messages
// from the end. A prior marker merged away falls back to the nearest
// preceding non-bot message within the buffer, or the marker is
// disabled for this request.
func (b *Builder) placeCacheMarker(in Input, items []*item, didRoll bool) string {
	if !in.Bot.Model.PromptCaching {
		return ""
	}

	if !didRoll && in.State.LastCacheMarker != "" {
		for _, it := range items {
			if it.messageID == in.State.LastCacheMarker {
				return it.messageID
			}
		}
		if id, ok := markerFallback(in.State.LastCacheMarker, items); ok {
			b.logger.Warn("cache marker message gone, reassigned",
				"old_marker", in.State.LastCacheMarker, "new_marker", id)
			return id
		}
		b.logger.Warn("cache marker message gone, no fallback; caching disabled for this request",
			"old_marker", in.State.LastCacheMarker)
		return ""
	}

	idx := len(items) - cacheMarkerBuffer
	if idx < 0 {
		idx = 0
	}
	for i := idx; i >= 0; i-- {
		if items[i].messageID != "" {
			return items[i].messageID
		}
	}
	return ""
}

// markerFallback looks backward from where the lost marker would sit
// for a non-bot message with an id, within the buffer.
func markerFallback(marker string, items []*item) (string, bool) {
	// The marker's former position is the last item at or before it in
	// snowflake order.
	pos := -1
	for i, it := range items {
		if it.messageID != "" && !snowflakeAfter(it.messageID, marker) {
			pos = i
		}
	}
	if pos < 0 {
		return "", false
	}
	for i, steps := pos, 0; i >= 0 && steps < cacheMarkerBuffer; i, steps = i-1, steps+1 {
		if !items[i].fromBot && items[i].messageID != "" {
			return items[i].messageID, true
		}
	}
	return "", false
}

func snowflakeAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

var mentionRe = regexp.MustCompile(`<@([^>]+)>`)

// maxParticipantStops bounds tier-3 participant stop sequences.
const maxParticipantStops = 10

// stopSequences builds the stop list in priority order: turn-end token,
// message delimiter, recent participant names (walking backward through
// the final sequence and the mentions inside it), configured user
// stops, then the System participant and a conversation boundary.
// The list is a pure function of the final sequence and config.
func (b *Builder) stopSequences(in Input, items []*item) []string {
	var stops []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		stops = append(stops, s)
	}

	add(in.Bot.Model.TurnEndToken)
	add(in.Bot.Model.MessageDelimiter)

	participants := 0
	addParticipant := func(name string) {
		if name == "" || name == in.Bot.Name || participants >= maxParticipantStops {
			return
		}
		s := "\n" + name + ":"
		if !seen[s] {
			participants++
		}
		add(s)
	}
	for i := len(items) - 1; i >= 0; i-- {
		addParticipant(items[i].participant)
		matches := mentionRe.FindAllStringSubmatch(items[i].text(), -1)
		for _, m := range matches {
			addParticipant(m[1])
		}
	}

	for _, s := range in.Bot.Model.StopSequences {
		add(s)
	}
	add("\nSystem:")
	add("\n" + strings.Repeat("-", 3) + "\n")
	return stops
}
