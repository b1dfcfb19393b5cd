package agent

import (
	"regexp"
	"strings"
)

// ContentSegment is the atomic unit mapped to a sent chat message: an
// invisible prefix, visible text, and optional trailing invisible
// suffix. Concatenating prefix + visible + suffix over all segments
// reproduces the original text byte for byte.
type ContentSegment struct {
	Prefix  string
	Visible string
	Suffix  string
}

// invisibleRe matches the regions that never reach the channel:
// thinking blocks, tool call XML, and both tool-result conventions.
var invisibleRe = regexp.MustCompile(`(?s)<thinking>.*?</thinking>|<function_calls>.*?</function_calls>|System: <results>.*?</results>|<function_results>.*?</function_results>`)

// invisibleStarts detects an unclosed trailing region.
var invisibleStarts = []string{"<thinking>", "<function_calls>", "System: <results>", "<function_results>"}

// SplitSegments partitions text into segments. Whitespace-only gaps
// between invisible regions fold into the surrounding invisible
// content. If no visible text exists, segments is empty and phantom
// holds the entire string for attachment to a previously sent message.
func SplitSegments(text string) (segments []ContentSegment, phantom string) {
	var pending strings.Builder

	consumeGap := func(gap string) {
		if strings.TrimSpace(gap) == "" {
			pending.WriteString(gap)
			return
		}
		segments = append(segments, ContentSegment{
			Prefix:  pending.String(),
			Visible: gap,
		})
		pending.Reset()
	}

	rest := text
	for {
		loc := invisibleRe.FindStringIndex(rest)
		if loc == nil {
			break
		}
		consumeGap(rest[:loc[0]])
		pending.WriteString(rest[loc[0]:loc[1]])
		rest = rest[loc[1]:]
	}

	// The tail may open a region that never closes.
	if idx := earliestInvisibleStart(rest); idx >= 0 {
		consumeGap(rest[:idx])
		pending.WriteString(rest[idx:])
	} else {
		consumeGap(rest)
	}

	if len(segments) == 0 {
		return nil, pending.String()
	}
	segments[len(segments)-1].Suffix = pending.String()
	return segments, ""
}

func earliestInvisibleStart(s string) int {
	best := -1
	for _, marker := range invisibleStarts {
		if i := strings.Index(s, marker); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// Reassemble concatenates all segments back into the original text.
func Reassemble(segments []ContentSegment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.Prefix)
		b.WriteString(s.Visible)
		b.WriteString(s.Suffix)
	}
	return b.String()
}
