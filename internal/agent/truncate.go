package agent

import "strings"

// TruncationReason explains why output was cut.
type TruncationReason string

const (
	// TruncationNone means the text passed through untouched.
	TruncationNone TruncationReason = ""
	// TruncationMidResponse means the text was cut at a participant
	// line that slipped past the stop sequences.
	TruncationMidResponse TruncationReason = "mid_response"
)

// StartHallucinationReason marks output that opened as another
// participant; the whole response is discarded.
func StartHallucinationReason(name string) TruncationReason {
	return TruncationReason("start_hallucination:" + name)
}

// IsStartHallucination reports whether the reason is a discarded
// response-start hallucination.
func IsStartHallucination(r TruncationReason) bool {
	return strings.HasPrefix(string(r), "start_hallucination:")
}

// TruncateAtParticipant applies post-hoc participant truncation: the
// safety net for names that did not fit into the stop-sequence list.
// If text starts with another participant's "name:" line the entire
// response is discarded; otherwise it is cut at the earliest
// "\nname:" or configured extra stop sequence.
func TruncateAtParticipant(text, botName string, participants []string, extraStops []string) (string, TruncationReason) {
	for _, name := range participants {
		if name == botName || name == "" {
			continue
		}
		if strings.HasPrefix(text, name+":") {
			return "", StartHallucinationReason(name)
		}
	}

	cut := len(text)
	reason := TruncationNone
	for _, name := range participants {
		if name == botName || name == "" {
			continue
		}
		if i := strings.Index(text, "\n"+name+":"); i >= 0 && i < cut {
			cut = i
			reason = TruncationMidResponse
		}
	}
	for _, stop := range extraStops {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && i < cut {
			cut = i
			reason = TruncationMidResponse
		}
	}
	if reason == TruncationNone {
		return text, TruncationNone
	}
	return text[:cut], reason
}
