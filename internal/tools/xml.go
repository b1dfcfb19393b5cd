package tools

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Tag constants for the inline tool-call convention. The model emits
// calls as XML embedded in assistant text; results are injected back in
// a matching block so the continuation parses as one coherent turn.
const (
	CallsOpen    = "<function_calls>"
	CallsClose   = "</function_calls>"
	ResultsOpen  = "<function_results>"
	ResultsClose = "</function_results>"
)

var (
	callsBlockRe = regexp.MustCompile(`(?s)<function_calls>(.*?)</function_calls>`)
	invokeRe     = regexp.MustCompile(`(?s)<invoke name="([^"]+)">(.*?)</invoke>`)
	paramRe      = regexp.MustCompile(`(?s)<parameter name="([^"]+)">(.*?)</parameter>`)

	// legacyResultsRe matches the older results convention that some
	// stored assistant text still carries.
	legacyResultsRe = regexp.MustCompile(`(?s)System: <results>.*?</results>`)
	resultsBlockRe  = regexp.MustCompile(`(?s)<function_results>.*?</function_results>`)
)

// Parsed is the outcome of finding the first complete tool-call block.
type Parsed struct {
	// FullMatch is the entire <function_calls> block including tags.
	FullMatch string
	// BeforeText is everything preceding the block.
	BeforeText string
	// Calls are the invocations inside the block, in order.
	Calls []Call
}

// ParseCalls finds the first complete tool-call block in text. Returns
// nil when no complete block exists. Each call receives a fresh id.
func ParseCalls(text string) *Parsed {
	loc := callsBlockRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil
	}
	full := text[loc[0]:loc[1]]
	inner := text[loc[2]:loc[3]]

	var calls []Call
	for _, m := range invokeRe.FindAllStringSubmatch(inner, -1) {
		call := Call{
			ID:    uuid.NewString(),
			Name:  m[1],
			Input: make(map[string]string),
		}
		for _, pm := range paramRe.FindAllStringSubmatch(m[2], -1) {
			call.Input[pm[1]] = pm[2]
		}
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		return nil
	}
	return &Parsed{
		FullMatch:  full,
		BeforeText: text[:loc[0]],
		Calls:      calls,
	}
}

// HasIncompleteCall reports whether text ends inside an unclosed
// tool-call block or invoke tag.
func HasIncompleteCall(text string) bool {
	lastOpen := strings.LastIndex(text, CallsOpen)
	if lastOpen < 0 {
		return false
	}
	rest := text[lastOpen:]
	return !strings.Contains(rest, CallsClose)
}

// CallResult pairs a call with its textual result for injection.
type CallResult struct {
	Name   string
	Result string
}

// FormatResultsForInjection renders the result block appended after the
// accumulated assistant text. The byte layout must stay in sync with
// the region scanning in the segment parser.
func FormatResultsForInjection(results []CallResult) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(ResultsOpen)
	for _, r := range results {
		b.WriteString("\n<result>\n<name>")
		b.WriteString(r.Name)
		b.WriteString("</name>\n<output>")
		b.WriteString(r.Result)
		b.WriteString("</output>\n</result>")
	}
	b.WriteString("\n")
	b.WriteString(ResultsClose)
	return b.String()
}

// StripToolXML removes tool-call and tool-result blocks, including the
// legacy results convention, from text.
func StripToolXML(text string) string {
	text = callsBlockRe.ReplaceAllString(text, "")
	text = resultsBlockRe.ReplaceAllString(text, "")
	text = legacyResultsRe.ReplaceAllString(text, "")
	return text
}
