package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/cordial/internal/config"
	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/tools"
)

func inlineBot(t *testing.T) config.BotConfig {
	t.Helper()
	bot := config.BotConfig{
		ID:    "bot1",
		Name:  "Claude",
		Token: "x",
		Model: config.ModelConfig{Model: "fake-model"},
	}
	if err := bot.Validate(); err != nil {
		t.Fatal(err)
	}
	return bot
}

func baseRequest(botName string) *llm.Request {
	return &llm.Request{
		BotName: botName,
		Messages: []llm.ParticipantMessage{
			{Participant: "Alice", Content: []llm.ContentBlock{llm.Text("run it")}},
			{Participant: botName},
		},
		Config: llm.RequestConfig{Model: "fake-model", Mode: "prefill"},
	}
}

func echoExecutor() *tools.Executor {
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	return tools.NewExecutor(registry, nil, discardLogger())
}

func newLoop(adapter *fakeAdapter, provider *fakeProvider, executor *tools.Executor) *InlineLoop {
	return &InlineLoop{
		Provider: provider,
		Executor: executor,
		Adapter:  adapter,
		Logger:   discardLogger(),
	}
}

const echoCall = "<function_calls>\n<invoke name=\"echo\">\n<parameter name=\"text\">1</parameter>\n</invoke>\n"

// Inline tool call: thinking + visible text + tool call, then a plain
// continuation.
func TestRun_InlineToolCall(t *testing.T) {
	adapter := newFakeAdapter(nil)
	provider := &fakeProvider{completions: []*llm.Completion{
		textCompletion("<thinking>plan</thinking>hello"+echoCall, llm.StopStopSequence, tools.CallsClose),
		textCompletion("done.", llm.StopEndTurn, ""),
	}}
	loop := newLoop(adapter, provider, echoExecutor())

	result, err := loop.Run(context.Background(), RunInput{
		Bot:              inlineBot(t),
		ChannelID:        "chan",
		TriggerMessageID: "trigger-1",
		Request:          baseRequest("Claude"),
		Participants:     []string{"Alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeOK {
		t.Errorf("outcome = %q", result.Outcome)
	}
	if result.ToolExecutions != 1 {
		t.Errorf("tool executions = %d, want 1", result.ToolExecutions)
	}

	contents := adapter.sentContents()
	if len(contents) != 2 || contents[0] != "hello" || contents[1] != "done." {
		t.Fatalf("sent = %v, want [hello done.]", contents)
	}
	if adapter.sent[0].ReplyTo != "trigger-1" {
		t.Errorf("first send replyTo = %q, want trigger", adapter.sent[0].ReplyTo)
	}
	if adapter.sent[1].ReplyTo != "" {
		t.Errorf("second send replyTo = %q, want none", adapter.sent[1].ReplyTo)
	}

	// First message carries the thinking prefix; second carries the
	// tool XML plus results as its prefix.
	first := result.MessageContexts[result.SentMessageIDs[0]]
	if first.Prefix != "<thinking>plan</thinking>" {
		t.Errorf("first prefix = %q", first.Prefix)
	}
	second := result.MessageContexts[result.SentMessageIDs[1]]
	if !strings.HasPrefix(second.Prefix, "<function_calls>") {
		t.Errorf("second prefix = %q, want tool xml", second.Prefix)
	}
	if !strings.Contains(second.Prefix, "<function_results>") || !strings.Contains(second.Prefix, "<output>1</output>") {
		t.Errorf("second prefix missing results: %q", second.Prefix)
	}

	// The continuation request prefilled the accumulated text ending in
	// the injected results.
	if len(provider.requests) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(provider.requests))
	}
	cont := provider.requests[1]
	prefill := cont.Messages[len(cont.Messages)-1].FirstText()
	if !strings.Contains(prefill, "</function_results>") {
		t.Errorf("continuation prefill missing results: %q", prefill)
	}

	// Reconstruction: prefix + content + suffix over sent messages
	// equals the accumulated text.
	var rebuilt strings.Builder
	for _, id := range result.SentMessageIDs {
		mc := result.MessageContexts[id]
		rebuilt.WriteString(mc.Prefix)
		rebuilt.WriteString(contentOf(adapter, id))
		rebuilt.WriteString(mc.Suffix)
	}
	if rebuilt.String() != result.AccumulatedText {
		t.Errorf("reconstruction mismatch:\nrebuilt: %q\naccumulated: %q", rebuilt.String(), result.AccumulatedText)
	}
}

func contentOf(a *fakeAdapter, id string) string {
	for _, s := range a.sent {
		for _, sid := range s.IDs {
			if sid == id {
				return s.Content
			}
		}
	}
	return ""
}

// Hallucinated participant at response start discards everything.
func TestRun_StartHallucination(t *testing.T) {
	adapter := newFakeAdapter(nil)
	provider := &fakeProvider{completions: []*llm.Completion{
		textCompletion("Alice: I think the answer is", llm.StopEndTurn, ""),
	}}
	loop := newLoop(adapter, provider, echoExecutor())

	result, err := loop.Run(context.Background(), RunInput{
		Bot:          inlineBot(t),
		ChannelID:    "chan",
		Request:      baseRequest("Claude"),
		Participants: []string{"Alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeHallucination {
		t.Errorf("outcome = %q, want hallucination", result.Outcome)
	}
	if len(adapter.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(adapter.sent))
	}
	if result.AccumulatedText != "" {
		t.Errorf("accumulated = %q, want empty", result.AccumulatedText)
	}
}

// Max tool depth: every completion emits a call; the loop stops after
// the configured number of executions.
func TestRun_MaxToolDepth(t *testing.T) {
	adapter := newFakeAdapter(nil)
	toolTurn := textCompletion("working"+echoCall, llm.StopStopSequence, tools.CallsClose)
	provider := &fakeProvider{completions: []*llm.Completion{
		toolTurn,
		textCompletion("more"+echoCall, llm.StopStopSequence, tools.CallsClose),
		textCompletion("never reached", llm.StopEndTurn, ""),
	}}
	bot := inlineBot(t)
	bot.MaxToolDepth = 2
	loop := newLoop(adapter, provider, echoExecutor())

	result, err := loop.Run(context.Background(), RunInput{
		Bot:       bot,
		ChannelID: "chan",
		Request:   baseRequest("Claude"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeMaxToolDepth {
		t.Errorf("outcome = %q", result.Outcome)
	}
	if result.ToolExecutions != 2 {
		t.Errorf("tool executions = %d, want 2", result.ToolExecutions)
	}
	if !strings.HasSuffix(result.AccumulatedText, maxDepthSuffix) {
		t.Errorf("accumulated missing depth suffix: %q", result.AccumulatedText)
	}

	// The notice is delivered as its own visible message; the final
	// tool transcript rides as its invisible prefix.
	contents := adapter.sentContents()
	if len(contents) != 3 || contents[2] != maxDepthNotice {
		t.Fatalf("sent = %v, want depth notice last", contents)
	}
	last := result.MessageContexts[result.SentMessageIDs[len(result.SentMessageIDs)-1]]
	if !strings.HasPrefix(last.Prefix, "<function_calls>") || !strings.HasSuffix(last.Prefix, "\n") {
		t.Errorf("notice prefix = %q, want trailing tool transcript", last.Prefix)
	}
}

// Mid-response truncation at a participant line that slipped past the
// stop sequences.
func TestRun_MidResponseTruncation(t *testing.T) {
	adapter := newFakeAdapter(nil)
	provider := &fakeProvider{completions: []*llm.Completion{
		textCompletion("here you go\nAlice: thanks so much", llm.StopEndTurn, ""),
	}}
	loop := newLoop(adapter, provider, echoExecutor())

	result, err := loop.Run(context.Background(), RunInput{
		Bot:          inlineBot(t),
		ChannelID:    "chan",
		Request:      baseRequest("Claude"),
		Participants: []string{"Alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	contents := adapter.sentContents()
	if len(contents) != 1 || contents[0] != "here you go" {
		t.Errorf("sent = %v", contents)
	}
	if result.AccumulatedText != "here you go" {
		t.Errorf("accumulated = %q, want truncated bytes", result.AccumulatedText)
	}
}

func TestRun_Refusal(t *testing.T) {
	adapter := newFakeAdapter(nil)
	provider := &fakeProvider{completions: []*llm.Completion{
		{Content: []llm.ContentBlock{llm.Text("")}, StopReason: llm.StopRefusal},
	}}
	loop := newLoop(adapter, provider, echoExecutor())

	result, err := loop.Run(context.Background(), RunInput{
		Bot:       inlineBot(t),
		ChannelID: "chan",
		Request:   baseRequest("Claude"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeRefusal {
		t.Errorf("outcome = %q", result.Outcome)
	}
	if len(adapter.sent) != 0 {
		t.Errorf("sent %d messages on refusal", len(adapter.sent))
	}
}

// A refusal with visible text is an ordinary final completion: the
// text ships and its message context is recorded.
func TestRun_RefusalDeliversText(t *testing.T) {
	adapter := newFakeAdapter(nil)
	provider := &fakeProvider{completions: []*llm.Completion{
		{
			Content:    []llm.ContentBlock{llm.Text("<thinking>no</thinking>I can't help with that.")},
			StopReason: llm.StopRefusal,
		},
	}}
	loop := newLoop(adapter, provider, echoExecutor())

	result, err := loop.Run(context.Background(), RunInput{
		Bot:       inlineBot(t),
		ChannelID: "chan",
		Request:   baseRequest("Claude"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeRefusal {
		t.Errorf("outcome = %q", result.Outcome)
	}
	contents := adapter.sentContents()
	if len(contents) != 1 || contents[0] != "I can't help with that." {
		t.Fatalf("sent = %v", contents)
	}
	mc := result.MessageContexts[result.SentMessageIDs[0]]
	if mc.Prefix != "<thinking>no</thinking>" {
		t.Errorf("prefix = %q", mc.Prefix)
	}
	if got := mc.Prefix + contents[0] + mc.Suffix; got != result.AccumulatedText {
		t.Errorf("reconstruction = %q, accumulated = %q", got, result.AccumulatedText)
	}
}

// Tool-output webhooks are posted dotted when configured.
func TestRun_ToolOutputVisible(t *testing.T) {
	adapter := newFakeAdapter(nil)
	provider := &fakeProvider{completions: []*llm.Completion{
		textCompletion("ok"+echoCall, llm.StopStopSequence, tools.CallsClose),
		textCompletion("done", llm.StopEndTurn, ""),
	}}
	bot := inlineBot(t)
	bot.ToolOutputVisible = true
	loop := newLoop(adapter, provider, echoExecutor())

	if _, err := loop.Run(context.Background(), RunInput{
		Bot:       bot,
		ChannelID: "chan",
		Request:   baseRequest("Claude"),
	}); err != nil {
		t.Fatal(err)
	}
	if len(adapter.webhooks) != 1 {
		t.Fatalf("webhooks = %d, want 1", len(adapter.webhooks))
	}
	if !strings.HasPrefix(adapter.webhooks[0], ". ") {
		t.Errorf("webhook not dotted: %q", adapter.webhooks[0])
	}
	if !strings.Contains(adapter.webhooks[0], "echo") {
		t.Errorf("webhook missing tool name: %q", adapter.webhooks[0])
	}
}

// Mentions are rewritten to platform ids and the reply prefix stripped
// before sending.
func TestRun_OutgoingRewrite(t *testing.T) {
	adapter := newFakeAdapter(nil)
	provider := &fakeProvider{completions: []*llm.Completion{
		textCompletion("<reply:@Alice> hey <@Alice> look", llm.StopEndTurn, ""),
	}}
	loop := newLoop(adapter, provider, echoExecutor())

	if _, err := loop.Run(context.Background(), RunInput{
		Bot:          inlineBot(t),
		ChannelID:    "chan",
		Request:      baseRequest("Claude"),
		UserIDByName: map[string]string{"Alice": "12345"},
	}); err != nil {
		t.Fatal(err)
	}
	contents := adapter.sentContents()
	if len(contents) != 1 || contents[0] != "hey <@12345> look" {
		t.Errorf("sent = %v", contents)
	}
}
