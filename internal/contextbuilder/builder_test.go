package contextbuilder

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/cordial/internal/config"
	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/toolcache"
	"github.com/haasonsaas/cordial/internal/tools"
	"github.com/haasonsaas/cordial/internal/transport"
)

func testBot(t *testing.T) config.BotConfig {
	t.Helper()
	bot := config.BotConfig{
		ID:    "bot1",
		Name:  "Claude",
		Token: "x",
		Model: config.ModelConfig{Model: "claude-sonnet-4-5", PromptCaching: true},
	}
	if err := bot.Validate(); err != nil {
		t.Fatal(err)
	}
	return bot
}

func msg(id, author, content string) transport.Message {
	return transport.Message{
		ID:        id,
		ChannelID: "chan",
		Author:    User(author),
		Content:   content,
		Timestamp: time.Unix(0, 0),
	}
}

func User(name string) transport.User {
	u := transport.User{ID: "u-" + name, Username: name, DisplayName: name}
	if name == "bot" {
		u.ID = "bot-user-id"
		u.Bot = true
	}
	return u
}

func botMsg(id, content string) transport.Message {
	m := msg(id, "bot", content)
	return m
}

func testInput(t *testing.T, msgs []transport.Message) Input {
	return Input{
		Bot:         testBot(t),
		BotUserID:   "bot-user-id",
		BotUsername: "cordial-bot",
		Messages:    msgs,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// seqMessages alternates authors so consecutive messages never merge.
func seqMessages(n int, chars int) []transport.Message {
	var msgs []transport.Message
	for i := 0; i < n; i++ {
		author := "alice"
		if i%2 == 1 {
			author = "bob"
		}
		msgs = append(msgs, msg(fmt.Sprintf("%03d", 100+i), author, strings.Repeat("x", chars)))
	}
	return msgs
}

func TestBuild_SimpleRequestShape(t *testing.T) {
	b := New(quietLogger())
	in := testInput(t, []transport.Message{
		msg("100", "bob", "hi"),
		msg("101", "alice", "<@cordial-bot> what time is it?"),
	})
	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	msgs := out.Request.Messages
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 2 + placeholder", len(msgs))
	}
	if msgs[2].Participant != "Claude" || len(msgs[2].Content) != 0 {
		t.Errorf("trailing placeholder = %+v", msgs[2])
	}
	if !strings.Contains(msgs[1].FirstText(), "<@Claude>") {
		t.Errorf("bot username not rewritten: %q", msgs[1].FirstText())
	}
	if out.OldestMessageID != "100" {
		t.Errorf("OldestMessageID = %q", out.OldestMessageID)
	}
}

func TestBuild_FiltersDotAndHidden(t *testing.T) {
	b := New(quietLogger())
	hidden := msg("102", "alice", "secret")
	hidden.Reactions = []transport.Reaction{{Emoji: "🫥", Count: 1}}
	in := testInput(t, []transport.Message{
		msg("100", "alice", "keep me"),
		msg("101", "alice", ". tool output webhook"),
		hidden,
		msg("103", "alice", "<reply:@bob> . dotted reply"),
		msg("104", "alice", "also keep"),
	})
	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	var texts []string
	for _, m := range out.Request.Messages {
		texts = append(texts, m.FirstText())
	}
	joined := strings.Join(texts, "|")
	for _, gone := range []string{"webhook", "secret", "dotted"} {
		if strings.Contains(joined, gone) {
			t.Errorf("filtered content leaked: %q in %q", gone, joined)
		}
	}
}

func TestBuild_MergesConsecutiveBotMessages(t *testing.T) {
	b := New(quietLogger())
	in := testInput(t, []transport.Message{
		msg("100", "alice", "question"),
		botMsg("101", "part one"),
		botMsg("102", "part two"),
		msg("103", "alice", "thanks"),
	})
	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	var botTurns []llm.ParticipantMessage
	for _, m := range out.Request.Messages {
		if m.Participant == "Claude" && len(m.Content) > 0 {
			botTurns = append(botTurns, m)
		}
	}
	if len(botTurns) != 1 {
		t.Fatalf("bot turns = %d, want 1 merged", len(botTurns))
	}
	if botTurns[0].MessageID != "101" {
		t.Errorf("merged id = %q, want first id 101", botTurns[0].MessageID)
	}
	if want := "part one\npart two"; botTurns[0].FirstText() != want {
		t.Errorf("merged text = %q, want %q", botTurns[0].FirstText(), want)
	}
}

// Roll boundary: four 30-char messages then a short one, window 80.
func TestBuild_RollBoundary(t *testing.T) {
	b := New(quietLogger())
	msgs := seqMessages(4, 30)
	msgs = append(msgs, msg("200", "alice", "<@cordial-bot> hi"))
	in := testInput(t, msgs)
	in.Bot.RollingThreshold = 3
	in.Bot.RecencyWindowCharacters = 80
	in.Bot.HardMaxCharacters = 160
	in.State.MessagesSinceRoll = 1

	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	if !out.DidRoll {
		t.Fatal("DidRoll = false, want true")
	}
	total := 0
	for i := range out.Request.Messages {
		total += out.Request.Messages[i].TextLen()
	}
	if total > 80 {
		t.Errorf("total chars = %d, want <= 80", total)
	}
	if out.OldestMessageID == "100" {
		t.Error("oldest message survived a roll that should drop it")
	}
	if out.CacheMarker == "" {
		t.Error("no cache marker after roll")
	}
}

// A single message larger than the window survives item dropping; the
// hard ceiling clamps its oldest text so only the tail remains.
func TestBuild_HardCeilingClampsOversizedMessage(t *testing.T) {
	b := New(quietLogger())
	content := "<@cordial-bot> HEAD " + strings.Repeat("x", 500) + " TAIL"
	in := testInput(t, []transport.Message{msg("100", "alice", content)})
	in.Bot.RecencyWindowCharacters = 80
	in.Bot.HardMaxCharacters = 120

	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	if !out.DidRoll {
		t.Fatal("DidRoll = false, want true")
	}
	total := 0
	var text strings.Builder
	for i := range out.Request.Messages {
		total += out.Request.Messages[i].TextLen()
		text.WriteString(out.Request.Messages[i].FirstText())
	}
	if total > 120 {
		t.Errorf("total chars = %d, want <= 120", total)
	}
	if strings.Contains(text.String(), "HEAD") {
		t.Error("oldest text survived the hard ceiling")
	}
	if !strings.Contains(text.String(), "TAIL") {
		t.Error("newest text did not survive the hard ceiling")
	}
}

func TestBuild_NoRollUnderLimits(t *testing.T) {
	b := New(quietLogger())
	in := testInput(t, seqMessages(5, 10))
	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	if out.DidRoll {
		t.Error("DidRoll = true under limits")
	}
}

// Cache-prefix stability: with no roll, the byte sequence up to and
// including the marker message is identical across activations.
func TestBuild_PrefixStableAcrossActivations(t *testing.T) {
	b := New(quietLogger())
	msgs := seqMessages(30, 20)
	first, err := b.Build(testInput(t, msgs))
	if err != nil {
		t.Fatal(err)
	}
	if first.CacheMarker == "" {
		t.Fatal("no marker on first build")
	}

	in2 := testInput(t, append(append([]transport.Message{}, msgs...),
		msg("900", "alice", "another message"),
		msg("901", "bob", "and one more")))
	in2.State.LastCacheMarker = first.CacheMarker
	in2.State.CacheOldestMessageID = first.OldestMessageID
	second, err := b.Build(in2)
	if err != nil {
		t.Fatal(err)
	}
	if second.DidRoll {
		t.Fatal("unexpected roll")
	}
	if second.CacheMarker != first.CacheMarker {
		t.Fatalf("marker moved: %q -> %q", first.CacheMarker, second.CacheMarker)
	}

	prefix := func(o *Output) []llm.ParticipantMessage {
		for i, m := range o.Request.Messages {
			if m.MessageID == o.CacheMarker {
				return o.Request.Messages[:i+1]
			}
		}
		t.Fatalf("marker %q not in request", o.CacheMarker)
		return nil
	}
	if !reflect.DeepEqual(prefix(first), prefix(second)) {
		t.Error("cached prefix changed between roll-free activations")
	}
}

// Marker orphaned by a bot-message merge falls back to the nearest
// preceding non-bot message.
func TestBuild_MarkerOrphanFallback(t *testing.T) {
	b := New(quietLogger())
	in := testInput(t, []transport.Message{
		msg("100", "alice", "before"),
		botMsg("101", "first half"),
		botMsg("102", "second half"),
		msg("103", "alice", "after"),
	})
	in.State.LastCacheMarker = "102" // merged into 101

	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	if out.CacheMarker != "100" {
		t.Errorf("CacheMarker = %q, want fallback to 100", out.CacheMarker)
	}
}

func TestBuild_MarkerOrphanNoFallbackDisables(t *testing.T) {
	b := New(quietLogger())
	in := testInput(t, []transport.Message{
		botMsg("101", "first"),
		botMsg("102", "second"),
		msg("103", "alice", "after"),
	})
	in.State.LastCacheMarker = "102"

	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	if out.CacheMarker != "" {
		t.Errorf("CacheMarker = %q, want disabled", out.CacheMarker)
	}
	for _, m := range out.Request.Messages {
		if m.CacheEphemeral {
			t.Error("cache control attached with disabled marker")
		}
	}
}

// Stop list is a pure function of the final sequence and config.
func TestBuild_StopSequencesDeterministic(t *testing.T) {
	b := New(quietLogger())
	build := func() []string {
		in := testInput(t, []transport.Message{
			msg("100", "alice", "hey <@bob> look"),
			msg("101", "carol", "sure"),
		})
		in.Bot.Model.TurnEndToken = "<END>"
		in.Bot.Model.StopSequences = []string{"\nNARRATOR:"}
		out, err := b.Build(in)
		if err != nil {
			t.Fatal(err)
		}
		return out.Request.StopSequences
	}
	first, second := build(), build()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("stop lists differ:\n%v\n%v", first, second)
	}
	if first[0] != "<END>" {
		t.Errorf("stops[0] = %q, want turn-end token first", first[0])
	}
	wantMembers := []string{"\nalice:", "\ncarol:", "\nbob:", "\nNARRATOR:", "\nSystem:"}
	for _, w := range wantMembers {
		found := false
		for _, s := range first {
			if s == w {
				found = true
			}
		}
		if !found {
			t.Errorf("stop list missing %q: %v", w, first)
		}
	}
	for _, s := range first {
		if s == "\nClaude:" {
			t.Error("bot's own name in stop list")
		}
	}
}

func TestBuild_ToolHistoryInterleave(t *testing.T) {
	b := New(quietLogger())
	in := testInput(t, []transport.Message{
		msg("100", "alice", "run the tool"),
		msg("101", "alice", "unrelated"),
	})
	in.ToolCache = []toolcache.Entry{{
		ID:                  "call-1",
		Name:                "echo",
		Result:              tools.Result{Output: "echoed"},
		TriggeringMessageID: "100",
		OriginalText:        "<function_calls>...</function_calls>",
	}}

	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, m := range out.Request.Messages {
		order = append(order, m.Participant)
	}
	// alice(100), assistant tool text, System<[echo]>, alice(101), placeholder
	want := []string{"alice", "Claude", "System<[echo]>", "alice", "Claude"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("participant order = %v, want %v", order, want)
	}
	for _, m := range out.Request.Messages {
		if m.Participant == "System<[echo]>" && m.FirstText() != "echoed" {
			t.Errorf("tool result text = %q", m.FirstText())
		}
	}
}

func TestBuild_InjectionDepthAging(t *testing.T) {
	b := New(quietLogger())
	msgs := seqMessages(10, 5)
	in := testInput(t, msgs)
	in.Injections = []Injection{{
		ID:          "memo",
		Content:     "remember the thing",
		TargetDepth: 6,
		// Anchored two messages from the end: depth ages to 2, not 6.
		LastModifiedAt: msgs[len(msgs)-3].ID,
		AsSystem:       true,
	}}
	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	reqMsgs := out.Request.Messages
	// Drop trailing placeholder for position math.
	reqMsgs = reqMsgs[:len(reqMsgs)-1]
	idx := -1
	for i, m := range reqMsgs {
		if strings.Contains(m.FirstText(), "remember the thing") {
			idx = i
		}
	}
	if idx == -1 {
		t.Fatal("injection not present")
	}
	if depth := len(reqMsgs) - 1 - idx; depth != 2 {
		t.Errorf("injection depth = %d, want aged depth 2", depth)
	}
}

func TestBuild_ImageTiers(t *testing.T) {
	b := New(quietLogger())
	in := testInput(t, seqMessages(25, 1))
	in.Bot.CacheImages = false
	in.Images = []transport.ImageRef{
		{MessageID: "100", MimeType: "image/png", Data: []byte("prefix image")},
		{MessageID: "120", MimeType: "image/png", Data: []byte("tail image")},
	}
	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	var imageCount int
	for _, m := range out.Request.Messages {
		for _, blk := range m.Content {
			if blk.Type == llm.BlockImage {
				imageCount++
				if m.MessageID == "100" {
					t.Error("prefix image attached with cache_images disabled")
				}
			}
		}
	}
	if imageCount != 1 {
		t.Errorf("image blocks = %d, want 1 (ephemeral tier only)", imageCount)
	}
}

// The shared request budget drops images once their cumulative base64
// size crosses it; earlier attachments keep their slots.
func TestBuild_ImageRequestBudget(t *testing.T) {
	b := New(quietLogger())
	// Each 16-byte image encodes to 24 base64 bytes: two fit, the third
	// would cross the budget.
	b.imageBudget = 60
	in := testInput(t, seqMessages(25, 1))
	in.Images = []transport.ImageRef{
		{MessageID: "120", MimeType: "image/png", Data: []byte("0123456789abcdef")},
		{MessageID: "121", MimeType: "image/png", Data: []byte("0123456789abcdef")},
		{MessageID: "122", MimeType: "image/png", Data: []byte("0123456789abcdef")},
	}
	out, err := b.Build(in)
	if err != nil {
		t.Fatal(err)
	}
	var imageCount int
	for _, m := range out.Request.Messages {
		for _, blk := range m.Content {
			if blk.Type == llm.BlockImage {
				imageCount++
				if m.MessageID == "122" {
					t.Error("image attached past the request budget")
				}
			}
		}
	}
	if imageCount != 2 {
		t.Errorf("image blocks = %d, want 2 within budget", imageCount)
	}
}
