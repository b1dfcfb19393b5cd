package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/transport"
)

type sentMessage struct {
	ChannelID string
	Content   string
	ReplyTo   string
	IDs       []string
}

// fakeAdapter is an in-memory transport for scheduler and loop tests.
type fakeAdapter struct {
	mu sync.Mutex

	window     []transport.Message
	fetchErr   error
	sent       []sentMessage
	webhooks   []string
	reactions  map[string][]string // messageID -> emojis
	deleted    []string
	chainDepth int
	nextID     int
	typing     int
}

func newFakeAdapter(window []transport.Message) *fakeAdapter {
	return &fakeAdapter{window: window, reactions: make(map[string][]string)}
}

func (f *fakeAdapter) FetchContext(_ context.Context, opts transport.FetchOptions) (*transport.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	msgs := append([]transport.Message(nil), f.window...)
	found := opts.FirstMessageID == ""
	for _, m := range msgs {
		if m.ID == opts.FirstMessageID {
			found = true
		}
	}
	return &transport.FetchResult{Messages: msgs, FirstMessageFound: found}, nil
}

func (f *fakeAdapter) FetchPinnedConfigs(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeAdapter) SendMessage(_ context.Context, channelID, content, replyTo string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for len(content) > transport.MaxMessageLength {
		f.nextID++
		ids = append(ids, fmt.Sprintf("sent-%d", f.nextID))
		content = content[transport.MaxMessageLength:]
	}
	f.nextID++
	ids = append(ids, fmt.Sprintf("sent-%d", f.nextID))
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Content: content, ReplyTo: replyTo, IDs: ids})
	return ids, nil
}

func (f *fakeAdapter) SendWebhook(_ context.Context, _, _, content string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, content)
	f.nextID++
	return []string{fmt.Sprintf("hook-%d", f.nextID)}, nil
}

func (f *fakeAdapter) SendImageAttachment(_ context.Context, _, filename string, _ []byte, _ string) (string, error) {
	return "img-" + filename, nil
}

func (f *fakeAdapter) SendFileAttachment(_ context.Context, _, filename string, _ []byte, _ string) (string, error) {
	return "file-" + filename, nil
}

func (f *fakeAdapter) PinMessage(context.Context, string, string) error { return nil }

func (f *fakeAdapter) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAdapter) AddReaction(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = append(f.reactions[messageID], emoji)
	return nil
}

func (f *fakeAdapter) StartTyping(string) (stop func()) {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return func() {}
}

func (f *fakeAdapter) GetParentChannelID(context.Context, string) (string, error) { return "", nil }
func (f *fakeAdapter) GetChannelName(context.Context, string) (string, error)    { return "general", nil }
func (f *fakeAdapter) BotUserID() string                                         { return "bot-user-id" }
func (f *fakeAdapter) BotUsername() string                                       { return "cordial-bot" }

func (f *fakeAdapter) ReplyChainDepth(context.Context, string, *transport.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainDepth, nil
}

func (f *fakeAdapter) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.Content)
	}
	return out
}

// fakeProvider replays scripted completions and records requests.
type fakeProvider struct {
	mu          sync.Mutex
	completions []*llm.Completion
	requests    []*llm.Request
	err         error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, req *llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.requests = append(p.requests, req.Clone())
	if len(p.completions) == 0 {
		return &llm.Completion{Content: []llm.ContentBlock{llm.Text("")}, StopReason: llm.StopEndTurn}, nil
	}
	c := p.completions[0]
	p.completions = p.completions[1:]
	return c, nil
}

func textCompletion(text string, stop llm.StopReason, stopSeq string) *llm.Completion {
	return &llm.Completion{
		Content:      []llm.ContentBlock{llm.Text(text)},
		StopReason:   stop,
		StopSequence: stopSeq,
		Model:        "fake-model",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
