package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxAnthropicStopSequences bounds the stop list passed to the API;
// the post-hoc participant truncation catches anything cut here.
const maxAnthropicStopSequences = 16

// AnthropicProvider implements Provider on the Anthropic Messages API.
//
// Participant messages are rendered as alternating user/assistant turns:
// messages from the request's bot name become assistant turns with plain
// content, everything else becomes user turns prefixed "Name: ". A
// non-empty trailing assistant message is sent as a prefill seed, which
// the model continues verbatim.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// AnthropicConfig configures the provider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// MaxRetries for transient failures. Default: 3.
	MaxRetries int
	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// NewAnthropicProvider validates the config and builds the client.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete performs one completion call with bounded retries on
// transient failures.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	delay := p.retryDelay
	for attempt := 0; ; attempt++ {
		msg, err = p.client.Messages.New(ctx, *params)
		if err == nil {
			break
		}
		if attempt >= p.maxRetries || !isRetryableAPIError(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("anthropic completion: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return convertAnthropicMessage(msg), nil
}

func (p *AnthropicProvider) buildParams(req *Request) (*anthropic.MessageNewParams, error) {
	if req.Config.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Config.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Config.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Config.Temperature)
	}
	if req.Config.TopP > 0 {
		params.TopP = anthropic.Float(req.Config.TopP)
	}
	if req.SystemPrompt != "" {
		sys := anthropic.TextBlockParam{Text: req.SystemPrompt}
		if req.Config.PromptCaching {
			sys.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{sys}
	}

	stops := req.StopSequences
	if len(stops) > maxAnthropicStopSequences {
		stops = stops[:maxAnthropicStopSequences]
	}
	params.StopSequences = append([]string(nil), stops...)

	messages, err := renderAnthropicMessages(req)
	if err != nil {
		return nil, err
	}
	params.Messages = messages
	return params, nil
}

// renderAnthropicMessages converts participant messages to API turns,
// merging adjacent same-role turns because the Messages API requires
// strict user/assistant alternation. Cache-control flags survive the
// merge since they live on individual blocks.
func renderAnthropicMessages(req *Request) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	flushRole := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	var pending []anthropic.ContentBlockParamUnion
	var pendingRole anthropic.MessageParamRole
	havePending := false

	for i := range req.Messages {
		m := &req.Messages[i]
		isAssistant := m.Participant == req.BotName

		// The trailing empty assistant message is the continuation
		// placeholder: drop it (no prefill seed).
		if isAssistant && i == len(req.Messages)-1 && m.TextLen() == 0 && len(m.Content) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if isAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		blocks, err := renderAnthropicBlocks(m, isAssistant, req.Config.Mode)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}

		if havePending && role != pendingRole {
			flushRole(pendingRole, pending)
			pending = nil
		}
		pendingRole = role
		havePending = true
		pending = append(pending, blocks...)
	}
	flushRole(pendingRole, pending)

	if len(out) == 0 {
		return nil, errors.New("anthropic: request has no content")
	}
	// The API rejects conversations that open with an assistant turn.
	if out[0].Role == anthropic.MessageParamRoleAssistant {
		out = append([]anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock("[conversation continues]")},
		}}, out...)
	}
	return out, nil
}

func renderAnthropicBlocks(m *ParticipantMessage, isAssistant bool, mode string) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	prefixed := false
	for bi := range m.Content {
		b := &m.Content[bi]
		switch b.Type {
		case BlockText:
			text := b.Text
			if !isAssistant && mode != "chat" && !prefixed {
				text = m.Participant + ": " + text
				prefixed = true
			}
			if text == "" {
				continue
			}
			tb := anthropic.TextBlockParam{Text: text}
			if m.CacheEphemeral && bi == lastCacheableBlock(m) {
				tb.CacheControl = anthropic.NewCacheControlEphemeralParam()
			}
			blocks = append(blocks, anthropic.ContentBlockParamUnion{OfText: &tb})
		case BlockImage:
			mediaType, ok := anthropicMediaType(b.MediaType)
			if !ok {
				continue
			}
			ib := anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						MediaType: mediaType,
						Data:      b.Data,
					},
				},
			}
			if m.CacheEphemeral && bi == lastCacheableBlock(m) {
				ib.CacheControl = anthropic.NewCacheControlEphemeralParam()
			}
			blocks = append(blocks, anthropic.ContentBlockParamUnion{OfImage: &ib})
		case BlockToolUse, BlockToolResult:
			// Tool history travels inline as XML text in this system;
			// structured blocks never reach the wire.
			return nil, fmt.Errorf("anthropic: unexpected %s block in request", b.Type)
		}
	}
	return blocks, nil
}

// lastCacheableBlock returns the index of the last text or image block.
func lastCacheableBlock(m *ParticipantMessage) int {
	last := -1
	for i := range m.Content {
		if m.Content[i].Type == BlockText || m.Content[i].Type == BlockImage {
			last = i
		}
	}
	return last
}

func anthropicMediaType(mt string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch mt {
	case "image/jpeg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func convertAnthropicMessage(msg *anthropic.Message) *Completion {
	comp := &Completion{
		Model: string(msg.Model),
		Usage: Usage{
			InputTokens:         int(msg.Usage.InputTokens),
			OutputTokens:        int(msg.Usage.OutputTokens),
			CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
		},
		StopSequence: msg.StopSequence,
	}

	switch msg.StopReason {
	case anthropic.StopReasonEndTurn:
		comp.StopReason = StopEndTurn
	case anthropic.StopReasonMaxTokens:
		comp.StopReason = StopMaxTokens
	case anthropic.StopReasonStopSequence:
		comp.StopReason = StopStopSequence
	case anthropic.StopReasonToolUse:
		comp.StopReason = StopToolUse
	case anthropic.StopReasonRefusal:
		comp.StopReason = StopRefusal
	default:
		comp.StopReason = StopEndTurn
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			comp.Content = append(comp.Content, Text(block.Text))
		case "tool_use":
			comp.Content = append(comp.Content, ContentBlock{
				Type:     BlockToolUse,
				ToolID:   block.ID,
				ToolName: block.Name,
				Input:    block.Input,
			})
		}
	}
	return comp
}

// isRetryableAPIError reports whether the error is worth retrying:
// rate limits, server errors, and transient network failures.
func isRetryableAPIError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504, 529:
			return true
		default:
			return false
		}
	}
	// Non-API errors are network-level; retry them.
	return true
}
