package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// maxOpenAIStopSequences is the API limit on stop entries.
const maxOpenAIStopSequences = 4

// OpenAIProvider implements Provider against an OpenAI-compatible chat
// endpoint. It runs in chat mode only: there is no true assistant
// prefill, so a trailing non-empty assistant message is sent as the
// final assistant turn and most servers continue from it. The matched
// stop sequence is not echoed by this API family, so completions report
// StopEndTurn and rely on post-hoc participant truncation downstream.
type OpenAIProvider struct {
	client *openai.Client
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL targets a compatible server (empty = api.openai.com).
	BaseURL string
}

// NewOpenAIProvider validates the config and builds the client.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientConfig)}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete performs one chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if req.Config.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Config.Model,
		MaxTokens: req.Config.MaxTokens,
	}
	if req.Config.Temperature > 0 {
		chatReq.Temperature = float32(req.Config.Temperature)
	}
	if req.Config.TopP > 0 {
		chatReq.TopP = float32(req.Config.TopP)
	}
	if req.SystemPrompt != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	stops := req.StopSequences
	if len(stops) > maxOpenAIStopSequences {
		stops = stops[:maxOpenAIStopSequences]
	}
	chatReq.Stop = append([]string(nil), stops...)

	for i := range req.Messages {
		m := &req.Messages[i]
		isAssistant := m.Participant == req.BotName
		if isAssistant && i == len(req.Messages)-1 && m.TextLen() == 0 {
			continue
		}
		msg, ok := renderOpenAIMessage(m, isAssistant)
		if ok {
			chatReq.Messages = append(chatReq.Messages, msg)
		}
	}
	if len(chatReq.Messages) == 0 {
		return nil, errors.New("openai: request has no content")
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	comp := &Completion{
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != "" {
		comp.Content = append(comp.Content, Text(choice.Message.Content))
	}
	switch choice.FinishReason {
	case openai.FinishReasonLength:
		comp.StopReason = StopMaxTokens
	case openai.FinishReasonContentFilter:
		comp.StopReason = StopRefusal
	default:
		comp.StopReason = StopEndTurn
	}
	return comp, nil
}

func renderOpenAIMessage(m *ParticipantMessage, isAssistant bool) (openai.ChatCompletionMessage, bool) {
	role := openai.ChatMessageRoleUser
	if isAssistant {
		role = openai.ChatMessageRoleAssistant
	}

	hasImage := false
	for i := range m.Content {
		if m.Content[i].Type == BlockImage {
			hasImage = true
			break
		}
	}

	if !hasImage {
		text := m.FirstText()
		if text == "" {
			return openai.ChatCompletionMessage{}, false
		}
		if !isAssistant {
			text = m.Participant + ": " + text
		}
		return openai.ChatCompletionMessage{Role: role, Content: text}, true
	}

	var parts []openai.ChatMessagePart
	prefixed := false
	for i := range m.Content {
		b := &m.Content[i]
		switch b.Type {
		case BlockText:
			text := b.Text
			if !isAssistant && !prefixed {
				text = m.Participant + ": " + text
				prefixed = true
			}
			if text == "" {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: text,
			})
		case BlockImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:" + b.MediaType + ";base64," + b.Data,
				},
			})
		}
	}
	if len(parts) == 0 {
		return openai.ChatCompletionMessage{}, false
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}, true
}
