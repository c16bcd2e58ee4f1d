package provider

import (
	stdcontext "context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/anima-research/animachat/chat"
	"github.com/anima-research/animachat/config"
)

// OpenAI streams generations through any chat-completions compatible
// endpoint, including self-hosted gateways via BaseURL.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds a client from a profile's credentials.
func NewOpenAI(p *config.Profile) *OpenAI {
	cfg := openai.DefaultConfig(p.Key())
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

// Stream implements Upstream.
func (o *OpenAI) Stream(ctx stdcontext.Context, req Request, emit func(Delta)) (Usage, error) {
	ccr := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      o.encodeMessages(req),
		Stop:          req.StopSequences,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		ccr.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		ccr.Temperature = float32(req.Temperature)
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return Usage{}, classify(err)
	}
	defer stream.Close()

	var usage Usage
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return usage, nil
			}
			return usage, classify(err)
		}
		if len(resp.Choices) > 0 {
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				emit(Delta{Text: delta})
			}
		}
		if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
			if resp.Usage.PromptTokensDetails != nil {
				usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
			}
		}
	}
}

func (o *OpenAI) encodeMessages(req Request) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == chat.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		text := ""
		for _, b := range m.Blocks {
			if b.Type == "text" {
				text += b.Text
			}
		}
		if text == "" {
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: text})
	}
	if req.Prefill != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: req.Prefill,
		})
	}
	return msgs
}
