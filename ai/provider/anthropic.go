package provider

import (
	stdcontext "context"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/anima-research/animachat/chat"
	"github.com/anima-research/animachat/config"
)

// defaultAnthropicMaxTokens caps output when neither the request nor the
// model catalog specifies a limit.
const defaultAnthropicMaxTokens = 8192

// Anthropic streams generations through the Messages API.
type Anthropic struct {
	client anthropicsdk.Client
}

// NewAnthropic builds a client from a profile's credentials.
func NewAnthropic(p *config.Profile) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(p.Key())}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	return &Anthropic{client: anthropicsdk.NewClient(opts...)}
}

// Stream implements Upstream.
func (a *Anthropic) Stream(ctx stdcontext.Context, req Request, emit func(Delta)) (Usage, error) {
	params := a.buildParams(req)
	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var usage Usage
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropicsdk.MessageStartEvent:
			usage.InputTokens = int(ev.Message.Usage.InputTokens)
			usage.CacheReadTokens = int(ev.Message.Usage.CacheReadInputTokens)
			usage.CacheWriteTokens = int(ev.Message.Usage.CacheCreationInputTokens)
		case anthropicsdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropicsdk.TextDelta:
				if delta.Text != "" {
					emit(Delta{Text: delta.Text})
				}
			case anthropicsdk.ThinkingDelta:
				if delta.Thinking != "" {
					emit(Delta{Thinking: delta.Thinking})
				}
			case anthropicsdk.SignatureDelta:
				if delta.Signature != "" {
					emit(Delta{Signature: delta.Signature})
				}
			}
		case anthropicsdk.MessageDeltaEvent:
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			if ev.Usage.InputTokens > 0 {
				usage.InputTokens = int(ev.Usage.InputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return usage, classify(err)
	}
	if err := ctx.Err(); err != nil {
		return usage, classify(err)
	}
	return usage, nil
}

func (a *Anthropic) buildParams(req Request) anthropicsdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	for i, m := range req.Messages {
		blocks := encodeBlocks(m.Blocks)
		if len(blocks) == 0 {
			continue
		}
		if i == req.CacheAnchorIndex {
			markEphemeral(blocks[len(blocks)-1])
		}
		switch m.Role {
		case chat.RoleAssistant:
			params.Messages = append(params.Messages, anthropicsdk.NewAssistantMessage(blocks...))
		default:
			params.Messages = append(params.Messages, anthropicsdk.NewUserMessage(blocks...))
		}
	}
	if req.Prefill != "" {
		params.Messages = append(params.Messages, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(req.Prefill)))
	}
	return params
}

func encodeBlocks(blocks []chat.ContentBlock) []anthropicsdk.ContentBlockParamUnion {
	out := make([]anthropicsdk.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				out = append(out, anthropicsdk.NewTextBlock(b.Text))
			}
		case "thinking":
			if b.Thinking != "" {
				out = append(out, anthropicsdk.NewThinkingBlock(b.Signature, b.Thinking))
			}
		case "image":
			if b.Image != nil && b.Image.Data != "" {
				out = append(out, anthropicsdk.NewImageBlockBase64(b.Image.Mime, b.Image.Data))
			}
		}
	}
	return out
}

// markEphemeral attaches the prompt-cache marker to a block param.
func markEphemeral(blk anthropicsdk.ContentBlockParamUnion) {
	if blk.OfText != nil {
		blk.OfText.CacheControl = anthropicsdk.NewCacheControlEphemeralParam()
	} else if blk.OfImage != nil {
		blk.OfImage.CacheControl = anthropicsdk.NewCacheControlEphemeralParam()
	}
}
