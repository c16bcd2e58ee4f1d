package provider

import (
	stdcontext "context"

	aictx "github.com/anima-research/animachat/ai/context"
)

// Request is the provider-neutral streaming request shape.
type Request struct {
	Model         string // upstream model ID
	System        string
	Messages      []aictx.PromptMessage
	MaxTokens     int
	Temperature   float64
	StopSequences []string
	// CacheAnchorIndex marks the message that gets an ephemeral cache marker
	// on providers that support prompt caching, -1 for none.
	CacheAnchorIndex int
	// Prefill, when non-empty, is sent as a trailing assistant turn the model
	// must continue. Used for named-participant conversations and for
	// continuing a partial branch.
	Prefill string
}

// Delta is one streamed increment.
type Delta struct {
	Text      string
	Thinking  string
	Signature string
}

// Usage is the provider-reported token accounting of one generation.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	// Estimated marks usage reconstructed locally because the provider never
	// reported counts (failed or cancelled requests).
	Estimated bool
}

// Upstream streams one generation. emit is called for every delta in arrival
// order; the returned usage is the terminal accounting. Errors are already
// classified into the upstream taxonomy.
type Upstream interface {
	Stream(ctx stdcontext.Context, req Request, emit func(Delta)) (Usage, error)
}
