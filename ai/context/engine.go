package context

import (
	"sync"

	"github.com/anima-research/animachat/chat"
)

// defaultImageInlineBudget caps inline image bytes per request before the
// provider adapter falls back to blob references.
const defaultImageInlineBudget = 4 * 1024 * 1024

// PromptMessage is one message of the provider-shaped prompt.
type PromptMessage struct {
	Role            chat.Role
	Blocks          []chat.ContentBlock
	ParticipantName string
}

// Hints carries provider-specific preparation hints.
type Hints struct {
	// CacheAnchorIndex is the message index to mark with an ephemeral cache
	// marker, -1 when no anchor applies.
	CacheAnchorIndex  int
	StopSequences     []string
	ImageInlineBudget int
}

// Metadata reports what the strategy did.
type Metadata struct {
	TotalTokens     int
	InGracePeriod   bool
	DroppedMessages int
}

// Prepared is the engine output handed to the inference driver.
type Prepared struct {
	System   string
	Messages []PromptMessage
	Hints    Hints
	Metadata Metadata
}

// Engine holds per-conversation strategy state. Safe for concurrent use; the
// per-conversation single-writer discipline means a conversation's state is
// only ever evaluated by one generation at a time.
type Engine struct {
	mu     sync.Mutex
	states map[string]*rollingState
}

// NewEngine returns an engine with no accumulated state.
func NewEngine() *Engine {
	return &Engine{states: make(map[string]*rollingState)}
}

// Prepare turns the active path into a provider prompt under the
// conversation's context configuration. newEntry, when non-nil, is an
// about-to-be-sent message included in the token evaluation.
func (e *Engine) Prepare(conv *chat.Conversation, participant *chat.Participant, entries []chat.PathEntry, newEntry *chat.PathEntry) Prepared {
	cfg := conv.ContextConfig
	if participant != nil && participant.ContextManagement != nil {
		cfg = *participant.ContextManagement
	}
	if newEntry != nil {
		entries = append(append([]chat.PathEntry(nil), entries...), *newEntry)
	}

	var res rollingResult
	if cfg.Strategy == "rolling" {
		st := e.state(conv.ID)
		res = st.evaluate(entries, cfg)
	} else {
		res.entries = entries
		for _, en := range entries {
			res.totalTokens += EstimateEntry(en)
		}
	}

	out := Prepared{
		System: systemPrompt(conv, participant),
		Hints: Hints{
			CacheAnchorIndex:  -1,
			ImageInlineBudget: defaultImageInlineBudget,
		},
		Metadata: Metadata{
			TotalTokens:     res.totalTokens,
			InGracePeriod:   res.inGracePeriod,
			DroppedMessages: res.droppedMessages,
		},
	}

	for _, en := range res.entries {
		out.Messages = append(out.Messages, PromptMessage{
			Role:            en.Branch.Role,
			Blocks:          chat.NormalizeBlocks(en.Branch.Content, en.Branch.ContentBlocks),
			ParticipantName: participantName(conv, en.Branch.ParticipantID),
		})
	}

	if cfg.CacheMinTokens > 0 && res.totalTokens >= cfg.CacheMinTokens {
		idx := len(out.Messages) - cfg.CacheDepthFromEnd
		if idx >= 0 && idx < len(out.Messages) {
			out.Hints.CacheAnchorIndex = idx
		}
	}
	if conv.Format == chat.FormatPrefill {
		out.Hints.StopSequences = prefillStops(conv, participant)
	}
	return out
}

// Reset drops accumulated strategy state for a conversation.
func (e *Engine) Reset(convID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, convID)
}

func (e *Engine) state(convID string) *rollingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[convID]
	if !ok {
		st = &rollingState{}
		e.states[convID] = st
	}
	return st
}

func systemPrompt(conv *chat.Conversation, participant *chat.Participant) string {
	if participant != nil && participant.SystemPrompt != "" {
		return participant.SystemPrompt
	}
	return conv.SystemPrompt
}

func participantName(conv *chat.Conversation, participantID string) string {
	if participantID == "" {
		return ""
	}
	for _, p := range conv.Participants {
		if p.ID == participantID {
			return p.Name
		}
	}
	return ""
}

// prefillStops returns stop sequences that end a prefill turn when another
// named participant starts speaking.
func prefillStops(conv *chat.Conversation, speaking *chat.Participant) []string {
	var stops []string
	for _, p := range conv.Participants {
		if speaking != nil && p.ID == speaking.ID {
			continue
		}
		if p.Name != "" {
			stops = append(stops, "\n"+p.Name+":")
		}
	}
	return stops
}
