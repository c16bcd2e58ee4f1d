package context

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/animachat/chat"
)

func testConversation(strategy string) *chat.Conversation {
	return &chat.Conversation{
		ID:           "conv-1",
		SystemPrompt: "be helpful",
		Format:       chat.FormatStandard,
		ContextConfig: chat.ContextConfig{
			Strategy:       strategy,
			MaxTokens:      100,
			MaxGraceTokens: 20,
		},
	}
}

func TestPrepareAppendKeepsEverything(t *testing.T) {
	e := NewEngine()
	conv := testConversation("append")

	entries := []chat.PathEntry{entryOfTokens("b1", 500), entryOfTokens("b2", 500)}
	out := e.Prepare(conv, nil, entries, nil)

	assert.Len(t, out.Messages, 2)
	assert.Equal(t, 1000, out.Metadata.TotalTokens)
	assert.False(t, out.Metadata.InGracePeriod)
	assert.Equal(t, "be helpful", out.System)
	assert.Equal(t, -1, out.Hints.CacheAnchorIndex)
}

func TestPrepareRollingDropsOldest(t *testing.T) {
	e := NewEngine()
	conv := testConversation("rolling")

	entries := []chat.PathEntry{
		entryOfTokens("b1", 60),
		entryOfTokens("b2", 60),
		entryOfTokens("b3", 10),
	}
	out := e.Prepare(conv, nil, entries, nil)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, 1, out.Metadata.DroppedMessages)
}

func TestPrepareIncludesPendingEntry(t *testing.T) {
	e := NewEngine()
	conv := testConversation("append")

	pending := entryOfTokens("b2", 5)
	out := e.Prepare(conv, nil, []chat.PathEntry{entryOfTokens("b1", 5)}, &pending)
	assert.Len(t, out.Messages, 2)
	assert.Equal(t, 10, out.Metadata.TotalTokens)
}

func TestPrepareCacheAnchor(t *testing.T) {
	e := NewEngine()
	conv := testConversation("append")
	conv.ContextConfig.CacheMinTokens = 50
	conv.ContextConfig.CacheDepthFromEnd = 2

	entries := []chat.PathEntry{
		entryOfTokens("b1", 30),
		entryOfTokens("b2", 30),
		entryOfTokens("b3", 30),
	}
	out := e.Prepare(conv, nil, entries, nil)
	assert.Equal(t, 1, out.Hints.CacheAnchorIndex)

	// Below the activation floor no anchor is set.
	out = e.Prepare(conv, nil, entries[:1], nil)
	assert.Equal(t, -1, out.Hints.CacheAnchorIndex)
}

func TestPrepareParticipantOverrides(t *testing.T) {
	e := NewEngine()
	conv := testConversation("append")
	p := &chat.Participant{
		ID:           "p1",
		Name:         "Ariadne",
		SystemPrompt: "you are Ariadne",
		ContextManagement: &chat.ContextConfig{
			Strategy:       "rolling",
			MaxTokens:      50,
			MaxGraceTokens: 0,
		},
	}

	entries := []chat.PathEntry{entryOfTokens("b1", 40), entryOfTokens("b2", 40)}
	out := e.Prepare(conv, p, entries, nil)
	assert.Equal(t, "you are Ariadne", out.System)
	assert.Equal(t, 1, out.Metadata.DroppedMessages)
}

func TestPreparePrefillStops(t *testing.T) {
	e := NewEngine()
	conv := testConversation("append")
	conv.Format = chat.FormatPrefill
	conv.Participants = []*chat.Participant{
		{ID: "p1", Name: "Ariadne"},
		{ID: "p2", Name: "Theseus"},
	}

	out := e.Prepare(conv, conv.Participants[0], []chat.PathEntry{entryOfTokens("b1", 5)}, nil)
	assert.Equal(t, []string{"\nTheseus:"}, out.Hints.StopSequences)
}

func TestResetClearsRollingState(t *testing.T) {
	e := NewEngine()
	conv := testConversation("rolling")

	entries := []chat.PathEntry{entryOfTokens("b1", 50), entryOfTokens("b2", 55)}
	out := e.Prepare(conv, nil, entries, nil)
	assert.True(t, out.Metadata.InGracePeriod)

	e.Reset(conv.ID)
	out = e.Prepare(conv, nil, entries[:1], nil)
	assert.False(t, out.Metadata.InGracePeriod)
}
