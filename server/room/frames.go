package room

import "github.com/anima-research/animachat/chat"

// Frame types sent to clients.
const (
	FrameMessageCreated = "message_created"
	FrameMessageEdited  = "message_edited"
	FrameStream         = "stream"
	FrameUserJoined     = "user_joined"
	FrameUserLeft       = "user_left"
	FrameAIGenerating   = "ai_generating"
	FrameAIFinished     = "ai_finished"
	FrameError          = "error"
)

// MessageFrame carries a new or updated message envelope.
type MessageFrame struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	Message        *chat.Message `json:"message"`
}

// StreamFrame carries one streamed chunk of a generation.
type StreamFrame struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversationId"`
	MessageID      string              `json:"messageId"`
	BranchID       string              `json:"branchId"`
	Chunk          string              `json:"chunk,omitempty"`
	IsComplete     bool                `json:"isComplete"`
	ContentBlocks  []chat.ContentBlock `json:"contentBlocks,omitempty"`
}

// PresenceFrame announces a user joining or leaving a room.
type PresenceFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// GenerationFrame announces the generation slot being taken or released.
type GenerationFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// ErrorFrame reports a failure in a form clients can show to humans.
type ErrorFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Suggestion     string `json:"suggestion,omitempty"`
}
