package chat

import (
	"encoding/json"
	"time"

	"github.com/anima-research/animachat/store/eventlog"
)

// Typed event payloads. Events are parsed into these at the boundary; the
// rest of the engine only sees typed values.

// MessageCreatedPayload carries the full initial message, including its
// first branch.
type MessageCreatedPayload struct {
	Message Message `json:"message"`
}

// BranchAddedPayload appends one branch to an existing message. Flipping the
// active branch is a separate active_branch_changed event.
type BranchAddedPayload struct {
	MessageID string `json:"messageId"`
	Branch    Branch `json:"branch"`
}

// BranchUpdatedPayload mutates an existing branch. Nil pointer fields leave
// the current value untouched.
type BranchUpdatedPayload struct {
	MessageID           string          `json:"messageId"`
	BranchID            string          `json:"branchId"`
	Content             *string         `json:"content,omitempty"`
	ContentBlocks       []ContentBlock  `json:"contentBlocks,omitempty"`
	AppendContent       *string         `json:"appendContent,omitempty"`
	ParentBranchID      *string         `json:"parentBranchId,omitempty"`
	Model               *string         `json:"model,omitempty"`
	ThoughtSignature    *string         `json:"thoughtSignature,omitempty"`
	DebugRequest        json.RawMessage `json:"debugRequest,omitempty"`
	DebugResponse       json.RawMessage `json:"debugResponse,omitempty"`
	DebugRequestBlobID  string          `json:"debugRequestBlobId,omitempty"`
	DebugResponseBlobID string          `json:"debugResponseBlobId,omitempty"`
}

// ActiveBranchChangedPayload flips the rendered branch of a message.
type ActiveBranchChangedPayload struct {
	MessageID string `json:"messageId"`
	BranchID  string `json:"branchId"`
}

// OrderChangedPayload reassigns one message's total-order position.
type OrderChangedPayload struct {
	MessageID string `json:"messageId"`
	Order     int    `json:"order"`
}

// MessageDeletedPayload removes a message from the tree.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

// ConversationCreatedPayload carries the full new conversation.
type ConversationCreatedPayload struct {
	Conversation Conversation `json:"conversation"`
}

// ConversationUpdatedPayload patches conversation metadata.
type ConversationUpdatedPayload struct {
	ID             string         `json:"id"`
	Title          *string        `json:"title,omitempty"`
	SystemPrompt   *string        `json:"systemPrompt,omitempty"`
	DefaultModelID *string        `json:"defaultModelId,omitempty"`
	Format         *Format        `json:"format,omitempty"`
	ContextConfig  *ContextConfig `json:"contextConfig,omitempty"`
}

// ConversationArchivedPayload soft-terminates a conversation.
type ConversationArchivedPayload struct {
	ID         string    `json:"id"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// ParticipantCreatedPayload carries a full new participant.
type ParticipantCreatedPayload struct {
	Participant Participant `json:"participant"`
}

// ParticipantUpdatedPayload patches a participant.
type ParticipantUpdatedPayload struct {
	ID                string          `json:"id"`
	ConversationID    string          `json:"conversationId"`
	Name              *string         `json:"name,omitempty"`
	ModelID           *string         `json:"modelId,omitempty"`
	SystemPrompt      *string         `json:"systemPrompt,omitempty"`
	Settings          json.RawMessage `json:"settings,omitempty"`
	ContextManagement *ContextConfig  `json:"contextManagement,omitempty"`
	IsActive          *bool           `json:"isActive,omitempty"`
}

// ParticipantDeletedPayload removes a participant.
type ParticipantDeletedPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

// CollabSharePayload covers collab_share_created and collab_share_updated.
type CollabSharePayload struct {
	Share CollabShare `json:"share"`
}

// CollabShareRevokedPayload revokes a collaboration share.
type CollabShareRevokedPayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	RevokedAt      time.Time `json:"revokedAt"`
}

// MetricsAddedPayload records the terminal token and cost accounting of one
// generation. Streaming deltas are never events; only this terminal outcome is.
type MetricsAddedPayload struct {
	ConversationID   string  `json:"conversationId"`
	MessageID        string  `json:"messageId"`
	BranchID         string  `json:"branchId"`
	Provider         string  `json:"provider"`
	ProfileID        string  `json:"profileId"`
	Model            string  `json:"model"`
	InputTokens      int     `json:"inputTokens"`
	OutputTokens     int     `json:"outputTokens"`
	CacheReadTokens  int     `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int     `json:"cacheWriteTokens,omitempty"`
	Cost             float64 `json:"cost"`
	Currency         string  `json:"currency"`
	DurationMs       int64   `json:"durationMs"`
	Failed           bool    `json:"failed,omitempty"`
	InputEstimated   bool    `json:"inputEstimated,omitempty"`
}

// envelope is shorthand for building a typed event.
func envelope(kind string, payload any) (eventlog.Envelope, error) {
	return eventlog.NewEnvelope(kind, payload)
}
