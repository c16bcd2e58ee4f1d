// Package chat implements the event-sourced conversation model: branched
// message trees, replay, and the single-writer conversation service.
package chat

import (
	"encoding/json"
	"time"
)

// RootParent is the sentinel parent reference for branches at the top of a
// conversation tree.
const RootParent = "root"

// Role identifies who authored a branch.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Format selects how a conversation presents participants to the model.
type Format string

const (
	// FormatStandard is a plain user/assistant exchange.
	FormatStandard Format = "standard"
	// FormatPrefill drives multiple named participants through assistant
	// prefill turns.
	FormatPrefill Format = "prefill"
)

// ContextConfig selects and parameterizes the context-management strategy.
type ContextConfig struct {
	Strategy          string `json:"strategy"` // "append" or "rolling"
	MaxTokens         int    `json:"maxTokens,omitempty"`
	MaxGraceTokens    int    `json:"maxGraceTokens,omitempty"`
	CacheMinTokens    int    `json:"cacheMinTokens,omitempty"`
	CacheDepthFromEnd int    `json:"cacheDepthFromEnd,omitempty"`
}

// Conversation is the root aggregate. It owns a message tree and a
// participant set; both are derived purely from events.
type Conversation struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"ownerId"`
	Title          string          `json:"title"`
	SystemPrompt   string          `json:"systemPrompt,omitempty"`
	DefaultModelID string          `json:"defaultModelId,omitempty"`
	Format         Format          `json:"format"`
	ContextConfig  ContextConfig   `json:"contextConfig"`
	CreatedAt      time.Time       `json:"createdAt"`
	ArchivedAt     *time.Time      `json:"archivedAt,omitempty"`
	Participants   []*Participant  `json:"participants,omitempty"`
}

// Archived reports whether the conversation has been soft-terminated.
func (c *Conversation) Archived() bool { return c.ArchivedAt != nil }

// Participant is one speaker in a conversation. Prefill-format conversations
// carry several assistant participants; the user participant represents the
// speaking human in multi-user rooms.
type Participant struct {
	ID                string          `json:"id"`
	ConversationID    string          `json:"conversationId"`
	Name              string          `json:"name"`
	Kind              Role            `json:"kind"` // user or assistant
	ModelID           string          `json:"modelId,omitempty"`
	SystemPrompt      string          `json:"systemPrompt,omitempty"`
	Settings          json.RawMessage `json:"settings,omitempty"`
	ContextManagement *ContextConfig  `json:"contextManagement,omitempty"`
	IsActive          bool            `json:"isActive"`
}

// ContentBlock is the canonical message content unit. Legacy string content
// maps to a single text block at the boundary.
type ContentBlock struct {
	Type      string       `json:"type"` // text, image, thinking
	Text      string       `json:"text,omitempty"`
	Thinking  string       `json:"thinking,omitempty"`
	Signature string       `json:"signature,omitempty"`
	Image     *ImageSource `json:"image,omitempty"`
}

// ImageSource references image bytes either inline or through the blob store.
type ImageSource struct {
	Mime   string `json:"mime"`
	Data   string `json:"data,omitempty"` // base64, inline
	BlobID string `json:"blobId,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// NormalizeBlocks returns the canonical block form of branch content:
// explicit blocks when present, otherwise the legacy string as one text block.
func NormalizeBlocks(content string, blocks []ContentBlock) []ContentBlock {
	if len(blocks) > 0 {
		return blocks
	}
	if content == "" {
		return nil
	}
	return []ContentBlock{TextBlock(content)}
}

// Attachment references an uploaded payload attached to a branch.
type Attachment struct {
	BlobID string `json:"blobId"`
	Name   string `json:"name,omitempty"`
	Mime   string `json:"mime,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// Branch is one concrete utterance variant of a message. ParentBranchID
// references the active branch of the parent message, or RootParent.
type Branch struct {
	ID                  string         `json:"id"`
	ParentBranchID      string         `json:"parentBranchId"`
	Role                Role           `json:"role"`
	Content             string         `json:"content"`
	ContentBlocks       []ContentBlock `json:"contentBlocks,omitempty"`
	Attachments         []Attachment   `json:"attachments,omitempty"`
	ParticipantID       string         `json:"participantId,omitempty"`
	Model               string         `json:"model,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	ThoughtSignature    string         `json:"thoughtSignature,omitempty"`
	DebugRequestBlobID  string         `json:"debugRequestBlobId,omitempty"`
	DebugResponseBlobID string         `json:"debugResponseBlobId,omitempty"`
}

// Text returns the branch content in string form, flattening blocks.
func (b *Branch) Text() string {
	if len(b.ContentBlocks) == 0 {
		return b.Content
	}
	var out string
	for _, blk := range b.ContentBlocks {
		if blk.Type == "text" {
			out += blk.Text
		}
	}
	return out
}

// Message is a node in the conversation tree. Order is a monotonically
// assigned total order used for default rendering; tree position is carried
// by branch parent references, not by Order.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	Order          int      `json:"order"`
	Branches       []Branch `json:"branches"`
	ActiveBranchID string   `json:"activeBranchId"`
}

// ActiveBranch returns the branch currently rendered for this message, nil
// if the active reference is dangling (repair heals that case).
func (m *Message) ActiveBranch() *Branch {
	for i := range m.Branches {
		if m.Branches[i].ID == m.ActiveBranchID {
			return &m.Branches[i]
		}
	}
	return nil
}

// Branch returns the branch with the given ID, nil when absent.
func (m *Message) Branch(branchID string) *Branch {
	for i := range m.Branches {
		if m.Branches[i].ID == branchID {
			return &m.Branches[i]
		}
	}
	return nil
}

// CollabShare grants another user access to a conversation.
type CollabShare struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	Role           string     `json:"role"` // viewer or editor
	CreatedAt      time.Time  `json:"createdAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}
