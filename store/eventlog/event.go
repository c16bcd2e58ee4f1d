// Package eventlog implements the durable append-only event logs that are the
// sole source of truth for the engine. Each log is a newline-delimited
// sequence of JSON event envelopes; per-conversation logs are sharded on disk
// by ID prefix.
package eventlog

import (
	"encoding/json"
	"time"
)

// timestampLayout renders UTC instants with millisecond resolution.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Envelope is the on-disk event record. Unknown top-level fields are
// tolerated on read and never emitted on write.
type Envelope struct {
	Timestamp time.Time
	Type      string
	Data      json.RawMessage
}

type wireEnvelope struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON renders the envelope with an ISO-8601 millisecond timestamp.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Timestamp: e.Timestamp.UTC().Format(timestampLayout),
		Type:      e.Type,
		Data:      e.Data,
	})
}

// UnmarshalJSON parses the on-disk form, accepting any RFC-3339 timestamp.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := time.Parse(timestampLayout, w.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, w.Timestamp)
		if err != nil {
			return err
		}
	}
	e.Timestamp = ts.UTC()
	e.Type = w.Type
	e.Data = w.Data
	return nil
}

// NewEnvelope builds an envelope for the given kind, marshaling the payload.
func NewEnvelope(kind string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Timestamp: time.Now().UTC(), Type: kind, Data: data}, nil
}

// Event kinds. The set is closed; unknown kinds are ignored on replay.
const (
	// Main log.
	KindUserCreated       = "user_created"
	KindUserUpdated       = "user_updated"
	KindUserEmailVerified = "user_email_verified"
	KindPasswordReset     = "password_reset"
	KindUserAgeVerified   = "user_age_verified"
	KindUserTOSAccepted   = "user_tos_accepted"
	KindAPIKeyCreated     = "api_key_created"
	KindAPIKeyRevoked     = "api_key_revoked"
	KindShareCreated      = "share_created"
	KindShareDeleted      = "share_deleted"
	KindShareViewed       = "share_viewed"
	KindInviteCreated     = "invite_created"
	KindInviteClaimed     = "invite_claimed"
	KindGrantInfo         = "grant_info"
	KindGrantCapability   = "grant_capability"

	// Per-user log.
	KindConversationCreated  = "conversation_created"
	KindConversationUpdated  = "conversation_updated"
	KindConversationArchived = "conversation_archived"
	KindParticipantCreated   = "participant_created"
	KindParticipantUpdated   = "participant_updated"
	KindParticipantDeleted   = "participant_deleted"
	KindCollabShareCreated   = "collab_share_created"
	KindCollabShareUpdated   = "collab_share_updated"
	KindCollabShareRevoked   = "collab_share_revoked"
	KindMetricsAdded         = "metrics_added"

	// Per-conversation log.
	KindMessageCreated      = "message_created"
	KindMessageBranchAdded  = "message_branch_added"
	KindMessageBranchUpdate = "message_branch_updated"
	KindActiveBranchChanged = "active_branch_changed"
	KindMessageOrderChanged = "message_order_changed"
	KindMessageDeleted      = "message_deleted"
)

// Scope identifies which category of log an event belongs to.
type Scope int

const (
	// ScopeMain is the single global log.
	ScopeMain Scope = iota
	// ScopeUser is a per-user log.
	ScopeUser
	// ScopeConversation is a per-conversation log.
	ScopeConversation
)

// ID addresses one concrete log. Owner is empty for the main log.
type ID struct {
	Scope Scope
	Owner string
}

// MainLog addresses the global log.
func MainLog() ID { return ID{Scope: ScopeMain} }

// UserLog addresses the log for one user.
func UserLog(userID string) ID { return ID{Scope: ScopeUser, Owner: userID} }

// ConversationLog addresses the log for one conversation.
func ConversationLog(convID string) ID { return ID{Scope: ScopeConversation, Owner: convID} }

var kindScopes = map[string]Scope{
	KindUserCreated:       ScopeMain,
	KindUserUpdated:       ScopeMain,
	KindUserEmailVerified: ScopeMain,
	KindPasswordReset:     ScopeMain,
	KindUserAgeVerified:   ScopeMain,
	KindUserTOSAccepted:   ScopeMain,
	KindAPIKeyCreated:     ScopeMain,
	KindAPIKeyRevoked:     ScopeMain,
	KindShareCreated:      ScopeMain,
	KindShareDeleted:      ScopeMain,
	KindShareViewed:       ScopeMain,
	KindInviteCreated:     ScopeMain,
	KindInviteClaimed:     ScopeMain,
	KindGrantInfo:         ScopeMain,
	KindGrantCapability:   ScopeMain,

	KindConversationCreated:  ScopeUser,
	KindConversationUpdated:  ScopeUser,
	KindConversationArchived: ScopeUser,
	KindParticipantCreated:   ScopeUser,
	KindParticipantUpdated:   ScopeUser,
	KindParticipantDeleted:   ScopeUser,
	KindCollabShareCreated:   ScopeUser,
	KindCollabShareUpdated:   ScopeUser,
	KindCollabShareRevoked:   ScopeUser,
	KindMetricsAdded:         ScopeUser,

	KindMessageCreated:      ScopeConversation,
	KindMessageBranchAdded:  ScopeConversation,
	KindMessageBranchUpdate: ScopeConversation,
	KindActiveBranchChanged: ScopeConversation,
	KindMessageOrderChanged: ScopeConversation,
	KindMessageDeleted:      ScopeConversation,
}

// ScopeOf returns the log category for a kind. Unknown kinds route to the
// main log so nothing is lost during imports or migrations.
func ScopeOf(kind string) (Scope, bool) {
	s, ok := kindScopes[kind]
	if !ok {
		return ScopeMain, false
	}
	return s, true
}

// Resolver maps an owning entity reference to a concrete owner ID during
// migration or import. Return "" when the reference cannot be resolved.
type Resolver func(kind string, data json.RawMessage) string

// Route decides the destination log for an event. Conversation- and
// user-scoped kinds consult the resolver for the owner; events whose owner
// cannot be resolved fall back to the main log.
func Route(kind string, data json.RawMessage, resolve Resolver) ID {
	scope, known := ScopeOf(kind)
	if !known {
		return MainLog()
	}
	switch scope {
	case ScopeConversation, ScopeUser:
		if resolve != nil {
			if owner := resolve(kind, data); owner != "" {
				return ID{Scope: scope, Owner: owner}
			}
		}
		return MainLog()
	default:
		return MainLog()
	}
}
