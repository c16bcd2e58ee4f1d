package chat

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/anima-research/animachat/store/eventlog"
)

// ReplayStats summarizes one log replay.
type ReplayStats struct {
	Events       int
	SkippedLines int
	UnknownKinds int
}

// ReplayTree folds a conversation log into a fresh tree. Replay is
// deterministic: the same log always yields the same tree.
func ReplayTree(mgr *eventlog.Manager, convID string) (*Tree, ReplayStats, error) {
	tree := NewTree(convID)
	var stats ReplayStats

	sc, err := mgr.Load(eventlog.ConversationLog(convID))
	if err != nil {
		return nil, stats, err
	}
	defer sc.Close()

	for sc.Next() {
		stats.Events++
		if err := tree.Apply(sc.Event()); err != nil {
			stats.SkippedLines++
			slog.Warn("skipping undecodable event payload",
				"conversation_id", convID,
				"kind", sc.Event().Type,
				"error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, stats, err
	}
	stats.SkippedLines += sc.Skipped()
	stats.UnknownKinds = tree.UnknownKinds()
	return tree, stats, nil
}

// Registry is the replayed view of every user log: conversations,
// participants, and collaboration shares. It answers ownership and access
// questions for the service layer.
type Registry struct {
	mu sync.RWMutex

	conversations map[string]*Conversation
	// shares indexes active collaboration shares by conversation then user.
	shares map[string]map[string]*CollabShare
	// metrics accumulates per-user spend from metrics_added events.
	metrics map[string][]MetricsAddedPayload

	unknownKinds int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conversations: make(map[string]*Conversation),
		shares:        make(map[string]map[string]*CollabShare),
		metrics:       make(map[string][]MetricsAddedPayload),
	}
}

// UnknownKinds returns the count of unrecognized user-log kinds seen so far.
func (r *Registry) UnknownKinds() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unknownKinds
}

// Conversation returns a conversation by ID, nil when absent.
func (r *Registry) Conversation(id string) *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conversations[id]
}

// ConversationsFor lists every conversation a user owns or is shared into,
// newest first.
func (r *Registry) ConversationsFor(userID string) []*Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conversation
	for _, c := range r.conversations {
		if c.OwnerID == userID {
			out = append(out, c)
			continue
		}
		if byUser, ok := r.shares[c.ID]; ok {
			if sh, ok := byUser[userID]; ok && sh.RevokedAt == nil {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Share returns the active share for a user on a conversation, nil when none.
func (r *Registry) Share(convID, userID string) *CollabShare {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byUser, ok := r.shares[convID]; ok {
		if sh, ok := byUser[userID]; ok && sh.RevokedAt == nil {
			return sh
		}
	}
	return nil
}

// CanRead reports whether a user may view a conversation.
func (r *Registry) CanRead(convID, userID string) bool {
	c := r.Conversation(convID)
	if c == nil {
		return false
	}
	if c.OwnerID == userID {
		return true
	}
	return r.Share(convID, userID) != nil
}

// CanWrite reports whether a user may mutate a conversation. Viewer shares
// are read-only.
func (r *Registry) CanWrite(convID, userID string) bool {
	c := r.Conversation(convID)
	if c == nil {
		return false
	}
	if c.OwnerID == userID {
		return true
	}
	sh := r.Share(convID, userID)
	return sh != nil && sh.Role == "editor"
}

// MetricsFor returns the recorded generation metrics attributed to a user.
func (r *Registry) MetricsFor(userID string) []MetricsAddedPayload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]MetricsAddedPayload(nil), r.metrics[userID]...)
}

// Apply folds one user-log event into the registry. ownerID is the user whose
// log the event came from; metrics accrue to that user.
func (r *Registry) Apply(ownerID string, env eventlog.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch env.Type {
	case eventlog.KindConversationCreated:
		var p ConversationCreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		c := p.Conversation
		if c.OwnerID == "" {
			c.OwnerID = ownerID
		}
		r.conversations[c.ID] = &c
	case eventlog.KindConversationUpdated:
		var p ConversationUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		c, ok := r.conversations[p.ID]
		if !ok {
			return nil
		}
		if p.Title != nil {
			c.Title = *p.Title
		}
		if p.SystemPrompt != nil {
			c.SystemPrompt = *p.SystemPrompt
		}
		if p.DefaultModelID != nil {
			c.DefaultModelID = *p.DefaultModelID
		}
		if p.Format != nil {
			c.Format = *p.Format
		}
		if p.ContextConfig != nil {
			c.ContextConfig = *p.ContextConfig
		}
	case eventlog.KindConversationArchived:
		var p ConversationArchivedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if c, ok := r.conversations[p.ID]; ok {
			at := p.ArchivedAt
			c.ArchivedAt = &at
		}
	case eventlog.KindParticipantCreated:
		var p ParticipantCreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if c, ok := r.conversations[p.Participant.ConversationID]; ok {
			pc := p.Participant
			c.Participants = append(c.Participants, &pc)
		}
	case eventlog.KindParticipantUpdated:
		var p ParticipantUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		r.applyParticipantUpdated(&p)
	case eventlog.KindParticipantDeleted:
		var p ParticipantDeletedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if c, ok := r.conversations[p.ConversationID]; ok {
			for i, part := range c.Participants {
				if part.ID == p.ID {
					c.Participants = append(c.Participants[:i], c.Participants[i+1:]...)
					break
				}
			}
		}
	case eventlog.KindCollabShareCreated, eventlog.KindCollabShareUpdated:
		var p CollabSharePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		sh := p.Share
		byUser, ok := r.shares[sh.ConversationID]
		if !ok {
			byUser = make(map[string]*CollabShare)
			r.shares[sh.ConversationID] = byUser
		}
		byUser[sh.UserID] = &sh
	case eventlog.KindCollabShareRevoked:
		var p CollabShareRevokedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if byUser, ok := r.shares[p.ConversationID]; ok {
			for _, sh := range byUser {
				if sh.ID == p.ID {
					at := p.RevokedAt
					if at.IsZero() {
						at = time.Now().UTC()
					}
					sh.RevokedAt = &at
				}
			}
		}
	case eventlog.KindMetricsAdded:
		var p MetricsAddedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		r.metrics[ownerID] = append(r.metrics[ownerID], p)
	default:
		r.unknownKinds++
	}
	return nil
}

func (r *Registry) applyParticipantUpdated(p *ParticipantUpdatedPayload) {
	c, ok := r.conversations[p.ConversationID]
	if !ok {
		return
	}
	for _, part := range c.Participants {
		if part.ID != p.ID {
			continue
		}
		if p.Name != nil {
			part.Name = *p.Name
		}
		if p.ModelID != nil {
			part.ModelID = *p.ModelID
		}
		if p.SystemPrompt != nil {
			part.SystemPrompt = *p.SystemPrompt
		}
		if p.Settings != nil {
			part.Settings = p.Settings
		}
		if p.ContextManagement != nil {
			part.ContextManagement = p.ContextManagement
		}
		if p.IsActive != nil {
			part.IsActive = *p.IsActive
		}
		return
	}
}

// ReplayUserLog folds one user's log into the registry.
func ReplayUserLog(mgr *eventlog.Manager, reg *Registry, userID string) (ReplayStats, error) {
	var stats ReplayStats
	sc, err := mgr.Load(eventlog.UserLog(userID))
	if err != nil {
		return stats, err
	}
	defer sc.Close()

	for sc.Next() {
		stats.Events++
		if err := reg.Apply(userID, sc.Event()); err != nil {
			stats.SkippedLines++
			slog.Warn("skipping undecodable user event",
				"user_id", userID,
				"kind", sc.Event().Type,
				"error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return stats, err
	}
	stats.SkippedLines += sc.Skipped()
	return stats, nil
}
