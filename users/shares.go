package users

import (
	"time"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/internal/idgen"
	"github.com/anima-research/animachat/store/eventlog"
)

// PublicShare exposes a read-only conversation snapshot behind a token.
type PublicShare struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	CreatorID      string    `json:"creatorId"`
	Token          string    `json:"token"`
	ViewCount      int       `json:"viewCount,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ShareCreatedPayload carries the full new share.
type ShareCreatedPayload struct {
	Share PublicShare `json:"share"`
}

// ShareDeletedPayload removes a share.
type ShareDeletedPayload struct {
	ID string `json:"id"`
}

// ShareViewedPayload counts one anonymous view.
type ShareViewedPayload struct {
	ID string `json:"id"`
}

// CreatePublicShare publishes a conversation under a fresh token.
func (s *Store) CreatePublicShare(creatorID, convID string) (*PublicShare, error) {
	if s.User(creatorID) == nil {
		return nil, errs.New(errs.KindNotFound, "user %s not found", creatorID)
	}
	share := PublicShare{
		ID:             idgen.New(),
		ConversationID: convID,
		CreatorID:      creatorID,
		Token:          idgen.New(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.append(eventlog.KindShareCreated, ShareCreatedPayload{Share: share}); err != nil {
		return nil, err
	}
	return &share, nil
}

// DeleteShare unpublishes a share. Only the creator may delete it.
func (s *Store) DeleteShare(userID, shareID string) error {
	s.mu.RLock()
	sh, ok := s.shares[shareID]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindNotFound, "share %s not found", shareID)
	}
	if sh.CreatorID != userID {
		return errs.New(errs.KindPermissionDenied, "only the creator can delete share %s", shareID)
	}
	return s.append(eventlog.KindShareDeleted, ShareDeletedPayload{ID: shareID})
}

// ShareByToken resolves a public token, nil when absent.
func (s *Store) ShareByToken(token string) *PublicShare {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sh := range s.shares {
		if sh.Token == token {
			return sh
		}
	}
	return nil
}

// RecordShareView appends one view to a share's counter.
func (s *Store) RecordShareView(shareID string) error {
	s.mu.RLock()
	_, ok := s.shares[shareID]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindNotFound, "share %s not found", shareID)
	}
	return s.append(eventlog.KindShareViewed, ShareViewedPayload{ID: shareID})
}
