package users

import (
	"time"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/internal/idgen"
	"github.com/anima-research/animachat/store/eventlog"
)

// apiKeyPrefix marks issued secrets so they are recognizable in configs.
const apiKeyPrefix = "ak-"

// APIKey is one issued key. Only the SHA-256 hash of the secret is stored;
// the plaintext is returned exactly once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name,omitempty"`
	SecretHash string     `json:"secretHash"`
	CreatedAt  time.Time  `json:"createdAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// APIKeyCreatedPayload carries the full new key record.
type APIKeyCreatedPayload struct {
	Key APIKey `json:"key"`
}

// APIKeyRevokedPayload revokes a key.
type APIKeyRevokedPayload struct {
	ID        string    `json:"id"`
	RevokedAt time.Time `json:"revokedAt"`
}

// CreateAPIKey issues a key for a user and returns the record plus the
// plaintext secret.
func (s *Store) CreateAPIKey(userID, name string) (*APIKey, string, error) {
	if s.User(userID) == nil {
		return nil, "", errs.New(errs.KindNotFound, "user %s not found", userID)
	}
	secret := apiKeyPrefix + idgen.New() + idgen.New()
	key := APIKey{
		ID:         idgen.New(),
		UserID:     userID,
		Name:       name,
		SecretHash: hashSecret(secret),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.append(eventlog.KindAPIKeyCreated, APIKeyCreatedPayload{Key: key}); err != nil {
		return nil, "", err
	}
	return &key, secret, nil
}

// RevokeAPIKey revokes a key. Idempotent on already-revoked keys.
func (s *Store) RevokeAPIKey(userID, keyID string) error {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok || key.UserID != userID {
		return errs.New(errs.KindNotFound, "api key %s not found", keyID)
	}
	if key.RevokedAt != nil {
		return nil
	}
	return s.append(eventlog.KindAPIKeyRevoked, APIKeyRevokedPayload{
		ID: keyID, RevokedAt: time.Now().UTC(),
	})
}

// AuthenticateAPIKey resolves a plaintext secret to its owning user.
func (s *Store) AuthenticateAPIKey(secret string) (*User, error) {
	s.mu.RLock()
	keyID, ok := s.keyHash[hashSecret(secret)]
	var userID string
	if ok {
		userID = s.keys[keyID].UserID
	}
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindPermissionDenied, "invalid api key")
	}
	u := s.User(userID)
	if u == nil {
		return nil, errs.New(errs.KindPermissionDenied, "invalid api key")
	}
	return u, nil
}

// APIKeys lists a user's keys, revoked included.
func (s *Store) APIKeys(userID string) []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out
}
