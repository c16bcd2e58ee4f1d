// Package users maintains the main-log derived account state: users and
// their auth flags, API keys, and public conversation shares.
package users

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/internal/idgen"
	"github.com/anima-research/animachat/store/eventlog"
)

// User is one account. PasswordHash is a bcrypt digest; it never leaves the
// server.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name,omitempty"`
	PasswordHash  string     `json:"passwordHash,omitempty"`
	UserGroup     string     `json:"userGroup,omitempty"`
	EmailVerified bool       `json:"emailVerified,omitempty"`
	AgeVerified   bool       `json:"ageVerified,omitempty"`
	TOSAcceptedAt *time.Time `json:"tosAcceptedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// UserCreatedPayload carries the full new user.
type UserCreatedPayload struct {
	User User `json:"user"`
}

// UserUpdatedPayload patches account metadata.
type UserUpdatedPayload struct {
	ID        string  `json:"id"`
	Email     *string `json:"email,omitempty"`
	Name      *string `json:"name,omitempty"`
	UserGroup *string `json:"userGroup,omitempty"`
}

// UserFlagPayload covers email/age verification and ToS acceptance.
type UserFlagPayload struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// PasswordResetPayload replaces the stored hash.
type PasswordResetPayload struct {
	UserID       string `json:"userId"`
	PasswordHash string `json:"passwordHash"`
}

// Store is the replayed account registry. Mutations append main-log events
// then fold them, so a restart replays to the identical state.
type Store struct {
	log *eventlog.Manager

	mu      sync.RWMutex
	users   map[string]*User
	byEmail map[string]string
	keys    map[string]*APIKey // key ID -> key
	keyHash map[string]string  // secret hash -> key ID
	shares  map[string]*PublicShare
}

// NewStore creates an empty registry over the main log.
func NewStore(log *eventlog.Manager) *Store {
	return &Store{
		log:     log,
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		keys:    make(map[string]*APIKey),
		keyHash: make(map[string]string),
		shares:  make(map[string]*PublicShare),
	}
}

// Replay folds the main log into the registry.
func (s *Store) Replay() error {
	sc, err := s.log.Load(eventlog.MainLog())
	if err != nil {
		return err
	}
	defer sc.Close()
	for sc.Next() {
		if err := s.Apply(sc.Event()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Apply folds one main-log event. Grant and invite kinds belong to the
// ledger and are ignored here.
func (s *Store) Apply(env eventlog.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Type {
	case eventlog.KindUserCreated:
		var p UserCreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		u := p.User
		s.users[u.ID] = &u
		s.byEmail[normalizeEmail(u.Email)] = u.ID
	case eventlog.KindUserUpdated:
		var p UserUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		u, ok := s.users[p.ID]
		if !ok {
			return nil
		}
		if p.Email != nil {
			delete(s.byEmail, normalizeEmail(u.Email))
			u.Email = *p.Email
			s.byEmail[normalizeEmail(u.Email)] = u.ID
		}
		if p.Name != nil {
			u.Name = *p.Name
		}
		if p.UserGroup != nil {
			u.UserGroup = *p.UserGroup
		}
	case eventlog.KindUserEmailVerified:
		var p UserFlagPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if u, ok := s.users[p.UserID]; ok {
			u.EmailVerified = true
		}
	case eventlog.KindPasswordReset:
		var p PasswordResetPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if u, ok := s.users[p.UserID]; ok {
			u.PasswordHash = p.PasswordHash
		}
	case eventlog.KindUserAgeVerified:
		var p UserFlagPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if u, ok := s.users[p.UserID]; ok {
			u.AgeVerified = true
		}
	case eventlog.KindUserTOSAccepted:
		var p UserFlagPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if u, ok := s.users[p.UserID]; ok {
			at := p.At
			u.TOSAcceptedAt = &at
		}
	case eventlog.KindAPIKeyCreated:
		var p APIKeyCreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		k := p.Key
		s.keys[k.ID] = &k
		s.keyHash[k.SecretHash] = k.ID
	case eventlog.KindAPIKeyRevoked:
		var p APIKeyRevokedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if k, ok := s.keys[p.ID]; ok {
			at := p.RevokedAt
			k.RevokedAt = &at
			delete(s.keyHash, k.SecretHash)
		}
	case eventlog.KindShareCreated:
		var p ShareCreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		sh := p.Share
		s.shares[sh.ID] = &sh
	case eventlog.KindShareDeleted:
		var p ShareDeletedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		delete(s.shares, p.ID)
	case eventlog.KindShareViewed:
		var p ShareViewedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if sh, ok := s.shares[p.ID]; ok {
			sh.ViewCount++
		}
	}
	return nil
}

// append commits one main-log event and folds it.
func (s *Store) append(kind string, payload any) error {
	env, err := eventlog.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	if err := s.log.Append(eventlog.MainLog(), env); err != nil {
		return err
	}
	return s.Apply(env)
}

// Register creates an account with a bcrypt-hashed password.
func (s *Store) Register(email, name, password string) (*User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, errs.New(errs.KindValidation, "email and password are required")
	}
	if s.ByEmail(email) != nil {
		return nil, errs.New(errs.KindConflict, "email %s is already registered", email)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "hash password")
	}
	u := User{
		ID:           idgen.New(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.append(eventlog.KindUserCreated, UserCreatedPayload{User: u}); err != nil {
		return nil, err
	}
	return s.User(u.ID), nil
}

// Authenticate verifies credentials and returns the user.
func (s *Store) Authenticate(email, password string) (*User, error) {
	u := s.ByEmail(email)
	if u == nil {
		return nil, errs.New(errs.KindPermissionDenied, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, errs.New(errs.KindPermissionDenied, "invalid credentials")
	}
	return u, nil
}

// ResetPassword replaces a user's password hash.
func (s *Store) ResetPassword(userID, newPassword string) error {
	if s.User(userID) == nil {
		return errs.New(errs.KindNotFound, "user %s not found", userID)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return errs.Wrap(err, errs.KindInternal, "hash password")
	}
	return s.append(eventlog.KindPasswordReset, PasswordResetPayload{
		UserID: userID, PasswordHash: string(hash),
	})
}

// Update patches account metadata.
func (s *Store) Update(patch UserUpdatedPayload) error {
	if s.User(patch.ID) == nil {
		return errs.New(errs.KindNotFound, "user %s not found", patch.ID)
	}
	return s.append(eventlog.KindUserUpdated, patch)
}

// VerifyEmail marks the account's email as verified.
func (s *Store) VerifyEmail(userID string) error {
	return s.flag(eventlog.KindUserEmailVerified, userID)
}

// VerifyAge marks the account as age verified.
func (s *Store) VerifyAge(userID string) error {
	return s.flag(eventlog.KindUserAgeVerified, userID)
}

// AcceptTOS records terms-of-service acceptance.
func (s *Store) AcceptTOS(userID string) error {
	return s.flag(eventlog.KindUserTOSAccepted, userID)
}

func (s *Store) flag(kind, userID string) error {
	if s.User(userID) == nil {
		return errs.New(errs.KindNotFound, "user %s not found", userID)
	}
	return s.append(kind, UserFlagPayload{UserID: userID, At: time.Now().UTC()})
}

// User returns a copy-safe pointer to an account, nil when absent.
func (s *Store) User(id string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id]
}

// ByEmail returns the account registered under an email, nil when absent.
func (s *Store) ByEmail(email string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byEmail[normalizeEmail(email)]; ok {
		return s.users[id]
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
