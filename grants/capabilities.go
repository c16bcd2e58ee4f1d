package grants

import (
	"sync"
	"time"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/store/eventlog"
)

// Capability actions.
const (
	ActionGranted = "granted"
	ActionRevoked = "revoked"
)

// Capability is the payload of a grant_capability event.
type Capability struct {
	UserID     string     `json:"userId"`
	Action     string     `json:"action"`
	Capability string     `json:"capability"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// capabilityState keeps the latest action per (user, capability).
type capabilityState struct {
	mu     sync.RWMutex
	latest map[string]map[string]*Capability
}

func newCapabilityState() *capabilityState {
	return &capabilityState{latest: make(map[string]map[string]*Capability)}
}

func (s *capabilityState) fold(c *Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.latest[c.UserID]
	if !ok {
		byName = make(map[string]*Capability)
		s.latest[c.UserID] = byName
	}
	byName[c.Capability] = c
}

// RecordCapability appends a capability event and folds it.
func (l *Ledger) RecordCapability(c Capability) error {
	if c.UserID == "" || c.Capability == "" {
		return errs.New(errs.KindValidation, "capability requires a user and a name")
	}
	if c.Action == "" {
		c.Action = ActionGranted
	}
	env, err := eventlog.NewEnvelope(eventlog.KindGrantCapability, c)
	if err != nil {
		return err
	}
	if err := l.log.Append(eventlog.MainLog(), env); err != nil {
		return err
	}
	l.caps.fold(&c)
	return nil
}

// HasActive reports whether the latest action for (user, capability) is a
// grant that has not expired.
func (l *Ledger) HasActive(userID, capability string) bool {
	l.caps.mu.RLock()
	defer l.caps.mu.RUnlock()
	c, ok := l.caps.latest[userID][capability]
	if !ok || c.Action != ActionGranted {
		return false
	}
	if c.ExpiresAt != nil && !time.Now().Before(*c.ExpiresAt) {
		return false
	}
	return true
}
