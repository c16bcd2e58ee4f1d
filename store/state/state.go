// Package state persists the mutable per-conversation UI state that is kept
// outside the event log to avoid log bloat: the shared active-branch map and
// each user's navigation state. Loads are cache-first, saves write through.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/internal/idgen"
	"github.com/anima-research/animachat/store/cache"
)

// Shared is the conversation-wide state every participant sees. The
// compactor drops active_branch_changed and message_order_changed events
// from the log, so both maps here are authoritative after a compaction.
type Shared struct {
	// ActiveBranches maps message ID to the branch rendered by default.
	ActiveBranches map[string]string `json:"activeBranches"`
	// Orders maps message ID to its position in the conversation.
	Orders map[string]int `json:"orders,omitempty"`
	// TotalBranchCount counts every branch across the conversation.
	TotalBranchCount int `json:"totalBranchCount"`
}

// NewShared returns an empty shared state.
func NewShared() *Shared {
	return &Shared{
		ActiveBranches: make(map[string]string),
		Orders:         make(map[string]int),
	}
}

// UserState is one user's private view of a conversation.
type UserState struct {
	SpeakingAs        string            `json:"speakingAs,omitempty"`
	SelectedResponder string            `json:"selectedResponder,omitempty"`
	IsDetached        bool              `json:"isDetached,omitempty"`
	DetachedBranches  map[string]string `json:"detachedBranches,omitempty"`
	ReadBranchIDs     []string          `json:"readBranchIds,omitempty"`
	LastReadAt        *time.Time        `json:"lastReadAt,omitempty"`
}

// Store reads and writes state files under one data directory.
type Store struct {
	sharedDir string
	userDir   string

	shared *cache.LRU[string, *Shared]
	users  *cache.LRU[string, *UserState]
	mu     sync.Mutex // serializes file writes
}

// Open prepares a state store. sharedDir and userDir are typically
// <data>/conversation-state and <data>/user-conversation-state.
func Open(sharedDir, userDir string) (*Store, error) {
	for _, dir := range []string{sharedDir, userDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(err, errs.KindIO, "create state directory %s", dir)
		}
	}
	return &Store{
		sharedDir: sharedDir,
		userDir:   userDir,
		shared:    cache.New[string, *Shared](2048, 30*time.Minute),
		users:     cache.New[string, *UserState](4096, 30*time.Minute),
	}, nil
}

// LoadShared returns the shared state for a conversation, empty if none exists.
func (s *Store) LoadShared(convID string) (*Shared, error) {
	if st, ok := s.shared.Get(convID); ok {
		return st, nil
	}
	st := NewShared()
	if err := readJSON(s.sharedPath(convID), st); err != nil {
		return nil, err
	}
	if st.ActiveBranches == nil {
		st.ActiveBranches = make(map[string]string)
	}
	s.shared.Set(convID, st)
	return st, nil
}

// SaveShared writes through the shared state for a conversation.
func (s *Store) SaveShared(convID string, st *Shared) error {
	s.shared.Set(convID, st)
	return s.writeJSON(s.sharedPath(convID), st)
}

// LoadUser returns one user's state for a conversation, empty if none exists.
func (s *Store) LoadUser(convID, userID string) (*UserState, error) {
	key := convID + "/" + userID
	if st, ok := s.users.Get(key); ok {
		return st, nil
	}
	st := &UserState{}
	if err := readJSON(s.userPath(convID, userID), st); err != nil {
		return nil, err
	}
	s.users.Set(key, st)
	return st, nil
}

// SaveUser writes through one user's state for a conversation.
func (s *Store) SaveUser(convID, userID string, st *UserState) error {
	s.users.Set(convID+"/"+userID, st)
	return s.writeJSON(s.userPath(convID, userID), st)
}

// Detach switches a user to detached navigation, seeded from the shared
// active branches so their view starts where they were.
func (s *Store) Detach(convID, userID string) error {
	st, err := s.LoadUser(convID, userID)
	if err != nil {
		return err
	}
	if st.IsDetached {
		return nil
	}
	shared, err := s.LoadShared(convID)
	if err != nil {
		return err
	}
	st.IsDetached = true
	st.DetachedBranches = make(map[string]string, len(shared.ActiveBranches))
	for msgID, branchID := range shared.ActiveBranches {
		st.DetachedBranches[msgID] = branchID
	}
	return s.SaveUser(convID, userID, st)
}

// Reattach clears detached navigation; the user follows shared state again.
func (s *Store) Reattach(convID, userID string) error {
	st, err := s.LoadUser(convID, userID)
	if err != nil {
		return err
	}
	if !st.IsDetached && st.DetachedBranches == nil {
		return nil
	}
	st.IsDetached = false
	st.DetachedBranches = nil
	return s.SaveUser(convID, userID, st)
}

// ActiveBranchFor resolves the branch a user sees for a message: their
// detached choice when detached, the shared choice otherwise.
func (s *Store) ActiveBranchFor(convID, userID, messageID string) (string, error) {
	if userID != "" {
		st, err := s.LoadUser(convID, userID)
		if err != nil {
			return "", err
		}
		if st.IsDetached {
			if branchID, ok := st.DetachedBranches[messageID]; ok {
				return branchID, nil
			}
		}
	}
	shared, err := s.LoadShared(convID)
	if err != nil {
		return "", err
	}
	return shared.ActiveBranches[messageID], nil
}

func (s *Store) sharedPath(convID string) string {
	aa, _ := idgen.Shard(convID)
	return filepath.Join(s.sharedDir, aa, convID+".json")
}

func (s *Store) userPath(convID, userID string) string {
	aa, _ := idgen.Shard(convID)
	return filepath.Join(s.userDir, aa, convID, userID+".json")
}

func readJSON(path string, target any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(err, errs.KindIO, "read state %s", path)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errs.Wrap(err, errs.KindIO, "decode state %s", path)
	}
	return nil
}

func (s *Store) writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(err, errs.KindIO, "encode state %s", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(err, errs.KindIO, "create state shard")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errs.Wrap(err, errs.KindIO, "write state %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(err, errs.KindIO, "replace state %s", path)
	}
	return nil
}
