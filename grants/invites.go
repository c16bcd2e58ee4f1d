package grants

import (
	"sync"
	"time"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/store/eventlog"
)

// Invite is the payload of an invite_created event.
type Invite struct {
	Code      string     `json:"code"`
	CreatorID string     `json:"creatorId"`
	Amount    float64    `json:"amount"`
	Currency  string     `json:"currency,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	MaxUses   int        `json:"maxUses,omitempty"` // zero means unlimited
}

// InviteClaim is the payload of an invite_claimed event.
type InviteClaim struct {
	Code      string    `json:"code"`
	UserID    string    `json:"userId"`
	ClaimedAt time.Time `json:"claimedAt"`
}

type inviteEntry struct {
	invite Invite
	uses   int
}

type inviteState struct {
	mu    sync.Mutex
	codes map[string]*inviteEntry
}

func newInviteState() *inviteState {
	return &inviteState{codes: make(map[string]*inviteEntry)}
}

func (s *inviteState) foldCreated(inv *Invite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[inv.Code] = &inviteEntry{invite: *inv}
}

func (s *inviteState) foldClaimed(cl *InviteClaim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.codes[cl.Code]; ok {
		e.uses++
	}
}

// CreateInvite registers a new invite code. Duplicate codes conflict.
func (l *Ledger) CreateInvite(inv Invite) error {
	if inv.Code == "" {
		return errs.New(errs.KindValidation, "invite code is required")
	}
	inv.Currency = NormalizeCurrency(inv.Currency)

	l.invites.mu.Lock()
	_, exists := l.invites.codes[inv.Code]
	l.invites.mu.Unlock()
	if exists {
		return errs.New(errs.KindConflict, "invite code %s already exists", inv.Code)
	}

	env, err := eventlog.NewEnvelope(eventlog.KindInviteCreated, inv)
	if err != nil {
		return err
	}
	if err := l.log.Append(eventlog.MainLog(), env); err != nil {
		return err
	}
	l.invites.foldCreated(&inv)
	return nil
}

// ValidateInvite checks an invite without claiming it.
func (l *Ledger) ValidateInvite(code string) (*Invite, error) {
	l.invites.mu.Lock()
	defer l.invites.mu.Unlock()
	return l.checkLocked(code)
}

// checkLocked validates under the invite lock.
func (l *Ledger) checkLocked(code string) (*Invite, error) {
	e, ok := l.invites.codes[code]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "invite code %s not found", code)
	}
	if e.invite.ExpiresAt != nil && !time.Now().Before(*e.invite.ExpiresAt) {
		return nil, errs.New(errs.KindConflict, "invite code %s has expired", code)
	}
	if e.invite.MaxUses > 0 && e.uses >= e.invite.MaxUses {
		return nil, errs.New(errs.KindConflict, "invite code %s is fully claimed", code)
	}
	inv := e.invite
	return &inv, nil
}

// ClaimInvite atomically validates the code, increments usage, and mints the
// invite's grant for the claimer. Expiry and use limits are authoritative
// here; an overclaim appends nothing.
func (l *Ledger) ClaimInvite(code, userID string) (*Grant, error) {
	l.invites.mu.Lock()
	defer l.invites.mu.Unlock()

	inv, err := l.checkLocked(code)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	claimEnv, err := eventlog.NewEnvelope(eventlog.KindInviteClaimed, InviteClaim{
		Code: code, UserID: userID, ClaimedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if err := l.log.Append(eventlog.MainLog(), claimEnv); err != nil {
		return nil, err
	}
	l.invites.codes[code].uses++

	grant := Grant{
		UserID:    userID,
		Amount:    inv.Amount,
		Currency:  inv.Currency,
		Reason:    "invite:" + code,
		CreatedAt: now,
	}
	if err := l.RecordGrant(grant); err != nil {
		return nil, err
	}
	return &grant, nil
}
