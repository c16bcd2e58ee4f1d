// Package grants tracks user credit grants, capability flags, and invite
// codes, all derived from main-log events.
package grants

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/store/eventlog"
)

// DefaultCurrency is assumed when a grant omits one.
const DefaultCurrency = "credit"

// legacyCurrencies maps historical currency names on ingress.
var legacyCurrencies = map[string]string{
	"opus":    "claude3opus",
	"sonnets": "old_sonnets",
}

// NormalizeCurrency resolves legacy names and defaults the empty currency.
func NormalizeCurrency(c string) string {
	if c == "" {
		return DefaultCurrency
	}
	if mapped, ok := legacyCurrencies[c]; ok {
		return mapped
	}
	return c
}

// Grant is the payload of a grant_info event.
type Grant struct {
	UserID    string    `json:"userId"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ledger folds grants into per-user per-currency balances. Balances may go
// negative; spending policy is enforced elsewhere.
type Ledger struct {
	log *eventlog.Manager

	mu       sync.RWMutex
	balances map[string]map[string]float64

	caps    *capabilityState
	invites *inviteState
}

// NewLedger creates an empty ledger over the main log.
func NewLedger(log *eventlog.Manager) *Ledger {
	return &Ledger{
		log:      log,
		balances: make(map[string]map[string]float64),
		caps:     newCapabilityState(),
		invites:  newInviteState(),
	}
}

// Replay folds the main log into the ledger, capabilities and invites.
func (l *Ledger) Replay() error {
	sc, err := l.log.Load(eventlog.MainLog())
	if err != nil {
		return err
	}
	defer sc.Close()
	for sc.Next() {
		if err := l.Apply(sc.Event()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Apply folds one main-log event. Unknown kinds are ignored; they belong to
// other main-log consumers.
func (l *Ledger) Apply(env eventlog.Envelope) error {
	switch env.Type {
	case eventlog.KindGrantInfo:
		var g Grant
		if err := json.Unmarshal(env.Data, &g); err != nil {
			return err
		}
		l.fold(&g)
	case eventlog.KindGrantCapability:
		var c Capability
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return err
		}
		l.caps.fold(&c)
	case eventlog.KindInviteCreated:
		var inv Invite
		if err := json.Unmarshal(env.Data, &inv); err != nil {
			return err
		}
		l.invites.foldCreated(&inv)
	case eventlog.KindInviteClaimed:
		var cl InviteClaim
		if err := json.Unmarshal(env.Data, &cl); err != nil {
			return err
		}
		l.invites.foldClaimed(&cl)
	}
	return nil
}

func (l *Ledger) fold(g *Grant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := NormalizeCurrency(g.Currency)
	byCur, ok := l.balances[g.UserID]
	if !ok {
		byCur = make(map[string]float64)
		l.balances[g.UserID] = byCur
	}
	byCur[cur] += g.Amount
}

// RecordGrant appends a grant event and folds it.
func (l *Ledger) RecordGrant(g Grant) error {
	if g.UserID == "" {
		return errs.New(errs.KindValidation, "grant requires a user")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	g.Currency = NormalizeCurrency(g.Currency)
	env, err := eventlog.NewEnvelope(eventlog.KindGrantInfo, g)
	if err != nil {
		return err
	}
	if err := l.log.Append(eventlog.MainLog(), env); err != nil {
		return err
	}
	l.fold(&g)
	return nil
}

// Balance returns a user's balance in one currency.
func (l *Ledger) Balance(userID, currency string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[userID][NormalizeCurrency(currency)]
}

// Balances returns a copy of every currency balance for a user.
func (l *Ledger) Balances(userID string) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.balances[userID]))
	for cur, amt := range l.balances[userID] {
		out[cur] = amt
	}
	return out
}
