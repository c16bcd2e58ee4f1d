package grants

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/store/eventlog"
)

func newTestLedger(t *testing.T) (*Ledger, *eventlog.Manager) {
	t.Helper()
	log, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	l := NewLedger(log)
	require.NoError(t, l.Replay())
	return l, log
}

func TestNormalizeCurrency(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "credit"},
		{"credit", "credit"},
		{"opus", "claude3opus"},
		{"sonnets", "old_sonnets"},
		{"usd", "usd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCurrency(tt.in), tt.in)
	}
}

func TestGrantsAccumulateAndGoNegative(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.RecordGrant(Grant{UserID: "alice", Amount: 100}))
	require.NoError(t, l.RecordGrant(Grant{UserID: "alice", Amount: -130, Reason: "usage"}))
	require.NoError(t, l.RecordGrant(Grant{UserID: "alice", Amount: 5, Currency: "opus"}))

	assert.Equal(t, float64(-30), l.Balance("alice", "credit"))
	assert.Equal(t, float64(5), l.Balance("alice", "claude3opus"))
	assert.Equal(t, map[string]float64{"credit": -30, "claude3opus": 5}, l.Balances("alice"))
}

func TestLedgerReplayFromLog(t *testing.T) {
	l, log := newTestLedger(t)
	require.NoError(t, l.RecordGrant(Grant{UserID: "alice", Amount: 42}))

	replayed := NewLedger(log)
	require.NoError(t, replayed.Replay())
	assert.Equal(t, float64(42), replayed.Balance("alice", "credit"))
}

func TestGrantRequiresUser(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.RecordGrant(Grant{Amount: 10})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestInviteLifecycle(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.CreateInvite(Invite{
		Code: "WELCOME", CreatorID: "admin", Amount: 50, MaxUses: 2,
	}))
	err := l.CreateInvite(Invite{Code: "WELCOME", CreatorID: "admin"})
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	inv, err := l.ValidateInvite("WELCOME")
	require.NoError(t, err)
	assert.Equal(t, float64(50), inv.Amount)

	grant, err := l.ClaimInvite("WELCOME", "alice")
	require.NoError(t, err)
	assert.Equal(t, "invite:WELCOME", grant.Reason)
	assert.Equal(t, float64(50), l.Balance("alice", "credit"))
}

func TestInviteOverclaimAppendsNothing(t *testing.T) {
	l, log := newTestLedger(t)
	require.NoError(t, l.CreateInvite(Invite{Code: "ONE", Amount: 10, MaxUses: 1}))

	_, err := l.ClaimInvite("ONE", "alice")
	require.NoError(t, err)

	countEvents := func() int {
		sc, err := log.Load(eventlog.MainLog())
		require.NoError(t, err)
		defer sc.Close()
		n := 0
		for sc.Next() {
			n++
		}
		return n
	}
	before := countEvents()

	_, err = l.ClaimInvite("ONE", "bob")
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Zero(t, l.Balance("bob", "credit"))
	assert.Equal(t, before, countEvents(), "a rejected claim must not append events")

	// The ledger replayed from the log agrees.
	replayed := NewLedger(log)
	require.NoError(t, replayed.Replay())
	assert.Equal(t, float64(10), replayed.Balance("alice", "credit"))
	assert.Zero(t, replayed.Balance("bob", "credit"))
}

func TestExpiredInvite(t *testing.T) {
	l, _ := newTestLedger(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, l.CreateInvite(Invite{Code: "OLD", Amount: 10, ExpiresAt: &past}))

	_, err := l.ClaimInvite("OLD", "alice")
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	_, err = l.ValidateInvite("MISSING")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestUnlimitedInvite(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.CreateInvite(Invite{Code: "OPEN", Amount: 1}))

	for _, user := range []string{"a", "b", "c"} {
		_, err := l.ClaimInvite("OPEN", user)
		require.NoError(t, err)
	}
}

func TestCapabilityLatestActionWins(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.RecordCapability(Capability{UserID: "alice", Capability: "vision"}))
	assert.True(t, l.HasActive("alice", "vision"))

	require.NoError(t, l.RecordCapability(Capability{UserID: "alice", Action: ActionRevoked, Capability: "vision"}))
	assert.False(t, l.HasActive("alice", "vision"))

	require.NoError(t, l.RecordCapability(Capability{UserID: "alice", Action: ActionGranted, Capability: "vision"}))
	assert.True(t, l.HasActive("alice", "vision"))
}

func TestCapabilityExpiry(t *testing.T) {
	l, _ := newTestLedger(t)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, l.RecordCapability(Capability{
		UserID: "alice", Capability: "beta", ExpiresAt: &past,
	}))
	assert.False(t, l.HasActive("alice", "beta"))

	future := time.Now().Add(time.Hour)
	require.NoError(t, l.RecordCapability(Capability{
		UserID: "alice", Capability: "beta", ExpiresAt: &future,
	}))
	assert.True(t, l.HasActive("alice", "beta"))
	assert.False(t, l.HasActive("alice", "unknown"))
	assert.False(t, l.HasActive("bob", "beta"))
}
