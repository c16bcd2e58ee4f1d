package users

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/store/eventlog"
)

func newTestStore(t *testing.T) (*Store, *eventlog.Manager) {
	t.Helper()
	log, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	s := NewStore(log)
	require.NoError(t, s.Replay())
	return s, log
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s, _ := newTestStore(t)

	u, err := s.Register("Alice@Example.com", "Alice", "s3cret")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.NotEmpty(t, u.ID)
	assert.NotEqual(t, "s3cret", u.PasswordHash)

	got, err := s.Authenticate("alice@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.Authenticate("alice@example.com", "wrong")
	assert.Equal(t, errs.KindPermissionDenied, errs.KindOf(err))
	_, err = s.Authenticate("nobody@example.com", "s3cret")
	assert.Equal(t, errs.KindPermissionDenied, errs.KindOf(err))
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Register("alice@example.com", "Alice", "pw")
	require.NoError(t, err)
	_, err = s.Register(" ALICE@example.com ", "Other", "pw")
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestResetPasswordInvalidatesOld(t *testing.T) {
	s, _ := newTestStore(t)
	u, err := s.Register("alice@example.com", "Alice", "old-pw")
	require.NoError(t, err)

	require.NoError(t, s.ResetPassword(u.ID, "new-pw"))
	_, err = s.Authenticate("alice@example.com", "old-pw")
	assert.Error(t, err)
	_, err = s.Authenticate("alice@example.com", "new-pw")
	assert.NoError(t, err)
}

func TestFlagsAndResetSurviveReplay(t *testing.T) {
	s, log := newTestStore(t)
	u, err := s.Register("alice@example.com", "Alice", "old-pw")
	require.NoError(t, err)

	require.NoError(t, s.VerifyEmail(u.ID))
	require.NoError(t, s.VerifyAge(u.ID))
	require.NoError(t, s.AcceptTOS(u.ID))
	require.NoError(t, s.ResetPassword(u.ID, "new-pw"))

	replayed := NewStore(log)
	require.NoError(t, replayed.Replay())

	got := replayed.User(u.ID)
	require.NotNil(t, got)
	assert.True(t, got.EmailVerified)
	assert.True(t, got.AgeVerified)
	require.NotNil(t, got.TOSAcceptedAt)

	_, err = replayed.Authenticate("alice@example.com", "new-pw")
	assert.NoError(t, err)
	_, err = replayed.Authenticate("alice@example.com", "old-pw")
	assert.Error(t, err)
}

func TestUpdateReindexesEmail(t *testing.T) {
	s, _ := newTestStore(t)
	u, err := s.Register("alice@example.com", "Alice", "pw")
	require.NoError(t, err)

	newEmail := "alice@new.example.com"
	group := "beta"
	require.NoError(t, s.Update(UserUpdatedPayload{ID: u.ID, Email: &newEmail, UserGroup: &group}))

	assert.Nil(t, s.ByEmail("alice@example.com"))
	got := s.ByEmail("alice@new.example.com")
	require.NotNil(t, got)
	assert.Equal(t, "beta", got.UserGroup)
}

func TestAPIKeyLifecycle(t *testing.T) {
	s, log := newTestStore(t)
	u, err := s.Register("alice@example.com", "Alice", "pw")
	require.NoError(t, err)

	key, secret, err := s.CreateAPIKey(u.ID, "laptop")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, "ak-"))
	assert.NotContains(t, key.SecretHash, secret, "the plaintext secret is never stored")

	got, err := s.AuthenticateAPIKey(secret)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.AuthenticateAPIKey("ak-bogus")
	assert.Equal(t, errs.KindPermissionDenied, errs.KindOf(err))

	require.NoError(t, s.RevokeAPIKey(u.ID, key.ID))
	_, err = s.AuthenticateAPIKey(secret)
	assert.Error(t, err)

	// Revocation survives replay; the secret stays dead.
	replayed := NewStore(log)
	require.NoError(t, replayed.Replay())
	_, err = replayed.AuthenticateAPIKey(secret)
	assert.Error(t, err)
	keys := replayed.APIKeys(u.ID)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].RevokedAt)
}

func TestPublicShares(t *testing.T) {
	s, _ := newTestStore(t)
	u, err := s.Register("alice@example.com", "Alice", "pw")
	require.NoError(t, err)

	sh, err := s.CreatePublicShare(u.ID, "conv-1")
	require.NoError(t, err)
	require.NotEmpty(t, sh.Token)

	got := s.ShareByToken(sh.Token)
	require.NotNil(t, got)
	assert.Equal(t, "conv-1", got.ConversationID)

	require.NoError(t, s.RecordShareView(sh.ID))
	require.NoError(t, s.RecordShareView(sh.ID))
	assert.Equal(t, 2, s.ShareByToken(sh.Token).ViewCount)

	err = s.DeleteShare("someone-else", sh.ID)
	assert.Equal(t, errs.KindPermissionDenied, errs.KindOf(err))
	require.NoError(t, s.DeleteShare(u.ID, sh.ID))
	assert.Nil(t, s.ShareByToken(sh.Token))
}
