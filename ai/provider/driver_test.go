package provider

import (
	stdcontext "context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aictx "github.com/anima-research/animachat/ai/context"
	"github.com/anima-research/animachat/chat"
	"github.com/anima-research/animachat/config"
	"github.com/anima-research/animachat/store/eventlog"
	"github.com/anima-research/animachat/store/state"
)

type noopSlot struct{}

func (noopSlot) StartGeneration(convID, userID, messageID string) bool { return true }
func (noopSlot) EndGeneration(convID string)                           {}

type fakeUpstream struct {
	stream func(ctx stdcontext.Context, req Request, emit func(Delta)) (Usage, error)
}

func (f *fakeUpstream) Stream(ctx stdcontext.Context, req Request, emit func(Delta)) (Usage, error) {
	return f.stream(ctx, req, emit)
}

type generationRecorder struct {
	calls        int
	provider     string
	model        string
	failed       bool
	inputTokens  int
	outputTokens int
}

func (r *generationRecorder) ObserveGeneration(provider, model string, failed bool, seconds float64, inputTokens, outputTokens int, cost float64, currency string) {
	r.calls++
	r.provider = provider
	r.model = model
	r.failed = failed
	r.inputTokens = inputTokens
	r.outputTokens = outputTokens
}

type driverFixture struct {
	driver *Driver
	svc    *chat.Service
	conv   *chat.Conversation
	msg    *chat.Message
}

func newDriverFixture(t *testing.T, upstream Upstream, opts ...DriverOption) *driverFixture {
	t.Helper()
	ctx := stdcontext.Background()
	dir := t.TempDir()

	log, err := eventlog.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	states, err := state.Open(
		filepath.Join(dir, "conversation-state"),
		filepath.Join(dir, "user-conversation-state"))
	require.NoError(t, err)
	svc := chat.NewService(log, states)
	require.NoError(t, svc.Start(ctx))

	cfgDir := t.TempDir()
	cfg := `{
  "providers": {"anthropic": [{"id": "p1", "provider": "anthropic", "apiKey": "k"}]},
  "defaultModel": "claude-test"
}`
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(cfg), 0o644))
	loader, err := config.NewLoader(cfgDir)
	require.NoError(t, err)

	d := NewDriver(svc, aictx.NewEngine(), NewSelector(), loader, noopSlot{}, opts...)
	d.newUpstream = func(providerName string, p *config.Profile) Upstream { return upstream }

	conv, err := svc.CreateConversation(ctx, "alice", chat.Conversation{Title: "t"})
	require.NoError(t, err)
	msg, err := svc.CreateMessage(ctx, "alice", conv.ID, chat.RoleAssistant, "", nil, "", "", "")
	require.NoError(t, err)

	return &driverFixture{driver: d, svc: svc, conv: conv, msg: msg}
}

func (f *driverFixture) params() GenerateParams {
	return GenerateParams{
		ConversationID: f.conv.ID,
		UserID:         "alice",
		MessageID:      f.msg.ID,
		BranchID:       f.msg.ActiveBranchID,
	}
}

func TestGenerateStreamsAndRecordsMetrics(t *testing.T) {
	rec := &generationRecorder{}
	upstream := &fakeUpstream{stream: func(ctx stdcontext.Context, req Request, emit func(Delta)) (Usage, error) {
		emit(Delta{Text: "hel"})
		emit(Delta{Text: "lo"})
		return Usage{InputTokens: 10, OutputTokens: 5}, nil
	}}
	f := newDriverFixture(t, upstream, WithMetrics(rec))

	var chunks string
	done := false
	err := f.driver.Generate(stdcontext.Background(), f.params(), func(text string, _ []chat.ContentBlock, d bool) {
		chunks += text
		done = done || d
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", chunks)
	assert.True(t, done)

	path, err := f.svc.ActivePath(stdcontext.Background(), "alice", f.conv.ID)
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "hello", path[0].Branch.Content)

	require.Equal(t, 1, rec.calls)
	assert.Equal(t, "anthropic", rec.provider)
	assert.Equal(t, "claude-test", rec.model)
	assert.False(t, rec.failed)
	assert.Equal(t, 10, rec.inputTokens)
	assert.Equal(t, 5, rec.outputTokens)
}

func TestGenerateTimeoutCompletesAsCancellation(t *testing.T) {
	rec := &generationRecorder{}
	upstream := &fakeUpstream{stream: func(ctx stdcontext.Context, req Request, emit func(Delta)) (Usage, error) {
		emit(Delta{Text: "partial"})
		<-ctx.Done()
		return Usage{}, ctx.Err()
	}}
	f := newDriverFixture(t, upstream,
		WithStreamTimeout(50*time.Millisecond), WithMetrics(rec))

	done := false
	started := time.Now()
	err := f.driver.Generate(stdcontext.Background(), f.params(), func(_ string, _ []chat.ContentBlock, d bool) {
		done = done || d
	})
	require.NoError(t, err, "deadline expiry ends the stream without failing it")
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.True(t, done, "a terminal chunk still arrives")

	// The partial output is durable and the generation is not marked failed.
	path, err := f.svc.ActivePath(stdcontext.Background(), "alice", f.conv.ID)
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "partial", path[0].Branch.Content)
	require.Equal(t, 1, rec.calls)
	assert.False(t, rec.failed)
}

func TestStreamTimeoutResolution(t *testing.T) {
	d := NewDriver(nil, nil, nil, nil, noopSlot{})
	assert.Equal(t, defaultStreamTimeout, d.streamTimeout(&config.Profile{}))

	d = NewDriver(nil, nil, nil, nil, noopSlot{}, WithStreamTimeout(2*time.Minute))
	assert.Equal(t, 2*time.Minute, d.streamTimeout(&config.Profile{}))
	assert.Equal(t, 30*time.Second, d.streamTimeout(&config.Profile{TimeoutSeconds: 30}),
		"a profile timeout overrides the driver's")
}
