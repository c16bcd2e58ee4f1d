package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndLoadRoundtrip(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	id := ConversationLog("aabbccdd00112233aabbccdd00112233")
	for i, kind := range []string{KindMessageCreated, KindMessageBranchAdded, KindActiveBranchChanged} {
		env, err := NewEnvelope(kind, map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, m.Append(id, env))
	}

	sc, err := m.Load(id)
	require.NoError(t, err)
	defer sc.Close()

	var kinds []string
	for sc.Next() {
		kinds = append(kinds, sc.Event().Type)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{KindMessageCreated, KindMessageBranchAdded, KindActiveBranchChanged}, kinds)
	assert.Zero(t, sc.Skipped())
}

func TestLoadMissingLogYieldsEmptyScan(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	sc, err := m.Load(ConversationLog("0000000000000000000000000000dead"))
	require.NoError(t, err)
	defer sc.Close()
	assert.False(t, sc.Next())
	require.NoError(t, sc.Err())
}

func TestMalformedLinesAreSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	id := ConversationLog("aabbccdd00112233aabbccdd00112233")
	env, err := NewEnvelope(KindMessageCreated, map[string]string{"a": "b"})
	require.NoError(t, err)
	require.NoError(t, m.Append(id, env))

	// Simulate a torn write followed by a healthy append.
	f, err := os.OpenFile(m.Path(id), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"timestamp\": \"2025-01-01T0\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	env2, err := NewEnvelope(KindMessageDeleted, map[string]string{"messageId": "x"})
	require.NoError(t, err)
	require.NoError(t, m.Append(id, env2))

	sc, err := m.Load(id)
	require.NoError(t, err)
	defer sc.Close()

	var kinds []string
	for sc.Next() {
		kinds = append(kinds, sc.Event().Type)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{KindMessageCreated, KindMessageDeleted}, kinds)
	assert.Equal(t, 1, sc.Skipped())
}

func TestEnvelopeTimestampFormat(t *testing.T) {
	env := Envelope{
		Timestamp: time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC),
		Type:      KindMessageCreated,
		Data:      json.RawMessage(`{"k":1}`),
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2025-03-14T09:26:53.589Z","type":"message_created","data":{"k":1}}`, string(b))

	var back Envelope
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, env.Timestamp.Equal(back.Timestamp))
}

func TestEnvelopeAcceptsRFC3339Fallback(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"timestamp":"2025-03-14T09:26:53+02:00","type":"x","data":null}`), &env)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, env.Timestamp.Location())
}

func TestShardedPaths(t *testing.T) {
	m, err := Open("/data")
	require.NoError(t, err)

	convID := "aabbccdd00112233aabbccdd00112233"
	assert.Equal(t,
		filepath.Join("/data", "conversations", "aa", "bb", convID+".jsonl"),
		m.Path(ConversationLog(convID)))
	assert.Equal(t,
		filepath.Join("/data", "users", "aa", convID+".jsonl"),
		m.Path(UserLog(convID)))
	assert.Equal(t, filepath.Join("/data", "events.jsonl"), m.Path(MainLog()))
}

func TestRoute(t *testing.T) {
	resolve := func(kind string, data json.RawMessage) string {
		var p struct {
			Owner string `json:"owner"`
		}
		_ = json.Unmarshal(data, &p)
		return p.Owner
	}

	tests := []struct {
		name string
		kind string
		data string
		want ID
	}{
		{"main scoped", KindUserCreated, `{}`, MainLog()},
		{"conversation scoped", KindMessageCreated, `{"owner":"c1"}`, ConversationLog("c1")},
		{"user scoped", KindConversationCreated, `{"owner":"u1"}`, UserLog("u1")},
		{"unresolvable owner falls back", KindMessageCreated, `{}`, MainLog()},
		{"unknown kind falls back", "mystery_event", `{"owner":"c1"}`, MainLog()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Route(tt.kind, json.RawMessage(tt.data), resolve)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	env, err := NewEnvelope(KindMessageCreated, nil)
	require.NoError(t, err)
	assert.Error(t, m.Append(MainLog(), env))
}

func TestListConversationLogs(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	ids := []string{
		"aabbccdd00112233aabbccdd00112233",
		"ffee001122334455ffee001122334455",
	}
	for _, id := range ids {
		env, err := NewEnvelope(KindMessageCreated, nil)
		require.NoError(t, err)
		require.NoError(t, m.Append(ConversationLog(id), env))
	}

	got, err := m.ListConversationLogs()
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, got)
}

type metricsRecorder struct {
	appended map[string]int
	skipped  int
	removed  map[string]int
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{appended: make(map[string]int), removed: make(map[string]int)}
}

func (r *metricsRecorder) ObserveAppend(kind string) { r.appended[kind]++ }
func (r *metricsRecorder) ObserveReplaySkipped(n int) { r.skipped += n }
func (r *metricsRecorder) ObserveCompaction(removedByKind map[string]int) {
	for kind, n := range removedByKind {
		r.removed[kind] += n
	}
}

func TestMetricsObserveAppendsAndSkips(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()
	rec := newMetricsRecorder()
	m.SetMetrics(rec)

	id := ConversationLog("aabbccdd00112233aabbccdd00112233")
	for _, kind := range []string{KindMessageCreated, KindMessageCreated, KindMessageDeleted} {
		env, err := NewEnvelope(kind, map[string]string{"id": "m"})
		require.NoError(t, err)
		require.NoError(t, m.Append(id, env))
	}
	assert.Equal(t, 2, rec.appended[KindMessageCreated])
	assert.Equal(t, 1, rec.appended[KindMessageDeleted])

	f, err := os.OpenFile(m.Path(id), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"timestamp\": \"2025-01-01T0\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sc, err := m.Load(id)
	require.NoError(t, err)
	defer sc.Close()
	for sc.Next() {
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 1, rec.skipped)
}
