package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSocketPair dials a real websocket through httptest and returns both ends.
func newSocketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, _, err := websocket.Dial(ctx, "ws://"+strings.TrimPrefix(srv.URL, "http://"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close(websocket.StatusNormalClosure, "") })

	select {
	case ws := <-accepted:
		return ws, cl
	case <-ctx.Done():
		t.Fatal("server never accepted the websocket")
		return nil, nil
	}
}

// join registers a fresh connection for userID and joins it to convID.
func join(t *testing.T, m *Manager, convID, userID string) (*Conn, *websocket.Conn) {
	t.Helper()
	server, client := newSocketPair(t)
	c := m.Register(context.Background(), server, userID)
	t.Cleanup(func() { m.Unregister(c) })
	m.Join(convID, c)
	return c, client
}

func readFrame(t *testing.T, client *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := client.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestGenerationSlotExclusive(t *testing.T) {
	m := NewManager()

	require.True(t, m.StartGeneration("conv-1", "alice", "msg-1"))
	assert.True(t, m.Generating("conv-1"))

	assert.False(t, m.StartGeneration("conv-1", "bob", "msg-2"), "second claim while in flight")
	assert.True(t, m.StartGeneration("conv-2", "bob", "msg-3"), "other rooms are independent")

	m.EndGeneration("conv-1")
	assert.False(t, m.Generating("conv-1"))
	assert.True(t, m.StartGeneration("conv-1", "bob", "msg-2"), "slot reopens after completion")
}

func TestEndGenerationIdempotent(t *testing.T) {
	m := NewManager()
	m.EndGeneration("conv-1")
	require.True(t, m.StartGeneration("conv-1", "alice", "msg-1"))
	m.EndGeneration("conv-1")
	m.EndGeneration("conv-1")
	assert.False(t, m.Generating("conv-1"))
}

func TestJoinAnnouncesFirstConnectionOnly(t *testing.T) {
	m := NewManager()
	_, aliceClient := join(t, m, "conv-1", "alice")
	join(t, m, "conv-1", "bob")

	frame := readFrame(t, aliceClient)
	assert.Equal(t, FrameUserJoined, frame["type"])
	assert.Equal(t, "bob", frame["userId"])

	// A second connection of an already-present user stays silent: the next
	// frame alice sees is the sentinel, not another user_joined.
	join(t, m, "conv-1", "bob")
	m.Broadcast("conv-1", PresenceFrame{Type: "sentinel", ConversationID: "conv-1"}, nil)
	assert.Equal(t, "sentinel", readFrame(t, aliceClient)["type"])
}

func TestLeaveAnnouncesLastConnectionOnly(t *testing.T) {
	m := NewManager()
	_, aliceClient := join(t, m, "conv-1", "alice")
	bob1, _ := join(t, m, "conv-1", "bob")
	require.Equal(t, FrameUserJoined, readFrame(t, aliceClient)["type"])
	bob2, _ := join(t, m, "conv-1", "bob")

	m.Leave("conv-1", bob1)
	m.Broadcast("conv-1", PresenceFrame{Type: "sentinel", ConversationID: "conv-1"}, nil)
	assert.Equal(t, "sentinel", readFrame(t, aliceClient)["type"],
		"bob still has a connection, no user_left yet")

	m.Leave("conv-1", bob2)
	frame := readFrame(t, aliceClient)
	assert.Equal(t, FrameUserLeft, frame["type"])
	assert.Equal(t, "bob", frame["userId"])
}

func TestPresenceDeduplicatesUsers(t *testing.T) {
	m := NewManager()
	alice1, _ := join(t, m, "conv-1", "alice")
	alice2, _ := join(t, m, "conv-1", "alice")
	join(t, m, "conv-1", "bob")

	assert.ElementsMatch(t, []string{"alice", "bob"}, m.Presence("conv-1"))

	m.Leave("conv-1", alice1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, m.Presence("conv-1"))
	m.Leave("conv-1", alice2)
	assert.ElementsMatch(t, []string{"bob"}, m.Presence("conv-1"))

	assert.Nil(t, m.Presence("conv-404"))
}

func TestUnregisterLeavesEveryRoom(t *testing.T) {
	m := NewManager()
	_, aliceClient := join(t, m, "conv-1", "alice")
	bob, _ := join(t, m, "conv-1", "bob")
	require.Equal(t, FrameUserJoined, readFrame(t, aliceClient)["type"])
	m.Join("conv-2", bob)

	m.Unregister(bob)
	assert.ElementsMatch(t, []string{"alice"}, m.Presence("conv-1"))
	assert.Nil(t, m.Presence("conv-2"))

	frame := readFrame(t, aliceClient)
	assert.Equal(t, FrameUserLeft, frame["type"])
	assert.Equal(t, "bob", frame["userId"])

	// A second Unregister of the same connection is a no-op.
	m.Unregister(bob)
}

func TestStartGenerationBroadcastsToRoom(t *testing.T) {
	m := NewManager()
	_, aliceClient := join(t, m, "conv-1", "alice")

	require.True(t, m.StartGeneration("conv-1", "alice", "msg-1"))
	frame := readFrame(t, aliceClient)
	assert.Equal(t, FrameAIGenerating, frame["type"])
	assert.Equal(t, "msg-1", frame["messageId"])

	m.EndGeneration("conv-1")
	assert.Equal(t, FrameAIFinished, readFrame(t, aliceClient)["type"])
}

func TestBroadcastExcludesSender(t *testing.T) {
	m := NewManager()
	alice, aliceClient := join(t, m, "conv-1", "alice")
	_, bobClient := join(t, m, "conv-1", "bob")
	require.Equal(t, FrameUserJoined, readFrame(t, aliceClient)["type"])

	m.Broadcast("conv-1", StreamFrame{
		Type: FrameStream, ConversationID: "conv-1", MessageID: "msg-1", Chunk: "hel",
	}, alice)
	frame := readFrame(t, bobClient)
	assert.Equal(t, FrameStream, frame["type"])
	assert.Equal(t, "hel", frame["chunk"])

	// Alice sees only the sentinel that follows, never her own chunk.
	m.Broadcast("conv-1", PresenceFrame{Type: "sentinel", ConversationID: "conv-1"}, nil)
	assert.Equal(t, "sentinel", readFrame(t, aliceClient)["type"])
}

func TestSendTargetsSingleConnection(t *testing.T) {
	m := NewManager()
	alice, aliceClient := join(t, m, "conv-1", "alice")

	require.NoError(t, m.Send(alice, ErrorFrame{Type: FrameError, Code: "busy", Message: "try later"}))
	frame := readFrame(t, aliceClient)
	assert.Equal(t, FrameError, frame["type"])
	assert.Equal(t, "busy", frame["code"])
}
