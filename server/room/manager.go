// Package room tracks the websocket connections attached to each
// conversation and fans frames out to them. Rooms are ephemeral: they exist
// while at least one connection is joined.
package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/anima-research/animachat/internal/idgen"
)

const (
	defaultWriteTimeout      = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// Conn is one registered websocket connection. A user may hold several.
type Conn struct {
	ID     string
	UserID string

	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// awaitingPong is set when a heartbeat ping has been sent and not yet
	// answered; a second sweep finding it set terminates the socket.
	awaitingPong atomic.Bool
}

// Context returns the connection's lifetime context.
func (c *Conn) Context() context.Context { return c.ctx }

type generation struct {
	userID    string
	messageID string
}

type roomState struct {
	members    map[*Conn]bool
	generating *generation
}

// Metrics is the subset of the exporter the manager reports to.
type Metrics interface {
	SetRoomGauges(connections, rooms int)
	ObserveFrame(frameType string)
}

// Manager owns every room. Broadcast snapshots the membership before writing
// so no lock is held across socket I/O.
type Manager struct {
	writeTimeout      time.Duration
	heartbeatInterval time.Duration
	metrics           Metrics

	mu    sync.Mutex
	conns map[*Conn]bool
	rooms map[string]*roomState
}

// Option configures a Manager.
type Option func(*Manager)

// WithWriteTimeout bounds each socket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// WithHeartbeatInterval sets the ping sweep period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatInterval = d }
}

// WithMetrics wires the exporter.
func WithMetrics(mx Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		writeTimeout:      defaultWriteTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		conns:             make(map[*Conn]bool),
		rooms:             make(map[string]*roomState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register tracks a new connection for a user.
func (m *Manager) Register(parent context.Context, ws *websocket.Conn, userID string) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		ID:     idgen.New(),
		UserID: userID,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
	}
	m.mu.Lock()
	m.conns[c] = true
	m.mu.Unlock()
	m.updateGauges()
	return c
}

// Unregister removes a connection from every room and closes it. Idempotent.
func (m *Manager) Unregister(c *Conn) {
	m.mu.Lock()
	if !m.conns[c] {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c)
	var left []string
	for convID, r := range m.rooms {
		if r.members[c] {
			delete(r.members, c)
			if !m.userPresentLocked(r, c.UserID) {
				left = append(left, convID)
			}
			if len(r.members) == 0 {
				delete(m.rooms, convID)
			}
		}
	}
	m.mu.Unlock()

	for _, convID := range left {
		m.Broadcast(convID, PresenceFrame{Type: FrameUserLeft, ConversationID: convID, UserID: c.UserID}, nil)
	}
	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
	m.updateGauges()
}

// Join attaches a connection to a conversation's room. The first connection
// of a user announces user_joined to the others.
func (m *Manager) Join(convID string, c *Conn) {
	m.mu.Lock()
	r, ok := m.rooms[convID]
	if !ok {
		r = &roomState{members: make(map[*Conn]bool)}
		m.rooms[convID] = r
	}
	announce := !m.userPresentLocked(r, c.UserID)
	r.members[c] = true
	m.mu.Unlock()

	if announce {
		m.Broadcast(convID, PresenceFrame{Type: FrameUserJoined, ConversationID: convID, UserID: c.UserID}, c)
	}
	m.updateGauges()
}

// Leave detaches a connection from a room. The last connection of a user
// announces user_left.
func (m *Manager) Leave(convID string, c *Conn) {
	m.mu.Lock()
	r, ok := m.rooms[convID]
	if !ok || !r.members[c] {
		m.mu.Unlock()
		return
	}
	delete(r.members, c)
	announce := !m.userPresentLocked(r, c.UserID)
	if len(r.members) == 0 {
		delete(m.rooms, convID)
	}
	m.mu.Unlock()

	if announce {
		m.Broadcast(convID, PresenceFrame{Type: FrameUserLeft, ConversationID: convID, UserID: c.UserID}, nil)
	}
	m.updateGauges()
}

// Presence returns the deduplicated user IDs currently in a room.
func (m *Manager) Presence(convID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[convID]
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(r.members))
	var out []string
	for c := range r.members {
		if !seen[c.UserID] {
			seen[c.UserID] = true
			out = append(out, c.UserID)
		}
	}
	return out
}

// Broadcast fans a frame out to every room member except the excluded
// connection. Dead sockets are skipped silently; the heartbeat reaps them.
func (m *Manager) Broadcast(convID string, frame any, except *Conn) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("marshaling broadcast frame failed",
			"conversation_id", convID, "error", err)
		return
	}

	m.mu.Lock()
	r, ok := m.rooms[convID]
	if !ok {
		m.mu.Unlock()
		return
	}
	members := make([]*Conn, 0, len(r.members))
	for c := range r.members {
		if c != except {
			members = append(members, c)
		}
	}
	m.mu.Unlock()

	for _, c := range members {
		if err := m.send(c, data); err != nil {
			slog.Debug("dropping frame to unwritable socket",
				"connection_id", c.ID, "error", err)
		}
	}
	if m.metrics != nil {
		if ft := frameType(frame); ft != "" {
			m.metrics.ObserveFrame(ft)
		}
	}
}

// Send writes a frame to a single connection.
func (m *Manager) Send(c *Conn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return m.send(c, data)
}

// StartGeneration claims the room's single generation slot. Returns false
// when one is already in flight.
func (m *Manager) StartGeneration(convID, userID, messageID string) bool {
	m.mu.Lock()
	r, ok := m.rooms[convID]
	if !ok {
		r = &roomState{members: make(map[*Conn]bool)}
		m.rooms[convID] = r
	}
	if r.generating != nil {
		m.mu.Unlock()
		return false
	}
	r.generating = &generation{userID: userID, messageID: messageID}
	m.mu.Unlock()

	m.Broadcast(convID, GenerationFrame{
		Type: FrameAIGenerating, ConversationID: convID, UserID: userID, MessageID: messageID,
	}, nil)
	return true
}

// EndGeneration releases the slot and announces completion. Idempotent.
func (m *Manager) EndGeneration(convID string) {
	m.mu.Lock()
	r, ok := m.rooms[convID]
	if !ok || r.generating == nil {
		m.mu.Unlock()
		return
	}
	r.generating = nil
	if len(r.members) == 0 {
		delete(m.rooms, convID)
	}
	m.mu.Unlock()

	m.Broadcast(convID, GenerationFrame{Type: FrameAIFinished, ConversationID: convID}, nil)
}

// Generating reports whether a room has an in-flight generation.
func (m *Manager) Generating(convID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[convID]
	return ok && r.generating != nil
}

// RunHeartbeat pings every connection each interval; a socket that has not
// answered its previous ping is terminated. Blocks until ctx is done.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.awaitingPong.Load() {
			slog.Info("terminating unresponsive socket",
				"connection_id", c.ID, "user_id", c.UserID)
			m.Unregister(c)
			continue
		}
		c.awaitingPong.Store(true)
		go func(c *Conn) {
			pctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
			defer cancel()
			if err := c.ws.Ping(pctx); err == nil {
				c.awaitingPong.Store(false)
			}
		}(c)
	}
}

func (m *Manager) send(c *Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// userPresentLocked reports whether a user has any other connection in the
// room. Caller holds m.mu.
func (m *Manager) userPresentLocked(r *roomState, userID string) bool {
	for c := range r.members {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	conns, rooms := len(m.conns), len(m.rooms)
	m.mu.Unlock()
	m.metrics.SetRoomGauges(conns, rooms)
}

func frameType(frame any) string {
	switch f := frame.(type) {
	case MessageFrame:
		return f.Type
	case StreamFrame:
		return f.Type
	case PresenceFrame:
		return f.Type
	case GenerationFrame:
		return f.Type
	case ErrorFrame:
		return f.Type
	default:
		return ""
	}
}
