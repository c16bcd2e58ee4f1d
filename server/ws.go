package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/anima-research/animachat/ai/provider"
	"github.com/anima-research/animachat/chat"
	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/server/room"
	"github.com/anima-research/animachat/users"
)

// chatRatePerSecond bounds message-sending frames per user.
const chatRatePerSecond = 2

// chatRateBurst allows short bursts above the sustained rate.
const chatRateBurst = 5

// clientFrame is the inbound websocket frame shape.
type clientFrame struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversationId"`
	MessageID      string              `json:"messageId,omitempty"`
	BranchID       string              `json:"branchId,omitempty"`
	Content        string              `json:"content,omitempty"`
	ContentBlocks  []chat.ContentBlock `json:"contentBlocks,omitempty"`
	ParentBranchID string              `json:"parentBranchId,omitempty"`
	ParticipantID  string              `json:"participantId,omitempty"`
	Model          string              `json:"model,omitempty"`
}

type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newUserLimiter() *userLimiter {
	return &userLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (u *userLimiter) allow(userID string) bool {
	u.mu.Lock()
	l, ok := u.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(chatRatePerSecond), chatRateBurst)
		u.limiters[userID] = l
	}
	u.mu.Unlock()
	return l.Allow()
}

// handleWebsocket upgrades the connection, authenticates, and runs the read
// loop until the socket closes.
func (s *Server) handleWebsocket(c echo.Context) error {
	user, err := s.authenticateWS(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := websocket.Accept(c.Response().Writer, c.Request(), nil)
	if err != nil {
		return nil // Accept already wrote the error response
	}

	conn := s.rooms.Register(c.Request().Context(), ws, user.ID)
	defer s.rooms.Unregister(conn)

	ctx := conn.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return nil
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("invalid websocket frame",
				"connection_id", conn.ID, "error", err)
			continue
		}
		s.dispatch(ctx, conn, user, &frame)
	}
}

// authenticateWS resolves the connecting user from an API key token. Dev
// mode also accepts a bare userId parameter for local clients.
func (s *Server) authenticateWS(c echo.Context) (*users.User, error) {
	if token := c.QueryParam("token"); token != "" {
		return s.users.AuthenticateAPIKey(token)
	}
	if s.Profile.IsDev() {
		if userID := c.QueryParam("userId"); userID != "" {
			if u := s.users.User(userID); u != nil {
				return u, nil
			}
		}
	}
	return nil, errs.New(errs.KindPermissionDenied, "missing credentials")
}

func (s *Server) dispatch(ctx context.Context, conn *room.Conn, user *users.User, f *clientFrame) {
	var err error
	switch f.Type {
	case "join":
		err = s.handleJoin(conn, user, f)
	case "leave":
		s.rooms.Leave(f.ConversationID, conn)
	case "chat":
		err = s.handleChat(ctx, conn, user, f)
	case "regenerate":
		err = s.handleRegenerate(ctx, conn, user, f)
	case "edit":
		err = s.handleEdit(ctx, conn, user, f)
	case "continue":
		err = s.handleContinue(ctx, conn, user, f)
	case "cancel":
		s.driver.Cancel(f.ConversationID)
	case "set_active_branch":
		err = s.handleSetActiveBranch(ctx, conn, user, f)
	default:
		err = errs.New(errs.KindValidation, "unknown frame type %q", f.Type)
	}
	if err != nil {
		s.sendError(conn, f.ConversationID, err)
	}
}

func (s *Server) handleJoin(conn *room.Conn, user *users.User, f *clientFrame) error {
	if !s.svc.Registry().CanRead(f.ConversationID, user.ID) {
		return errs.New(errs.KindPermissionDenied, "no access to conversation %s", f.ConversationID)
	}
	s.rooms.Join(f.ConversationID, conn)
	return nil
}

// handleChat appends the user message, opens an empty assistant reply, and
// streams the generation into it.
func (s *Server) handleChat(ctx context.Context, conn *room.Conn, user *users.User, f *clientFrame) error {
	if !s.limiter.allow(user.ID) {
		return errs.New(errs.KindBusy, "too many messages, slow down")
	}

	userMsg, err := s.svc.CreateMessage(ctx, user.ID, f.ConversationID,
		chat.RoleUser, f.Content, f.ContentBlocks, f.ParentBranchID, f.ParticipantID, "")
	if err != nil {
		return err
	}
	s.rooms.Broadcast(f.ConversationID, room.MessageFrame{
		Type: room.FrameMessageCreated, ConversationID: f.ConversationID, Message: userMsg,
	}, nil)

	parentBranch := userMsg.ActiveBranchID
	reply, err := s.svc.CreateMessage(ctx, user.ID, f.ConversationID,
		chat.RoleAssistant, "", nil, parentBranch, "", f.Model)
	if err != nil {
		return err
	}
	s.rooms.Broadcast(f.ConversationID, room.MessageFrame{
		Type: room.FrameMessageCreated, ConversationID: f.ConversationID, Message: reply,
	}, nil)

	return s.generate(ctx, conn, user, f, reply.ID, reply.ActiveBranchID)
}

func (s *Server) handleRegenerate(ctx context.Context, conn *room.Conn, user *users.User, f *clientFrame) error {
	branch, err := s.svc.RegenerateMessage(ctx, user.ID, f.ConversationID, f.MessageID, f.Model)
	if err != nil {
		return err
	}
	s.broadcastEdited(ctx, user.ID, f.ConversationID, f.MessageID)
	return s.generate(ctx, conn, user, f, f.MessageID, branch.ID)
}

func (s *Server) handleEdit(ctx context.Context, conn *room.Conn, user *users.User, f *clientFrame) error {
	msg, err := s.svc.EditMessage(ctx, user.ID, f.ConversationID, f.MessageID, f.Content, f.ContentBlocks)
	if err != nil {
		return err
	}
	s.rooms.Broadcast(f.ConversationID, room.MessageFrame{
		Type: room.FrameMessageEdited, ConversationID: f.ConversationID, Message: msg,
	}, nil)
	return nil
}

func (s *Server) handleContinue(ctx context.Context, conn *room.Conn, user *users.User, f *clientFrame) error {
	branchID := f.BranchID
	if branchID == "" {
		msgs, err := s.svc.Messages(ctx, user.ID, f.ConversationID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ID == f.MessageID {
				branchID = m.ActiveBranchID
			}
		}
	}
	if branchID == "" {
		return errs.New(errs.KindNotFound, "message %s not found", f.MessageID)
	}
	p := provider.GenerateParams{
		ConversationID: f.ConversationID,
		UserID:         user.ID,
		UserGroup:      user.UserGroup,
		MessageID:      f.MessageID,
		BranchID:       branchID,
		ModelID:        f.Model,
		ParticipantID:  f.ParticipantID,
		Continue:       true,
	}
	return s.runGeneration(ctx, f.ConversationID, p)
}

func (s *Server) handleSetActiveBranch(ctx context.Context, conn *room.Conn, user *users.User, f *clientFrame) error {
	if err := s.svc.SetActiveBranch(ctx, user.ID, f.ConversationID, f.MessageID, f.BranchID); err != nil {
		return err
	}
	s.broadcastEdited(ctx, user.ID, f.ConversationID, f.MessageID)
	return nil
}

func (s *Server) generate(ctx context.Context, conn *room.Conn, user *users.User, f *clientFrame, msgID, branchID string) error {
	p := provider.GenerateParams{
		ConversationID: f.ConversationID,
		UserID:         user.ID,
		UserGroup:      user.UserGroup,
		MessageID:      msgID,
		BranchID:       branchID,
		ModelID:        f.Model,
		ParticipantID:  f.ParticipantID,
	}
	return s.runGeneration(ctx, f.ConversationID, p)
}

// runGeneration streams in the background; the read loop stays responsive
// so a cancel frame can reach the driver.
func (s *Server) runGeneration(ctx context.Context, convID string, p provider.GenerateParams) error {
	go func() {
		err := s.driver.Generate(context.WithoutCancel(ctx), p, func(text string, blocks []chat.ContentBlock, done bool) {
			s.rooms.Broadcast(convID, room.StreamFrame{
				Type:           room.FrameStream,
				ConversationID: convID,
				MessageID:      p.MessageID,
				BranchID:       p.BranchID,
				Chunk:          text,
				IsComplete:     done,
				ContentBlocks:  blocks,
			}, nil)
		})
		if err != nil {
			slog.Warn("generation failed",
				"conversation_id", convID, "message_id", p.MessageID, "error", err)
			s.broadcastError(convID, err)
		}
	}()
	return nil
}

func (s *Server) broadcastEdited(ctx context.Context, userID, convID, msgID string) {
	msgs, err := s.svc.Messages(ctx, userID, convID)
	if err != nil {
		return
	}
	for _, m := range msgs {
		if m.ID == msgID {
			s.rooms.Broadcast(convID, room.MessageFrame{
				Type: room.FrameMessageEdited, ConversationID: convID, Message: m,
			}, nil)
			return
		}
	}
}

func (s *Server) sendError(conn *room.Conn, convID string, err error) {
	if sendErr := s.rooms.Send(conn, errorFrame(convID, err)); sendErr != nil {
		slog.Debug("sending error frame failed",
			"connection_id", conn.ID, "error", sendErr)
	}
}

func (s *Server) broadcastError(convID string, err error) {
	s.rooms.Broadcast(convID, errorFrame(convID, err), nil)
}

func errorFrame(convID string, err error) room.ErrorFrame {
	frame := room.ErrorFrame{
		Type:           room.FrameError,
		ConversationID: convID,
		Code:           errs.KindOf(err).String(),
		Message:        err.Error(),
	}
	if ue := provider.AsUpstream(err); ue != nil {
		frame.Code = string(ue.Kind)
		frame.Message = ue.Message
		frame.Suggestion = ue.Suggestion
	}
	return frame
}
