package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/internal/idgen"
	"github.com/anima-research/animachat/store/eventlog"
	"github.com/anima-research/animachat/store/state"
)

// startupReplayConcurrency bounds parallel user-log replay at boot.
const startupReplayConcurrency = 8

// Service is the single-writer engine over the event logs. All mutations of
// one conversation serialize through its handle; the append-then-apply path
// uses the same fold as replay, so live state and replayed state cannot
// diverge.
type Service struct {
	log      *eventlog.Manager
	states   *state.Store
	registry *Registry

	mu    sync.Mutex
	convs map[string]*convHandle
}

type convHandle struct {
	mu   sync.Mutex
	tree *Tree
}

// NewService wires the service over opened stores.
func NewService(log *eventlog.Manager, states *state.Store) *Service {
	return &Service{
		log:      log,
		states:   states,
		registry: NewRegistry(),
		convs:    make(map[string]*convHandle),
	}
}

// Registry exposes the replayed conversation registry.
func (s *Service) Registry() *Registry { return s.registry }

// Start replays every user log to rebuild the conversation registry.
// Conversation trees load lazily on first access.
func (s *Service) Start(ctx context.Context) error {
	userIDs, err := s.log.ListUserLogs()
	if err != nil {
		return err
	}

	started := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(startupReplayConcurrency)
	for _, userID := range userIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats, err := ReplayUserLog(s.log, s.registry, userID)
			if err != nil {
				return errs.Wrap(err, errs.KindIO, "replay user log %s", userID)
			}
			if stats.SkippedLines > 0 {
				slog.Warn("user log replay skipped lines",
					"user_id", userID, "skipped", stats.SkippedLines)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("conversation registry replayed",
		"users", len(userIDs),
		"unknown_kinds", s.registry.UnknownKinds(),
		"duration", time.Since(started))
	return nil
}

// handle returns the loaded tree handle for a conversation, replaying the log
// on first access and overlaying the persisted active-branch and order maps.
// The overlays matter after compaction, which drops active_branch_changed and
// message_order_changed events in favor of the state file.
func (s *Service) handle(convID string) (*convHandle, error) {
	s.mu.Lock()
	h, ok := s.convs[convID]
	if !ok {
		h = &convHandle{}
		s.convs[convID] = h
	}
	s.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tree != nil {
		return h, nil
	}

	tree, stats, err := ReplayTree(s.log, convID)
	if err != nil {
		return nil, err
	}
	shared, err := s.states.LoadShared(convID)
	if err != nil {
		return nil, err
	}
	for msgID, branchID := range shared.ActiveBranches {
		if msg := tree.Message(msgID); msg != nil && msg.Branch(branchID) != nil {
			msg.ActiveBranchID = branchID
		}
	}
	for msgID, order := range shared.Orders {
		tree.applyOrderChanged(&OrderChangedPayload{MessageID: msgID, Order: order})
	}
	if stats.SkippedLines > 0 || stats.UnknownKinds > 0 {
		slog.Warn("conversation replay had anomalies",
			"conversation_id", convID,
			"skipped", stats.SkippedLines,
			"unknown_kinds", stats.UnknownKinds)
	}
	h.tree = tree
	return h, nil
}

// withTree runs fn while holding the conversation's write lock.
func (s *Service) withTree(convID string, fn func(*Tree) error) error {
	h, err := s.handle(convID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.tree)
}

// appendConv commits one conversation event: append to the log, then apply
// the identical envelope to the in-memory tree. Caller holds the tree lock.
func (s *Service) appendConv(tree *Tree, kind string, payload any) error {
	env, err := envelope(kind, payload)
	if err != nil {
		return errs.Wrap(err, errs.KindValidation, "encode %s", kind)
	}
	if err := s.log.Append(eventlog.ConversationLog(tree.ConversationID()), env); err != nil {
		return err
	}
	return tree.Apply(env)
}

// appendUser commits one user-scoped event and folds it into the registry.
func (s *Service) appendUser(ownerID, kind string, payload any) error {
	env, err := envelope(kind, payload)
	if err != nil {
		return errs.Wrap(err, errs.KindValidation, "encode %s", kind)
	}
	if err := s.log.Append(eventlog.UserLog(ownerID), env); err != nil {
		return err
	}
	return s.registry.Apply(ownerID, env)
}

// syncShared rebuilds and persists the shared state file from the tree.
func (s *Service) syncShared(tree *Tree) error {
	shared := state.NewShared()
	for _, m := range tree.Messages() {
		shared.ActiveBranches[m.ID] = m.ActiveBranchID
		shared.Orders[m.ID] = m.Order
	}
	shared.TotalBranchCount = tree.BranchCount()
	return s.states.SaveShared(tree.ConversationID(), shared)
}

func (s *Service) requireWrite(convID, userID string) (*Conversation, error) {
	c := s.registry.Conversation(convID)
	if c == nil {
		return nil, errs.New(errs.KindNotFound, "conversation %s not found", convID)
	}
	if !s.registry.CanWrite(convID, userID) {
		return nil, errs.New(errs.KindPermissionDenied, "user %s cannot modify conversation %s", userID, convID)
	}
	if c.Archived() {
		return nil, errs.New(errs.KindConflict, "conversation %s is archived", convID)
	}
	return c, nil
}

func (s *Service) requireRead(convID, userID string) (*Conversation, error) {
	c := s.registry.Conversation(convID)
	if c == nil {
		return nil, errs.New(errs.KindNotFound, "conversation %s not found", convID)
	}
	if !s.registry.CanRead(convID, userID) {
		return nil, errs.New(errs.KindPermissionDenied, "user %s cannot view conversation %s", userID, convID)
	}
	return c, nil
}

// --- Conversation lifecycle.

// CreateConversation opens a new conversation owned by ownerID.
func (s *Service) CreateConversation(ctx context.Context, ownerID string, c Conversation) (*Conversation, error) {
	if ownerID == "" {
		return nil, errs.New(errs.KindValidation, "owner is required")
	}
	c.ID = idgen.New()
	c.OwnerID = ownerID
	c.CreatedAt = time.Now().UTC()
	c.ArchivedAt = nil
	if c.Format == "" {
		c.Format = FormatStandard
	}
	if c.ContextConfig.Strategy == "" {
		c.ContextConfig.Strategy = "append"
	}
	if err := s.appendUser(ownerID, eventlog.KindConversationCreated, ConversationCreatedPayload{Conversation: c}); err != nil {
		return nil, err
	}
	return s.registry.Conversation(c.ID), nil
}

// UpdateConversation patches conversation metadata.
func (s *Service) UpdateConversation(ctx context.Context, userID string, patch ConversationUpdatedPayload) error {
	c, err := s.requireWrite(patch.ID, userID)
	if err != nil {
		return err
	}
	return s.appendUser(c.OwnerID, eventlog.KindConversationUpdated, patch)
}

// ArchiveConversation soft-terminates a conversation. Further writes fail
// with a conflict; reads keep working.
func (s *Service) ArchiveConversation(ctx context.Context, userID, convID string) error {
	c, err := s.requireWrite(convID, userID)
	if err != nil {
		return err
	}
	return s.appendUser(c.OwnerID, eventlog.KindConversationArchived, ConversationArchivedPayload{
		ID:         convID,
		ArchivedAt: time.Now().UTC(),
	})
}

// --- Participants.

// AddParticipant creates a participant in a conversation.
func (s *Service) AddParticipant(ctx context.Context, userID string, p Participant) (*Participant, error) {
	c, err := s.requireWrite(p.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	p.ID = idgen.New()
	if p.Kind == "" {
		p.Kind = RoleAssistant
	}
	p.IsActive = true
	if err := s.appendUser(c.OwnerID, eventlog.KindParticipantCreated, ParticipantCreatedPayload{Participant: p}); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateParticipant patches a participant.
func (s *Service) UpdateParticipant(ctx context.Context, userID string, patch ParticipantUpdatedPayload) error {
	c, err := s.requireWrite(patch.ConversationID, userID)
	if err != nil {
		return err
	}
	return s.appendUser(c.OwnerID, eventlog.KindParticipantUpdated, patch)
}

// DeleteParticipant removes a participant from a conversation.
func (s *Service) DeleteParticipant(ctx context.Context, userID, convID, participantID string) error {
	c, err := s.requireWrite(convID, userID)
	if err != nil {
		return err
	}
	return s.appendUser(c.OwnerID, eventlog.KindParticipantDeleted, ParticipantDeletedPayload{
		ID:             participantID,
		ConversationID: convID,
	})
}

// --- Collaboration shares.

// ShareConversation grants targetUserID access to a conversation. Only the
// owner may share; duplicating an active share is a conflict.
func (s *Service) ShareConversation(ctx context.Context, ownerID, convID, targetUserID, role string) (*CollabShare, error) {
	c := s.registry.Conversation(convID)
	if c == nil {
		return nil, errs.New(errs.KindNotFound, "conversation %s not found", convID)
	}
	if c.OwnerID != ownerID {
		return nil, errs.New(errs.KindPermissionDenied, "only the owner can share conversation %s", convID)
	}
	if role != "viewer" && role != "editor" {
		return nil, errs.New(errs.KindValidation, "share role must be viewer or editor, got %q", role)
	}
	if s.registry.Share(convID, targetUserID) != nil {
		return nil, errs.New(errs.KindConflict, "conversation %s already shared with user %s", convID, targetUserID)
	}
	share := CollabShare{
		ID:             idgen.New(),
		ConversationID: convID,
		UserID:         targetUserID,
		Role:           role,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.appendUser(ownerID, eventlog.KindCollabShareCreated, CollabSharePayload{Share: share}); err != nil {
		return nil, err
	}
	return &share, nil
}

// UpdateShareRole changes the role on an active share.
func (s *Service) UpdateShareRole(ctx context.Context, ownerID, convID, targetUserID, role string) error {
	c := s.registry.Conversation(convID)
	if c == nil {
		return errs.New(errs.KindNotFound, "conversation %s not found", convID)
	}
	if c.OwnerID != ownerID {
		return errs.New(errs.KindPermissionDenied, "only the owner can manage shares")
	}
	sh := s.registry.Share(convID, targetUserID)
	if sh == nil {
		return errs.New(errs.KindNotFound, "no active share for user %s", targetUserID)
	}
	updated := *sh
	updated.Role = role
	return s.appendUser(ownerID, eventlog.KindCollabShareUpdated, CollabSharePayload{Share: updated})
}

// RevokeShare revokes an active share.
func (s *Service) RevokeShare(ctx context.Context, ownerID, convID, targetUserID string) error {
	c := s.registry.Conversation(convID)
	if c == nil {
		return errs.New(errs.KindNotFound, "conversation %s not found", convID)
	}
	if c.OwnerID != ownerID {
		return errs.New(errs.KindPermissionDenied, "only the owner can manage shares")
	}
	sh := s.registry.Share(convID, targetUserID)
	if sh == nil {
		return errs.New(errs.KindNotFound, "no active share for user %s", targetUserID)
	}
	return s.appendUser(ownerID, eventlog.KindCollabShareRevoked, CollabShareRevokedPayload{
		ID:             sh.ID,
		ConversationID: convID,
		RevokedAt:      time.Now().UTC(),
	})
}

// --- Messages.

// Messages returns the conversation's messages ordered by position.
func (s *Service) Messages(ctx context.Context, userID, convID string) ([]*Message, error) {
	if _, err := s.requireRead(convID, userID); err != nil {
		return nil, err
	}
	var out []*Message
	err := s.withTree(convID, func(t *Tree) error {
		out = t.Messages()
		return nil
	})
	return out, err
}

// ActivePath returns the transcript along the active path, root first. A
// detached user's leaf selection overrides the shared one.
func (s *Service) ActivePath(ctx context.Context, userID, convID string) ([]PathEntry, error) {
	if _, err := s.requireRead(convID, userID); err != nil {
		return nil, err
	}
	var path []PathEntry
	err := s.withTree(convID, func(t *Tree) error {
		leaf := t.Leaf()
		if leaf == "" {
			return nil
		}
		if msg := t.MessageForBranch(leaf); msg != nil && userID != "" {
			override, err := s.states.ActiveBranchFor(convID, userID, msg.ID)
			if err != nil {
				return err
			}
			if override != "" && msg.Branch(override) != nil {
				leaf = override
			}
		}
		path = t.WalkActivePath(leaf)
		return nil
	})
	return path, err
}

// PathForGeneration returns the prompt context for generating into a branch:
// the active path up to (excluding) the target branch, plus the branch's
// current text as a prefill when continuing an existing reply.
func (s *Service) PathForGeneration(ctx context.Context, convID, msgID, branchID string, cont bool) ([]PathEntry, string, error) {
	var entries []PathEntry
	var prefill string
	err := s.withTree(convID, func(t *Tree) error {
		msg := t.Message(msgID)
		if msg == nil {
			return errs.New(errs.KindNotFound, "message %s not found", msgID)
		}
		b := msg.Branch(branchID)
		if b == nil {
			return errs.New(errs.KindNotFound, "branch %s not found on message %s", branchID, msgID)
		}
		entries = t.WalkActivePath(b.ParentBranchID)
		if cont {
			prefill = b.Text()
		}
		return nil
	})
	return entries, prefill, err
}

// CreateMessage appends a message whose single branch attaches under
// parentBranchID, at the end of the order.
func (s *Service) CreateMessage(ctx context.Context, userID, convID string, role Role, content string, blocks []ContentBlock, parentBranchID, participantID, model string) (*Message, error) {
	if _, err := s.requireWrite(convID, userID); err != nil {
		return nil, err
	}
	var created *Message
	err := s.withTree(convID, func(t *Tree) error {
		plan, err := t.PlanCreateMessage(role, content, blocks, parentBranchID, participantID, model)
		if err != nil {
			return err
		}
		if err := s.appendConv(t, eventlog.KindMessageCreated, plan); err != nil {
			return err
		}
		created = t.Message(plan.Message.ID)
		return s.syncShared(t)
	})
	return created, err
}

// EditMessage adds a sibling branch with the new content and makes it active.
// The previous branch stays reachable for branch navigation.
func (s *Service) EditMessage(ctx context.Context, userID, convID, msgID, content string, blocks []ContentBlock) (*Message, error) {
	if _, err := s.requireWrite(convID, userID); err != nil {
		return nil, err
	}
	var edited *Message
	err := s.withTree(convID, func(t *Tree) error {
		added, flip, err := t.PlanAddBranch(msgID, "", content, blocks, "")
		if err != nil {
			return err
		}
		if err := s.appendConv(t, eventlog.KindMessageBranchAdded, added); err != nil {
			return err
		}
		if err := s.appendConv(t, eventlog.KindActiveBranchChanged, flip); err != nil {
			return err
		}
		edited = t.Message(msgID)
		return s.syncShared(t)
	})
	return edited, err
}

// RegenerateMessage opens an empty assistant branch on a message and makes it
// active; the stream driver fills it in and finalizes it.
func (s *Service) RegenerateMessage(ctx context.Context, userID, convID, msgID, model string) (*Branch, error) {
	if _, err := s.requireWrite(convID, userID); err != nil {
		return nil, err
	}
	var branch *Branch
	err := s.withTree(convID, func(t *Tree) error {
		added, flip, err := t.PlanAddBranch(msgID, RoleAssistant, "", nil, model)
		if err != nil {
			return err
		}
		if err := s.appendConv(t, eventlog.KindMessageBranchAdded, added); err != nil {
			return err
		}
		if err := s.appendConv(t, eventlog.KindActiveBranchChanged, flip); err != nil {
			return err
		}
		if msg := t.Message(msgID); msg != nil {
			branch = msg.Branch(added.Branch.ID)
		}
		return s.syncShared(t)
	})
	return branch, err
}

// UpdateBranch applies a branch patch event: streamed partial persists,
// continuation appends, finalization, debug relocation.
func (s *Service) UpdateBranch(ctx context.Context, convID string, patch BranchUpdatedPayload) error {
	return s.withTree(convID, func(t *Tree) error {
		if t.Message(patch.MessageID) == nil {
			return errs.New(errs.KindNotFound, "message %s not found", patch.MessageID)
		}
		return s.appendConv(t, eventlog.KindMessageBranchUpdate, patch)
	})
}

// SetActiveBranch flips the rendered branch. For detached users the flip is
// private: only their navigation state changes and no event is written.
func (s *Service) SetActiveBranch(ctx context.Context, userID, convID, msgID, branchID string) error {
	if _, err := s.requireWrite(convID, userID); err != nil {
		return err
	}
	if userID != "" {
		st, err := s.states.LoadUser(convID, userID)
		if err != nil {
			return err
		}
		if st.IsDetached {
			if st.DetachedBranches == nil {
				st.DetachedBranches = make(map[string]string)
			}
			st.DetachedBranches[msgID] = branchID
			return s.states.SaveUser(convID, userID, st)
		}
	}
	return s.withTree(convID, func(t *Tree) error {
		flip, err := t.PlanSetActiveBranch(msgID, branchID)
		if err != nil {
			return err
		}
		if err := s.appendConv(t, eventlog.KindActiveBranchChanged, flip); err != nil {
			return err
		}
		return s.syncShared(t)
	})
}

// SplitMessage cuts the active branch of a message at a rune offset into two
// contiguous messages. Children of the split branch continue from the second
// half; every shifted message gets an explicit order event.
func (s *Service) SplitMessage(ctx context.Context, userID, convID, msgID string, offset int) (*Message, error) {
	if _, err := s.requireWrite(convID, userID); err != nil {
		return nil, err
	}
	var second *Message
	err := s.withTree(convID, func(t *Tree) error {
		plan, err := t.PlanSplit(msgID, offset)
		if err != nil {
			return err
		}
		// Order shifts first so the new message never collides with an
		// existing position mid-replay.
		for i := len(plan.OrderChanges) - 1; i >= 0; i-- {
			oc := plan.OrderChanges[i]
			if oc.MessageID == plan.NewMessage.Message.ID {
				continue
			}
			if err := s.appendConv(t, eventlog.KindMessageOrderChanged, oc); err != nil {
				return err
			}
		}
		if err := s.appendConv(t, eventlog.KindMessageBranchUpdate, plan.Truncate); err != nil {
			return err
		}
		if err := s.appendConv(t, eventlog.KindMessageCreated, plan.NewMessage); err != nil {
			return err
		}
		for _, rp := range plan.Reparented {
			if err := s.appendConv(t, eventlog.KindMessageBranchUpdate, rp); err != nil {
				return err
			}
		}
		second = t.Message(plan.NewMessage.Message.ID)
		return s.syncShared(t)
	})
	return second, err
}

// DeleteMessage removes a message. Branches elsewhere that pointed into it
// are re-rooted so the forest stays connected.
func (s *Service) DeleteMessage(ctx context.Context, userID, convID, msgID string) error {
	if _, err := s.requireWrite(convID, userID); err != nil {
		return err
	}
	return s.withTree(convID, func(t *Tree) error {
		plan, err := t.PlanDelete(msgID)
		if err != nil {
			return err
		}
		for _, rr := range plan.Rerooted {
			if err := s.appendConv(t, eventlog.KindMessageBranchUpdate, rr); err != nil {
				return err
			}
		}
		if err := s.appendConv(t, eventlog.KindMessageDeleted, plan.Deleted); err != nil {
			return err
		}
		return s.syncShared(t)
	})
}

// RecordMetrics appends the terminal accounting of one generation to the
// conversation owner's log.
func (s *Service) RecordMetrics(ctx context.Context, convID string, p MetricsAddedPayload) error {
	c := s.registry.Conversation(convID)
	if c == nil {
		return errs.New(errs.KindNotFound, "conversation %s not found", convID)
	}
	p.ConversationID = convID
	return s.appendUser(c.OwnerID, eventlog.KindMetricsAdded, p)
}

// RepairOrders runs the one-shot order migration on a conversation, emitting
// an order event per corrected message. Returns the number of corrections.
func (s *Service) RepairOrders(ctx context.Context, convID string) (int, error) {
	n := 0
	err := s.withTree(convID, func(t *Tree) error {
		for _, oc := range t.RepairOrders() {
			if err := s.appendConv(t, eventlog.KindMessageOrderChanged, oc); err != nil {
				return err
			}
			n++
		}
		if n == 0 {
			return nil
		}
		return s.syncShared(t)
	})
	return n, err
}

// Detach switches a user to private branch navigation for a conversation.
func (s *Service) Detach(ctx context.Context, userID, convID string) error {
	if _, err := s.requireRead(convID, userID); err != nil {
		return err
	}
	return s.states.Detach(convID, userID)
}

// Reattach returns a user to shared branch navigation.
func (s *Service) Reattach(ctx context.Context, userID, convID string) error {
	if _, err := s.requireRead(convID, userID); err != nil {
		return err
	}
	return s.states.Reattach(convID, userID)
}
