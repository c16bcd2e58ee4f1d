package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/internal/idgen"
	"github.com/anima-research/animachat/store/eventlog"
)

// Tree is the in-memory message tree of one conversation: an arena of
// messages plus a branch index. Branch IDs are only meaningful within the
// owning conversation; the tree never holds cross-conversation references.
type Tree struct {
	convID      string
	messages    map[string]*Message
	branchOwner map[string]string // branch ID -> message ID
	maxOrder    int

	// unknownKinds counts conversation-log events whose kind the replay
	// does not recognize; surfaced at startup for observability.
	unknownKinds int
}

// NewTree creates an empty tree for one conversation.
func NewTree(convID string) *Tree {
	return &Tree{
		convID:      convID,
		messages:    make(map[string]*Message),
		branchOwner: make(map[string]string),
		maxOrder:    -1,
	}
}

// ConversationID returns the owning conversation.
func (t *Tree) ConversationID() string { return t.convID }

// UnknownKinds returns the number of unrecognized event kinds seen by Apply.
func (t *Tree) UnknownKinds() int { return t.unknownKinds }

// Message returns a message by ID, nil when absent.
func (t *Tree) Message(id string) *Message { return t.messages[id] }

// MessageForBranch returns the message owning a branch, nil when absent.
func (t *Tree) MessageForBranch(branchID string) *Message {
	msgID, ok := t.branchOwner[branchID]
	if !ok {
		return nil
	}
	return t.messages[msgID]
}

// Messages returns every message ordered by Order.
func (t *Tree) Messages() []*Message {
	out := make([]*Message, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Len returns the number of messages.
func (t *Tree) Len() int { return len(t.messages) }

// BranchCount returns the total number of branches across the tree.
func (t *Tree) BranchCount() int { return len(t.branchOwner) }

// Apply folds one conversation-log event into the tree. Events apply in file
// order; unknown kinds are counted and ignored for forward compatibility.
func (t *Tree) Apply(env eventlog.Envelope) error {
	switch env.Type {
	case eventlog.KindMessageCreated:
		var p MessageCreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		t.applyMessageCreated(&p)
	case eventlog.KindMessageBranchAdded:
		var p BranchAddedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		t.applyBranchAdded(&p)
	case eventlog.KindMessageBranchUpdate:
		var p BranchUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		t.applyBranchUpdated(&p)
	case eventlog.KindActiveBranchChanged:
		var p ActiveBranchChangedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		t.applyActiveBranchChanged(&p)
	case eventlog.KindMessageOrderChanged:
		var p OrderChangedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		t.applyOrderChanged(&p)
	case eventlog.KindMessageDeleted:
		var p MessageDeletedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		t.applyMessageDeleted(&p)
	default:
		t.unknownKinds++
	}
	return nil
}

func (t *Tree) applyMessageCreated(p *MessageCreatedPayload) {
	msg := p.Message
	t.messages[msg.ID] = &msg
	for i := range msg.Branches {
		t.branchOwner[msg.Branches[i].ID] = msg.ID
	}
	if msg.Order > t.maxOrder {
		t.maxOrder = msg.Order
	}
}

func (t *Tree) applyBranchAdded(p *BranchAddedPayload) {
	msg, ok := t.messages[p.MessageID]
	if !ok {
		slog.Warn("branch added to missing message",
			"conversation_id", t.convID, "message_id", p.MessageID)
		return
	}
	msg.Branches = append(msg.Branches, p.Branch)
	t.branchOwner[p.Branch.ID] = msg.ID
}

func (t *Tree) applyBranchUpdated(p *BranchUpdatedPayload) {
	msg, ok := t.messages[p.MessageID]
	if !ok {
		return
	}
	b := msg.Branch(p.BranchID)
	if b == nil {
		return
	}
	if p.Content != nil {
		b.Content = *p.Content
		if p.ContentBlocks == nil {
			b.ContentBlocks = nil
		}
	}
	if p.AppendContent != nil {
		b.Content += *p.AppendContent
	}
	if p.ContentBlocks != nil {
		b.ContentBlocks = p.ContentBlocks
	}
	if p.ParentBranchID != nil {
		b.ParentBranchID = *p.ParentBranchID
	}
	if p.Model != nil {
		b.Model = *p.Model
	}
	if p.ThoughtSignature != nil {
		b.ThoughtSignature = *p.ThoughtSignature
	}
	if p.DebugRequestBlobID != "" {
		b.DebugRequestBlobID = p.DebugRequestBlobID
	}
	if p.DebugResponseBlobID != "" {
		b.DebugResponseBlobID = p.DebugResponseBlobID
	}
}

func (t *Tree) applyActiveBranchChanged(p *ActiveBranchChangedPayload) {
	msg, ok := t.messages[p.MessageID]
	if !ok {
		return
	}
	if msg.Branch(p.BranchID) == nil {
		// Repair policy: promote the newest branch instead of leaving a
		// dangling reference.
		t.healActiveBranch(msg)
		return
	}
	msg.ActiveBranchID = p.BranchID
}

func (t *Tree) applyOrderChanged(p *OrderChangedPayload) {
	msg, ok := t.messages[p.MessageID]
	if !ok {
		return
	}
	msg.Order = p.Order
	if p.Order > t.maxOrder {
		t.maxOrder = p.Order
	}
}

func (t *Tree) applyMessageDeleted(p *MessageDeletedPayload) {
	msg, ok := t.messages[p.MessageID]
	if !ok {
		return
	}
	for i := range msg.Branches {
		delete(t.branchOwner, msg.Branches[i].ID)
	}
	delete(t.messages, p.MessageID)
}

// healActiveBranch promotes the branch with the largest CreatedAt. Non-fatal:
// it records a warning and heals state rather than raising.
func (t *Tree) healActiveBranch(msg *Message) {
	if len(msg.Branches) == 0 {
		return
	}
	newest := &msg.Branches[0]
	for i := range msg.Branches {
		if msg.Branches[i].CreatedAt.After(newest.CreatedAt) {
			newest = &msg.Branches[i]
		}
	}
	slog.Warn("healing invalid active branch",
		"conversation_id", t.convID,
		"message_id", msg.ID,
		"promoted_branch_id", newest.ID)
	msg.ActiveBranchID = newest.ID
}

// PathEntry pairs a message with the branch selected along the active path.
type PathEntry struct {
	Message *Message
	Branch  *Branch
}

// WalkActivePath follows parent references upward from the given branch
// until the root, returning entries in root-first order: the transcript seen
// by the model and the UI. The walk terminates on a missing parent; missing
// parents are logged but never abort the walk.
func (t *Tree) WalkActivePath(fromBranchID string) []PathEntry {
	var reversed []PathEntry
	branchID := fromBranchID
	seen := make(map[string]bool)
	for branchID != RootParent && branchID != "" {
		if seen[branchID] {
			slog.Warn("cycle detected walking active path",
				"conversation_id", t.convID, "branch_id", branchID)
			break
		}
		seen[branchID] = true

		msg := t.MessageForBranch(branchID)
		if msg == nil {
			slog.Warn("missing parent while walking active path",
				"conversation_id", t.convID, "branch_id", branchID)
			break
		}
		b := msg.Branch(branchID)
		if b == nil {
			break
		}
		reversed = append(reversed, PathEntry{Message: msg, Branch: b})
		branchID = b.ParentBranchID
	}

	out := make([]PathEntry, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out
}

// Leaf returns the active branch of the highest-order message: the default
// starting point for the active path. Empty string on an empty tree.
func (t *Tree) Leaf() string {
	msgs := t.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if b := msgs[i].ActiveBranch(); b != nil {
			return b.ID
		}
	}
	return ""
}

// BranchSignature concatenates the active branch IDs along the path from the
// given leaf; the context engine uses it to detect branch changes.
func (t *Tree) BranchSignature(fromBranchID string) string {
	var sig string
	for _, e := range t.WalkActivePath(fromBranchID) {
		sig += e.Branch.ID
	}
	return sig
}

// --- Planners. Each validates against current state and returns the typed
// payloads to append; the service appends them and feeds them back through
// Apply so the in-memory transition is exactly the replayed one.

// PlanCreateMessage plans a new message whose single branch attaches under
// parentBranchID (RootParent when empty).
func (t *Tree) PlanCreateMessage(role Role, content string, blocks []ContentBlock, parentBranchID, participantID, model string) (*MessageCreatedPayload, error) {
	parent := parentBranchID
	if parent == "" {
		parent = RootParent
	}
	if parent != RootParent && t.MessageForBranch(parent) == nil {
		return nil, errs.New(errs.KindNotFound, "parent branch %s not found in conversation %s", parent, t.convID)
	}
	now := time.Now().UTC()
	branch := Branch{
		ID:             idgen.New(),
		ParentBranchID: parent,
		Role:           role,
		Content:        content,
		ContentBlocks:  blocks,
		ParticipantID:  participantID,
		Model:          model,
		CreatedAt:      now,
	}
	return &MessageCreatedPayload{Message: Message{
		ID:             idgen.New(),
		ConversationID: t.convID,
		Order:          t.maxOrder + 1,
		Branches:       []Branch{branch},
		ActiveBranchID: branch.ID,
	}}, nil
}

// PlanAddBranch plans a sibling branch on an existing message sharing the
// current active branch's parent, plus the active-branch flip. Used by edit
// and regenerate.
func (t *Tree) PlanAddBranch(msgID string, role Role, content string, blocks []ContentBlock, model string) (*BranchAddedPayload, *ActiveBranchChangedPayload, error) {
	msg, ok := t.messages[msgID]
	if !ok {
		return nil, nil, errs.New(errs.KindNotFound, "message %s not found", msgID)
	}
	parent := RootParent
	if active := msg.ActiveBranch(); active != nil {
		parent = active.ParentBranchID
		if role == "" {
			role = active.Role
		}
	}
	branch := Branch{
		ID:             idgen.New(),
		ParentBranchID: parent,
		Role:           role,
		Content:        content,
		ContentBlocks:  blocks,
		Model:          model,
		CreatedAt:      time.Now().UTC(),
	}
	return &BranchAddedPayload{MessageID: msgID, Branch: branch},
		&ActiveBranchChangedPayload{MessageID: msgID, BranchID: branch.ID},
		nil
}

// PlanSetActiveBranch validates and plans an active-branch flip. When the
// branch does not exist the repair policy applies instead: the newest branch
// is promoted and the healed flip is returned.
func (t *Tree) PlanSetActiveBranch(msgID, branchID string) (*ActiveBranchChangedPayload, error) {
	msg, ok := t.messages[msgID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "message %s not found", msgID)
	}
	if msg.Branch(branchID) == nil {
		if len(msg.Branches) == 0 {
			return nil, errs.New(errs.KindNotFound, "message %s has no branches", msgID)
		}
		newest := msg.Branches[0]
		for _, b := range msg.Branches {
			if b.CreatedAt.After(newest.CreatedAt) {
				newest = b
			}
		}
		slog.Warn("requested branch missing, promoting newest",
			"conversation_id", t.convID,
			"message_id", msgID,
			"requested_branch_id", branchID,
			"promoted_branch_id", newest.ID)
		return &ActiveBranchChangedPayload{MessageID: msgID, BranchID: newest.ID}, nil
	}
	return &ActiveBranchChangedPayload{MessageID: msgID, BranchID: branchID}, nil
}

// SplitPlan is the event set produced by PlanSplit.
type SplitPlan struct {
	Truncate     *BranchUpdatedPayload   // first half keeps the original message
	NewMessage   *MessageCreatedPayload  // second half
	Reparented   []*BranchUpdatedPayload // children of the split branch move under the new branch
	OrderChanges []*OrderChangedPayload  // every message whose order shifted, including both halves
}

// PlanSplit splits the active branch of a message at a rune offset into two
// contiguous messages, preserving parent chains. Order-change events are
// emitted for every reordered message; replay depends on them.
func (t *Tree) PlanSplit(msgID string, offset int) (*SplitPlan, error) {
	msg, ok := t.messages[msgID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "message %s not found", msgID)
	}
	active := msg.ActiveBranch()
	if active == nil {
		return nil, errs.New(errs.KindConflict, "message %s has no active branch", msgID)
	}
	content := []rune(active.Text())
	if offset <= 0 || offset >= len(content) {
		return nil, errs.New(errs.KindValidation, "split offset %d out of range (1..%d)", offset, len(content)-1)
	}
	first := string(content[:offset])
	second := string(content[offset:])

	newBranch := Branch{
		ID:             idgen.New(),
		ParentBranchID: active.ID,
		Role:           active.Role,
		Content:        second,
		ParticipantID:  active.ParticipantID,
		Model:          active.Model,
		CreatedAt:      time.Now().UTC(),
	}
	newMsg := Message{
		ID:             idgen.New(),
		ConversationID: t.convID,
		Order:          msg.Order + 1,
		Branches:       []Branch{newBranch},
		ActiveBranchID: newBranch.ID,
	}

	plan := &SplitPlan{
		Truncate:   &BranchUpdatedPayload{MessageID: msgID, BranchID: active.ID, Content: &first},
		NewMessage: &MessageCreatedPayload{Message: newMsg},
	}

	// Children of the split branch continue from the second half.
	for _, m := range t.messages {
		for i := range m.Branches {
			if m.Branches[i].ParentBranchID == active.ID {
				parent := newBranch.ID
				plan.Reparented = append(plan.Reparented, &BranchUpdatedPayload{
					MessageID:      m.ID,
					BranchID:       m.Branches[i].ID,
					ParentBranchID: &parent,
				})
			}
		}
	}

	// Shift every message at or after the insertion point and emit explicit
	// order events for the whole affected suffix so replay re-establishes
	// uniqueness without inference.
	plan.OrderChanges = append(plan.OrderChanges,
		&OrderChangedPayload{MessageID: msgID, Order: msg.Order},
		&OrderChangedPayload{MessageID: newMsg.ID, Order: msg.Order + 1},
	)
	for _, m := range t.Messages() {
		if m.ID != msgID && m.Order > msg.Order {
			plan.OrderChanges = append(plan.OrderChanges,
				&OrderChangedPayload{MessageID: m.ID, Order: m.Order + 1})
		}
	}
	return plan, nil
}

// DeletePlan is the event set produced by PlanDelete.
type DeletePlan struct {
	Deleted  *MessageDeletedPayload
	Rerooted []*BranchUpdatedPayload // orphans re-rooted to RootParent
}

// PlanDelete plans a message removal. Branches in other messages whose
// parent resolves into the deleted message become orphans and are re-rooted.
func (t *Tree) PlanDelete(msgID string) (*DeletePlan, error) {
	msg, ok := t.messages[msgID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "message %s not found", msgID)
	}
	deleted := make(map[string]bool, len(msg.Branches))
	for i := range msg.Branches {
		deleted[msg.Branches[i].ID] = true
	}

	plan := &DeletePlan{Deleted: &MessageDeletedPayload{MessageID: msgID}}
	root := RootParent
	for _, m := range t.Messages() {
		if m.ID == msgID {
			continue
		}
		for i := range m.Branches {
			if deleted[m.Branches[i].ParentBranchID] {
				plan.Rerooted = append(plan.Rerooted, &BranchUpdatedPayload{
					MessageID:      m.ID,
					BranchID:       m.Branches[i].ID,
					ParentBranchID: &root,
				})
			}
		}
	}
	return plan, nil
}

// RepairOrders recomputes a total order satisfying uniqueness and
// parent-before-child, returning an order event for every changed message.
// Used as a one-shot migration for logs written before split emitted order
// events.
func (t *Tree) RepairOrders() []*OrderChangedPayload {
	msgs := t.Messages()

	// Parent message of each message along active-branch parent chains.
	parentOf := func(m *Message) *Message {
		for i := range m.Branches {
			p := m.Branches[i].ParentBranchID
			if p != RootParent {
				if pm := t.MessageForBranch(p); pm != nil && pm.ID != m.ID {
					return pm
				}
			}
		}
		return nil
	}

	// Stable topological pass: take messages in current order, deferring any
	// whose parent has not been placed yet.
	placed := make(map[string]int, len(msgs))
	var sequence []*Message
	pending := append([]*Message(nil), msgs...)
	for len(pending) > 0 {
		progressed := false
		var next []*Message
		for _, m := range pending {
			p := parentOf(m)
			if p == nil || placed[p.ID] > 0 || t.messages[p.ID] == nil {
				placed[m.ID] = len(sequence) + 1
				sequence = append(sequence, m)
				progressed = true
			} else {
				next = append(next, m)
			}
		}
		if !progressed {
			// Cycle or unresolved parents; place the remainder as-is.
			for _, m := range next {
				placed[m.ID] = len(sequence) + 1
				sequence = append(sequence, m)
			}
			break
		}
		pending = next
	}

	var changes []*OrderChangedPayload
	for i, m := range sequence {
		if m.Order != i {
			changes = append(changes, &OrderChangedPayload{MessageID: m.ID, Order: i})
		}
	}
	return changes
}

// CheckIntegrity validates the tree invariants: active branch membership,
// parent resolution, order uniqueness, and parent-before-child ordering.
func (t *Tree) CheckIntegrity() error {
	orders := make(map[int]string, len(t.messages))
	for _, m := range t.messages {
		if len(m.Branches) > 0 && m.ActiveBranch() == nil {
			return fmt.Errorf("message %s: active branch %s not in branches", m.ID, m.ActiveBranchID)
		}
		if prev, dup := orders[m.Order]; dup {
			return fmt.Errorf("order %d shared by messages %s and %s", m.Order, prev, m.ID)
		}
		orders[m.Order] = m.ID

		for i := range m.Branches {
			p := m.Branches[i].ParentBranchID
			if p == RootParent {
				continue
			}
			pm := t.MessageForBranch(p)
			if pm == nil {
				return fmt.Errorf("branch %s: parent %s unresolved", m.Branches[i].ID, p)
			}
			if pm.Order >= m.Order {
				return fmt.Errorf("branch %s: parent message order %d >= child order %d", m.Branches[i].ID, pm.Order, m.Order)
			}
		}
	}
	return nil
}
