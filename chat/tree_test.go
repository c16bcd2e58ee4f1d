package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/animachat/store/eventlog"
)

const treeTestConv = "aabbccdd00112233aabbccdd00112233"

func applyEvent(t *testing.T, tree *Tree, kind string, payload any) {
	t.Helper()
	env, err := eventlog.NewEnvelope(kind, payload)
	require.NoError(t, err)
	require.NoError(t, tree.Apply(env))
}

// seedMessage creates a message with one branch under the given parent and
// returns it.
func seedMessage(t *testing.T, tree *Tree, role Role, content, parentBranchID string) *Message {
	t.Helper()
	p, err := tree.PlanCreateMessage(role, content, nil, parentBranchID, "", "")
	require.NoError(t, err)
	applyEvent(t, tree, eventlog.KindMessageCreated, p)
	return tree.Message(p.Message.ID)
}

func TestApplyMessageCreatedAssignsOrder(t *testing.T) {
	tree := NewTree(treeTestConv)

	first := seedMessage(t, tree, RoleUser, "hello", "")
	second := seedMessage(t, tree, RoleAssistant, "hi", first.ActiveBranchID)

	assert.Equal(t, 0, first.Order)
	assert.Equal(t, 1, second.Order)
	assert.Equal(t, 2, tree.Len())
	assert.Equal(t, 2, tree.BranchCount())
	require.NoError(t, tree.CheckIntegrity())
}

func TestUnknownKindsAreCountedNotFatal(t *testing.T) {
	tree := NewTree(treeTestConv)
	env, err := eventlog.NewEnvelope("mystery_event", map[string]string{"x": "y"})
	require.NoError(t, err)
	require.NoError(t, tree.Apply(env))
	assert.Equal(t, 1, tree.UnknownKinds())
}

func TestActiveBranchFlipAndHeal(t *testing.T) {
	tree := NewTree(treeTestConv)
	msg := seedMessage(t, tree, RoleAssistant, "v1", "")

	add, flip, err := tree.PlanAddBranch(msg.ID, RoleAssistant, "v2", nil, "")
	require.NoError(t, err)
	applyEvent(t, tree, eventlog.KindMessageBranchAdded, add)
	applyEvent(t, tree, eventlog.KindActiveBranchChanged, flip)
	assert.Equal(t, add.Branch.ID, tree.Message(msg.ID).ActiveBranchID)

	// Flipping to a branch that does not exist promotes the newest branch
	// instead of leaving a dangling reference.
	applyEvent(t, tree, eventlog.KindActiveBranchChanged, &ActiveBranchChangedPayload{
		MessageID: msg.ID, BranchID: "nonexistent",
	})
	assert.Equal(t, add.Branch.ID, tree.Message(msg.ID).ActiveBranchID)
	assert.NotNil(t, tree.Message(msg.ID).ActiveBranch())
}

func TestAddBranchSharesParentOfActiveBranch(t *testing.T) {
	tree := NewTree(treeTestConv)
	parent := seedMessage(t, tree, RoleUser, "question", "")
	reply := seedMessage(t, tree, RoleAssistant, "answer", parent.ActiveBranchID)

	add, _, err := tree.PlanAddBranch(reply.ID, "", "another answer", nil, "model-x")
	require.NoError(t, err)
	assert.Equal(t, parent.ActiveBranchID, add.Branch.ParentBranchID)
	assert.Equal(t, RoleAssistant, add.Branch.Role)
}

func TestWalkActivePathRootFirst(t *testing.T) {
	tree := NewTree(treeTestConv)
	a := seedMessage(t, tree, RoleUser, "a", "")
	b := seedMessage(t, tree, RoleAssistant, "b", a.ActiveBranchID)
	c := seedMessage(t, tree, RoleUser, "c", b.ActiveBranchID)

	path := tree.WalkActivePath(c.ActiveBranchID)
	require.Len(t, path, 3)
	assert.Equal(t, a.ID, path[0].Message.ID)
	assert.Equal(t, b.ID, path[1].Message.ID)
	assert.Equal(t, c.ID, path[2].Message.ID)

	assert.Equal(t, c.ActiveBranchID, tree.Leaf())
}

func TestWalkActivePathSurvivesCycles(t *testing.T) {
	tree := NewTree(treeTestConv)
	a := seedMessage(t, tree, RoleUser, "a", "")
	b := seedMessage(t, tree, RoleAssistant, "b", a.ActiveBranchID)

	// Corrupt a's branch to point back at b.
	loop := b.ActiveBranchID
	applyEvent(t, tree, eventlog.KindMessageBranchUpdate, &BranchUpdatedPayload{
		MessageID: a.ID, BranchID: a.ActiveBranchID, ParentBranchID: &loop,
	})

	path := tree.WalkActivePath(b.ActiveBranchID)
	assert.Len(t, path, 2)
}

func TestPlanSetActiveBranchPromotesNewestWhenMissing(t *testing.T) {
	tree := NewTree(treeTestConv)
	msg := seedMessage(t, tree, RoleAssistant, "v1", "")

	later := Branch{
		ID: "later-branch", ParentBranchID: RootParent, Role: RoleAssistant,
		Content: "v2", CreatedAt: time.Now().Add(time.Hour).UTC(),
	}
	applyEvent(t, tree, eventlog.KindMessageBranchAdded, &BranchAddedPayload{MessageID: msg.ID, Branch: later})

	flip, err := tree.PlanSetActiveBranch(msg.ID, "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, "later-branch", flip.BranchID)
}

func TestPlanSplitMidMessage(t *testing.T) {
	tree := NewTree(treeTestConv)
	a := seedMessage(t, tree, RoleUser, "a", "")
	b := seedMessage(t, tree, RoleAssistant, "first halfsecond half", a.ActiveBranchID)
	c := seedMessage(t, tree, RoleUser, "c", b.ActiveBranchID)

	plan, err := tree.PlanSplit(b.ID, len("first half"))
	require.NoError(t, err)

	require.NotNil(t, plan.Truncate.Content)
	assert.Equal(t, "first half", *plan.Truncate.Content)
	assert.Equal(t, "second half", plan.NewMessage.Message.Branches[0].Content)
	assert.Equal(t, b.ActiveBranchID, plan.NewMessage.Message.Branches[0].ParentBranchID)

	// c continued from b, so it moves under the second half.
	require.Len(t, plan.Reparented, 1)
	assert.Equal(t, c.ID, plan.Reparented[0].MessageID)
	assert.Equal(t, plan.NewMessage.Message.ActiveBranchID, *plan.Reparented[0].ParentBranchID)

	// Orders: a=0, b=1, new=2, c=3. Events cover the entire affected suffix.
	wantOrders := map[string]int{
		b.ID:                       1,
		plan.NewMessage.Message.ID: 2,
		c.ID:                       3,
	}
	gotOrders := make(map[string]int, len(plan.OrderChanges))
	for _, oc := range plan.OrderChanges {
		gotOrders[oc.MessageID] = oc.Order
	}
	assert.Equal(t, wantOrders, gotOrders)

	// Applying the plan in event order leaves a consistent tree.
	applyEvent(t, tree, eventlog.KindMessageOrderChanged, &OrderChangedPayload{MessageID: c.ID, Order: 3})
	applyEvent(t, tree, eventlog.KindMessageBranchUpdate, plan.Truncate)
	applyEvent(t, tree, eventlog.KindMessageCreated, plan.NewMessage)
	for _, rp := range plan.Reparented {
		applyEvent(t, tree, eventlog.KindMessageBranchUpdate, rp)
	}
	require.NoError(t, tree.CheckIntegrity())

	path := tree.WalkActivePath(tree.Message(c.ID).ActiveBranchID)
	require.Len(t, path, 4)
	assert.Equal(t, "first half", path[1].Branch.Content)
	assert.Equal(t, "second half", path[2].Branch.Content)
}

func TestPlanSplitRejectsBoundaryOffsets(t *testing.T) {
	tree := NewTree(treeTestConv)
	msg := seedMessage(t, tree, RoleAssistant, "abc", "")

	for _, offset := range []int{0, 3, -1, 10} {
		_, err := tree.PlanSplit(msg.ID, offset)
		assert.Error(t, err, "offset %d", offset)
	}
	_, err := tree.PlanSplit(msg.ID, 1)
	assert.NoError(t, err)
}

func TestPlanDeleteRerootsOrphans(t *testing.T) {
	tree := NewTree(treeTestConv)
	a := seedMessage(t, tree, RoleUser, "a", "")
	b := seedMessage(t, tree, RoleAssistant, "b", a.ActiveBranchID)
	c := seedMessage(t, tree, RoleUser, "c", b.ActiveBranchID)

	plan, err := tree.PlanDelete(b.ID)
	require.NoError(t, err)
	require.Len(t, plan.Rerooted, 1)
	assert.Equal(t, c.ID, plan.Rerooted[0].MessageID)
	assert.Equal(t, RootParent, *plan.Rerooted[0].ParentBranchID)

	for _, rp := range plan.Rerooted {
		applyEvent(t, tree, eventlog.KindMessageBranchUpdate, rp)
	}
	applyEvent(t, tree, eventlog.KindMessageDeleted, plan.Deleted)

	assert.Nil(t, tree.Message(b.ID))
	assert.Equal(t, 2, tree.Len())
	path := tree.WalkActivePath(tree.Message(c.ID).ActiveBranchID)
	require.Len(t, path, 1)
	assert.Equal(t, c.ID, path[0].Message.ID)
}

func TestRepairOrdersFixesDuplicates(t *testing.T) {
	tree := NewTree(treeTestConv)
	a := seedMessage(t, tree, RoleUser, "a", "")
	b := seedMessage(t, tree, RoleAssistant, "b", a.ActiveBranchID)
	c := seedMessage(t, tree, RoleUser, "c", b.ActiveBranchID)

	// Simulate a legacy split that never emitted order events.
	applyEvent(t, tree, eventlog.KindMessageOrderChanged, &OrderChangedPayload{MessageID: c.ID, Order: 1})
	assert.Error(t, tree.CheckIntegrity())

	changes := tree.RepairOrders()
	require.NotEmpty(t, changes)
	for _, oc := range changes {
		applyEvent(t, tree, eventlog.KindMessageOrderChanged, oc)
	}
	require.NoError(t, tree.CheckIntegrity())
}

func TestRepairOrdersNoopOnHealthyTree(t *testing.T) {
	tree := NewTree(treeTestConv)
	a := seedMessage(t, tree, RoleUser, "a", "")
	seedMessage(t, tree, RoleAssistant, "b", a.ActiveBranchID)

	assert.Empty(t, tree.RepairOrders())
}

func TestBranchUpdateSemantics(t *testing.T) {
	tree := NewTree(treeTestConv)
	msg := seedMessage(t, tree, RoleAssistant, "base", "")

	appendTail := " more"
	applyEvent(t, tree, eventlog.KindMessageBranchUpdate, &BranchUpdatedPayload{
		MessageID: msg.ID, BranchID: msg.ActiveBranchID, AppendContent: &appendTail,
	})
	assert.Equal(t, "base more", tree.Message(msg.ID).ActiveBranch().Content)

	replaced := "rewritten"
	model := "model-z"
	applyEvent(t, tree, eventlog.KindMessageBranchUpdate, &BranchUpdatedPayload{
		MessageID: msg.ID, BranchID: msg.ActiveBranchID, Content: &replaced, Model: &model,
	})
	b := tree.Message(msg.ID).ActiveBranch()
	assert.Equal(t, "rewritten", b.Content)
	assert.Equal(t, "model-z", b.Model)
}
