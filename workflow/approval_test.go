package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier captures notified requests.
type recordingNotifier struct {
	mu   sync.Mutex
	reqs []ApprovalRequest
}

func (n *recordingNotifier) NotifyApprovalRequested(_ context.Context, req *ApprovalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req.clone())
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reqs)
}

func approvalTask(id string, spec ApprovalSpec) *TaskDefinition {
	return &TaskDefinition{ID: id, Type: TaskTypeApproval, Approval: &spec}
}

func newTestController(notifier Notifier) (*ApprovalGateController, chan Resolution) {
	ctrl := NewApprovalGateController(notifier, NewEventBus(nil), nil, nil)
	resolutions := make(chan Resolution, 8)
	ctrl.SetResolveCallback(func(res Resolution) { resolutions <- res })
	return ctrl, resolutions
}

func awaitResolution(t *testing.T, ch chan Resolution) Resolution {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no resolution delivered")
		return Resolution{}
	}
}

func TestApprovalGate_ApproveInvokesCallback(t *testing.T) {
	notifier := &recordingNotifier{}
	ctrl, resolutions := newTestController(notifier)
	inst, _ := buildInstance(t, restorableDefinition(), nil)

	req, err := ctrl.Open(context.Background(), inst, approvalTask("gate", ApprovalSpec{
		Approvers: []string{"alice", "bob"},
		TimeoutMs: 60_000,
	}))
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, req.Status)
	assert.Equal(t, 1, notifier.count())

	require.NoError(t, ctrl.Resolve(req.ID, true, "alice", "looks good"))

	res := awaitResolution(t, resolutions)
	assert.True(t, res.Approved)
	assert.False(t, res.Expired)
	assert.Equal(t, "alice", res.Request.Resolver)
	assert.Equal(t, ApprovalApproved, res.Request.Status)

	stored, ok := ctrl.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, ApprovalApproved, stored.Status)
	assert.False(t, stored.ResolvedAt.IsZero())
}

func TestApprovalGate_FirstDecisionWins(t *testing.T) {
	ctrl, resolutions := newTestController(nil)
	inst, _ := buildInstance(t, restorableDefinition(), nil)

	req, err := ctrl.Open(context.Background(), inst, approvalTask("gate", ApprovalSpec{
		Approvers: []string{"alice", "bob"},
		TimeoutMs: 60_000,
	}))
	require.NoError(t, err)

	require.NoError(t, ctrl.Resolve(req.ID, false, "bob", "too risky"))
	err = ctrl.Resolve(req.ID, true, "alice", "override")
	require.Error(t, err)
	assert.Equal(t, ErrCodeApprovalAlreadyResolved, CodeOf(err))

	res := awaitResolution(t, resolutions)
	assert.False(t, res.Approved)
	assert.Equal(t, "bob", res.Request.Resolver)

	// The losing decision never produced a second resolution.
	select {
	case extra := <-resolutions:
		t.Fatalf("unexpected second resolution: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApprovalGate_DeadlineExpiry(t *testing.T) {
	ctrl, resolutions := newTestController(nil)
	inst, _ := buildInstance(t, restorableDefinition(), nil)

	req, err := ctrl.Open(context.Background(), inst, approvalTask("gate", ApprovalSpec{
		Approvers: []string{"alice"},
		TimeoutMs: 20,
	}))
	require.NoError(t, err)

	res := awaitResolution(t, resolutions)
	assert.True(t, res.Expired)
	assert.False(t, res.Approved)
	assert.Equal(t, ApprovalExpired, res.Request.Status)

	// A late human decision loses to the expiry.
	err = ctrl.Resolve(req.ID, true, "alice", "too late")
	require.Error(t, err)
	assert.Equal(t, ErrCodeApprovalAlreadyResolved, CodeOf(err))
}

func TestApprovalGate_AutoApprove(t *testing.T) {
	notifier := &recordingNotifier{}
	ctrl, resolutions := newTestController(notifier)
	inst, _ := buildInstance(t, restorableDefinition(), nil)

	req, err := ctrl.Open(context.Background(), inst, approvalTask("gate", ApprovalSpec{
		Approvers:   []string{"alice"},
		AutoApprove: true,
	}))
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, req.Status)
	assert.Equal(t, "auto", req.Resolver)

	// The approver set is bypassed entirely: nobody is notified.
	assert.Equal(t, 0, notifier.count())

	res := awaitResolution(t, resolutions)
	assert.True(t, res.Approved)
	assert.Equal(t, "auto", res.Request.Resolver)
}

func TestApprovalGate_PendingForInstanceAndExpirePending(t *testing.T) {
	ctrl, _ := newTestController(nil)
	inst, _ := buildInstance(t, restorableDefinition(), nil)

	_, err := ctrl.Open(context.Background(), inst, approvalTask("gate-1", ApprovalSpec{
		Approvers: []string{"alice"}, TimeoutMs: 60_000,
	}))
	require.NoError(t, err)
	_, err = ctrl.Open(context.Background(), inst, approvalTask("gate-2", ApprovalSpec{
		Approvers: []string{"bob"}, TimeoutMs: 60_000,
	}))
	require.NoError(t, err)

	pending := ctrl.PendingForInstance(inst.ID)
	assert.Len(t, pending, 2)

	// Force-expiry bypasses the resolve callback; the caller owns the
	// instance transition.
	ctrl.expirePending(inst.ID, "workflow cancelled")
	assert.Empty(t, ctrl.PendingForInstance(inst.ID))
}

func TestApprovalGate_EventSequence(t *testing.T) {
	bus := NewEventBus(nil)
	ctrl := NewApprovalGateController(nil, bus, nil, nil)
	inst, _ := buildInstance(t, restorableDefinition(), nil)

	req, err := ctrl.Open(context.Background(), inst, approvalTask("gate", ApprovalSpec{
		Approvers: []string{"alice"}, TimeoutMs: 60_000,
	}))
	require.NoError(t, err)
	require.NoError(t, ctrl.Resolve(req.ID, false, "alice", "rejected"))

	history := bus.History(inst.ID)
	require.Len(t, history, 2)
	assert.Equal(t, EventApprovalRequired, history[0].Type)
	assert.Equal(t, EventApprovalRejected, history[1].Type)
	assert.Less(t, history[0].Sequence, history[1].Sequence)
}
