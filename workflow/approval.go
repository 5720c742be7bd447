package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ApprovalStatus is the resolution state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// defaultApprovalTimeout applies when the gate's spec leaves the deadline
// unset.
const defaultApprovalTimeout = time.Hour

// ApprovalRequest is one pending human-decision point. The first terminal
// resolution wins; later decisions fail with ApprovalAlreadyResolved.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	TaskID     string         `json:"task_id"`
	Approvers  []string       `json:"approvers"`
	Deadline   time.Time      `json:"deadline"`
	Status     ApprovalStatus `json:"status"`
	Resolver   string         `json:"resolver,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

func (r *ApprovalRequest) clone() ApprovalRequest {
	out := *r
	out.Approvers = append([]string(nil), r.Approvers...)
	return out
}

// Notifier delivers approval requests to the approver set. Delivery failure
// is logged, never fatal: the gate stays open and the deadline still runs.
type Notifier interface {
	NotifyApprovalRequested(ctx context.Context, req *ApprovalRequest) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// NotifyApprovalRequested implements Notifier.
func (NopNotifier) NotifyApprovalRequested(context.Context, *ApprovalRequest) error { return nil }

// Resolution is handed to the controller's resolve callback.
type Resolution struct {
	Request  ApprovalRequest
	Approved bool
	Expired  bool
}

// ApprovalGateController manages pending decision points, their deadlines,
// and resolution. The orchestrator registers a callback invoked on every
// terminal resolution, including expiry.
type ApprovalGateController struct {
	notifier  Notifier
	bus       *EventBus
	metrics   *Metrics
	logger    *zap.Logger
	onResolve func(Resolution)

	mu       sync.Mutex
	requests map[string]*ApprovalRequest
	byTask   map[string]string // instanceID/taskID -> requestID
	timers   map[string]*time.Timer
}

// NewApprovalGateController creates a controller. notifier may be nil
// (treated as NopNotifier); metrics may be nil.
func NewApprovalGateController(notifier Notifier, bus *EventBus, metrics *Metrics, logger *zap.Logger) *ApprovalGateController {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalGateController{
		notifier: notifier,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "approval_controller")),
		requests: make(map[string]*ApprovalRequest),
		byTask:   make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
}

// SetResolveCallback registers the orchestrator hook invoked on every
// terminal resolution. Must be set before the first Open.
func (c *ApprovalGateController) SetResolveCallback(fn func(Resolution)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResolve = fn
}

// Open creates the request for an approval task that reached readiness.
// Auto-approve gates resolve immediately with resolver "auto": the approver
// set is bypassed entirely, no notification is sent, and no deadline timer
// starts. Otherwise the approver set is notified and the deadline starts.
func (c *ApprovalGateController) Open(ctx context.Context, inst *WorkflowInstance, task *TaskDefinition) (*ApprovalRequest, error) {
	spec := task.Approval
	timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	now := time.Now()
	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Approvers:  append([]string(nil), spec.Approvers...),
		Deadline:   now.Add(timeout),
		Status:     ApprovalPending,
		CreatedAt:  now,
	}

	c.mu.Lock()
	c.requests[req.ID] = req
	c.byTask[taskKey(inst.ID, task.ID)] = req.ID
	c.mu.Unlock()

	c.publish(Event{
		Type:       EventApprovalRequired,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Data: map[string]any{
			"request_id": req.ID,
			"approvers":  req.Approvers,
			"deadline":   req.Deadline,
		},
	})
	c.metrics.ApprovalOpened()

	if spec.AutoApprove {
		if err := c.Resolve(req.ID, true, "auto", "auto-approved by definition"); err != nil {
			return nil, err
		}
		out := req.clone()
		return &out, nil
	}

	if err := c.notifier.NotifyApprovalRequested(ctx, req); err != nil {
		c.logger.Warn("approval notification failed",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}

	timer := time.AfterFunc(timeout, func() { c.expire(req.ID) })
	c.mu.Lock()
	c.timers[req.ID] = timer
	c.mu.Unlock()

	c.logger.Info("approval gate opened",
		zap.String("instance_id", inst.ID),
		zap.String("task_id", task.ID),
		zap.String("request_id", req.ID),
		zap.Time("deadline", req.Deadline),
	)
	out := req.clone()
	return &out, nil
}

// Resolve records a human decision. Only a pending request can be resolved;
// the first terminal decision wins and later ones fail with
// ApprovalAlreadyResolved rather than overwriting the outcome.
func (c *ApprovalGateController) Resolve(requestID string, approved bool, resolver, reason string) error {
	res, err := c.terminate(requestID, approved, false, resolver, reason)
	if err != nil {
		return err
	}

	evType := EventApprovalGranted
	if !approved {
		evType = EventApprovalRejected
	}
	c.publish(Event{
		Type:       evType,
		InstanceID: res.Request.InstanceID,
		TaskID:     res.Request.TaskID,
		Data: map[string]any{
			"request_id": requestID,
			"resolver":   resolver,
			"reason":     reason,
		},
	})
	c.metrics.ApprovalResolved(string(res.Request.Status))
	if c.onResolve != nil {
		c.onResolve(res)
	}
	return nil
}

// expire resolves a request whose deadline passed without a decision.
func (c *ApprovalGateController) expire(requestID string) {
	res, err := c.terminate(requestID, false, true, "", "deadline expired")
	if err != nil {
		// Raced with a human decision; the first resolution won.
		return
	}

	c.publish(Event{
		Type:       EventApprovalExpired,
		InstanceID: res.Request.InstanceID,
		TaskID:     res.Request.TaskID,
		Error:      NewError(ErrCodeApprovalTimeout, "approval deadline expired").Error(),
		Data:       map[string]any{"request_id": requestID},
	})
	c.metrics.ApprovalResolved(string(ApprovalExpired))
	c.logger.Warn("approval expired",
		zap.String("request_id", requestID),
		zap.String("instance_id", res.Request.InstanceID),
		zap.String("task_id", res.Request.TaskID),
	)
	if c.onResolve != nil {
		c.onResolve(res)
	}
}

// terminate applies the first-wins terminal transition under the lock.
func (c *ApprovalGateController) terminate(requestID string, approved, expired bool, resolver, reason string) (Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[requestID]
	if !ok {
		return Resolution{}, NewError(ErrCodeInstanceNotFound, fmt.Sprintf("approval request %s not found", requestID))
	}
	if req.Status != ApprovalPending {
		return Resolution{}, NewError(ErrCodeApprovalAlreadyResolved,
			fmt.Sprintf("approval request %s already %s", requestID, req.Status))
	}

	switch {
	case expired:
		req.Status = ApprovalExpired
	case approved:
		req.Status = ApprovalApproved
	default:
		req.Status = ApprovalRejected
	}
	req.Resolver = resolver
	req.Reason = reason
	req.ResolvedAt = time.Now()

	if timer, ok := c.timers[requestID]; ok {
		timer.Stop()
		delete(c.timers, requestID)
	}
	return Resolution{Request: req.clone(), Approved: approved && !expired, Expired: expired}, nil
}

// Get returns a copy of the request.
func (c *ApprovalGateController) Get(requestID string) (ApprovalRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return ApprovalRequest{}, false
	}
	return req.clone(), true
}

// PendingForInstance lists the instance's pending requests.
func (c *ApprovalGateController) PendingForInstance(instanceID string) []ApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ApprovalRequest
	for _, req := range c.requests {
		if req.InstanceID == instanceID && req.Status == ApprovalPending {
			out = append(out, req.clone())
		}
	}
	return out
}

// expirePending force-expires every pending request of an instance, used
// when the instance is cancelled out from under its gates.
func (c *ApprovalGateController) expirePending(instanceID, reason string) {
	c.mu.Lock()
	var ids []string
	for id, req := range c.requests {
		if req.InstanceID == instanceID && req.Status == ApprovalPending {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		if _, err := c.terminate(id, false, true, "", reason); err == nil {
			c.metrics.ApprovalResolved(string(ApprovalExpired))
		}
	}
}

func (c *ApprovalGateController) publish(ev Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func taskKey(instanceID, taskID string) string {
	return instanceID + "/" + taskID
}
