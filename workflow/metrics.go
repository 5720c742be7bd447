package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the engine. All methods are nil-receiver safe so
// components can run unmetered.
type Metrics struct {
	workflowsStarted   *prometheus.CounterVec
	workflowsFinished  *prometheus.CounterVec
	tasksStarted       *prometheus.CounterVec
	tasksCompleted     *prometheus.CounterVec
	tasksFailed        *prometheus.CounterVec
	tasksRetried       *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	checkpointsCreated prometheus.Counter
	checkpointsFailed  prometheus.Counter
	approvalsOpened    prometheus.Counter
	approvalsResolved  *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on the given registerer
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		workflowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "workflows_started_total",
			Help:      "Workflow instances started",
		}, []string{"definition"}),
		workflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "workflows_finished_total",
			Help:      "Workflow instances finished, by terminal state",
		}, []string{"definition", "state"}),
		tasksStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "tasks_started_total",
			Help:      "Tasks started",
		}, []string{"type"}),
		tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "tasks_completed_total",
			Help:      "Tasks completed",
		}, []string{"type"}),
		tasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "tasks_failed_total",
			Help:      "Tasks failed after retry exhaustion",
		}, []string{"type"}),
		tasksRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "tasks_retried_total",
			Help:      "Task retry attempts",
		}, []string{"type"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opsflow",
			Name:      "task_duration_seconds",
			Help:      "End-to-end task duration including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		checkpointsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "checkpoints_created_total",
			Help:      "Checkpoints written",
		}),
		checkpointsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "checkpoints_failed_total",
			Help:      "Checkpoint writes that exhausted retries",
		}),
		approvalsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "approvals_opened_total",
			Help:      "Approval gates opened",
		}),
		approvalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsflow",
			Name:      "approvals_resolved_total",
			Help:      "Approval gates resolved, by resolution",
		}, []string{"resolution"}),
	}
}

// WorkflowStarted records an instance start.
func (m *Metrics) WorkflowStarted(definition string) {
	if m == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(definition).Inc()
}

// WorkflowFinished records an instance reaching a terminal state.
func (m *Metrics) WorkflowFinished(definition string, state State) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(definition, string(state)).Inc()
}

// TaskStarted records a task start.
func (m *Metrics) TaskStarted(taskType string) {
	if m == nil {
		return
	}
	m.tasksStarted.WithLabelValues(taskType).Inc()
}

// TaskCompleted records a task completion with its total duration.
func (m *Metrics) TaskCompleted(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(taskType).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// TaskFailed records a task failing after retry exhaustion.
func (m *Metrics) TaskFailed(taskType string) {
	if m == nil {
		return
	}
	m.tasksFailed.WithLabelValues(taskType).Inc()
}

// TaskRetried records one retry attempt.
func (m *Metrics) TaskRetried(taskType string) {
	if m == nil {
		return
	}
	m.tasksRetried.WithLabelValues(taskType).Inc()
}

// CheckpointCreated records a successful checkpoint write.
func (m *Metrics) CheckpointCreated() {
	if m == nil {
		return
	}
	m.checkpointsCreated.Inc()
}

// CheckpointFailed records a checkpoint write that exhausted retries.
func (m *Metrics) CheckpointFailed() {
	if m == nil {
		return
	}
	m.checkpointsFailed.Inc()
}

// ApprovalOpened records an approval gate opening.
func (m *Metrics) ApprovalOpened() {
	if m == nil {
		return
	}
	m.approvalsOpened.Inc()
}

// ApprovalResolved records a gate resolution.
func (m *Metrics) ApprovalResolved(resolution string) {
	if m == nil {
		return
	}
	m.approvalsResolved.WithLabelValues(resolution).Inc()
}
