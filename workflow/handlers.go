package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Output is what a handler returns on success: a payload committed to the
// execution context plus optional numeric metrics.
type Output struct {
	Values  map[string]any
	Metrics map[string]float64
}

// TaskHandler executes one side-effecting task. The context carries attempt
// timeout and cooperative cancellation; implementations must observe it.
// Handlers are responsible for idempotence: restored instances re-run tasks
// that were in flight at checkpoint time (at-least-once).
type TaskHandler interface {
	Execute(ctx context.Context, task *TaskDefinition, ec *ExecutionContext) (Output, error)
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, task *TaskDefinition, ec *ExecutionContext) (Output, error)

// Execute implements TaskHandler.
func (f HandlerFunc) Execute(ctx context.Context, task *TaskDefinition, ec *ExecutionContext) (Output, error) {
	return f(ctx, task, ec)
}

// HandlerRegistry maps task-type tags to concrete handlers. Dispatch is
// resolved once per task at execution time; unknown tags fail validation-like
// rather than panicking at dispatch.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[TaskType]TaskHandler
	plugins  map[string]TaskHandler
}

// NewHandlerRegistry creates a registry with the built-in handlers
// (command, http_call, wait, plugin). Deploy, scale and query are external
// collaborators and must be registered by the host.
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[TaskType]TaskHandler),
		plugins:  make(map[string]TaskHandler),
	}
	r.Register(TaskTypeCommand, &CommandHandler{})
	r.Register(TaskTypeHTTPCall, &HTTPCallHandler{Client: &http.Client{Timeout: 30 * time.Second}})
	r.Register(TaskTypeWait, HandlerFunc(waitHandler))
	r.Register(TaskTypePlugin, HandlerFunc(r.dispatchPlugin))
	return r
}

// Register binds a handler to a task type, replacing any previous binding.
func (r *HandlerRegistry) Register(t TaskType, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// RegisterPlugin binds a named plugin handler, addressed by the "plugin"
// task parameter.
func (r *HandlerRegistry) RegisterPlugin(name string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = h
}

// Resolve returns the handler for a task type.
func (r *HandlerRegistry) Resolve(t TaskType) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("no handler registered for task type %q", t))
	}
	return h, nil
}

func (r *HandlerRegistry) dispatchPlugin(ctx context.Context, task *TaskDefinition, ec *ExecutionContext) (Output, error) {
	name, _ := task.Params["plugin"].(string)
	if name == "" {
		return Output{}, NewTaskExecutionError(task.ID, "plugin task requires a plugin parameter")
	}
	r.mu.RLock()
	h, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return Output{}, NewTaskExecutionError(task.ID, fmt.Sprintf("plugin %q not registered", name))
	}
	return h.Execute(ctx, task, ec)
}

// CommandHandler runs a shell command and captures stdout, stderr and the
// exit code as outputs.
type CommandHandler struct{}

// Execute implements TaskHandler.
func (h *CommandHandler) Execute(ctx context.Context, task *TaskDefinition, ec *ExecutionContext) (Output, error) {
	command, _ := task.Params["command"].(string)
	if command == "" {
		return Output{}, NewTaskExecutionError(task.ID, "command task requires a command parameter")
	}
	args := stringSlice(task.Params["args"])

	cmd := exec.CommandContext(ctx, command, args...)
	if env, ok := task.Params["env"].(map[string]any); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Output{}, NewTaskExecutionError(task.ID, "command failed to start").
				WithCause(err).WithRetryable(true)
		}
	}
	out := Output{
		Values: map[string]any{
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"exit_code": exitCode,
		},
		Metrics: map[string]float64{
			"duration_ms": float64(time.Since(start).Milliseconds()),
		},
	}
	if exitCode != 0 {
		return out, NewTaskExecutionError(task.ID,
			fmt.Sprintf("command exited with code %d", exitCode)).WithRetryable(true)
	}
	return out, nil
}

// HTTPCallHandler performs an HTTP request and captures status code and body.
type HTTPCallHandler struct {
	Client *http.Client
}

// Execute implements TaskHandler. Server errors (5xx) are retryable, client
// errors (4xx) are not.
func (h *HTTPCallHandler) Execute(ctx context.Context, task *TaskDefinition, ec *ExecutionContext) (Output, error) {
	url, _ := task.Params["url"].(string)
	if url == "" {
		return Output{}, NewTaskExecutionError(task.ID, "http_call task requires a url parameter")
	}
	method, _ := task.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if raw, ok := task.Params["body"].(string); ok && raw != "" {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return Output{}, NewTaskExecutionError(task.ID, "invalid http request").WithCause(err)
	}
	if headers, ok := task.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Output{}, NewTaskExecutionError(task.ID, "http request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Output{}, NewTaskExecutionError(task.ID, "reading response body failed").
			WithCause(err).WithRetryable(true)
	}

	out := Output{
		Values: map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(respBody),
		},
		Metrics: map[string]float64{
			"duration_ms": float64(time.Since(start).Milliseconds()),
		},
	}
	if resp.StatusCode >= 500 {
		return out, NewTaskExecutionError(task.ID,
			fmt.Sprintf("upstream returned %d", resp.StatusCode)).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		return out, NewTaskExecutionError(task.ID,
			fmt.Sprintf("request rejected with %d", resp.StatusCode)).WithRetryable(false)
	}
	return out, nil
}

// waitHandler sleeps for duration_ms, observing cancellation.
func waitHandler(ctx context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
	ms := int64(0)
	switch v := task.Params["duration_ms"].(type) {
	case int:
		ms = int64(v)
	case int64:
		ms = v
	case float64:
		ms = int64(v)
	}
	if ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return Output{}, NewError(ErrCodeCancelled, "wait interrupted").
				WithTask(task.ID).WithCause(ctx.Err())
		}
	}
	return Output{Values: map[string]any{"waited_ms": ms}}, nil
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	}
	return nil
}
