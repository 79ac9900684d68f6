package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// ExecRuntime launches a worker process per dispatch. The configured
// command receives the dispatch request as JSON on stdin plus
// OVERSEER_SESSION_KEY and OVERSEER_RUN_ID in its environment, and is
// expected to report progress back through the gateway. Cancellation
// kills the session's process if it is still running.
type ExecRuntime struct {
	command []string
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*exec.Cmd // session key -> live process
}

// NewExecRuntime builds an ExecRuntime for the given launcher command.
func NewExecRuntime(command []string, logger *slog.Logger) (*ExecRuntime, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRuntime{
		command: command,
		logger:  logger,
		runs:    make(map[string]*exec.Cmd),
	}, nil
}

func (r *ExecRuntime) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	return r.launch(ctx, req)
}

func (r *ExecRuntime) Resume(ctx context.Context, req DispatchRequest) (string, error) {
	return r.launch(ctx, req)
}

// launch starts the worker process. It deliberately does not tie the
// process lifetime to the request context; workers outlive the dispatch
// call and are reaped by the wait goroutine.
func (r *ExecRuntime) launch(_ context.Context, req DispatchRequest) (string, error) {
	runID := uuid.NewString()

	payload, err := json.Marshal(map[string]any{
		"session_key":  req.SessionKey,
		"goal_id":      req.GoalID,
		"work_node_id": req.WorkNodeID,
		"agent_id":     req.AgentID,
		"objective":    req.Objective,
		"resume":       req.Resume,
		"run_id":       runID,
	})
	if err != nil {
		return "", fmt.Errorf("encode dispatch request: %w", err)
	}

	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(cmd.Environ(),
		"OVERSEER_SESSION_KEY="+req.SessionKey,
		"OVERSEER_RUN_ID="+runID,
	)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start worker: %w", err)
	}

	r.mu.Lock()
	r.runs[req.SessionKey] = cmd
	r.mu.Unlock()

	r.logger.Info("worker launched",
		"session_key", req.SessionKey, "run_id", runID,
		"goal_id", req.GoalID, "work_node_id", req.WorkNodeID, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		if r.runs[req.SessionKey] == cmd {
			delete(r.runs, req.SessionKey)
		}
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn("worker exited with error",
				"session_key", req.SessionKey, "run_id", runID, "error", err)
			return
		}
		r.logger.Debug("worker exited", "session_key", req.SessionKey, "run_id", runID)
	}()

	return runID, nil
}

func (r *ExecRuntime) CancelSession(_ context.Context, sessionKey string) error {
	r.mu.Lock()
	cmd := r.runs[sessionKey]
	delete(r.runs, sessionKey)
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	r.logger.Info("cancelling worker", "session_key", sessionKey, "pid", cmd.Process.Pid)
	return cmd.Process.Kill()
}

// LogRuntime accepts every dispatch and only logs it. It is the
// default runtime when no worker command is configured, letting the
// orchestration loop run end to end with work reported externally.
type LogRuntime struct {
	logger *slog.Logger
}

// NewLogRuntime builds a LogRuntime.
func NewLogRuntime(logger *slog.Logger) *LogRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRuntime{logger: logger}
}

func (r *LogRuntime) Dispatch(_ context.Context, req DispatchRequest) (string, error) {
	runID := uuid.NewString()
	r.logger.Info("dispatch (log-only runtime)",
		"session_key", req.SessionKey, "run_id", runID,
		"goal_id", req.GoalID, "work_node_id", req.WorkNodeID, "objective", req.Objective)
	return runID, nil
}

func (r *LogRuntime) Resume(_ context.Context, req DispatchRequest) (string, error) {
	runID := uuid.NewString()
	summary := ""
	if req.Resume != nil {
		summary = req.Resume.Summary
	}
	r.logger.Info("resume (log-only runtime)",
		"session_key", req.SessionKey, "run_id", runID,
		"goal_id", req.GoalID, "work_node_id", req.WorkNodeID, "resume_summary", summary)
	return runID, nil
}

func (r *LogRuntime) CancelSession(_ context.Context, sessionKey string) error {
	r.logger.Info("cancel (log-only runtime)", "session_key", sessionKey)
	return nil
}
