package lifecycle

import (
	"context"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// CanUseToolFunc decides a tool-use permission request. A nil func means the
// agent runs without the permission channel (bypassPermissions).
type CanUseToolFunc func(ctx context.Context, req *claudecode.ControlRequest) (*claudecode.PermissionResult, error)

// RunOptions parameterizes one agent subprocess.
type RunOptions struct {
	Cwd             string
	ResumeSessionID string
	PermissionMode  string
	CanUseTool      CanUseToolFunc
}

// AgentHandle is a live agent subprocess as seen by the lifecycle.
type AgentHandle interface {
	// Messages streams the agent's outbound messages. The channel closes
	// when the subprocess exits.
	Messages() <-chan *claudecode.CLIMessage

	// Send writes a user message to the agent.
	Send(in claudecode.UserInput) error

	// Abort terminates the subprocess. Idempotent.
	Abort()
}

// AgentRunner spawns agent subprocesses. Tests substitute a fake.
type AgentRunner interface {
	Run(ctx context.Context, opts RunOptions) (AgentHandle, error)
}

// ClaudeRunner runs the real Claude Code CLI.
type ClaudeRunner struct {
	Executable string
	Logger     *logger.Logger
}

// Run spawns the CLI. The permission channel is only attached when the
// installed CLI version supports it; older versions run bypassed.
func (r *ClaudeRunner) Run(ctx context.Context, opts RunOptions) (AgentHandle, error) {
	useControl := opts.CanUseTool != nil && claudecode.SupportsControlProtocol(ctx, r.Executable)

	proc, err := claudecode.Spawn(ctx, claudecode.ProcessOptions{
		Executable:         r.Executable,
		Cwd:                opts.Cwd,
		ResumeSessionID:    opts.ResumeSessionID,
		PermissionMode:     opts.PermissionMode,
		UseControlProtocol: useControl,
	}, r.Logger)
	if err != nil {
		return nil, err
	}

	if useControl {
		proc.Client.SetRequestHandler(func(requestID string, req *claudecode.ControlRequest) {
			go func() {
				result, err := opts.CanUseTool(ctx, req)
				resp := &claudecode.ControlResponseMessage{
					Type:      claudecode.MessageTypeControlResponse,
					RequestID: requestID,
				}
				if err != nil {
					resp.Response = &claudecode.ControlResponse{Subtype: "error", Error: err.Error()}
				} else {
					resp.Response = &claudecode.ControlResponse{Subtype: "success", Result: result}
				}
				_ = proc.Client.SendControlResponse(resp)
			}()
		})
	}

	return &claudeHandle{proc: proc}, nil
}

type claudeHandle struct {
	proc *claudecode.Process
}

func (h *claudeHandle) Messages() <-chan *claudecode.CLIMessage {
	return h.proc.Client.Messages()
}

func (h *claudeHandle) Send(in claudecode.UserInput) error {
	return h.proc.Client.SendUserMessage(in)
}

func (h *claudeHandle) Abort() {
	h.proc.Abort()
}
