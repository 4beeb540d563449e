package claudecode

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// ProcessOptions configures a spawned Claude Code CLI process.
type ProcessOptions struct {
	// Executable is the resolved CLI binary path.
	Executable string

	// Cwd is the project working directory the session runs in.
	Cwd string

	// ResumeSessionID resumes an existing session when set.
	ResumeSessionID string

	// PermissionMode is passed through via --permission-mode.
	PermissionMode string

	// UseControlProtocol enables the stdio permission prompt channel
	// (can_use_tool control requests). When false the CLI runs with
	// --permission-mode bypassPermissions regardless of PermissionMode.
	UseControlProtocol bool
}

// Process is a running Claude Code CLI subprocess in stream-json mode.
// Aborting is idempotent; the underlying process group is killed so MCP
// servers and shells spawned by the agent die with it.
type Process struct {
	Client *Client

	cmd    *exec.Cmd
	cancel context.CancelFunc
	logger *logger.Logger

	abortOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

// Spawn starts a Claude Code CLI subprocess and attaches a stream-json client.
func Spawn(ctx context.Context, opts ProcessOptions, log *logger.Logger) (*Process, error) {
	args := []string{
		"-p",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.UseControlProtocol {
		args = append(args, "--permission-prompt-tool", "stdio")
		if opts.PermissionMode != "" && opts.PermissionMode != PermissionModeDefault {
			args = append(args, "--permission-mode", opts.PermissionMode)
		}
	} else {
		args = append(args, "--permission-mode", PermissionModeBypassPermissions)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, opts.Executable, args...)
	cmd.Dir = opts.Cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start claude: %w", err)
	}

	plog := log.WithFields(zap.Int("pid", cmd.Process.Pid))
	plog.Info("claude process started",
		zap.String("executable", opts.Executable),
		zap.String("cwd", opts.Cwd),
		zap.String("resume", opts.ResumeSessionID))

	client := NewClient(stdin, stdout, plog)
	client.Start(procCtx)

	return &Process{
		Client: client,
		cmd:    cmd,
		cancel: cancel,
		logger: plog,
	}, nil
}

// Abort terminates the subprocess. Safe to call multiple times and after
// the process has already exited.
func (p *Process) Abort() {
	p.abortOnce.Do(func() {
		p.logger.Info("aborting claude process")
		if p.cmd.Process != nil {
			// Negative pid signals the whole process group.
			_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
		}
		p.cancel()
		p.Client.Stop()
	})
}

// Wait blocks until the subprocess exits and returns its exit error, if any.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}
