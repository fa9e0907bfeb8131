package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agentctx"
)

// Dev server state files, relative to the workspace root. The PID file
// protocol is shared with external tooling that inspects the container,
// so the paths are part of the contract.
const (
	devServerPIDFile = ".dev-server.pid"
	devServerLogFile = ".dev-server.log"
	devServerCmdFile = ".dev-server.cmd"
)

const devServerStopGrace = 10 * time.Second

// devServerMu serialises start/stop against concurrent tool calls.
var devServerMu sync.Mutex

// RegisterDevServerTools adds the dev server manager tools to the registry.
func RegisterDevServerTools(r *Registry) {
	r.Register(&startDevServerTool{})
	r.Register(&stopDevServerTool{})
	r.Register(&devServerStatusTool{})
	r.Register(&devServerLogsTool{})
}

// devServerPID reads the PID file. Returns 0 when absent or malformed.
func devServerPID(workspaceRoot string) int {
	b, err := os.ReadFile(filepath.Join(workspaceRoot, devServerPIDFile))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

// pidAlive checks process liveness with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func clearDevServerFiles(workspaceRoot string) {
	_ = os.Remove(filepath.Join(workspaceRoot, devServerPIDFile))
	_ = os.Remove(filepath.Join(workspaceRoot, devServerCmdFile))
}

type startDevServerArgs struct {
	Command    string `json:"command,omitempty" jsonschema:"description=Start command such as npm run dev; defaults to npm run dev"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Working directory relative to the workspace root"`
	Port       int    `json:"port,omitempty" jsonschema:"description=Dev server port; defaults to 3000"`
}

type startDevServerTool struct{}

func (t *startDevServerTool) Name() string { return "start_dev_server" }
func (t *startDevServerTool) Description() string {
	return "Start the development server in the background. Output is redirected to .dev-server.log and the PID recorded in .dev-server.pid."
}
func (t *startDevServerTool) Parameters() map[string]any {
	return reflectSchema(&startDevServerArgs{})
}

func (t *startDevServerTool) Execute(ctx context.Context, args map[string]any) string {
	devServerMu.Lock()
	defer devServerMu.Unlock()

	command := stringArg(args, "command")
	if command == "" {
		command = "npm run dev"
	}
	if reason := checkCommandSafety(command); reason != "" {
		return "Error: " + reason
	}
	workingDir := stringArg(args, "working_dir")
	if workingDir == "" {
		workingDir = "."
	}

	scope, err := agentctx.FromContext(ctx)
	if err != nil {
		return "Error: " + err.Error()
	}
	root := scope.WorkspaceRoot

	dir, err := workspacePath(ctx, workingDir)
	if err != nil {
		return "Error: " + err.Error()
	}

	if pid := devServerPID(root); pidAlive(pid) {
		currentCmd, _ := os.ReadFile(filepath.Join(root, devServerCmdFile))
		return fmt.Sprintf("Dev server is already running (PID %d)\nCurrent command: %s\nUse stop_dev_server first to restart.",
			pid, strings.TrimSpace(string(currentCmd)))
	}
	// Stale PID file from a dead process.
	clearDevServerFiles(root)

	logFile, err := os.OpenFile(filepath.Join(root, devServerLogFile),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Sprintf("Error: failed to start dev server - %v", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New session: the server survives this tool call and is not killed
	// when the agent's exec context is cancelled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Sprintf("Error: failed to start dev server - %v", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	if err := os.WriteFile(filepath.Join(root, devServerPIDFile), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Sprintf("Error: dev server started (PID %d) but PID file write failed - %v", pid, err)
	}
	_ = os.WriteFile(filepath.Join(root, devServerCmdFile), []byte(command), 0o644)

	return fmt.Sprintf("Dev server started with PID %d\nCommand: %s\nLogs: %s", pid, command, devServerLogFile)
}

type stopDevServerArgs struct{}

type stopDevServerTool struct{}

func (t *stopDevServerTool) Name() string        { return "stop_dev_server" }
func (t *stopDevServerTool) Description() string { return "Stop the running development server." }
func (t *stopDevServerTool) Parameters() map[string]any {
	return reflectSchema(&stopDevServerArgs{})
}

func (t *stopDevServerTool) Execute(ctx context.Context, _ map[string]any) string {
	devServerMu.Lock()
	defer devServerMu.Unlock()

	scope, err := agentctx.FromContext(ctx)
	if err != nil {
		return "Error: " + err.Error()
	}
	root := scope.WorkspaceRoot

	pid := devServerPID(root)
	if pid == 0 {
		return "Dev server is not running (no PID file)."
	}
	if !pidAlive(pid) {
		clearDevServerFiles(root)
		return "Dev server was not running; cleaned up stale PID file."
	}

	// TERM first, escalate to KILL after the grace period. Negative PID
	// signals the whole process group created by Setsid.
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(devServerStopGrace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			clearDevServerFiles(root)
			return fmt.Sprintf("Dev server (PID %d) stopped.", pid)
		}
		time.Sleep(200 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	time.Sleep(200 * time.Millisecond)
	if pidAlive(pid) {
		return fmt.Sprintf("Error: failed to stop dev server (PID %d)", pid)
	}
	clearDevServerFiles(root)
	return fmt.Sprintf("Dev server (PID %d) force-killed.", pid)
}

type devServerStatusArgs struct{}

type devServerStatusTool struct{}

func (t *devServerStatusTool) Name() string { return "get_dev_server_status" }
func (t *devServerStatusTool) Description() string {
	return "Check whether the development server is running."
}
func (t *devServerStatusTool) Parameters() map[string]any {
	return reflectSchema(&devServerStatusArgs{})
}

func (t *devServerStatusTool) Execute(ctx context.Context, _ map[string]any) string {
	scope, err := agentctx.FromContext(ctx)
	if err != nil {
		return "Error: " + err.Error()
	}
	root := scope.WorkspaceRoot

	pid := devServerPID(root)
	if pid == 0 {
		return "Dev server status: stopped (no PID file). Use start_dev_server to launch it."
	}
	if !pidAlive(pid) {
		return fmt.Sprintf("Dev server status: stopped (stale PID %d).\nLast log lines:\n%s",
			pid, tailFile(filepath.Join(root, devServerLogFile), 20))
	}

	command, _ := os.ReadFile(filepath.Join(root, devServerCmdFile))
	return fmt.Sprintf("Dev server status: running\nPID: %d\nCommand: %s\nRecent logs:\n%s",
		pid, strings.TrimSpace(string(command)), tailFile(filepath.Join(root, devServerLogFile), 10))
}

type devServerLogsArgs struct {
	Tail int `json:"tail,omitempty" jsonschema:"description=Return the last N log lines; 0 returns everything. Defaults to 50"`
}

type devServerLogsTool struct{}

func (t *devServerLogsTool) Name() string { return "get_dev_server_logs" }
func (t *devServerLogsTool) Description() string {
	return "Read the development server log file (.dev-server.log)."
}
func (t *devServerLogsTool) Parameters() map[string]any {
	return reflectSchema(&devServerLogsArgs{})
}

func (t *devServerLogsTool) Execute(ctx context.Context, args map[string]any) string {
	scope, err := agentctx.FromContext(ctx)
	if err != nil {
		return "Error: " + err.Error()
	}

	tail := 50
	if v, ok := args["tail"].(float64); ok {
		tail = int(v)
	}

	logs := tailFile(filepath.Join(scope.WorkspaceRoot, devServerLogFile), tail)
	if logs == "" {
		return "No dev server logs yet."
	}
	if tail > 0 {
		return fmt.Sprintf("=== Dev server logs (last %d lines) ===\n\n%s", tail, logs)
	}
	return "=== Dev server logs ===\n\n" + logs
}

// tailFile returns the last n lines of a file, or everything for n <= 0.
func tailFile(path string, n int) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := strings.TrimRight(string(b), "\n")
	if content == "" || n <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
