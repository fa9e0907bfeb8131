package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultExecTimeout = 120 * time.Second
	maxExecOutput      = 20000
)

// dangerousPatterns block commands that could wreck the container or
// pull remote code into a shell.
var dangerousPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"mkfs",
	"dd if=",
	"> /dev/",
	":(){ :|:& };:",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"shutdown",
	"reboot",
	"poweroff",
}

// checkCommandSafety returns a non-empty reason when the command is denied.
func checkCommandSafety(command string) string {
	lower := strings.ToLower(strings.TrimSpace(command))
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Sprintf("dangerous command denied: %s", pattern)
		}
	}
	if strings.HasPrefix(lower, "rm") && strings.Contains(lower, "-rf") {
		if strings.Contains(lower, " /") || strings.HasSuffix(lower, "/") {
			return "deleting root or system directories is denied"
		}
	}
	return ""
}

// RegisterExecTools adds the command execution tools to the registry.
// The agent process runs inside the dev container, so commands execute
// locally against the mounted workspace.
func RegisterExecTools(r *Registry) {
	r.Register(&execCommandTool{})
	r.Register(&installPackageTool{})
	r.Register(&runTestsTool{})
}

type execCommandArgs struct {
	Command    string `json:"command" jsonschema:"description=Shell command to execute,required"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Working directory relative to the workspace root; defaults to the root"`
}

type execCommandTool struct{}

func (t *execCommandTool) Name() string { return "exec_command" }
func (t *execCommandTool) Description() string {
	return "Execute a shell command in the dev container. Never use this for editing files (no cat >, echo >, sed -i); use write_file instead. Intended for installing dependencies, running servers, tests, and other non-editing shell operations."
}
func (t *execCommandTool) Parameters() map[string]any { return reflectSchema(&execCommandArgs{}) }

func (t *execCommandTool) Execute(ctx context.Context, args map[string]any) string {
	command := stringArg(args, "command")
	workingDir := stringArg(args, "working_dir")
	if workingDir == "" {
		workingDir = "."
	}
	return runShell(ctx, command, workingDir, defaultExecTimeout)
}

func runShell(ctx context.Context, command, workingDir string, timeout time.Duration) string {
	if reason := checkCommandSafety(command); reason != "" {
		return "Error: " + reason
	}
	dir, err := workspacePath(ctx, workingDir)
	if err != nil {
		return "Error: " + err.Error()
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	output := truncateOutput(out.String())

	if execCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: command timed out after %s\n%s", timeout, output)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Sprintf("Command exited with code %d:\n%s", exitErr.ExitCode(), output)
		}
		return fmt.Sprintf("Error: failed to execute command - %v", err)
	}
	if output == "" {
		return "Command completed with no output."
	}
	return output
}

func truncateOutput(s string) string {
	if len(s) <= maxExecOutput {
		return s
	}
	return s[:maxExecOutput] + "\n... (output truncated)"
}

type installPackageArgs struct {
	PackageName    string `json:"package_name" jsonschema:"description=Package to install,required"`
	PackageManager string `json:"package_manager,omitempty" jsonschema:"description=One of npm yarn pnpm pip; defaults to npm"`
}

type installPackageTool struct{}

func (t *installPackageTool) Name() string { return "install_package" }
func (t *installPackageTool) Description() string {
	return "Install a dependency in the dev container using the given package manager."
}
func (t *installPackageTool) Parameters() map[string]any {
	return reflectSchema(&installPackageArgs{})
}

func (t *installPackageTool) Execute(ctx context.Context, args map[string]any) string {
	pkg := stringArg(args, "package_name")
	manager := stringArg(args, "package_manager")
	if manager == "" {
		manager = "npm"
	}

	commands := map[string]string{
		"npm":  "npm install ",
		"yarn": "yarn add ",
		"pnpm": "pnpm add ",
		"pip":  "pip install ",
	}
	prefix, ok := commands[manager]
	if !ok {
		return fmt.Sprintf("Error: unsupported package manager %s (supported: npm, yarn, pnpm, pip)", manager)
	}
	if strings.ContainsAny(pkg, ";&|`$><") {
		return "Error: invalid package name"
	}

	result := runShell(ctx, prefix+pkg, ".", defaultExecTimeout)
	return fmt.Sprintf("Install %s (%s):\n%s", pkg, manager, result)
}

type runTestsArgs struct {
	TestCommand string `json:"test_command,omitempty" jsonschema:"description=Test command; auto-detected from the project when omitted"`
}

type runTestsTool struct{}

func (t *runTestsTool) Name() string { return "run_tests" }
func (t *runTestsTool) Description() string {
	return "Run the project's tests in the dev container. Auto-detects npm test or pytest when no command is given."
}
func (t *runTestsTool) Parameters() map[string]any { return reflectSchema(&runTestsArgs{}) }

func (t *runTestsTool) Execute(ctx context.Context, args map[string]any) string {
	command := stringArg(args, "test_command")
	if command == "" {
		command = `if [ -f package.json ]; then npm test; elif [ -f pytest.ini ] || [ -f setup.py ] || [ -f pyproject.toml ]; then pytest; else echo "no test configuration found"; fi`
	}
	result := runShell(ctx, command, ".", defaultExecTimeout)
	return "Test results:\n" + result
}
