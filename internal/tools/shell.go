package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/promethea/promethea/internal/fault"
)

const shellMaxOutput = 64 << 10

// ShellTool runs a command through /bin/sh. It is confirm-gated by
// default configuration: the turn engine suspends and asks the user
// before any invocation reaches Execute.
type ShellTool struct {
	workdir string
}

func NewShellTool(workdir string) *ShellTool {
	return &ShellTool{workdir: workdir}
}

func (t *ShellTool) Name() string { return "shell.exec" }

func (t *ShellTool) Description() string {
	return "Executes a shell command and returns its combined output. Requires user confirmation."
}

func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to run."}
		},
		"required": ["command"],
		"additionalProperties": false
	}`)
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fault.Wrap(fault.KindInvalidArguments, "bad arguments", err)
	}
	if strings.TrimSpace(params.Command) == "" {
		return "", fault.New(fault.KindInvalidArguments, "command is required")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", params.Command)
	cmd.Dir = t.workdir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	text := out.String()
	if len(text) > shellMaxOutput {
		text = text[:shellMaxOutput] + "\n[truncated]"
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", fault.Wrap(fault.KindCancelled, "command cancelled", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a result, not a runtime failure.
			return fmt.Sprintf("exit status %d\n%s", exitErr.ExitCode(), text), nil
		}
		return "", fault.Wrap(fault.KindToolRuntime, "command failed to start", err)
	}
	return text, nil
}
