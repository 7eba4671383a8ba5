package provider

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/procgroup"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// CommandName is the registry name of the external CLI provider.
const CommandName = "command"

// pipeDrainDelay bounds Wait after the process group is killed.
const pipeDrainDelay = 2 * time.Second

// Command runs an external agent CLI. The full prompt is written to stdin and
// the verdict JSON is read from stdout.
type Command struct {
	command string
	dir     string
	timeout time.Duration
}

// NewCommand builds a Command provider. Settings.Command is required.
func NewCommand(_ context.Context, settings Settings) (evaluate.Provider, error) {
	command := strings.TrimSpace(settings.Command)
	if command == "" {
		return nil, goerr.New("command provider requires a command")
	}
	return &Command{command: command, dir: settings.Dir, timeout: settings.Timeout}, nil
}

// Name implements evaluate.Provider.
func (c *Command) Name() string { return CommandName }

// Evaluate implements evaluate.Provider.
func (c *Command) Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate string, meta map[string]any) evaluate.CheckResult {
	if c.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel func()
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
	cmd.Dir = c.dir
	procgroup.Bind(cmd, pipeDrainDelay)
	cmd.Stdin = strings.NewReader(FullPrompt(check, candidate, meta))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return evaluate.Error(check, CommandName+": timed out")
		}
		if ctx.Err() != nil {
			return evaluate.Error(check, CommandName+": "+ctx.Err().Error())
		}
		wrapped := goerr.Wrap(err, "agent command failed",
			goerr.V("command", c.command),
			goerr.V("stderr", truncate(strings.TrimSpace(stderr.String()), 200)))
		result := evaluate.Error(check, CommandName+": "+wrapped.Error())
		result.Stderr = stderr.String()
		return result
	}
	return resultFromText(CommandName, check, stdout.String())
}
