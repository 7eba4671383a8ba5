package evaluate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/converge/internal/procgroup"
	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// DefaultDeterministicTimeout bounds a check command when no timeout is set.
const DefaultDeterministicTimeout = 120 * time.Second

// maxCapturedOutput is how much of each stream is kept, from the tail.
const maxCapturedOutput = 4 * 1024

// pipeDrainDelay bounds Wait after a kill when something outside the process
// group still holds the output pipes.
const pipeDrainDelay = 2 * time.Second

var (
	thresholdPattern = regexp.MustCompile(`(?:(?:>=|=>|≥|>)\s*(\d+(?:\.\d+)?)\s*%?)|(?:(\d+(?:\.\d+)?)\s*%)`)
	coveragePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^TOTAL\b.*?(\d+(?:\.\d+)?)%`),
		regexp.MustCompile(`(?i)total coverage:\s*(\d+(?:\.\d+)?)%`),
		regexp.MustCompile(`total:\s+\(statements\)\s+(\d+(?:\.\d+)?)%`),
	}
)

// Deterministic runs check commands through `sh -c` and interprets the exit
// code and output against the check's pass criterion.
type Deterministic struct {
	// Dir is the working directory for commands, normally the project root.
	Dir string
	// Timeout applies per command; zero means DefaultDeterministicTimeout.
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

// Evaluate implements Evaluator.
func (d *Deterministic) Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate Candidate) CheckResult {
	if check.CheckType != workflow.CheckTypeDeterministic {
		return Skip(check, fmt.Sprintf("not a deterministic check (type %s)", check.CheckType))
	}
	if check.HasUnresolved() {
		return Skip(check, "unresolved variables: "+strings.Join(check.Unresolved, ", "))
	}
	if strings.TrimSpace(check.Command) == "" {
		return Skip(check, "no command configured")
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDeterministicTimeout
	}
	started := time.Now()
	run, err := d.run(ctx, check.Command, timeout, candidate)
	elapsed := time.Since(started)
	if err != nil {
		result := Error(check, err.Error())
		result.Duration = elapsed
		result.Stdout = tail(run.stdout)
		result.Stderr = tail(run.stderr)
		return result
	}

	outcome, message := interpret(check.PassCriterion, run)
	result := newResult(check, outcome, message)
	exitCode := run.exitCode
	result.ExitCode = &exitCode
	result.Stdout = tail(run.stdout)
	result.Stderr = tail(run.stderr)
	result.Duration = elapsed
	return result
}

type commandRun struct {
	exitCode int
	stdout   string
	stderr   string
}

var errTimeout = errors.New("timed out")

func (d *Deterministic) run(ctx context.Context, command string, timeout time.Duration, candidate Candidate) (commandRun, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = d.Dir
	cmd.Env = append(os.Environ(), d.Env...)
	if candidate.Path != "" {
		cmd.Env = append(cmd.Env, "CONVERGE_CANDIDATE="+candidate.Path)
	}
	procgroup.Bind(cmd, pipeDrainDelay)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return commandRun{}, fmt.Errorf("launch failed: %w", err)
	}
	err := cmd.Wait()
	run := commandRun{stdout: stdout.String(), stderr: stderr.String()}
	if runErr := runCtx.Err(); runErr != nil {
		if ctx.Err() == nil && errors.Is(runErr, context.DeadlineExceeded) {
			return run, fmt.Errorf("command %w after %s", errTimeout, timeout)
		}
		return run, fmt.Errorf("command cancelled: %w", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return run, fmt.Errorf("command failed to run: %w", err)
		}
		run.exitCode = exitErr.ExitCode()
	}
	return run, nil
}

// interpret applies the pass criterion policy: explicit "exit code 0" or no
// criterion uses the exit code; a coverage threshold compares parsed coverage
// and falls back to the exit code when no figure is found; anything else uses
// the exit code.
func interpret(passCriterion string, run commandRun) (Outcome, string) {
	criterion := strings.ToLower(strings.TrimSpace(passCriterion))
	if criterion == "" || strings.Contains(criterion, "exit code 0") {
		return exitCodeOutcome(run.exitCode)
	}
	if strings.Contains(criterion, "coverage") {
		if threshold, ok := parseThreshold(criterion); ok {
			if coverage, found := ParseCoverage(run.stdout + "\n" + run.stderr); found {
				if coverage >= threshold {
					return OutcomePass, fmt.Sprintf("coverage %s%% >= %s%%", formatPercent(coverage), formatPercent(threshold))
				}
				return OutcomeFail, fmt.Sprintf("coverage %s%% < %s%%", formatPercent(coverage), formatPercent(threshold))
			}
			outcome, message := exitCodeOutcome(run.exitCode)
			return outcome, message + " (coverage not found in output)"
		}
	}
	return exitCodeOutcome(run.exitCode)
}

func exitCodeOutcome(code int) (Outcome, string) {
	if code == 0 {
		return OutcomePass, "exit code 0"
	}
	return OutcomeFail, fmt.Sprintf("exit code %d", code)
}

func parseThreshold(criterion string) (float64, bool) {
	match := thresholdPattern.FindStringSubmatch(criterion)
	if match == nil {
		return 0, false
	}
	number := match[1]
	if number == "" {
		number = match[2]
	}
	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseCoverage extracts a total coverage percentage from tool output. The
// last matching line wins for each supported format.
func ParseCoverage(output string) (float64, bool) {
	for _, pattern := range coveragePatterns {
		matches := pattern.FindAllStringSubmatch(output, -1)
		if len(matches) == 0 {
			continue
		}
		value, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tail(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return "…" + s[len(s)-maxCapturedOutput:]
}
