package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const defaultProjectConfigYAML = `# converge project configuration
version: 1
project: %s
default_profile: standard
log_level: info

evaluators:
  deterministic_timeout: 120s
  agent_timeout: 300s
  # Agent provider used when --provider is not passed. Leave empty to skip
  # agent checks. See "converge providers".
  provider: ""

convergence:
  max_iterations: 5
  stall_window: 3

spawn:
  vector_type: discovery
  time_box: 4h

providers:
  command:
    # Receives the prompt on stdin and must print {"outcome": "pass|fail", "reason": "..."}.
    command: ""
  claude:
    model: claude-3-5-sonnet-latest
    api_key_env: ANTHROPIC_API_KEY
  openai:
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY
  gemini:
    model: gemini-1.5-flash
    # project and location default to GOOGLE_CLOUD_PROJECT / GOOGLE_CLOUD_LOCATION.
`

const defaultGraphYAML = `# Asset types and the transitions between them. co_evolve marks edges whose
# two sides are iterated together (code↔unit_tests).
asset_types:
  - requirements
  - design
  - code
  - unit_tests
  - docs
transitions:
  - source: requirements
    target: design
  - source: design
    target: code
  - source: code
    target: unit_tests
    co_evolve: true
  - source: code
    target: docs
`

const standardProfileYAML = `profile: standard
description: Full feature delivery.
vector_types: [feature]
graph:
  include: all
`

const spikeProfileYAML = `profile: spike
description: Time-boxed investigation spawned from a stalled edge.
vector_types: [discovery, spike]
graph:
  include:
    - requirements→design
    - design→code
time_box:
  duration: 4h
`

const hotfixProfileYAML = `profile: hotfix
description: Minimal path for urgent fixes.
vector_types: [hotfix]
graph:
  include:
    - code↔unit_tests
  optional:
    - code→docs
time_box:
  duration: 2h
`

const defaultConstraintsYAML = `# Values referenced from checklists as $dotted.paths.
tools:
  test:
    command: go test ./...
  lint:
    command: go vet ./...
  coverage:
    command: go test -coverprofile=.converge/cover.out ./... > /dev/null && go tool cover -func=.converge/cover.out
thresholds:
  coverage: 80
`

const sampleEdgeYAML = `edge: code↔unit_tests
checklist:
  - name: tests-pass
    type: deterministic
    criterion: Unit tests pass.
    command: $tools.test.command
    pass_criterion: exit code 0
  - name: lint-clean
    type: deterministic
    criterion: Static analysis reports nothing.
    command: $tools.lint.command
  - name: coverage
    type: deterministic
    criterion: Statement coverage meets the threshold.
    command: $tools.coverage.command
    pass_criterion: coverage >= $thresholds.coverage%
    required: false
  - name: tests-meaningful
    type: agent
    criterion: Tests exercise the behaviour described in the design, not just the happy path.
    required: false
convergence:
  max_iterations: 5
  stall_window: 3
`

// InitDir creates the .converge workspace in projectDir and writes default
// documents that do not exist yet. It returns the files it created, relative
// to projectDir. Existing files are never overwritten.
//
// Structure created:
// .converge/
// ├── config.yaml
// ├── graph.yml
// ├── constraints.yml
// ├── profiles/     <- standard, spike, hotfix
// ├── edges/        <- one checklist per edge
// ├── features/     <- feature records (completed/ holds archives)
// ├── fold_back/    <- fold-back payloads per parent
// ├── events/       <- events.jsonl
// └── logs/
func InitDir(projectDir, project string) ([]string, error) {
	root := filepath.Join(projectDir, Dir)
	dirs := []string{
		filepath.Join(root, "profiles"),
		filepath.Join(root, "edges"),
		filepath.Join(root, "features", "completed"),
		filepath.Join(root, "fold_back"),
		filepath.Join(root, "events"),
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create %s: %w", dir, err)
		}
	}

	project = strings.TrimSpace(project)
	if project == "" {
		abs, err := filepath.Abs(projectDir)
		if err != nil {
			return nil, fmt.Errorf("config: resolve project dir: %w", err)
		}
		project = filepath.Base(abs)
	}
	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(root, "config.yaml"), fmt.Sprintf(defaultProjectConfigYAML, project)},
		{filepath.Join(root, "graph.yml"), defaultGraphYAML},
		{filepath.Join(root, "constraints.yml"), defaultConstraintsYAML},
		{filepath.Join(root, "profiles", "standard.yml"), standardProfileYAML},
		{filepath.Join(root, "profiles", "spike.yml"), spikeProfileYAML},
		{filepath.Join(root, "profiles", "hotfix.yml"), hotfixProfileYAML},
		{filepath.Join(root, "edges", "code_unit_tests.yml"), sampleEdgeYAML},
	}
	var created []string
	for _, file := range files {
		wrote, err := ensureFile(file.path, file.content)
		if err != nil {
			return created, err
		}
		if wrote {
			rel, err := filepath.Rel(projectDir, file.path)
			if err != nil {
				rel = file.path
			}
			created = append(created, rel)
		}
	}
	return created, nil
}

func ensureFile(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("config: write %s: %w", path, err)
	}
	return true, nil
}

// SetDefaultProvider records the agent provider used when --provider is not
// passed and persists it to config.yaml.
func (c *Config) SetDefaultProvider(name string) error {
	c.Project.Evaluators.Provider = strings.ToLower(strings.TrimSpace(name))
	return c.saveProjectConfig()
}
