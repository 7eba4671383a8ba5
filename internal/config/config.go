// internal/config/config.go
//
// This package handles configuration and the .converge directory structure.
// Every project that uses converge gets a .converge/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/converge/internal/provider"
	"github.com/kingrea/converge/internal/workflow"
)

const (
	// Dir is the name of the workspace directory created in each project.
	Dir = ".converge"

	defaultProfile              = "standard"
	defaultVectorType           = "discovery"
	defaultMaxIterations        = 5
	defaultStallWindow          = 3
	defaultDeterministicTimeout = 120 * time.Second
	defaultAgentTimeout         = 300 * time.Second
	defaultTimeBox              = 4 * time.Hour
)

// ErrNotInitialized is returned when the project has no .converge directory.
var ErrNotInitialized = errors.New("config: project not initialized (run converge init)")

// EvaluatorConfig sets evaluator defaults.
type EvaluatorConfig struct {
	DeterministicTimeout workflow.Duration `yaml:"deterministic_timeout,omitempty" validate:"gte=0"`
	AgentTimeout         workflow.Duration `yaml:"agent_timeout,omitempty" validate:"gte=0"`
	// Provider is the default agent provider. Empty disables agent checks
	// unless --provider is passed.
	Provider string `yaml:"provider,omitempty"`
}

// ConvergenceConfig sets the project-wide run-edge budget.
type ConvergenceConfig struct {
	MaxIterations int `yaml:"max_iterations" validate:"gte=1"`
	StallWindow   int `yaml:"stall_window" validate:"gte=1"`
}

// SpawnConfig sets defaults for spawned children.
type SpawnConfig struct {
	VectorType string            `yaml:"vector_type" validate:"required"`
	TimeBox    workflow.Duration `yaml:"time_box" validate:"gt=0"`
}

// ProviderConfig configures one agent provider. API keys come from the
// environment (or .env), never from this file.
type ProviderConfig struct {
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty" validate:"omitempty,url"`
	Command   string `yaml:"command,omitempty"`
	Project   string `yaml:"project,omitempty"`
	Location  string `yaml:"location,omitempty"`
	MaxTokens int64  `yaml:"max_tokens,omitempty" validate:"gte=0"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// ProjectConfig models .converge/config.yaml.
type ProjectConfig struct {
	Version        int                       `yaml:"version" validate:"gte=1"`
	Project        string                    `yaml:"project" validate:"required"`
	DefaultProfile string                    `yaml:"default_profile" validate:"required"`
	LogLevel       string                    `yaml:"log_level" validate:"oneof=debug info warn error"`
	Evaluators     EvaluatorConfig           `yaml:"evaluators"`
	Convergence    ConvergenceConfig         `yaml:"convergence"`
	Spawn          SpawnConfig               `yaml:"spawn"`
	Providers      map[string]ProviderConfig `yaml:"providers,omitempty" validate:"dive"`
}

// Config holds the runtime configuration for one project.
type Config struct {
	// ProjectDir is the directory converge was run from.
	ProjectDir string
	// Root is ProjectDir/.converge.
	Root    string
	Project ProjectConfig
}

var validate = validator.New()

// NewConfig loads .env and .converge/config.yaml for projectDir. A missing
// config file yields defaults; a missing .converge directory is an error.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		Root:       filepath.Join(abs, Dir),
		Project:    defaultProjectConfig(filepath.Base(abs)),
	}
	if info, err := os.Stat(cfg.Root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, cfg.Root)
	}
	loadEnvFile(abs)
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile reads <project>/.env without overriding variables already set
// in the environment.
func loadEnvFile(projectDir string) {
	path := filepath.Join(projectDir, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// EventsPath returns the event log location.
func (c *Config) EventsPath() string {
	return filepath.Join(c.Root, "events", "events.jsonl")
}

// EdgesDir returns the directory holding edge checklists.
func (c *Config) EdgesDir() string {
	return filepath.Join(c.Root, "edges")
}

// ProfilesDir returns the directory holding profiles.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.Root, "profiles")
}

// GraphPath returns the graph topology document.
func (c *Config) GraphPath() string {
	return filepath.Join(c.Root, "graph.yml")
}

// ConstraintsPath returns the constraints document.
func (c *Config) ConstraintsPath() string {
	return filepath.Join(c.Root, "constraints.yml")
}

// FeaturesDir returns the feature record directory.
func (c *Config) FeaturesDir() string {
	return filepath.Join(c.Root, "features")
}

// FoldBackDir returns where fold-back payloads are written.
func (c *Config) FoldBackDir() string {
	return filepath.Join(c.Root, "fold_back")
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Root, "logs")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.Root, "config.yaml")
}

// ProjectName returns the project recorded on every event.
func (c *Config) ProjectName() string {
	return c.Project.Project
}

// DeterministicTimeout returns the subprocess budget per deterministic check.
func (c *Config) DeterministicTimeout() time.Duration {
	return c.Project.Evaluators.DeterministicTimeout.Std()
}

// AgentTimeout returns the budget per agent provider call.
func (c *Config) AgentTimeout() time.Duration {
	return c.Project.Evaluators.AgentTimeout.Std()
}

// Provider returns the configuration for a named provider.
func (c *Config) Provider(name string) ProviderConfig {
	return c.Project.Providers[strings.ToLower(strings.TrimSpace(name))]
}

// ProviderNames returns the configured provider names, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Project.Providers))
	for name := range c.Project.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := ProjectConfig{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults(filepath.Base(c.ProjectDir))
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig(project string) ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults(project)
	return pc
}

func (pc *ProjectConfig) applyDefaults(project string) {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Project) == "" {
		pc.Project = project
	}
	if strings.TrimSpace(pc.DefaultProfile) == "" {
		pc.DefaultProfile = defaultProfile
	}
	if strings.TrimSpace(pc.LogLevel) == "" {
		pc.LogLevel = "info"
	}
	if pc.Evaluators.DeterministicTimeout == 0 {
		pc.Evaluators.DeterministicTimeout = workflow.Duration(defaultDeterministicTimeout)
	}
	if pc.Evaluators.AgentTimeout == 0 {
		pc.Evaluators.AgentTimeout = workflow.Duration(defaultAgentTimeout)
	}
	if pc.Convergence.MaxIterations == 0 {
		pc.Convergence.MaxIterations = defaultMaxIterations
	}
	if pc.Convergence.StallWindow == 0 {
		pc.Convergence.StallWindow = defaultStallWindow
	}
	if strings.TrimSpace(pc.Spawn.VectorType) == "" {
		pc.Spawn.VectorType = defaultVectorType
	}
	if pc.Spawn.TimeBox == 0 {
		pc.Spawn.TimeBox = workflow.Duration(defaultTimeBox)
	}
	if pc.Providers == nil {
		pc.Providers = map[string]ProviderConfig{}
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Project = strings.TrimSpace(pc.Project)
	pc.DefaultProfile = strings.TrimSpace(pc.DefaultProfile)
	pc.LogLevel = strings.ToLower(strings.TrimSpace(pc.LogLevel))
	pc.Evaluators.Provider = strings.ToLower(strings.TrimSpace(pc.Evaluators.Provider))
	pc.Spawn.VectorType = strings.ToLower(strings.TrimSpace(pc.Spawn.VectorType))
	providers := make(map[string]ProviderConfig, len(pc.Providers))
	for name, p := range pc.Providers {
		p.Model = strings.TrimSpace(p.Model)
		p.BaseURL = strings.TrimSpace(p.BaseURL)
		p.Command = strings.TrimSpace(p.Command)
		providers[strings.ToLower(strings.TrimSpace(name))] = p
	}
	pc.Providers = providers
}

func (pc *ProjectConfig) validate() error {
	if err := validate.Struct(pc); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			return describeValidation(invalid)
		}
		return err
	}
	if name := pc.Evaluators.Provider; name != "" {
		if err := provider.Builtin().Validate(name); err != nil {
			return fmt.Errorf("evaluators.provider: %w", err)
		}
	}
	return nil
}

// describeValidation turns validator errors into yaml-path messages.
func describeValidation(errs validator.ValidationErrors) error {
	messages := make([]string, 0, len(errs))
	for _, fe := range errs {
		messages = append(messages, fmt.Sprintf("%s fails %q (got %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(messages, "; "))
}

func fieldPath(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		namespace = namespace[idx+1:]
	}
	return strings.ToLower(namespace)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults(filepath.Base(c.ProjectDir))
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", Dir, err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
