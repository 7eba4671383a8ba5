package workflow

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// CheckType names the evaluator category a checklist entry is dispatched to.
type CheckType string

const (
	CheckTypeDeterministic CheckType = "deterministic"
	CheckTypeAgent         CheckType = "agent"
	CheckTypeHuman         CheckType = "human"
)

// Valid reports whether the check type is one of the known categories.
func (t CheckType) Valid() bool {
	switch t {
	case CheckTypeDeterministic, CheckTypeAgent, CheckTypeHuman:
		return true
	}
	return false
}

var (
	// ErrEdgeConfigNotFound is returned when no checklist file exists for an edge.
	ErrEdgeConfigNotFound = errors.New("workflow: edge config not found")
	// ErrMissingChecklist is returned when an edge config has no checklist key.
	ErrMissingChecklist = errors.New("workflow: edge config has no checklist")
)

// EdgeConfig is the checklist document attached to one edge.
type EdgeConfig struct {
	Edge        string            `yaml:"edge,omitempty" json:"edge,omitempty"`
	Checklist   []CheckDefinition `yaml:"checklist" json:"checklist"`
	Convergence ConvergencePolicy `yaml:"convergence,omitempty" json:"convergence,omitempty"`
}

// ConvergencePolicy bounds the run-edge loop for an edge. Zero values defer
// to the project configuration.
type ConvergencePolicy struct {
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	StallWindow   int `yaml:"stall_window,omitempty" json:"stall_window,omitempty"`
}

// CheckDefinition is one raw checklist entry before variable resolution.
type CheckDefinition struct {
	Name           string       `yaml:"name" json:"name"`
	Type           CheckType    `yaml:"type" json:"type"`
	Criterion      string       `yaml:"criterion" json:"criterion"`
	Required       RequiredSpec `yaml:"required,omitempty" json:"required,omitempty"`
	Command        string       `yaml:"command,omitempty" json:"command,omitempty"`
	PassCriterion  string       `yaml:"pass_criterion,omitempty" json:"pass_criterion,omitempty"`
	FunctionalUnit string       `yaml:"functional_unit,omitempty" json:"functional_unit,omitempty"`
	Source         string       `yaml:"source,omitempty" json:"source,omitempty"`
}

// RequiredSpec captures the raw `required` field, which may be a YAML bool or
// a placeholder string such as "$policy.strict".
type RequiredSpec struct {
	Raw string
	Set bool
}

// Required builds a literal RequiredSpec.
func Required(value bool) RequiredSpec {
	if value {
		return RequiredSpec{Raw: "true", Set: true}
	}
	return RequiredSpec{Raw: "false", Set: true}
}

// RequiredExpr builds a RequiredSpec from an unresolved expression.
func RequiredExpr(expr string) RequiredSpec {
	return RequiredSpec{Raw: expr, Set: true}
}

// UnmarshalYAML accepts scalars only.
func (r *RequiredSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("required must be a boolean or string, got %s", nodeKind(value))
	}
	if value.Tag == "!!null" {
		*r = RequiredSpec{}
		return nil
	}
	*r = RequiredSpec{Raw: value.Value, Set: true}
	return nil
}

// MarshalYAML writes literal booleans back as booleans.
func (r RequiredSpec) MarshalYAML() (any, error) {
	if !r.Set {
		return nil, nil
	}
	switch r.Raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return r.Raw, nil
}

// IsZero lets omitempty drop unset specs.
func (r RequiredSpec) IsZero() bool {
	return !r.Set
}

// Validate checks the structural requirements of an edge config.
func (cfg EdgeConfig) Validate() error {
	if cfg.Checklist == nil {
		return ErrMissingChecklist
	}
	seen := make(map[string]struct{}, len(cfg.Checklist))
	for idx, def := range cfg.Checklist {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("checklist[%d]: %w", idx, err)
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("checklist[%d]: duplicate check name %q", idx, def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	if cfg.Convergence.MaxIterations < 0 {
		return fmt.Errorf("convergence.max_iterations must be >= 0")
	}
	if cfg.Convergence.StallWindow < 0 {
		return fmt.Errorf("convergence.stall_window must be >= 0")
	}
	return nil
}

// Validate checks a single checklist entry.
func (def CheckDefinition) Validate() error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !def.Type.Valid() {
		return fmt.Errorf("check %s: type must be deterministic, agent or human (got %q)", def.Name, def.Type)
	}
	return nil
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	default:
		return "node"
	}
}
