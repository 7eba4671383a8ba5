package workflow

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named ordering of edges plus evaluator defaults for a class of
// tasks (standard feature, spike, hotfix, ...).
type Profile struct {
	Name        string            `yaml:"profile" json:"profile"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Graph       ProfileGraph      `yaml:"graph" json:"graph"`
	Evaluators  map[string]string `yaml:"evaluators,omitempty" json:"evaluators,omitempty"`
	VectorTypes []string          `yaml:"vector_types,omitempty" json:"vector_types,omitempty"`
	TimeBox     TimeBoxConfig     `yaml:"time_box,omitempty" json:"time_box,omitempty"`
}

// ProfileGraph selects the edges a profile traverses.
type ProfileGraph struct {
	Include  EdgeSelector `yaml:"include" json:"include"`
	Optional []string     `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// EdgeSelector is either an explicit list of edge names or "all".
type EdgeSelector struct {
	All   bool
	Edges []string
}

// UnmarshalYAML accepts `include: all` or `include: [a→b, ...]`.
func (s *EdgeSelector) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if strings.EqualFold(strings.TrimSpace(value.Value), "all") {
			*s = EdgeSelector{All: true}
			return nil
		}
		return fmt.Errorf("include must be a list of edges or \"all\", got %q", value.Value)
	case yaml.SequenceNode:
		var edges []string
		if err := value.Decode(&edges); err != nil {
			return err
		}
		*s = EdgeSelector{Edges: edges}
		return nil
	default:
		return fmt.Errorf("include must be a list of edges or \"all\"")
	}
}

// MarshalYAML mirrors UnmarshalYAML.
func (s EdgeSelector) MarshalYAML() (any, error) {
	if s.All {
		return "all", nil
	}
	return s.Edges, nil
}

// TimeBoxConfig sets the default time-box applied to tasks on this profile.
type TimeBoxConfig struct {
	Enabled  *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Duration Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// IsEnabled defaults to true when a duration is configured.
func (c TimeBoxConfig) IsEnabled() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return c.Duration > 0
}

// EdgePlan is a profile expanded against the topology.
type EdgePlan struct {
	Include  []Edge
	Optional []Edge
}

// Plan resolves the profile's edge lists against the topology. Edges that are
// not declared in the graph are rejected.
func (p Profile) Plan(topology Topology) (EdgePlan, error) {
	var plan EdgePlan
	if p.Graph.Include.All {
		plan.Include = topology.Edges()
	} else {
		for _, name := range p.Graph.Include.Edges {
			edge, ok := topology.Lookup(name)
			if !ok {
				return EdgePlan{}, fmt.Errorf("workflow: profile %s includes undeclared edge %q", p.Name, name)
			}
			plan.Include = append(plan.Include, edge)
		}
	}
	for _, name := range p.Graph.Optional {
		edge, ok := topology.Lookup(name)
		if !ok {
			return EdgePlan{}, fmt.Errorf("workflow: profile %s marks undeclared edge %q optional", p.Name, name)
		}
		plan.Optional = append(plan.Optional, edge)
	}
	return plan, nil
}

// Weight approximates how heavy a profile is; lighter profiles are preferred
// for spawned investigations.
func (p Profile) Weight(topology Topology) int {
	if p.Graph.Include.All {
		return len(topology.Transitions)
	}
	return len(p.Graph.Include.Edges)
}

// ServesVectorType reports whether the profile lists the vector type.
func (p Profile) ServesVectorType(vectorType string) bool {
	for _, vt := range p.VectorTypes {
		if strings.EqualFold(strings.TrimSpace(vt), vectorType) {
			return true
		}
	}
	return false
}

// Validate checks the profile document.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("workflow: profile name is required")
	}
	if !p.Graph.Include.All && len(p.Graph.Include.Edges) == 0 {
		return fmt.Errorf("workflow: profile %s includes no edges", p.Name)
	}
	if p.TimeBox.Duration < 0 {
		return fmt.Errorf("workflow: profile %s time_box.duration must be >= 0", p.Name)
	}
	return nil
}

// Duration is a time.Duration that reads and writes "90s"-style strings.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML accepts Go duration strings or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if value.Tag == "!!int" {
		var seconds int64
		if err := value.Decode(&seconds); err != nil {
			return err
		}
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalText lets JSON encoders write the string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses the string form.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
