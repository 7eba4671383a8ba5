package workflow

import (
	"fmt"
	"strings"
)

// Topology declares every legal edge between asset types.
type Topology struct {
	AssetTypes  []string     `yaml:"asset_types" json:"asset_types"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`
}

// Transition is one edge declaration inside graph.yml.
type Transition struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	CoEvolve bool   `yaml:"co_evolve,omitempty" json:"co_evolve,omitempty"`
}

// Edge converts the declaration into an Edge value.
func (t Transition) Edge() Edge {
	return Edge{
		Source:      strings.TrimSpace(t.Source),
		Target:      strings.TrimSpace(t.Target),
		CoEvolution: t.CoEvolve,
	}
}

// Edges returns the declared edges in declaration order.
func (t Topology) Edges() []Edge {
	out := make([]Edge, 0, len(t.Transitions))
	for _, tr := range t.Transitions {
		out = append(out, tr.Edge())
	}
	return out
}

// Lookup finds a declared edge by (canonicalised) name.
func (t Topology) Lookup(name string) (Edge, bool) {
	canonical := CanonicalEdgeName(name)
	for _, edge := range t.Edges() {
		if edge.String() == canonical {
			return edge, true
		}
	}
	return Edge{}, false
}

// Validate ensures transitions only reference declared asset types.
func (t Topology) Validate() error {
	if len(t.AssetTypes) == 0 {
		return fmt.Errorf("workflow: graph declares no asset types")
	}
	known := make(map[string]struct{}, len(t.AssetTypes))
	for _, asset := range t.AssetTypes {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			return fmt.Errorf("workflow: graph has an empty asset type")
		}
		known[asset] = struct{}{}
	}
	seen := map[string]struct{}{}
	for idx, tr := range t.Transitions {
		edge := tr.Edge()
		if _, ok := known[edge.Source]; !ok {
			return fmt.Errorf("workflow: transitions[%d] source %q is not a declared asset type", idx, edge.Source)
		}
		if _, ok := known[edge.Target]; !ok {
			return fmt.Errorf("workflow: transitions[%d] target %q is not a declared asset type", idx, edge.Target)
		}
		name := edge.String()
		if _, dup := seen[name]; dup {
			return fmt.Errorf("workflow: duplicate transition %s", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
