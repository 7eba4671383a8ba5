package workflow

import (
	"fmt"
	"strings"
)

// Arrow glyphs used in canonical edge names.
const (
	ArrowForward  = "→"
	ArrowCoEvolve = "↔"
)

// Edge is a transition between two asset types in the graph topology.
type Edge struct {
	Source string
	Target string
	// CoEvolution marks an A↔B edge where both sides are iterated together.
	CoEvolution bool
}

// ParseEdge reads arrow notation ("design→code", "code↔unit_tests") into an
// Edge. ASCII "->" and "<->" are accepted and canonicalised.
func ParseEdge(name string) (Edge, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Edge{}, fmt.Errorf("workflow: edge name is required")
	}
	for _, candidate := range []struct {
		arrow string
		coevo bool
	}{
		{ArrowCoEvolve, true},
		{"<->", true},
		{ArrowForward, false},
		{"->", false},
	} {
		idx := strings.Index(trimmed, candidate.arrow)
		if idx < 0 {
			continue
		}
		source := strings.TrimSpace(trimmed[:idx])
		target := strings.TrimSpace(trimmed[idx+len(candidate.arrow):])
		if source == "" || target == "" {
			return Edge{}, fmt.Errorf("workflow: edge %q must name both sides", name)
		}
		if strings.ContainsAny(target, "→↔") || strings.Contains(target, "->") {
			return Edge{}, fmt.Errorf("workflow: edge %q has more than one arrow", name)
		}
		return Edge{Source: source, Target: target, CoEvolution: candidate.coevo}, nil
	}
	return Edge{}, fmt.Errorf("workflow: edge %q has no arrow (expected → or ↔)", name)
}

// MustParseEdge panics when the edge name is malformed. Intended for
// package-level fixtures.
func MustParseEdge(name string) Edge {
	edge, err := ParseEdge(name)
	if err != nil {
		panic(err)
	}
	return edge
}

// String renders the canonical arrow notation.
func (e Edge) String() string {
	if e.CoEvolution {
		return e.Source + ArrowCoEvolve + e.Target
	}
	return e.Source + ArrowForward + e.Target
}

// TrajectoryKeys maps the edge onto feature trajectory keys. A forward edge is
// tracked under its target asset; a co-evolution edge under both sides.
func (e Edge) TrajectoryKeys() []string {
	if e.CoEvolution {
		return []string{e.Source, e.Target}
	}
	return []string{e.Target}
}

// Slug is the file-system friendly form used for edge configuration files.
func (e Edge) Slug() string {
	return slugPart(e.Source) + "_" + slugPart(e.Target)
}

// CanonicalEdgeName normalises arrow notation, returning the input unchanged
// when it cannot be parsed.
func CanonicalEdgeName(name string) string {
	edge, err := ParseEdge(name)
	if err != nil {
		return strings.TrimSpace(name)
	}
	return edge.String()
}

func slugPart(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r == '-' || r == ' ' || r == '.':
			return '_'
		default:
			return -1
		}
	}, value)
}
