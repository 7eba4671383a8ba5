package resolver

import (
	"strings"

	"github.com/kingrea/converge/internal/workflow"
)

// ResolvedCheck is a checklist entry with every placeholder substituted. It is
// built once per resolution and treated as immutable afterwards.
type ResolvedCheck struct {
	Name           string             `json:"name"`
	CheckType      workflow.CheckType `json:"check_type"`
	Criterion      string             `json:"criterion"`
	Required       bool               `json:"required"`
	Command        string             `json:"command,omitempty"`
	PassCriterion  string             `json:"pass_criterion,omitempty"`
	FunctionalUnit string             `json:"functional_unit,omitempty"`
	Source         string             `json:"source,omitempty"`
	// Unresolved lists placeholders that could not be substituted in any of
	// the resolved fields.
	Unresolved []string `json:"unresolved,omitempty"`
}

// HasUnresolved reports whether any placeholder failed to resolve.
func (c ResolvedCheck) HasUnresolved() bool {
	return len(c.Unresolved) > 0
}

// ResolveChecklist turns raw checklist entries into resolved checks, keeping
// checklist order. Nothing is executed.
func ResolveChecklist(defs []workflow.CheckDefinition, constraints map[string]any) []ResolvedCheck {
	if len(defs) == 0 {
		return []ResolvedCheck{}
	}
	out := make([]ResolvedCheck, 0, len(defs))
	for _, def := range defs {
		out = append(out, ResolveCheck(def, constraints))
	}
	return out
}

// ResolveCheck resolves a single checklist entry.
func ResolveCheck(def workflow.CheckDefinition, constraints map[string]any) ResolvedCheck {
	var unresolved unresolvedSet
	criterion, missing := ResolveVariables(def.Criterion, constraints)
	unresolved.add(missing)
	command, missing := ResolveVariables(def.Command, constraints)
	unresolved.add(missing)
	passCriterion, missing := ResolveVariables(def.PassCriterion, constraints)
	unresolved.add(missing)
	required, missing := ResolveRequired(def.Required, constraints)
	unresolved.add(missing)
	return ResolvedCheck{
		Name:           strings.TrimSpace(def.Name),
		CheckType:      def.Type,
		Criterion:      criterion,
		Required:       required,
		Command:        strings.TrimSpace(command),
		PassCriterion:  passCriterion,
		FunctionalUnit: def.FunctionalUnit,
		Source:         def.Source,
		Unresolved:     unresolved.values,
	}
}

// ResolveRequired evaluates the `required` field. An absent value means
// required; a literal or resolved value is true only for true/1/yes. An
// unresolved placeholder falls back to false.
func ResolveRequired(spec workflow.RequiredSpec, constraints map[string]any) (bool, []string) {
	if !spec.Set {
		return true, nil
	}
	resolved, missing := ResolveVariables(spec.Raw, constraints)
	if len(missing) > 0 {
		return false, missing
	}
	return IsTruthy(resolved), nil
}

type unresolvedSet struct {
	values []string
	seen   map[string]struct{}
}

func (s *unresolvedSet) add(values []string) {
	for _, value := range values {
		if s.seen == nil {
			s.seen = map[string]struct{}{}
		}
		if _, ok := s.seen[value]; ok {
			continue
		}
		s.seen[value] = struct{}{}
		s.values = append(s.values, value)
	}
}
