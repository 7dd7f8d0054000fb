package contracts

import (
	"sort"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/canonicalize"
)

// ruleContent is the negotiable part of a rule. Identifiers and the
// assigner/assignee stamps are excluded: building a request or an agreement
// changes them without changing what was agreed.
type ruleContent struct {
	Kind        RuleKind      `json:"type"`
	Action      Action        `json:"action"`
	Target      string        `json:"target,omitempty"`
	Constraints []Constraint  `json:"constraints,omitempty"`
	PostDuties  []ruleContent `json:"postDuties,omitempty"`
}

func contentOf(r Rule) ruleContent {
	rc := ruleContent{
		Kind:   r.Kind,
		Action: r.Action,
		Target: r.Target,
	}
	if len(r.Constraints) > 0 {
		rc.Constraints = append([]Constraint(nil), r.Constraints...)
		sort.SliceStable(rc.Constraints, func(i, j int) bool {
			a, b := rc.Constraints[i], rc.Constraints[j]
			if a.LeftOperand != b.LeftOperand {
				return a.LeftOperand < b.LeftOperand
			}
			if a.Operator != b.Operator {
				return a.Operator < b.Operator
			}
			return a.RightOperand.Value < b.RightOperand.Value
		})
	}
	for _, d := range r.PostDuties {
		rc.PostDuties = append(rc.PostDuties, contentOf(d))
	}
	return rc
}

// RuleContentHash returns a digest of the negotiable content of r.
func RuleContentHash(r Rule) (string, error) {
	return canonicalize.CanonicalHash(contentOf(r))
}

// RuleContentEqual reports whether a and b carry the same negotiable content.
func RuleContentEqual(a, b Rule) (bool, error) {
	return canonicalize.Equal(contentOf(a), contentOf(b))
}

// RulesEqual reports whether two rule collections are equal as multisets of
// rule content. Order is ignored; multiplicity is not.
func RulesEqual(a, b []Rule) (bool, error) {
	if len(a) != len(b) {
		return false, nil
	}
	counts := make(map[string]int, len(a))
	for _, r := range a {
		h, err := RuleContentHash(r)
		if err != nil {
			return false, err
		}
		counts[h]++
	}
	for _, r := range b {
		h, err := RuleContentHash(r)
		if err != nil {
			return false, err
		}
		if counts[h] == 0 {
			return false, nil
		}
		counts[h]--
	}
	return true, nil
}
