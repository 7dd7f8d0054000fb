//go:build property
// +build property

package pdp

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

var leftOperands = []contracts.LeftOperand{
	contracts.LeftCount,
	contracts.LeftElapsedTime,
	contracts.LeftPolicyEvaluationTime,
	contracts.LeftEndpoint,
	contracts.LeftSystem,
	contracts.LeftSecurityLevel,
}

// genConstraints draws constraints over the whole left-operand vocabulary.
// Values alternate between a security profile and a plain literal so the
// profile shape is reachable.
func genConstraints() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 2*len(leftOperands)-1)).Map(func(seeds []int) []contracts.Constraint {
		out := make([]contracts.Constraint, len(seeds))
		for i, s := range seeds {
			value := "5"
			if s%2 == 1 {
				value = string(contracts.BaseSecurityProfile)
			}
			out[i] = contracts.NewConstraint(leftOperands[s/2], contracts.OpEquals, value, "")
		}
		return out
	})
}

// TestClassifyProhibitionAlwaysProhibits: any prohibition classifies as
// PROHIBIT_ACCESS, whatever its constraints.
func TestClassifyProhibitionAlwaysProhibits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("prohibitions are PROHIBIT_ACCESS", prop.ForAll(
		func(cs []contracts.Constraint, hasDuty bool) bool {
			r := contracts.NewProhibition(target, cs...)
			if hasDuty {
				r.PostDuties = []contracts.Rule{contracts.NewDuty(contracts.ActionLog)}
			}
			p, err := Classify(r)
			return err == nil && p == ProhibitAccess
		},
		genConstraints(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestClassifyBarePermissionProvides: a permission with no constraints and
// no post-duties is PROVIDE_ACCESS for any target.
func TestClassifyBarePermissionProvides(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("bare permissions are PROVIDE_ACCESS", prop.ForAll(
		func(tgt string) bool {
			p, err := Classify(contracts.NewPermission(tgt))
			return err == nil && p == ProvideAccess
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestClassifyIsTotal: every rule gets exactly one pattern or the unknown
// outcome, never both and never an undefined value.
func TestClassifyIsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("classification is total", prop.ForAll(
		func(cs []contracts.Constraint) bool {
			p, err := Classify(contracts.NewPermission(target, cs...))
			if err != nil {
				return IsUnknownPattern(err) && p == 0
			}
			return p.Valid()
		},
		genConstraints(),
	))

	properties.TestingRun(t)
}
