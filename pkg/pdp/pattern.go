package pdp

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

// ErrUnknownPattern is returned by Classify for a rule shape outside the
// closed pattern set.
var ErrUnknownPattern = errors.New("pdp: unknown policy pattern")

// PolicyPattern names the usage-control shape of a rule. The zero value is
// not a pattern.
type PolicyPattern int

const (
	ProvideAccess PolicyPattern = iota + 1
	ProhibitAccess
	UsageDuringInterval
	UsageUntilDeletion
	DurationUsage
	NTimesUsage
	UsageLogging
	UsageNotification
	ConnectorRestrictedUsage
	SecurityProfileRestrictedUsage
)

var patternNames = map[PolicyPattern]string{
	ProvideAccess:                  "PROVIDE_ACCESS",
	ProhibitAccess:                 "PROHIBIT_ACCESS",
	UsageDuringInterval:            "USAGE_DURING_INTERVAL",
	UsageUntilDeletion:             "USAGE_UNTIL_DELETION",
	DurationUsage:                  "DURATION_USAGE",
	NTimesUsage:                    "N_TIMES_USAGE",
	UsageLogging:                   "USAGE_LOGGING",
	UsageNotification:              "USAGE_NOTIFICATION",
	ConnectorRestrictedUsage:       "CONNECTOR_RESTRICTED_USAGE",
	SecurityProfileRestrictedUsage: "SECURITY_PROFILE_RESTRICTED_USAGE",
}

func (p PolicyPattern) String() string {
	if name, ok := patternNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PolicyPattern(%d)", int(p))
}

// Valid reports whether p is one of the defined patterns.
func (p PolicyPattern) Valid() bool {
	_, ok := patternNames[p]
	return ok
}

// Patterns returns every defined pattern in declaration order.
func Patterns() []PolicyPattern {
	out := make([]PolicyPattern, 0, len(patternNames))
	for p := ProvideAccess; p <= SecurityProfileRestrictedUsage; p++ {
		out = append(out, p)
	}
	return out
}

// Classify maps a rule to exactly one pattern. Shapes are tested in a fixed
// priority order and the first match wins, so a rule that happens to satisfy
// an earlier shape is classified by it.
func Classify(r contracts.Rule) (PolicyPattern, error) {
	cs := r.Constraints
	duties := r.PostDuties

	switch {
	case r.IsProhibition():
		return ProhibitAccess, nil
	case len(cs) == 0 && len(duties) == 0:
		return ProvideAccess, nil
	case len(cs) == 1 && cs[0].LeftOperand == contracts.LeftCount:
		return NTimesUsage, nil
	case len(cs) == 1 && cs[0].LeftOperand == contracts.LeftElapsedTime:
		return DurationUsage, nil
	case isEvaluationWindow(cs) && len(duties) == 0:
		return UsageDuringInterval, nil
	case isEvaluationWindow(cs) && len(duties) == 1 && duties[0].Action == contracts.ActionDelete:
		return UsageUntilDeletion, nil
	case len(cs) == 0 && len(duties) == 1 && duties[0].Action == contracts.ActionLog:
		return UsageLogging, nil
	case len(cs) == 0 && len(duties) == 1 && duties[0].Action == contracts.ActionNotify && hasEndpoint(duties[0]):
		return UsageNotification, nil
	case len(cs) == 1 && cs[0].LeftOperand == contracts.LeftSystem:
		return ConnectorRestrictedUsage, nil
	case len(cs) == 1 && namesSecurityProfile(cs[0]):
		return SecurityProfileRestrictedUsage, nil
	}
	return 0, fmt.Errorf("%w: %s with %d constraint(s) and %d post-duty(ies)",
		ErrUnknownPattern, r.Kind, len(cs), len(duties))
}

func isEvaluationWindow(cs []contracts.Constraint) bool {
	return len(cs) == 2 &&
		cs[0].LeftOperand == contracts.LeftPolicyEvaluationTime &&
		cs[1].LeftOperand == contracts.LeftPolicyEvaluationTime
}

func hasEndpoint(duty contracts.Rule) bool {
	_, ok := duty.FirstConstraint(contracts.LeftEndpoint)
	return ok
}

func namesSecurityProfile(c contracts.Constraint) bool {
	return c.RightOperand.Type == contracts.TypeSecurityProfile || contracts.IsSecurityProfile(c.RightOperand.Value)
}
