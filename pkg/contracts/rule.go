// Package contracts defines the usage-control data model shared by the
// connector core: rules and their constraints, contract offers, requests and
// agreements, and the persisted agreement record.
//
// The JSON form of these types is the wire representation consumed by the
// codec (see codec.go). Rule and contract values are treated as immutable
// once built; builders return copies.
package contracts

import (
	"strings"
)

// RuleKind is the closed set of rule types.
type RuleKind string

const (
	KindPermission  RuleKind = "ids:Permission"
	KindProhibition RuleKind = "ids:Prohibition"
	KindDuty        RuleKind = "ids:Duty"
)

// Valid reports whether k is one of the known rule kinds.
func (k RuleKind) Valid() bool {
	switch k {
	case KindPermission, KindProhibition, KindDuty:
		return true
	default:
		return false
	}
}

// Action is the action a rule governs.
type Action string

const (
	ActionUse    Action = "idsc:USE"
	ActionDelete Action = "idsc:DELETE"
	ActionLog    Action = "idsc:LOG"
	ActionNotify Action = "idsc:NOTIFY"
)

// LeftOperand is the closed vocabulary of constraint subjects.
type LeftOperand string

const (
	LeftCount                LeftOperand = "idsc:COUNT"
	LeftElapsedTime          LeftOperand = "idsc:ELAPSED_TIME"
	LeftPolicyEvaluationTime LeftOperand = "idsc:POLICY_EVALUATION_TIME"
	LeftEndpoint             LeftOperand = "idsc:ENDPOINT"
	LeftSystem               LeftOperand = "idsc:SYSTEM"
	LeftSecurityLevel        LeftOperand = "idsc:SECURITY_LEVEL"
)

// Operator relates a left operand to a right operand.
type Operator string

const (
	OpEquals         Operator = "idsc:EQUALS"
	OpLT             Operator = "idsc:LT"
	OpLTEQ           Operator = "idsc:LTEQ"
	OpGT             Operator = "idsc:GT"
	OpGTEQ           Operator = "idsc:GTEQ"
	OpAfter          Operator = "idsc:AFTER"
	OpBefore         Operator = "idsc:BEFORE"
	OpTemporalEquals Operator = "idsc:TEMPORAL_EQUALS"
	OpShorterEq      Operator = "idsc:SHORTER_EQ"
	OpSameAs         Operator = "idsc:SAME_AS"
	OpDefinesAs      Operator = "idsc:DEFINES_AS"
)

// OperandType tags the literal carried by a right operand.
type OperandType string

const (
	TypeDecimal         OperandType = "xsd:decimal"
	TypeDuration        OperandType = "xsd:duration"
	TypeDateTimeStamp   OperandType = "xsd:dateTimeStamp"
	TypeAnyURI          OperandType = "xsd:anyURI"
	TypeSecurityProfile OperandType = "ids:SecurityProfile"
)

// RightOperand is a typed literal carried as a string.
type RightOperand struct {
	Value string      `json:"@value"`
	Type  OperandType `json:"@type,omitempty"`
}

// Constraint restricts when a rule applies.
type Constraint struct {
	LeftOperand  LeftOperand  `json:"ids:leftOperand"`
	Operator     Operator     `json:"ids:operator"`
	RightOperand RightOperand `json:"ids:rightOperand"`
	PIPEndpoint  string       `json:"ids:pipEndpoint,omitempty"`
}

// SecurityProfile identifies a connector security profile.
type SecurityProfile string

const (
	BaseSecurityProfile      SecurityProfile = "idsc:BASE_SECURITY_PROFILE"
	TrustSecurityProfile     SecurityProfile = "idsc:TRUST_SECURITY_PROFILE"
	TrustPlusSecurityProfile SecurityProfile = "idsc:TRUST_PLUS_SECURITY_PROFILE"
)

func (p SecurityProfile) String() string { return string(p) }

// IsSecurityProfile reports whether value names a known security profile.
// Both the prefixed and the bare form are accepted.
func IsSecurityProfile(value string) bool {
	v := strings.TrimPrefix(strings.TrimSpace(value), "idsc:")
	switch "idsc:" + v {
	case string(BaseSecurityProfile), string(TrustSecurityProfile), string(TrustPlusSecurityProfile):
		return true
	default:
		return false
	}
}

// Rule is a permission, prohibition or duty.
type Rule struct {
	ID          string       `json:"@id,omitempty"`
	Kind        RuleKind     `json:"@type"`
	Action      Action       `json:"ids:action"`
	Constraints []Constraint `json:"ids:constraint,omitempty"`
	PostDuties  []Rule       `json:"ids:postDuty,omitempty"`
	Target      string       `json:"ids:target,omitempty"`
	Assigner    string       `json:"ids:assigner,omitempty"`
	Assignee    string       `json:"ids:assignee,omitempty"`
	Title       string       `json:"ids:title,omitempty"`
}

func (r Rule) IsPermission() bool  { return r.Kind == KindPermission }
func (r Rule) IsProhibition() bool { return r.Kind == KindProhibition }

// ConstraintsWith returns the constraints whose left operand is left, in order.
func (r Rule) ConstraintsWith(left LeftOperand) []Constraint {
	var out []Constraint
	for _, c := range r.Constraints {
		if c.LeftOperand == left {
			out = append(out, c)
		}
	}
	return out
}

// FirstConstraint returns the first constraint with the given left operand.
func (r Rule) FirstConstraint(left LeftOperand) (Constraint, bool) {
	for _, c := range r.Constraints {
		if c.LeftOperand == left {
			return c, true
		}
	}
	return Constraint{}, false
}

// PostDutyWith returns the first post-duty carrying action a.
func (r Rule) PostDutyWith(a Action) (Rule, bool) {
	for _, d := range r.PostDuties {
		if d.Action == a {
			return d, true
		}
	}
	return Rule{}, false
}

// Clone returns a deep copy of r.
func (r Rule) Clone() Rule {
	out := r
	if r.Constraints != nil {
		out.Constraints = append([]Constraint(nil), r.Constraints...)
	}
	if r.PostDuties != nil {
		out.PostDuties = make([]Rule, len(r.PostDuties))
		for i, d := range r.PostDuties {
			out.PostDuties[i] = d.Clone()
		}
	}
	return out
}

// NewConstraint builds a constraint with a typed right operand.
func NewConstraint(left LeftOperand, op Operator, value string, typ OperandType) Constraint {
	return Constraint{LeftOperand: left, Operator: op, RightOperand: RightOperand{Value: value, Type: typ}}
}

// NewPermission builds a use permission on target.
func NewPermission(target string, constraints ...Constraint) Rule {
	return Rule{Kind: KindPermission, Action: ActionUse, Target: target, Constraints: constraints}
}

// NewProhibition builds a use prohibition on target.
func NewProhibition(target string, constraints ...Constraint) Rule {
	return Rule{Kind: KindProhibition, Action: ActionUse, Target: target, Constraints: constraints}
}

// NewDuty builds a duty, typically attached as a post-duty.
func NewDuty(action Action, constraints ...Constraint) Rule {
	return Rule{Kind: KindDuty, Action: action, Constraints: constraints}
}
