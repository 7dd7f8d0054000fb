package contracts

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ModelVersion is the information-model version stamped on built contracts.
const ModelVersion = "4.2.7"

// ErrConstraintViolation is returned when a built contract violates the
// structural constraints of the information model.
var ErrConstraintViolation = errors.New("contracts: constraint violation")

// ContractKind distinguishes offers, requests and agreements.
type ContractKind string

const (
	KindOffer     ContractKind = "ids:ContractOffer"
	KindRequest   ContractKind = "ids:ContractRequest"
	KindAgreement ContractKind = "ids:ContractAgreement"
)

// Contract is a contract offer, request or agreement.
type Contract struct {
	ID           string       `json:"@id,omitempty"`
	Kind         ContractKind `json:"@type"`
	ModelVersion string       `json:"ids:modelVersion,omitempty"`
	Consumer     string       `json:"ids:consumer,omitempty"`
	Provider     string       `json:"ids:provider,omitempty"`
	Start        time.Time    `json:"ids:contractStart"`
	End          time.Time    `json:"ids:contractEnd"`
	Date         time.Time    `json:"ids:contractDate"`
	Permissions  []Rule       `json:"ids:permission,omitempty"`
	Prohibitions []Rule       `json:"ids:prohibition,omitempty"`
	Obligations  []Rule       `json:"ids:obligation,omitempty"`
}

// Rules returns permissions, prohibitions and obligations in that order.
func (c *Contract) Rules() []Rule {
	out := make([]Rule, 0, len(c.Permissions)+len(c.Prohibitions)+len(c.Obligations))
	out = append(out, c.Permissions...)
	out = append(out, c.Prohibitions...)
	out = append(out, c.Obligations...)
	return out
}

// RulesForTarget returns the rules governing target.
func (c *Contract) RulesForTarget(target string) []Rule {
	var out []Rule
	for _, r := range c.Rules() {
		if r.Target == target {
			out = append(out, r)
		}
	}
	return out
}

// Group sorts rules into a contract's permission, prohibition and obligation
// lists, preserving their relative order.
func (c *Contract) Group(rules []Rule) {
	c.Permissions, c.Prohibitions, c.Obligations = nil, nil, nil
	for _, r := range rules {
		switch r.Kind {
		case KindPermission:
			c.Permissions = append(c.Permissions, r)
		case KindProhibition:
			c.Prohibitions = append(c.Prohibitions, r)
		case KindDuty:
			c.Obligations = append(c.Obligations, r)
		}
	}
}

// Validate checks the structural constraints of the contract.
func (c *Contract) Validate() error {
	switch c.Kind {
	case KindOffer, KindRequest, KindAgreement:
	default:
		return fmt.Errorf("%w: unknown contract type %q", ErrConstraintViolation, c.Kind)
	}
	if len(c.Rules()) == 0 {
		return fmt.Errorf("%w: contract has no rules", ErrConstraintViolation)
	}
	if !c.Start.IsZero() && !c.End.IsZero() && !c.End.After(c.Start) {
		return fmt.Errorf("%w: contract end %s is not after start %s",
			ErrConstraintViolation, c.End.Format(time.RFC3339), c.Start.Format(time.RFC3339))
	}
	if c.Kind == KindAgreement {
		if c.ID == "" {
			return fmt.Errorf("%w: agreement has no identifier", ErrConstraintViolation)
		}
		if c.Consumer == "" || c.Provider == "" {
			return fmt.Errorf("%w: agreement requires consumer and provider", ErrConstraintViolation)
		}
	}
	for _, group := range []struct {
		kind  RuleKind
		rules []Rule
	}{
		{KindPermission, c.Permissions},
		{KindProhibition, c.Prohibitions},
		{KindDuty, c.Obligations},
	} {
		for i, r := range group.rules {
			if r.Kind != group.kind {
				return fmt.Errorf("%w: %s[%d] has type %q", ErrConstraintViolation, group.kind, i, r.Kind)
			}
			if err := validateRule(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRule(r Rule) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrConstraintViolation, r.Kind)
	}
	if r.Action == "" {
		return fmt.Errorf("%w: rule %q has no action", ErrConstraintViolation, r.ID)
	}
	if (r.Kind == KindPermission || r.Kind == KindProhibition) && r.Action != ActionUse {
		return fmt.Errorf("%w: rule %q action must be %s, got %s", ErrConstraintViolation, r.ID, ActionUse, r.Action)
	}
	for i, c := range r.Constraints {
		if c.LeftOperand == "" || c.Operator == "" || c.RightOperand.Value == "" {
			return fmt.Errorf("%w: rule %q constraint %d is incomplete", ErrConstraintViolation, r.ID, i)
		}
	}
	for _, d := range r.PostDuties {
		if d.Kind != KindDuty {
			return fmt.Errorf("%w: post-duty of rule %q has type %q", ErrConstraintViolation, r.ID, d.Kind)
		}
		if err := validateRule(d); err != nil {
			return err
		}
	}
	return nil
}

// ValidIdentity reports whether id is an absolute URI usable as a connector
// identity.
func ValidIdentity(id string) bool {
	if id == "" {
		return false
	}
	u, err := url.Parse(id)
	if err != nil {
		return false
	}
	return u.IsAbs()
}

// AgreementRecord is the persisted form of an agreement.
type AgreementRecord struct {
	ID        string
	Value     string // serialized agreement, passed through unchanged
	Confirmed bool
	End       time.Time
	Consumer  string
	Artifacts []string
	CreatedAt time.Time
}

// HasArtifact reports whether artifactID is linked to the agreement.
func (a *AgreementRecord) HasArtifact(artifactID string) bool {
	for _, id := range a.Artifacts {
		if id == artifactID {
			return true
		}
	}
	return false
}
