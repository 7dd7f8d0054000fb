package verifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
)

func agreementWith(rules ...contracts.Rule) *contracts.Contract {
	c := &contracts.Contract{ID: "https://provider.example/agreements/9", Kind: contracts.KindAgreement, Consumer: consumer, Provider: provider}
	c.Group(rules)
	return c
}

func TestProvisionVerifier(t *testing.T) {
	f := newFixture(t)
	v := NewProvisionVerifier(f.decider, nil, Options{Clock: clock})
	ctx := context.Background()

	restricted := contracts.NewPermission(artifact,
		contracts.NewConstraint(contracts.LeftSystem, contracts.OpSameAs, consumer, contracts.TypeAnyURI))
	profileRule := contracts.NewPermission(artifact,
		contracts.NewConstraint(contracts.LeftSecurityLevel, contracts.OpEquals, string(contracts.TrustSecurityProfile), contracts.TypeSecurityProfile))
	trust := contracts.TrustSecurityProfile
	base := contracts.BaseSecurityProfile

	tests := []struct {
		name    string
		rules   []contracts.Rule
		issuer  string
		profile *contracts.SecurityProfile
		want    Result
	}{
		{"provide", []contracts.Rule{contracts.NewPermission(artifact)}, consumer, nil, Allowed},
		{"right connector", []contracts.Rule{restricted}, consumer, nil, Allowed},
		{"wrong connector", []contracts.Rule{restricted}, "https://intruder.example", nil, Denied},
		{"profile satisfied", []contracts.Rule{profileRule}, consumer, &trust, Allowed},
		{"profile missing", []contracts.Rule{profileRule}, consumer, nil, Denied},
		{"profile too weak", []contracts.Rule{profileRule}, consumer, &base, Denied},
		{"counting is consumer side", []contracts.Rule{countRule("0")}, consumer, nil, Allowed},
		{"prohibition not enforced here", []contracts.Rule{contracts.NewProhibition(artifact)}, consumer, nil, Allowed},
		{"unknown pattern", []contracts.Rule{unknownRule()}, consumer, nil, Denied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Verify(ctx, artifact, tt.issuer, agreementWith(tt.rules...), tt.profile))
		})
	}
}

func TestProvisionVerifier_External(t *testing.T) {
	f := newFixture(t)
	r := &stubRemote{allow: true}
	v := NewProvisionVerifier(f.decider, r, Options{Backend: pdp.BackendExternal, Clock: clock})
	trust := contracts.TrustSecurityProfile

	assert.Equal(t, Allowed, v.Verify(context.Background(), artifact, consumer, agreementWith(contracts.NewPermission(artifact)), &trust))
	assert.Equal(t, consumer, r.got.Principal)
	assert.Equal(t, string(trust), r.got.SecurityProfile)
}
