package pdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		rule contracts.Rule
		want PolicyPattern
	}{
		{"provide access", contracts.NewPermission(target), ProvideAccess},
		{"prohibition", contracts.NewProhibition(target), ProhibitAccess},
		{"prohibition with constraints", contracts.NewProhibition(target, pet(contracts.OpAfter, "2020-01-01T00:00:00Z")), ProhibitAccess},
		{"n times", countRule(contracts.OpLTEQ, "5"), NTimesUsage},
		{"duration", durationRule("PT4H"), DurationUsage},
		{"interval", intervalRule("2020-01-01T00:00:00Z", "2030-01-01T00:00:00Z"), UsageDuringInterval},
		{
			"until deletion",
			withDuty(intervalRule("2020-01-01T00:00:00Z", "2030-01-01T00:00:00Z"),
				contracts.NewDuty(contracts.ActionDelete, pet(contracts.OpTemporalEquals, "2030-01-02T00:00:00Z"))),
			UsageUntilDeletion,
		},
		{"logging", withDuty(contracts.NewPermission(target), contracts.NewDuty(contracts.ActionLog)), UsageLogging},
		{"notification", withDuty(contracts.NewPermission(target), notifyDuty("https://consumer.example/notify")), UsageNotification},
		{
			"connector restricted",
			contracts.NewPermission(target, contracts.NewConstraint(contracts.LeftSystem, contracts.OpSameAs, consumer, contracts.TypeAnyURI)),
			ConnectorRestrictedUsage,
		},
		{
			"security profile",
			contracts.NewPermission(target, contracts.NewConstraint(contracts.LeftSecurityLevel, contracts.OpEquals, string(contracts.TrustSecurityProfile), "")),
			SecurityProfileRestrictedUsage,
		},
		{
			"count wins over post duty",
			withDuty(countRule(contracts.OpLTEQ, "5"), contracts.NewDuty(contracts.ActionLog)),
			NTimesUsage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_Unknown(t *testing.T) {
	tests := map[string]contracts.Rule{
		"notify without endpoint": withDuty(contracts.NewPermission(target), contracts.NewDuty(contracts.ActionNotify)),
		"window with wrong duty": withDuty(intervalRule("2020-01-01T00:00:00Z", "2030-01-01T00:00:00Z"),
			contracts.NewDuty(contracts.ActionLog)),
		"two unrelated constraints": contracts.NewPermission(target,
			contracts.NewConstraint(contracts.LeftCount, contracts.OpLTEQ, "1", contracts.TypeDecimal),
			contracts.NewConstraint(contracts.LeftElapsedTime, contracts.OpShorterEq, "PT1H", contracts.TypeDuration)),
		"two post duties": withDuty(withDuty(contracts.NewPermission(target), contracts.NewDuty(contracts.ActionLog)),
			contracts.NewDuty(contracts.ActionLog)),
		"endpoint constraint": contracts.NewPermission(target,
			contracts.NewConstraint(contracts.LeftEndpoint, contracts.OpDefinesAs, "https://x.example", contracts.TypeAnyURI)),
	}
	for name, rule := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Classify(rule)
			assert.ErrorIs(t, err, ErrUnknownPattern)
			assert.True(t, IsUnknownPattern(err))
		})
	}
}

func TestPolicyPatternString(t *testing.T) {
	assert.Equal(t, "USAGE_UNTIL_DELETION", UsageUntilDeletion.String())
	assert.Equal(t, "PolicyPattern(0)", PolicyPattern(0).String())
	assert.False(t, PolicyPattern(0).Valid())
	assert.Len(t, Patterns(), 10)
	for _, p := range Patterns() {
		assert.True(t, p.Valid(), p.String())
	}
}
