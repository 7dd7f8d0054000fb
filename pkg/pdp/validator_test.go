package pdp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestValidator(info *fakeInfo, exec *recordingExecutor) *Validator {
	return NewValidator(info, exec, WithClock(func() time.Time { return now }))
}

func validate(t *testing.T, v *Validator, p PolicyPattern, r contracts.Rule) error {
	t.Helper()
	return v.Validate(context.Background(), Request{Pattern: p, Rule: r, Target: target, IssuerConnector: consumer, AgreementID: "ag-1"})
}

func TestValidate_ProvideAndProhibit(t *testing.T) {
	v := newTestValidator(&fakeInfo{}, &recordingExecutor{})
	assert.NoError(t, validate(t, v, ProvideAccess, contracts.NewPermission(target)))

	err := validate(t, v, ProhibitAccess, contracts.NewProhibition(target))
	assert.ErrorIs(t, err, ErrAccessProhibited)
	var pv *PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, ProhibitAccess, pv.Pattern)
}

func TestValidate_UnknownPatternFailsClosed(t *testing.T) {
	v := newTestValidator(&fakeInfo{}, &recordingExecutor{})
	err := validate(t, v, PolicyPattern(0), contracts.NewPermission(target))
	assert.ErrorIs(t, err, ErrUnknownPattern)
	assert.ErrorIs(t, validate(t, v, PolicyPattern(99), contracts.NewPermission(target)), ErrUnknownPattern)
}

func TestValidate_Interval(t *testing.T) {
	v := newTestValidator(&fakeInfo{}, &recordingExecutor{})
	tests := []struct {
		name    string
		rule    contracts.Rule
		wantErr bool
	}{
		{"inside", intervalRule("2026-01-01T00:00:00Z", "2027-01-01T00:00:00Z"), false},
		{"not started", intervalRule("2026-07-01T00:00:00Z", "2027-01-01T00:00:00Z"), true},
		{"ended", intervalRule("2025-01-01T00:00:00Z", "2026-01-01T00:00:00Z"), true},
		{"end before start", intervalRule("2020-07-11T00:00:00Z", "2019-05-07T17:05:45Z"), true},
		{"start equals now", intervalRule("2026-06-15T12:00:00Z", "2027-01-01T00:00:00Z"), true},
		{"end equals now", intervalRule("2026-01-01T00:00:00Z", "2026-06-15T12:00:00Z"), true},
		{"offset timestamps", intervalRule("2026-06-15T13:59:00+02:00", "2026-06-15T14:01:00+02:00"), false},
		{"bad start", intervalRule("yesterday", "2027-01-01T00:00:00Z"), true},
		{"bad end", intervalRule("2026-01-01T00:00:00Z", "2027-13-01T00:00:00Z"), true},
		{"open end", contracts.NewPermission(target, pet(contracts.OpAfter, "2026-01-01T00:00:00Z"), pet(contracts.OpEquals, "x")), false},
		{"open start", contracts.NewPermission(target, pet(contracts.OpBefore, "2026-12-01T00:00:00Z"), pet(contracts.OpEquals, "x")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, p := range []PolicyPattern{UsageDuringInterval, UsageUntilDeletion} {
				err := validate(t, v, p, tt.rule)
				if tt.wantErr {
					assert.ErrorIs(t, err, ErrInvalidInterval)
				} else {
					assert.NoError(t, err)
				}
			}
		})
	}
}

func TestValidate_Duration(t *testing.T) {
	tests := []struct {
		name    string
		created time.Time
		rule    contracts.Rule
		wantErr error
	}{
		{"within period", now.Add(-2 * time.Hour), durationRule("PT4H"), nil},
		{"period over", now.Add(-5 * time.Hour), durationRule("PT4H"), ErrInvalidInterval},
		{"days", now.Add(-48 * time.Hour), durationRule("P3D"), nil},
		{"unparsable", now, durationRule("four hours"), ErrInvalidInterval},
		{"missing constraint", now, contracts.NewPermission(target), ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(&fakeInfo{created: tt.created}, &recordingExecutor{})
			err := validate(t, v, DurationUsage, tt.rule)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("unknown artifact denies", func(t *testing.T) {
		v := newTestValidator(&fakeInfo{}, &recordingExecutor{})
		assert.Error(t, validate(t, v, DurationUsage, durationRule("PT4H")))
	})
}

func TestValidate_NTimes(t *testing.T) {
	tests := []struct {
		name    string
		op      contracts.Operator
		bound   string
		count   uint64
		wantErr bool
	}{
		{"eq reached", contracts.OpEquals, "5", 6, true},
		{"eq unused", contracts.OpEquals, "5", 0, false},
		{"lteq last access", contracts.OpLTEQ, "5", 4, false},
		{"lteq exhausted", contracts.OpLTEQ, "5", 5, true},
		{"lt exclusive", contracts.OpLT, "5", 4, true},
		{"lt below", contracts.OpLT, "5", 3, false},
		{"negative clamps", contracts.OpLTEQ, "-3", 0, true},
		{"lt zero clamps", contracts.OpLT, "0", 0, true},
		{"huge bound", contracts.OpLTEQ, "99999999999999999999999", 1 << 40, false},
		{"decimal form", contracts.OpLTEQ, "2.0", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(&fakeInfo{count: tt.count}, &recordingExecutor{})
			err := validate(t, v, NTimesUsage, countRule(tt.op, tt.bound))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAccessNumberReached)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("malformed bound is a hard error", func(t *testing.T) {
		v := newTestValidator(&fakeInfo{}, &recordingExecutor{})
		err := validate(t, v, NTimesUsage, countRule(contracts.OpLTEQ, "five"))
		require.Error(t, err)
		var pv *PolicyViolation
		assert.False(t, errors.As(err, &pv))
	})

	t.Run("counter failure denies", func(t *testing.T) {
		v := newTestValidator(&fakeInfo{countErr: errors.New("redis down")}, &recordingExecutor{})
		assert.Error(t, validate(t, v, NTimesUsage, countRule(contracts.OpLTEQ, "5")))
	})
}

func TestAccessBound(t *testing.T) {
	c := func(op contracts.Operator, v string) contracts.Constraint {
		return contracts.NewConstraint(contracts.LeftCount, op, v, contracts.TypeDecimal)
	}
	n, err := AccessBound(c(contracts.OpLT, "10"))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)

	n, err = AccessBound(c(contracts.OpEquals, " 10 "))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	n, err = AccessBound(c(contracts.OpLTEQ, "-99999999999999999999"))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = AccessBound(c(contracts.OpLTEQ, "NaN"))
	assert.Error(t, err)
}

func TestValidate_SideEffectsNeverDeny(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("queue full")}
	v := newTestValidator(&fakeInfo{}, exec)

	logging := withDuty(contracts.NewPermission(target), contracts.NewDuty(contracts.ActionLog))
	assert.NoError(t, validate(t, v, UsageLogging, logging))

	notify := withDuty(contracts.NewPermission(target), notifyDuty("https://consumer.example/notify"))
	assert.NoError(t, validate(t, v, UsageNotification, notify))

	assert.Equal(t, []string{target + "|ag-1"}, exec.logged)
	assert.Equal(t, []string{target}, exec.reported)
}

func TestValidate_ConnectorRestricted(t *testing.T) {
	v := newTestValidator(&fakeInfo{}, &recordingExecutor{})
	rule := contracts.NewPermission(target, contracts.NewConstraint(contracts.LeftSystem, contracts.OpSameAs, consumer, contracts.TypeAnyURI))

	assert.NoError(t, validate(t, v, ConnectorRestrictedUsage, rule))

	err := v.Validate(context.Background(), Request{Pattern: ConnectorRestrictedUsage, Rule: rule, Target: target, IssuerConnector: "https://other.example"})
	assert.ErrorIs(t, err, ErrInvalidConsumer)

	endpoint := contracts.NewPermission(target, contracts.NewConstraint(contracts.LeftEndpoint, contracts.OpSameAs, consumer, contracts.TypeAnyURI))
	assert.NoError(t, validate(t, v, ConnectorRestrictedUsage, endpoint))
}

func TestValidate_SecurityProfile(t *testing.T) {
	v := newTestValidator(&fakeInfo{}, &recordingExecutor{})
	rule := contracts.NewPermission(target,
		contracts.NewConstraint(contracts.LeftSecurityLevel, contracts.OpEquals, string(contracts.TrustSecurityProfile), contracts.TypeSecurityProfile))

	check := func(p *contracts.SecurityProfile) error {
		return v.Validate(context.Background(), Request{Pattern: SecurityProfileRestrictedUsage, Rule: rule, Target: target, SecurityProfile: p})
	}

	assert.ErrorIs(t, check(nil), ErrMissingSecurityProfileClaim)

	base := contracts.BaseSecurityProfile
	assert.ErrorIs(t, check(&base), ErrInvalidSecurityProfile)

	trust := contracts.TrustSecurityProfile
	assert.NoError(t, check(&trust))
}
