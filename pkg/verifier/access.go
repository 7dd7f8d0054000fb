package verifier

import (
	"context"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// AccessRecorder counts a granted access.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, target string) error
}

// AccessVerifier decides whether this connector may use an artifact.
type AccessVerifier struct {
	agreements store.AgreementsByTarget
	recorder   AccessRecorder
	remote     pdp.PolicyDecisionPoint
	engine     engine
}

// NewAccessVerifier creates an AccessVerifier. remote is only consulted when
// opts.Backend is external; recorder may be nil.
func NewAccessVerifier(agreements store.AgreementsByTarget, decider Decider, recorder AccessRecorder, remote pdp.PolicyDecisionPoint, opts Options) *AccessVerifier {
	return &AccessVerifier{
		agreements: agreements,
		recorder:   recorder,
		remote:     remote,
		engine:     engine{decider: decider, enforced: AccessPatterns, opts: opts.withDefaults("access-verifier")},
	}
}

// Verify returns ALLOWED only if every enforced rule of every agreement
// covering artifact permits the access.
func (v *AccessVerifier) Verify(ctx context.Context, artifact, agreementID string) Result {
	return v.VerifyReport(ctx, artifact, agreementID).Result
}

// VerifyReport is Verify with the per-rule checks.
func (v *AccessVerifier) VerifyReport(ctx context.Context, artifact, agreementID string) *Report {
	opts := v.engine.opts
	start := opts.Clock()
	report := &Report{Target: artifact, Backend: opts.Backend, Timestamp: start.UTC()}
	defer func() {
		if opts.Observer != nil {
			opts.Observer.ObserveDecision(ctx, "access", report.Result == Allowed, opts.Clock().Sub(start))
		}
	}()

	if opts.Backend == pdp.BackendExternal {
		ok := remote(ctx, v.remote, report, &pdp.DecisionRequest{
			Principal:   opts.ConnectorID,
			Action:      string(contracts.ActionUse),
			Resource:    artifact,
			AgreementID: agreementID,
			Timestamp:   start.UTC(),
		})
		report.Result = verdict(ok)
		return report
	}

	agreements, err := v.agreements.AgreementsForArtifact(ctx, artifact)
	if err != nil {
		opts.Logger.WarnContext(ctx, "cannot resolve agreements", "target", artifact, "error", err)
		return denyf(report, agreementID, "resolve agreements: %v", err)
	}

	for _, rec := range agreements {
		agreement, err := contracts.ParseAgreement(rec.Value)
		if err != nil {
			opts.Logger.WarnContext(ctx, "stored agreement unreadable", "agreement", rec.ID, "error", err)
			return denyf(report, rec.ID, "%v", err)
		}
		req := pdp.Request{Target: artifact, IssuerConnector: opts.ConnectorID, AgreementID: agreementID}
		if req.AgreementID == "" {
			req.AgreementID = rec.ID
		}
		if !v.engine.evaluate(ctx, report, rec.ID, rulesFor(agreement, artifact), req) {
			report.Result = Denied
			return report
		}
	}

	report.Result = Allowed
	if v.recorder != nil {
		if err := v.recorder.RecordAccess(ctx, artifact); err != nil {
			opts.Logger.WarnContext(ctx, "access not counted", "target", artifact, "error", err)
		}
	}
	return report
}
