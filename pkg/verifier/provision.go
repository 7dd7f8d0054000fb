package verifier

import (
	"context"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
)

// ProvisionVerifier decides whether data may be handed to a consumer.
type ProvisionVerifier struct {
	remote pdp.PolicyDecisionPoint
	engine engine
}

// NewProvisionVerifier creates a ProvisionVerifier.
func NewProvisionVerifier(decider Decider, remote pdp.PolicyDecisionPoint, opts Options) *ProvisionVerifier {
	return &ProvisionVerifier{
		remote: remote,
		engine: engine{decider: decider, enforced: ProvisionPatterns, opts: opts.withDefaults("provision-verifier")},
	}
}

// Verify checks the agreement's rules on target for the requesting connector.
func (v *ProvisionVerifier) Verify(ctx context.Context, target, issuerConnector string, agreement *contracts.Contract, profile *contracts.SecurityProfile) Result {
	return v.VerifyReport(ctx, target, issuerConnector, agreement, profile).Result
}

// VerifyReport is Verify with the per-rule checks.
func (v *ProvisionVerifier) VerifyReport(ctx context.Context, target, issuerConnector string, agreement *contracts.Contract, profile *contracts.SecurityProfile) *Report {
	opts := v.engine.opts
	start := opts.Clock()
	report := &Report{Target: target, Backend: opts.Backend, Timestamp: start.UTC()}
	defer func() {
		if opts.Observer != nil {
			opts.Observer.ObserveDecision(ctx, "provision", report.Result == Allowed, opts.Clock().Sub(start))
		}
	}()

	if agreement == nil {
		return denyf(report, "", "no agreement")
	}

	if opts.Backend == pdp.BackendExternal {
		req := &pdp.DecisionRequest{
			Principal:   issuerConnector,
			Action:      string(contracts.ActionUse),
			Resource:    target,
			AgreementID: agreement.ID,
			Timestamp:   start.UTC(),
		}
		if profile != nil {
			req.SecurityProfile = profile.String()
		}
		report.Result = verdict(remote(ctx, v.remote, report, req))
		return report
	}

	req := pdp.Request{
		Target:          target,
		IssuerConnector: issuerConnector,
		SecurityProfile: profile,
		AgreementID:     agreement.ID,
	}
	report.Result = verdict(v.engine.evaluate(ctx, report, agreement.ID, rulesFor(agreement, target), req))
	return report
}
