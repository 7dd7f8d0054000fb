// Package verifier turns the rules of every agreement covering an artifact
// into a single ALLOWED or DENIED verdict.
//
// AccessVerifier runs on the consumer side before data is used;
// ProvisionVerifier runs on the provider side before data is handed out and
// additionally knows who is asking and under which security profile.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
)

// Result is the verdict of a verifier.
type Result string

const (
	Allowed Result = "ALLOWED"
	Denied  Result = "DENIED"
)

// CheckResult records how a single rule was handled.
type CheckResult struct {
	Agreement string `json:"agreement"`
	Rule      string `json:"rule,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Pass      bool   `json:"pass"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Report is the verdict together with the checks that produced it.
type Report struct {
	Result    Result        `json:"result"`
	Target    string        `json:"target"`
	Backend   pdp.Backend   `json:"backend"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

func (r *Report) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

// Decider checks one classified rule.
type Decider interface {
	Validate(ctx context.Context, req pdp.Request) error
}

// DecisionObserver is told about every verdict.
type DecisionObserver interface {
	ObserveDecision(ctx context.Context, kind string, allowed bool, elapsed time.Duration)
}

// Options are shared by both verifiers.
type Options struct {
	// TolerateUnsupportedPatterns skips rules of unknown shape instead of
	// denying.
	TolerateUnsupportedPatterns bool
	// Backend selects the internal validator or the remote decision point.
	Backend pdp.Backend
	// ConnectorID identifies this connector to a remote decision point.
	ConnectorID string
	Logger      *slog.Logger
	Observer    DecisionObserver
	Clock       func() time.Time
}

func (o Options) withDefaults(component string) Options {
	if o.Backend == "" {
		o.Backend = pdp.BackendInternal
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", component)
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type patternSet map[pdp.PolicyPattern]bool

// AccessPatterns are enforced before local data use.
var AccessPatterns = patternSet{
	pdp.ProvideAccess:       true,
	pdp.UsageDuringInterval: true,
	pdp.UsageUntilDeletion:  true,
	pdp.DurationUsage:       true,
	pdp.UsageLogging:        true,
	pdp.NTimesUsage:         true,
	pdp.UsageNotification:   true,
}

// ProvisionPatterns are enforced before data is handed to a consumer.
var ProvisionPatterns = patternSet{
	pdp.ProvideAccess:                  true,
	pdp.UsageDuringInterval:            true,
	pdp.UsageUntilDeletion:             true,
	pdp.ConnectorRestrictedUsage:       true,
	pdp.SecurityProfileRestrictedUsage: true,
}

// engine evaluates rules against one enforced pattern set.
type engine struct {
	decider  Decider
	enforced patternSet
	opts     Options
}

// evaluate runs every rule through the decider and stops at the first
// denial. req carries the request context; Pattern and Rule are filled per
// rule.
func (e *engine) evaluate(ctx context.Context, report *Report, agreementID string, rules []contracts.Rule, req pdp.Request) bool {
	for _, rule := range rules {
		check := CheckResult{Agreement: agreementID, Rule: rule.ID}

		pattern, err := pdp.Classify(rule)
		if err != nil {
			if e.opts.TolerateUnsupportedPatterns {
				check.Pass, check.Skipped, check.Reason = true, true, err.Error()
				report.addCheck(check)
				e.opts.Logger.DebugContext(ctx, "skipping rule of unsupported pattern", "agreement", agreementID, "rule", rule.ID)
				continue
			}
			check.Reason = err.Error()
			report.addCheck(check)
			return false
		}
		check.Pattern = pattern.String()

		if !e.enforced[pattern] {
			check.Pass, check.Skipped = true, true
			report.addCheck(check)
			continue
		}

		req.Pattern = pattern
		req.Rule = rule
		if err := e.decider.Validate(ctx, req); err != nil {
			check.Reason = err.Error()
			report.addCheck(check)
			e.opts.Logger.InfoContext(ctx, "access denied by policy",
				"target", report.Target, "agreement", agreementID, "pattern", pattern.String(), "reason", err)
			return false
		}
		check.Pass = true
		report.addCheck(check)
	}
	return true
}

// remote asks the external decision point and records the outcome.
func remote(ctx context.Context, p pdp.PolicyDecisionPoint, report *Report, req *pdp.DecisionRequest) bool {
	check := CheckResult{Agreement: req.AgreementID, Pattern: string(pdp.BackendExternal)}
	if p == nil {
		check.Reason = "no remote decision point configured"
		report.addCheck(check)
		return false
	}
	resp, err := p.Evaluate(ctx, req)
	if err != nil {
		check.Reason = err.Error()
		report.addCheck(check)
		return false
	}
	check.Pass = resp.Allow
	check.Reason = resp.ReasonCode
	report.addCheck(check)
	return resp.Allow
}

func verdict(ok bool) Result {
	if ok {
		return Allowed
	}
	return Denied
}

func rulesFor(c *contracts.Contract, target string) []contracts.Rule {
	var out []contracts.Rule
	for _, r := range c.Rules() {
		if r.Target == "" || r.Target == target {
			out = append(out, r)
		}
	}
	return out
}

func denyf(report *Report, agreementID, format string, args ...any) *Report {
	report.addCheck(CheckResult{Agreement: agreementID, Reason: fmt.Sprintf(format, args...)})
	report.Result = Denied
	return report
}
