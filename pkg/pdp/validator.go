package pdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sosodev/duration"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pip"
)

// Executor performs the side effects some patterns require. Both calls
// return once the work is queued; an error means it could not be queued.
type Executor interface {
	LogDataAccess(ctx context.Context, target, agreementID string) error
	ReportDataAccess(ctx context.Context, rule contracts.Rule, target string) error
}

// Request is the input of a single policy check.
type Request struct {
	Pattern         PolicyPattern
	Rule            contracts.Rule
	Target          string
	IssuerConnector string
	SecurityProfile *contracts.SecurityProfile
	AgreementID     string
}

// Validator decides a single rule against its context.
type Validator struct {
	info     pip.InformationProvider
	executor Executor
	clock    func() time.Time
	logger   *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ValidatorOption {
	return func(v *Validator) { v.clock = clock }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a Validator.
func NewValidator(info pip.InformationProvider, executor Executor, opts ...ValidatorOption) *Validator {
	v := &Validator{
		info:     info,
		executor: executor,
		clock:    time.Now,
		logger:   slog.Default().With("component", "pdp"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns nil when the rule permits the access. A denial is a
// *PolicyViolation; other errors come from failed lookups or malformed
// literals and must also be treated as a denial.
func (v *Validator) Validate(ctx context.Context, req Request) error {
	switch req.Pattern {
	case ProvideAccess:
		return nil
	case ProhibitAccess:
		return violation(ErrAccessProhibited, req.Pattern, "target %s", req.Target)
	case UsageDuringInterval, UsageUntilDeletion:
		return v.checkInterval(req)
	case DurationUsage:
		return v.checkDuration(ctx, req)
	case NTimesUsage:
		return v.checkCount(ctx, req)
	case UsageLogging:
		if err := v.executor.LogDataAccess(ctx, req.Target, req.AgreementID); err != nil {
			v.logger.WarnContext(ctx, "usage logging not dispatched", "target", req.Target, "agreement", req.AgreementID, "error", err)
		}
		return nil
	case UsageNotification:
		if err := v.executor.ReportDataAccess(ctx, req.Rule, req.Target); err != nil {
			v.logger.WarnContext(ctx, "usage notification not dispatched", "target", req.Target, "error", err)
		}
		return nil
	case ConnectorRestrictedUsage:
		return checkConnector(req)
	case SecurityProfileRestrictedUsage:
		return checkSecurityProfile(req)
	default:
		return &PolicyViolation{Reason: ErrUnknownPattern, Pattern: req.Pattern}
	}
}

// Interval returns the evaluation window of a rule. AFTER sets the start and
// BEFORE the end; a nil bound is open.
func Interval(r contracts.Rule) (start, end *time.Time, err error) {
	for _, c := range r.ConstraintsWith(contracts.LeftPolicyEvaluationTime) {
		switch c.Operator {
		case contracts.OpAfter:
			t, err := ParseTimestamp(c.RightOperand.Value)
			if err != nil {
				return nil, nil, err
			}
			start = &t
		case contracts.OpBefore:
			t, err := ParseTimestamp(c.RightOperand.Value)
			if err != nil {
				return nil, nil, err
			}
			end = &t
		}
	}
	return start, end, nil
}

// ParseTimestamp parses an ISO-8601 timestamp with offset.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t, nil
}

func (v *Validator) checkInterval(req Request) error {
	start, end, err := Interval(req.Rule)
	if err != nil {
		return violation(ErrInvalidInterval, req.Pattern, "%v", err)
	}
	now := v.clock()
	if start != nil && !now.After(*start) {
		return violation(ErrInvalidInterval, req.Pattern, "usage starts at %s", start.Format(time.RFC3339))
	}
	if end != nil && !now.Before(*end) {
		return violation(ErrInvalidInterval, req.Pattern, "usage ended at %s", end.Format(time.RFC3339))
	}
	return nil
}

func (v *Validator) checkDuration(ctx context.Context, req Request) error {
	c, ok := req.Rule.FirstConstraint(contracts.LeftElapsedTime)
	if !ok {
		return violation(ErrInvalidInterval, req.Pattern, "no elapsed-time constraint")
	}
	d, err := duration.Parse(strings.TrimSpace(c.RightOperand.Value))
	if err != nil {
		return violation(ErrInvalidInterval, req.Pattern, "duration %q: %v", c.RightOperand.Value, err)
	}
	created, err := v.info.CreationDate(ctx, req.Target)
	if err != nil {
		return err
	}
	deadline := created.Add(d.ToTimeDuration())
	if deadline.Before(v.clock()) {
		return violation(ErrInvalidInterval, req.Pattern, "usage period ended at %s", deadline.Format(time.RFC3339))
	}
	return nil
}

func (v *Validator) checkCount(ctx context.Context, req Request) error {
	c, ok := req.Rule.FirstConstraint(contracts.LeftCount)
	if !ok {
		return fmt.Errorf("pdp: %s rule has no count constraint", req.Pattern)
	}
	bound, err := AccessBound(c)
	if err != nil {
		return err
	}
	count, err := v.info.AccessCount(ctx, req.Target)
	if err != nil {
		return err
	}
	if count >= bound {
		return violation(ErrAccessNumberReached, req.Pattern, "%d of %d accesses used", count, bound)
	}
	return nil
}

// AccessBound returns the number of accesses a COUNT constraint allows.
// LT excludes its bound; other operators use it as given. Negative bounds
// clamp to zero and values beyond int64 to its maximum.
func AccessBound(c contracts.Constraint) (uint64, error) {
	text := strings.TrimSpace(c.RightOperand.Value)
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		switch {
		case errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange):
			n = math.MaxInt64
			if strings.HasPrefix(text, "-") {
				n = 0
			}
		default:
			f, ferr := strconv.ParseFloat(text, 64)
			if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return 0, fmt.Errorf("pdp: malformed count bound %q: %w", c.RightOperand.Value, err)
			}
			switch {
			case f >= math.MaxInt64:
				n = math.MaxInt64
			case f <= 0:
				n = 0
			default:
				n = int64(f)
			}
		}
	}
	if c.Operator == contracts.OpLT {
		n--
	}
	if n < 0 {
		n = 0
	}
	return uint64(n), nil
}

func checkConnector(req Request) error {
	c, ok := req.Rule.FirstConstraint(contracts.LeftSystem)
	if !ok {
		c, ok = req.Rule.FirstConstraint(contracts.LeftEndpoint)
	}
	if !ok {
		return violation(ErrInvalidConsumer, req.Pattern, "rule names no connector")
	}
	if req.IssuerConnector != c.RightOperand.Value {
		return violation(ErrInvalidConsumer, req.Pattern, "issuer %q is not %q", req.IssuerConnector, c.RightOperand.Value)
	}
	return nil
}

func checkSecurityProfile(req Request) error {
	if req.SecurityProfile == nil {
		return violation(ErrMissingSecurityProfileClaim, req.Pattern, "")
	}
	if len(req.Rule.Constraints) == 0 {
		return violation(ErrInvalidSecurityProfile, req.Pattern, "rule names no profile")
	}
	required := req.Rule.Constraints[0].RightOperand.Value
	if req.SecurityProfile.String() != required {
		return violation(ErrInvalidSecurityProfile, req.Pattern, "profile %s does not satisfy %s", *req.SecurityProfile, required)
	}
	return nil
}
