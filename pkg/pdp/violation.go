package pdp

import (
	"errors"
	"fmt"
)

// Reasons a policy check denies access. A *PolicyViolation matches its
// reason with errors.Is.
var (
	ErrInvalidInterval             = errors.New("invalid interval")
	ErrAccessNumberReached         = errors.New("access number reached")
	ErrInvalidConsumer             = errors.New("invalid consumer")
	ErrMissingSecurityProfileClaim = errors.New("missing security profile claim")
	ErrInvalidSecurityProfile      = errors.New("invalid security profile")
	ErrAccessProhibited            = errors.New("access prohibited")
)

// PolicyViolation is a deny-with-reason outcome of Validate.
type PolicyViolation struct {
	Reason  error
	Pattern PolicyPattern
	Detail  string
}

func (v *PolicyViolation) Error() string {
	if v.Detail == "" {
		return fmt.Sprintf("policy violation (%s): %v", v.Pattern, v.Reason)
	}
	return fmt.Sprintf("policy violation (%s): %v: %s", v.Pattern, v.Reason, v.Detail)
}

func (v *PolicyViolation) Unwrap() error { return v.Reason }

func violation(reason error, p PolicyPattern, format string, args ...any) *PolicyViolation {
	return &PolicyViolation{Reason: reason, Pattern: p, Detail: fmt.Sprintf(format, args...)}
}

// IsUnknownPattern reports whether err stems from an unrecognized rule shape.
func IsUnknownPattern(err error) bool {
	return errors.Is(err, ErrUnknownPattern)
}
