package obligation

import (
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
)

// SweepReport summarizes one enforcement cycle.
type SweepReport struct {
	StartedAt  time.Time `json:"started_at"`
	Agreements int       `json:"agreements"`
	Due        int       `json:"due"`
	Erased     int       `json:"erased"`
	Failed     int       `json:"failed"`
}

// deletionDeadline returns the instant after which the rule's delete
// post-duty requires the payload to be gone. The duty is the first post-duty
// with the delete action; its deadline is the first evaluation-time
// constraint using TEMPORAL_EQUALS or BEFORE.
func deletionDeadline(r contracts.Rule) (time.Time, bool, error) {
	duty, ok := r.PostDutyWith(contracts.ActionDelete)
	if !ok {
		return time.Time{}, false, nil
	}
	for _, c := range duty.ConstraintsWith(contracts.LeftPolicyEvaluationTime) {
		if c.Operator != contracts.OpTemporalEquals && c.Operator != contracts.OpBefore {
			continue
		}
		ts, err := pdp.ParseTimestamp(c.RightOperand.Value)
		if err != nil {
			return time.Time{}, false, err
		}
		return ts, true, nil
	}
	return time.Time{}, false, nil
}

// DeletionDue reports whether r carries a delete duty whose deadline has been
// reached at now.
func DeletionDue(r contracts.Rule, now time.Time) (bool, error) {
	deadline, ok, err := deletionDeadline(r)
	if err != nil || !ok {
		return false, err
	}
	return !now.Before(deadline), nil
}
