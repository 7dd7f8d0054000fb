package pdp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

const (
	target   = "https://provider.example/artifacts/1"
	consumer = "https://consumer.example/connector"
)

func pet(op contracts.Operator, ts string) contracts.Constraint {
	return contracts.NewConstraint(contracts.LeftPolicyEvaluationTime, op, ts, contracts.TypeDateTimeStamp)
}

func intervalRule(start, end string) contracts.Rule {
	return contracts.NewPermission(target, pet(contracts.OpAfter, start), pet(contracts.OpBefore, end))
}

func countRule(op contracts.Operator, bound string) contracts.Rule {
	return contracts.NewPermission(target, contracts.NewConstraint(contracts.LeftCount, op, bound, contracts.TypeDecimal))
}

func durationRule(d string) contracts.Rule {
	return contracts.NewPermission(target, contracts.NewConstraint(contracts.LeftElapsedTime, contracts.OpShorterEq, d, contracts.TypeDuration))
}

func withDuty(r contracts.Rule, d contracts.Rule) contracts.Rule {
	r.PostDuties = append(r.PostDuties, d)
	return r
}

func notifyDuty(url string) contracts.Rule {
	return contracts.NewDuty(contracts.ActionNotify,
		contracts.NewConstraint(contracts.LeftEndpoint, contracts.OpDefinesAs, url, contracts.TypeAnyURI))
}

type fakeInfo struct {
	created  time.Time
	count    uint64
	countErr error
}

func (f *fakeInfo) CreationDate(context.Context, string) (time.Time, error) {
	if f.created.IsZero() {
		return time.Time{}, errors.New("artifact unknown")
	}
	return f.created, nil
}

func (f *fakeInfo) AccessCount(context.Context, string) (uint64, error) {
	return f.count, f.countErr
}

type recordingExecutor struct {
	mu       sync.Mutex
	logged   []string
	reported []string
	err      error
}

func (e *recordingExecutor) LogDataAccess(_ context.Context, target, agreementID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logged = append(e.logged, target+"|"+agreementID)
	return e.err
}

func (e *recordingExecutor) ReportDataAccess(_ context.Context, _ contracts.Rule, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reported = append(e.reported, target)
	return e.err
}
