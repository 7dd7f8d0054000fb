// Package pep is the policy enforcement point: it carries out the side
// effects usage rules demand, such as logging an access to the clearing
// house or notifying a data owner.
//
// All side effects are fire-and-forget. Callers hand work to a Dispatcher
// and never learn whether it was delivered; delivery failures are logged.
package pep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

// Submitter queues jobs for background delivery.
type Submitter interface {
	Submit(job Job) error
}

// AccessRecord is the body of access logs and access notifications.
type AccessRecord struct {
	Target          string    `json:"target"`
	IssuerConnector string    `json:"issuerConnector"`
	AccessedAt      time.Time `json:"accessedAt"`
}

// Event is the body posted to subscribers.
type Event struct {
	Type       string    `json:"type"`
	Target     string    `json:"target"`
	Connector  string    `json:"connector"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload,omitempty"`
}

// ExecutionService builds side-effect messages and submits them.
type ExecutionService struct {
	submitter     Submitter
	connectorID   string
	clearingHouse string
	clock         func() time.Time
	logger        *slog.Logger
}

// NewExecutionService creates an ExecutionService. An empty clearingHouse
// disables clearing-house logging.
func NewExecutionService(submitter Submitter, connectorID, clearingHouse string, logger *slog.Logger) *ExecutionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionService{
		submitter:     submitter,
		connectorID:   connectorID,
		clearingHouse: strings.TrimRight(clearingHouse, "/"),
		clock:         time.Now,
		logger:        logger.With("component", "pep"),
	}
}

// WithClock overrides the time source used for record timestamps.
func (s *ExecutionService) WithClock(clock func() time.Time) *ExecutionService {
	s.clock = clock
	return s
}

// processID is the clearing-house process key of an agreement: the last
// path segment of its identifier.
func processID(agreementID string) string {
	id := strings.TrimRight(agreementID, "/")
	if u, err := url.Parse(id); err == nil && u.Path != "" {
		id = u.Path
	}
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return url.PathEscape(id)
}

// SendAgreementToClearingHouse opens a logging process for the agreement and
// logs the agreement into it. Failures are logged, never returned.
func (s *ExecutionService) SendAgreementToClearingHouse(ctx context.Context, agreement *contracts.Contract) {
	if s.clearingHouse == "" {
		s.logger.DebugContext(ctx, "clearing house not configured, agreement not logged")
		return
	}
	if agreement == nil || agreement.ID == "" {
		s.logger.WarnContext(ctx, "agreement without identifier not sent to clearing house")
		return
	}
	id := processID(agreement.ID)
	owners, err := json.Marshal(map[string][]string{"owners": nonEmpty(agreement.Consumer, agreement.Provider)})
	if err != nil {
		s.logger.WarnContext(ctx, "cannot encode clearing-house process", "agreement", agreement.ID, "error", err)
		return
	}
	body, err := contracts.SerializeContract(agreement)
	if err != nil {
		s.logger.WarnContext(ctx, "cannot serialize agreement for clearing house", "agreement", agreement.ID, "error", err)
		return
	}
	s.submit(ctx, Job{
		Kind: "clearing-house-agreement",
		Messages: []Message{
			{URL: s.clearingHouse + "/process/" + id, Body: owners},
			{URL: s.clearingHouse + "/messages/log/" + id, Body: []byte(body)},
		},
		MaxAttempts: 1,
	})
}

// LogDataAccess logs an access to target under the agreement's process. The
// returned error only reports that the log could not be queued.
func (s *ExecutionService) LogDataAccess(ctx context.Context, target, agreementID string) error {
	if s.clearingHouse == "" {
		s.logger.DebugContext(ctx, "clearing house not configured, access not logged", "target", target)
		return nil
	}
	body, err := json.Marshal(s.accessRecord(target))
	if err != nil {
		return fmt.Errorf("pep: encode access record: %w", err)
	}
	return s.submitErr(Job{
		Kind:        "clearing-house-access",
		Messages:    []Message{{URL: s.clearingHouse + "/messages/log/" + processID(agreementID), Body: body}},
		MaxAttempts: 1,
	})
}

// ReportDataAccess notifies the endpoint named by a permission's NOTIFY
// post-duty. Only permissions carry such a duty; anything else is logged as
// a caller error and has no effect.
func (s *ExecutionService) ReportDataAccess(ctx context.Context, rule contracts.Rule, target string) error {
	if !rule.IsPermission() {
		s.logger.ErrorContext(ctx, "access report requested for a non-permission rule", "rule", rule.ID, "type", rule.Kind)
		return nil
	}
	duty, ok := rule.PostDutyWith(contracts.ActionNotify)
	if !ok {
		s.logger.ErrorContext(ctx, "permission has no notification duty", "rule", rule.ID)
		return nil
	}
	endpoint, ok := duty.FirstConstraint(contracts.LeftEndpoint)
	if !ok || endpoint.RightOperand.Value == "" {
		s.logger.ErrorContext(ctx, "notification duty has no endpoint", "rule", rule.ID)
		return nil
	}
	body, err := json.Marshal(s.accessRecord(target))
	if err != nil {
		return fmt.Errorf("pep: encode access record: %w", err)
	}
	return s.submitErr(Job{
		Kind:        "access-notification",
		Messages:    []Message{{URL: endpoint.RightOperand.Value, Body: body}},
		MaxAttempts: 1,
	})
}

// NotifySubscribers posts an event about target to every subscriber. Each
// subscriber is a separate job retried up to the dispatcher's limit.
func (s *ExecutionService) NotifySubscribers(ctx context.Context, eventType, target string, subscribers []string, payload any) {
	if len(subscribers) == 0 {
		return
	}
	body, err := json.Marshal(Event{
		Type:       eventType,
		Target:     target,
		Connector:  s.connectorID,
		OccurredAt: s.clock().UTC(),
		Payload:    payload,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "cannot encode subscriber event", "event", eventType, "error", err)
		return
	}
	for _, sub := range subscribers {
		s.submit(ctx, Job{Kind: "subscriber-" + eventType, Messages: []Message{{URL: sub, Body: body}}})
	}
}

func (s *ExecutionService) accessRecord(target string) AccessRecord {
	return AccessRecord{Target: target, IssuerConnector: s.connectorID, AccessedAt: s.clock().UTC()}
}

func (s *ExecutionService) submit(ctx context.Context, job Job) {
	if err := s.submitErr(job); err != nil {
		s.logger.WarnContext(ctx, "side effect dropped", "kind", job.Kind, "error", err)
	}
}

func (s *ExecutionService) submitErr(job Job) error {
	if err := s.submitter.Submit(job); err != nil {
		return fmt.Errorf("pep: submit %s: %w", job.Kind, err)
	}
	return nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
