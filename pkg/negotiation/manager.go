// Package negotiation builds and validates usage contracts: requests built
// by a consumer, agreements built by a provider, the check that a received
// agreement is the one requested, and the check that a stored agreement
// may be used for a transfer.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

var (
	ErrContract         = errors.New("negotiation: contract error")
	ErrIllegalArgument  = errors.New("negotiation: illegal argument")
	ErrResourceNotFound = errors.New("negotiation: resource not found")
)

// DefaultValidity is the lifetime of a request built without an explicit end.
const DefaultValidity = 365 * 24 * time.Hour

// AgreementStore is what the manager needs from agreement persistence.
type AgreementStore interface {
	store.AgreementReader
	store.ArtifactsByAgreement
	store.AgreementWriter
}

// ClearingHouse receives confirmed agreements.
type ClearingHouse interface {
	SendAgreementToClearingHouse(ctx context.Context, agreement *contracts.Contract)
}

// Config configures a Manager.
type Config struct {
	ConnectorID string
	// BaseURI prefixes minted identifiers. Defaults to ConnectorID.
	BaseURI  string
	Validity time.Duration
}

// Manager builds and validates contracts on behalf of one connector.
type Manager struct {
	cfg           Config
	agreements    AgreementStore
	offers        store.OfferRules
	clearingHouse ClearingHouse
	clock         func() time.Time
	newID         func() string
	logger        *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

func WithIDGenerator(gen func() string) Option { return func(m *Manager) { m.newID = gen } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithOffers enables MatchRequest.
func WithOffers(offers store.OfferRules) Option { return func(m *Manager) { m.offers = offers } }

// WithClearingHouse sends confirmed agreements to the clearing house.
func WithClearingHouse(ch ClearingHouse) Option { return func(m *Manager) { m.clearingHouse = ch } }

// NewManager creates a Manager.
func NewManager(cfg Config, agreements AgreementStore, opts ...Option) (*Manager, error) {
	if !contracts.ValidIdentity(cfg.ConnectorID) {
		return nil, fmt.Errorf("%w: connector id %q is not an absolute URI", ErrIllegalArgument, cfg.ConnectorID)
	}
	if cfg.BaseURI == "" {
		cfg.BaseURI = cfg.ConnectorID
	}
	cfg.BaseURI = strings.TrimRight(cfg.BaseURI, "/")
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	m := &Manager{
		cfg:        cfg,
		agreements: agreements,
		clock:      time.Now,
		newID:      func() string { return uuid.NewString() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "negotiation")
	return m, nil
}

// ConnectorID returns the identity stamped on built contracts.
func (m *Manager) ConnectorID() string { return m.cfg.ConnectorID }

func (m *Manager) mint(kind string) string {
	return fmt.Sprintf("%s/%s/%s", m.cfg.BaseURI, kind, m.newID())
}

// RequestOption adjusts a request being built.
type RequestOption func(*contracts.Contract)

// WithProvider names the provider the request is addressed to.
func WithProvider(provider string) RequestOption {
	return func(c *contracts.Contract) { c.Provider = provider }
}

// WithValidity sets the requested contract window.
func WithValidity(start, end time.Time) RequestOption {
	return func(c *contracts.Contract) { c.Start, c.End = start, end }
}

// BuildContractRequest stamps every rule with this connector as assignee and
// groups the rules into an unsigned contract request.
func (m *Manager) BuildContractRequest(rules []contracts.Rule, opts ...RequestOption) (*contracts.Contract, error) {
	now := m.clock().UTC()
	stamped := make([]contracts.Rule, len(rules))
	for i, r := range rules {
		stamped[i] = r.Clone()
		stamped[i].Assignee = m.cfg.ConnectorID
	}
	req := &contracts.Contract{
		ID:           m.mint("contracts"),
		Kind:         contracts.KindRequest,
		ModelVersion: contracts.ModelVersion,
		Consumer:     m.cfg.ConnectorID,
		Start:        now,
		End:          now.Add(m.cfg.Validity),
		Date:         now,
	}
	req.Group(stamped)
	for _, opt := range opts {
		opt(req)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// BuildContractAgreement turns a received request into an agreement: every
// rule gets this connector as assigner, the issuer becomes the consumer and
// the window runs from now to the requested end. An empty agreementID mints
// one.
func (m *Manager) BuildContractAgreement(request *contracts.Contract, agreementID, issuer string) (*contracts.Contract, error) {
	if request == nil {
		return nil, fmt.Errorf("%w: nil request", ErrIllegalArgument)
	}
	if agreementID == "" {
		agreementID = m.mint("agreements")
	}
	now := m.clock().UTC()
	rules := request.Rules()
	stamped := make([]contracts.Rule, len(rules))
	for i, r := range rules {
		stamped[i] = r.Clone()
		stamped[i].Assigner = m.cfg.ConnectorID
	}
	agreement := &contracts.Contract{
		ID:           agreementID,
		Kind:         contracts.KindAgreement,
		ModelVersion: contracts.ModelVersion,
		Consumer:     issuer,
		Provider:     m.cfg.ConnectorID,
		Start:        now,
		End:          request.End,
		Date:         now,
	}
	agreement.Group(stamped)
	if err := agreement.Validate(); err != nil {
		return nil, err
	}
	return agreement, nil
}

// ValidateContractAgreement checks a received agreement against the request
// it answers: it must parse, every rule must carry a valid assigner, and its
// rule content must equal the requested rule content.
func (m *Manager) ValidateContractAgreement(payload string, request *contracts.Contract) (*contracts.Contract, error) {
	agreement, err := contracts.ParseAgreement(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalArgument, err)
	}
	if request == nil {
		return nil, fmt.Errorf("%w: nil request", ErrIllegalArgument)
	}
	for _, r := range agreement.Rules() {
		if !contracts.ValidIdentity(r.Assigner) {
			return nil, fmt.Errorf("%w: rule %q has invalid assigner %q", ErrContract, r.ID, r.Assigner)
		}
	}
	equal, err := contracts.RulesEqual(agreement.Rules(), request.Rules())
	if err != nil {
		return nil, fmt.Errorf("%w: compare rules: %v", ErrContract, err)
	}
	if !equal {
		return nil, fmt.Errorf("%w: agreement rules differ from requested rules", ErrContract)
	}
	return agreement, nil
}

// ValidateTransferContract returns the stored agreement if it may be used to
// transfer artifact to issuer: it must cover the artifact, be confirmed,
// not have ended and name issuer as its consumer.
func (m *Manager) ValidateTransferContract(ctx context.Context, agreementID, artifact, issuer string) (*contracts.Contract, error) {
	rec, err := m.agreements.Agreement(ctx, agreementID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: agreement %s", ErrResourceNotFound, agreementID)
		}
		return nil, err
	}
	artifacts, err := m.agreements.ArtifactsForAgreement(ctx, agreementID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: agreement %s", ErrResourceNotFound, agreementID)
		}
		return nil, err
	}
	if !contains(artifacts, artifact) {
		return nil, fmt.Errorf("%w: artifact %s is not covered by agreement %s", ErrContract, artifact, agreementID)
	}
	if !rec.Confirmed {
		return nil, fmt.Errorf("%w: agreement %s is not confirmed", ErrContract, agreementID)
	}
	agreement, err := contracts.ParseAgreement(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: stored agreement %s: %v", ErrContract, agreementID, err)
	}
	if !m.clock().Before(agreement.End) {
		return nil, fmt.Errorf("%w: agreement %s expired at %s", ErrContract, agreementID, agreement.End.Format(time.RFC3339))
	}
	if agreement.Consumer != issuer {
		return nil, fmt.Errorf("%w: agreement %s belongs to %s, not %s", ErrContract, agreementID, agreement.Consumer, issuer)
	}
	return agreement, nil
}

// StoreAgreement persists an unconfirmed agreement linked to the artifacts
// its rules target.
func (m *Manager) StoreAgreement(ctx context.Context, agreement *contracts.Contract) error {
	value, err := contracts.SerializeContract(agreement)
	if err != nil {
		return fmt.Errorf("%w: serialize agreement: %v", ErrIllegalArgument, err)
	}
	var artifacts []string
	for _, r := range agreement.Rules() {
		if r.Target != "" && !contains(artifacts, r.Target) {
			artifacts = append(artifacts, r.Target)
		}
	}
	return m.agreements.SaveAgreement(ctx, &contracts.AgreementRecord{
		ID:        agreement.ID,
		Value:     value,
		End:       agreement.End,
		Consumer:  agreement.Consumer,
		Artifacts: artifacts,
		CreatedAt: m.clock().UTC(),
	})
}

// ConfirmAgreement marks a stored agreement confirmed when the received
// payload carries the same agreement. Confirming twice is a no-op; the
// clearing house is told once.
func (m *Manager) ConfirmAgreement(ctx context.Context, agreementID, payload string) (*contracts.Contract, error) {
	rec, err := m.agreements.Agreement(ctx, agreementID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: agreement %s", ErrResourceNotFound, agreementID)
		}
		return nil, err
	}
	received, err := contracts.ParseAgreement(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalArgument, err)
	}
	stored, err := contracts.ParseAgreement(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: stored agreement %s: %v", ErrContract, agreementID, err)
	}
	if err := sameAgreement(stored, received); err != nil {
		return nil, err
	}
	if rec.Confirmed {
		return stored, nil
	}
	changed, err := m.agreements.ConfirmAgreement(ctx, agreementID)
	if err != nil {
		return nil, fmt.Errorf("confirm agreement %s: %w", agreementID, err)
	}
	if !changed {
		// A concurrent confirmation won the transition.
		return stored, nil
	}
	m.logger.InfoContext(ctx, "agreement confirmed", "agreement", agreementID, "consumer", stored.Consumer)
	if m.clearingHouse != nil {
		m.clearingHouse.SendAgreementToClearingHouse(ctx, stored)
	}
	return stored, nil
}

func sameAgreement(stored, received *contracts.Contract) error {
	switch {
	case stored.ID != received.ID:
		return fmt.Errorf("%w: agreement id %s does not match %s", ErrContract, received.ID, stored.ID)
	case stored.Consumer != received.Consumer || stored.Provider != received.Provider:
		return fmt.Errorf("%w: agreement parties differ", ErrContract)
	case !stored.End.Equal(received.End):
		return fmt.Errorf("%w: agreement end differs", ErrContract)
	}
	equal, err := contracts.RulesEqual(stored.Rules(), received.Rules())
	if err != nil {
		return fmt.Errorf("%w: compare rules: %v", ErrContract, err)
	}
	if !equal {
		return fmt.Errorf("%w: agreement rules differ from stored agreement", ErrContract)
	}
	return nil
}

// MatchRequest finds the stored offer whose rules equal the rules a request
// asks for on one of its targets. The returned offer carries the offer id
// and its rules.
func (m *Manager) MatchRequest(ctx context.Context, request *contracts.Contract) (*contracts.Contract, error) {
	if m.offers == nil {
		return nil, fmt.Errorf("%w: no offer source configured", ErrIllegalArgument)
	}
	if request == nil {
		return nil, fmt.Errorf("%w: nil request", ErrIllegalArgument)
	}
	requested := pdp.GroupByTarget(request.Rules())
	seen := make(map[string]bool)
	var candidates []*contracts.Contract
	for target := range requested {
		offers, err := m.offers.OffersForArtifact(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("offers for %s: %w", target, err)
		}
		for _, o := range offers {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			rules, err := m.offers.RulesForOffer(ctx, o.ID)
			if err != nil {
				m.logger.WarnContext(ctx, "skipping unreadable offer", "offer", o.ID, "error", err)
				continue
			}
			offer := &contracts.Contract{ID: o.ID, Kind: contracts.KindOffer}
			offer.Group(rules)
			candidates = append(candidates, offer)
		}
	}
	sortByID(candidates)

	match, ok, err := pdp.FindMatchingContractForRequest(candidates, requested)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContract, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no offer matches the requested rules", ErrContract)
	}
	return match, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
