package negotiation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

// State is a step of a single negotiation, seen from the consumer.
type State string

const (
	StateRequestBuilt       State = "REQUEST_BUILT"
	StateRequestSent        State = "REQUEST_SENT"
	StateOfferReceived      State = "OFFER_RECEIVED"
	StateRejected           State = "REJECTED"
	StateAgreementBuilt     State = "AGREEMENT_BUILT"
	StateAgreementSigned    State = "AGREEMENT_SIGNED"
	StateAgreementConfirmed State = "AGREEMENT_CONFIRMED"
	StateValidForTransfer   State = "VALID_FOR_TRANSFER"
)

var transitions = map[State][]State{
	StateRequestBuilt:       {StateRequestSent, StateRejected},
	StateRequestSent:        {StateOfferReceived, StateRejected},
	StateOfferReceived:      {StateAgreementBuilt, StateRejected},
	StateAgreementBuilt:     {StateAgreementSigned, StateRejected},
	StateAgreementSigned:    {StateAgreementConfirmed, StateRejected},
	StateAgreementConfirmed: {StateValidForTransfer},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Negotiation tracks one contract negotiation. It is safe for concurrent use.
type Negotiation struct {
	mu        sync.Mutex
	state     State
	request   *contracts.Contract
	agreement *contracts.Contract
	history   []Transition
	clock     func() time.Time
}

func newNegotiation(request *contracts.Contract, clock func() time.Time) *Negotiation {
	return &Negotiation{state: StateRequestBuilt, request: request, clock: clock}
}

func (n *Negotiation) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiation) Request() *contracts.Contract { return n.request }

func (n *Negotiation) Agreement() *contracts.Contract {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.agreement
}

// History returns the transitions so far, oldest first.
func (n *Negotiation) History() []Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Transition(nil), n.history...)
}

// Transition moves the negotiation to next or fails with ErrContract.
func (n *Negotiation) Transition(next State, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transitionLocked(next, reason)
}

func (n *Negotiation) transitionLocked(next State, reason string) error {
	if !CanTransition(n.state, next) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrContract, n.state, next)
	}
	n.history = append(n.history, Transition{From: n.state, To: next, At: n.clock().UTC(), Reason: reason})
	n.state = next
	return nil
}

// MarkSent records that the request left this connector.
func (n *Negotiation) MarkSent() error { return n.Transition(StateRequestSent, "") }

// Reject ends the negotiation.
func (n *Negotiation) Reject(reason string) error { return n.Transition(StateRejected, reason) }

// StartNegotiation builds a contract request and tracks it.
func (m *Manager) StartNegotiation(rules []contracts.Rule, opts ...RequestOption) (*Negotiation, error) {
	req, err := m.BuildContractRequest(rules, opts...)
	if err != nil {
		return nil, err
	}
	return newNegotiation(req, m.clock), nil
}

// ReceiveAgreement validates the provider's answer to a sent request. An
// agreement that does not match the request rejects the negotiation.
func (m *Manager) ReceiveAgreement(ctx context.Context, n *Negotiation, payload string) (*contracts.Contract, error) {
	if err := n.Transition(StateOfferReceived, ""); err != nil {
		return nil, err
	}
	agreement, err := m.ValidateContractAgreement(payload, n.Request())
	if err != nil {
		m.logger.InfoContext(ctx, "agreement rejected", "request", n.Request().ID, "error", err)
		_ = n.Reject(err.Error())
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.agreement = agreement
	if err := n.transitionLocked(StateAgreementBuilt, ""); err != nil {
		return nil, err
	}
	return agreement, nil
}

// SignAgreement persists the validated agreement locally.
func (m *Manager) SignAgreement(ctx context.Context, n *Negotiation) error {
	agreement := n.Agreement()
	if agreement == nil || n.State() != StateAgreementBuilt {
		return fmt.Errorf("%w: no agreement to sign in state %s", ErrContract, n.State())
	}
	if err := m.StoreAgreement(ctx, agreement); err != nil {
		return err
	}
	return n.Transition(StateAgreementSigned, "")
}

// ConfirmNegotiation applies the provider's acknowledgement.
func (m *Manager) ConfirmNegotiation(ctx context.Context, n *Negotiation, payload string) error {
	agreement := n.Agreement()
	if agreement == nil || n.State() != StateAgreementSigned {
		return fmt.Errorf("%w: nothing to confirm in state %s", ErrContract, n.State())
	}
	if _, err := m.ConfirmAgreement(ctx, agreement.ID, payload); err != nil {
		return err
	}
	return n.Transition(StateAgreementConfirmed, "")
}

// ReadyForTransfer checks that the confirmed agreement covers artifact for
// issuer and marks the negotiation usable.
func (m *Manager) ReadyForTransfer(ctx context.Context, n *Negotiation, artifact, issuer string) error {
	agreement := n.Agreement()
	if agreement == nil {
		return fmt.Errorf("%w: negotiation has no agreement", ErrContract)
	}
	state := n.State()
	if state == StateValidForTransfer {
		_, err := m.ValidateTransferContract(ctx, agreement.ID, artifact, issuer)
		return err
	}
	if state != StateAgreementConfirmed {
		return fmt.Errorf("%w: agreement not confirmed (state %s)", ErrContract, state)
	}
	if _, err := m.ValidateTransferContract(ctx, agreement.ID, artifact, issuer); err != nil {
		return err
	}
	return n.Transition(StateValidForTransfer, "")
}

func sortByID(cs []*contracts.Contract) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}
