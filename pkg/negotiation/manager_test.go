package negotiation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

const (
	consumerID = "https://consumer.example/connector"
	providerID = "https://provider.example/connector"
	artifact   = "https://provider.example/artifacts/1"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type recordingClearingHouse struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingClearingHouse) SendAgreementToClearingHouse(_ context.Context, a *contracts.Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a.ID)
}

func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newManager(t *testing.T, id string, s *store.MemoryStore, opts ...Option) *Manager {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return now }), WithIDGenerator(sequence("id"))}
	m, err := NewManager(Config{ConnectorID: id}, s, append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func requestedRules() []contracts.Rule {
	return []contracts.Rule{
		contracts.NewPermission(artifact, contracts.NewConstraint(contracts.LeftCount, contracts.OpLTEQ, "5", contracts.TypeDecimal)),
		contracts.NewProhibition(artifact),
	}
}

func TestNewManager_RejectsRelativeIdentity(t *testing.T) {
	_, err := NewManager(Config{ConnectorID: "connector"}, store.NewMemoryStore())
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestBuildContractRequest(t *testing.T) {
	m := newManager(t, consumerID, store.NewMemoryStore())
	rules := requestedRules()
	req, err := m.BuildContractRequest(rules, WithProvider(providerID))
	require.NoError(t, err)

	assert.Equal(t, contracts.KindRequest, req.Kind)
	assert.Equal(t, consumerID+"/contracts/id-1", req.ID)
	assert.Equal(t, consumerID, req.Consumer)
	assert.Equal(t, providerID, req.Provider)
	assert.Equal(t, now, req.Start)
	assert.Equal(t, now.Add(DefaultValidity), req.End)
	for _, r := range req.Rules() {
		assert.Equal(t, consumerID, r.Assignee)
	}
	assert.Empty(t, rules[0].Assignee, "input rules are not modified")
	assert.Len(t, req.Permissions, 1)
	assert.Len(t, req.Prohibitions, 1)
}

func TestBuildContractRequest_ConstraintViolation(t *testing.T) {
	m := newManager(t, consumerID, store.NewMemoryStore())

	_, err := m.BuildContractRequest(nil)
	assert.ErrorIs(t, err, contracts.ErrConstraintViolation)

	_, err = m.BuildContractRequest(requestedRules(), WithValidity(now, now.Add(-time.Hour)))
	assert.ErrorIs(t, err, contracts.ErrConstraintViolation)
}

func TestBuildContractAgreement(t *testing.T) {
	consumer := newManager(t, consumerID, store.NewMemoryStore())
	provider := newManager(t, providerID, store.NewMemoryStore())

	req, err := consumer.BuildContractRequest(requestedRules())
	require.NoError(t, err)

	agreement, err := provider.BuildContractAgreement(req, "https://provider.example/agreements/7", consumerID)
	require.NoError(t, err)
	assert.Equal(t, contracts.KindAgreement, agreement.Kind)
	assert.Equal(t, consumerID, agreement.Consumer)
	assert.Equal(t, providerID, agreement.Provider)
	assert.Equal(t, now, agreement.Start)
	assert.Equal(t, req.End, agreement.End)
	for _, r := range agreement.Rules() {
		assert.Equal(t, providerID, r.Assigner)
		assert.Equal(t, consumerID, r.Assignee)
	}

	minted, err := provider.BuildContractAgreement(req, "", consumerID)
	require.NoError(t, err)
	assert.Equal(t, providerID+"/agreements/id-2", minted.ID)

	expired := *req
	expired.End = now.Add(-time.Minute)
	_, err = provider.BuildContractAgreement(&expired, "", consumerID)
	assert.ErrorIs(t, err, contracts.ErrConstraintViolation)

	_, err = provider.BuildContractAgreement(req, "", "")
	assert.ErrorIs(t, err, contracts.ErrConstraintViolation)
}

func TestValidateContractAgreement_RoundTrip(t *testing.T) {
	consumer := newManager(t, consumerID, store.NewMemoryStore())
	provider := newManager(t, providerID, store.NewMemoryStore())

	req, err := consumer.BuildContractRequest(requestedRules())
	require.NoError(t, err)
	built, err := provider.BuildContractAgreement(req, "https://provider.example/agreements/7", consumerID)
	require.NoError(t, err)
	payload, err := contracts.SerializeContract(built)
	require.NoError(t, err)

	got, err := consumer.ValidateContractAgreement(payload, req)
	require.NoError(t, err)
	equal, err := contracts.RulesEqual(got.Rules(), built.Rules())
	require.NoError(t, err)
	assert.True(t, equal)
}

func TestValidateContractAgreement_Failures(t *testing.T) {
	consumer := newManager(t, consumerID, store.NewMemoryStore())
	provider := newManager(t, providerID, store.NewMemoryStore())
	req, err := consumer.BuildContractRequest(requestedRules())
	require.NoError(t, err)

	_, err = consumer.ValidateContractAgreement("{broken", req)
	assert.ErrorIs(t, err, ErrIllegalArgument)

	built, err := provider.BuildContractAgreement(req, "https://provider.example/agreements/7", consumerID)
	require.NoError(t, err)

	badAssigner := *built
	badAssigner.Permissions = []contracts.Rule{built.Permissions[0].Clone()}
	badAssigner.Permissions[0].Assigner = "not a uri"
	payload, err := contracts.SerializeContract(&badAssigner)
	require.NoError(t, err)
	_, err = consumer.ValidateContractAgreement(payload, req)
	assert.ErrorIs(t, err, ErrContract)

	changed := *built
	changed.Permissions = []contracts.Rule{built.Permissions[0].Clone()}
	changed.Permissions[0].Constraints[0].RightOperand.Value = "50"
	payload, err = contracts.SerializeContract(&changed)
	require.NoError(t, err)
	_, err = consumer.ValidateContractAgreement(payload, req)
	assert.ErrorIs(t, err, ErrContract)
}

func storeAgreement(t *testing.T, s *store.MemoryStore, end time.Time, confirmed bool, artifacts ...string) string {
	t.Helper()
	c := &contracts.Contract{
		ID: "https://provider.example/agreements/1", Kind: contracts.KindAgreement,
		Consumer: consumerID, Provider: providerID, Start: now.Add(-time.Hour), End: end,
	}
	c.Group([]contracts.Rule{contracts.NewPermission(artifact)})
	v, err := contracts.SerializeContract(c)
	require.NoError(t, err)
	require.NoError(t, s.SaveAgreement(context.Background(), &contracts.AgreementRecord{
		ID: c.ID, Value: v, Confirmed: confirmed, End: end, Consumer: consumerID, Artifacts: artifacts,
	}))
	return c.ID
}

func TestValidateTransferContract(t *testing.T) {
	ctx := context.Background()
	future := now.Add(24 * time.Hour)

	t.Run("valid", func(t *testing.T) {
		s := store.NewMemoryStore()
		id := storeAgreement(t, s, future, true, artifact)
		got, err := newManager(t, providerID, s).ValidateTransferContract(ctx, id, artifact, consumerID)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, consumerID, got.Consumer)
	})

	t.Run("missing agreement", func(t *testing.T) {
		_, err := newManager(t, providerID, store.NewMemoryStore()).ValidateTransferContract(ctx, "nope", artifact, consumerID)
		assert.ErrorIs(t, err, ErrResourceNotFound)
	})

	failures := map[string]struct {
		end       time.Time
		confirmed bool
		artifacts []string
		issuer    string
	}{
		"unconfirmed":          {future, false, []string{artifact}, consumerID},
		"artifact not covered": {future, true, []string{"https://provider.example/artifacts/2"}, consumerID},
		"expired":              {now.Add(-time.Second), true, []string{artifact}, consumerID},
		"ends now":             {now, true, []string{artifact}, consumerID},
		"wrong consumer":       {future, true, []string{artifact}, "https://intruder.example"},
	}
	for name, tc := range failures {
		t.Run(name, func(t *testing.T) {
			s := store.NewMemoryStore()
			id := storeAgreement(t, s, tc.end, tc.confirmed, tc.artifacts...)
			_, err := newManager(t, providerID, s).ValidateTransferContract(ctx, id, artifact, tc.issuer)
			assert.ErrorIs(t, err, ErrContract)
		})
	}
}

func TestConfirmAgreement(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ch := &recordingClearingHouse{}
	m := newManager(t, providerID, s, WithClearingHouse(ch))

	id := storeAgreement(t, s, now.Add(time.Hour), false, artifact)
	rec, err := s.Agreement(ctx, id)
	require.NoError(t, err)

	_, err = m.ConfirmAgreement(ctx, id, "{bad")
	assert.ErrorIs(t, err, ErrIllegalArgument)

	other := &contracts.Contract{ID: id, Kind: contracts.KindAgreement, Consumer: consumerID, Provider: providerID, End: now.Add(time.Hour)}
	other.Group([]contracts.Rule{contracts.NewProhibition(artifact)})
	otherPayload, err := contracts.SerializeContract(other)
	require.NoError(t, err)
	_, err = m.ConfirmAgreement(ctx, id, otherPayload)
	assert.ErrorIs(t, err, ErrContract)

	got, err := m.ConfirmAgreement(ctx, id, rec.Value)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	_, err = m.ConfirmAgreement(ctx, id, rec.Value)
	require.NoError(t, err)

	rec, err = s.Agreement(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Confirmed)
	assert.Equal(t, []string{id}, ch.sent, "clearing house told once")

	_, err = m.ConfirmAgreement(ctx, "missing", rec.Value)
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestConfirmAgreement_ConcurrentConfirmationsNotifyOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ch := &recordingClearingHouse{}
	m := newManager(t, providerID, s, WithClearingHouse(ch))

	id := storeAgreement(t, s, now.Add(time.Hour), false, artifact)
	rec, err := s.Agreement(ctx, id)
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.ConfirmAgreement(ctx, id, rec.Value)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{id}, ch.sent)
}

func TestMatchRequest(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	putOffer := func(id string, rules ...contracts.Rule) {
		c := &contracts.Contract{ID: id, Kind: contracts.KindOffer, Provider: providerID}
		c.Group(rules)
		v, err := contracts.SerializeContract(c)
		require.NoError(t, err)
		require.NoError(t, s.PutOffer(ctx, &store.OfferRecord{ID: id, Value: v, Artifacts: []string{artifact}}))
	}
	putOffer("https://provider.example/offers/a", contracts.NewPermission(artifact))
	putOffer("https://provider.example/offers/b", requestedRules()...)
	require.NoError(t, s.PutOffer(ctx, &store.OfferRecord{ID: "https://provider.example/offers/c", Value: "garbage", Artifacts: []string{artifact}}))

	consumer := newManager(t, consumerID, store.NewMemoryStore())
	provider := newManager(t, providerID, s, WithOffers(s))

	req, err := consumer.BuildContractRequest(requestedRules())
	require.NoError(t, err)
	offer, err := provider.MatchRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "https://provider.example/offers/b", offer.ID)

	unmatched, err := consumer.BuildContractRequest([]contracts.Rule{contracts.NewProhibition(artifact)})
	require.NoError(t, err)
	_, err = provider.MatchRequest(ctx, unmatched)
	assert.ErrorIs(t, err, ErrContract)

	_, err = newManager(t, providerID, s).MatchRequest(ctx, req)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

// offerIndex serves offer rules without stored offer documents.
type offerIndex struct {
	rules  map[string][]contracts.Rule
	lookup []string
}

func (o *offerIndex) OffersForArtifact(_ context.Context, _ string) ([]*store.OfferRecord, error) {
	out := make([]*store.OfferRecord, 0, len(o.rules))
	for id := range o.rules {
		out = append(out, &store.OfferRecord{ID: id})
	}
	return out, nil
}

func (o *offerIndex) RulesForOffer(_ context.Context, offerID string) ([]contracts.Rule, error) {
	o.lookup = append(o.lookup, offerID)
	rules, ok := o.rules[offerID]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", offerID, store.ErrNotFound)
	}
	return rules, nil
}

func TestMatchRequest_ResolvesRulesByOffer(t *testing.T) {
	const offerID = "https://provider.example/offers/indexed"
	offers := &offerIndex{rules: map[string][]contracts.Rule{offerID: requestedRules()}}
	provider := newManager(t, providerID, store.NewMemoryStore(), WithOffers(offers))
	consumer := newManager(t, consumerID, store.NewMemoryStore())

	req, err := consumer.BuildContractRequest(requestedRules())
	require.NoError(t, err)
	offer, err := provider.MatchRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, offerID, offer.ID)
	assert.Equal(t, contracts.KindOffer, offer.Kind)
	assert.Equal(t, []string{offerID}, offers.lookup)
}
