package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

const (
	artifactA = "https://provider.example/artifacts/a"
	artifactB = "https://provider.example/artifacts/b"
)

func offerValue(t *testing.T, target string) string {
	t.Helper()
	c := &contracts.Contract{ID: "https://provider.example/offers/1", Kind: contracts.KindOffer}
	c.Group([]contracts.Rule{contracts.NewPermission(target), contracts.NewProhibition(target)})
	v, err := contracts.SerializeContract(c)
	require.NoError(t, err)
	return v
}

func TestMemoryStore_Agreements(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()

	require.NoError(t, s.SaveAgreement(ctx, &contracts.AgreementRecord{ID: "ag-2", Artifacts: []string{artifactA}, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.SaveAgreement(ctx, &contracts.AgreementRecord{ID: "ag-1", Artifacts: []string{artifactA, artifactB}, CreatedAt: base}))

	all, err := s.Agreements(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ag-1", all[0].ID)

	forB, err := s.AgreementsForArtifact(ctx, artifactB)
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, "ag-1", forB[0].ID)

	arts, err := s.ArtifactsForAgreement(ctx, "ag-2")
	require.NoError(t, err)
	assert.Equal(t, []string{artifactA}, arts)

	_, err = s.Agreement(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ArtifactsForAgreement(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConfirmIsFinal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveAgreement(ctx, &contracts.AgreementRecord{ID: "ag-1", Value: "v1"}))

	// Unconfirmed agreements may be replaced.
	require.NoError(t, s.SaveAgreement(ctx, &contracts.AgreementRecord{ID: "ag-1", Value: "v2"}))
	changed, err := s.ConfirmAgreement(ctx, "ag-1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.ConfirmAgreement(ctx, "ag-1")
	require.NoError(t, err)
	assert.False(t, changed, "second confirmation is not a transition")

	err = s.SaveAgreement(ctx, &contracts.AgreementRecord{ID: "ag-1", Value: "v3"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.Agreement(ctx, "ag-1")
	require.NoError(t, err)
	assert.True(t, got.Confirmed)
	assert.Equal(t, "v2", got.Value)

	_, err = s.ConfirmAgreement(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveAgreement(ctx, &contracts.AgreementRecord{ID: "ag-1", Artifacts: []string{artifactA}}))

	got, err := s.Agreement(ctx, "ag-1")
	require.NoError(t, err)
	got.Artifacts[0] = "mutated"
	got.Confirmed = true

	again, err := s.Agreement(ctx, "ag-1")
	require.NoError(t, err)
	assert.Equal(t, []string{artifactA}, again.Artifacts)
	assert.False(t, again.Confirmed)
}

func TestMemoryStore_ArtifactsAndCounts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.PutArtifact(ctx, &ArtifactRecord{ID: artifactA}))
	a, err := s.Artifact(ctx, artifactA)
	require.NoError(t, err)
	assert.Equal(t, now, a.CreatedAt)

	for i := 1; i <= 3; i++ {
		n, err := s.Increment(ctx, artifactA)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), n)
	}
	n, err := s.Count(ctx, artifactA)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	_, err = s.Increment(ctx, artifactB)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReuploadKeepsCreationDate(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := first
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.PutArtifact(ctx, &ArtifactRecord{ID: artifactA, Title: "v1"}))
	for i := 0; i < 2; i++ {
		_, err := s.Increment(ctx, artifactA)
		require.NoError(t, err)
	}

	now = first.Add(5 * time.Hour)
	require.NoError(t, s.PutArtifact(ctx, &ArtifactRecord{ID: artifactA, Title: "v2"}))

	a, err := s.Artifact(ctx, artifactA)
	require.NoError(t, err)
	assert.Equal(t, "v2", a.Title)
	assert.Equal(t, first, a.CreatedAt)
	assert.Equal(t, uint64(2), a.AccessCount)
}

func TestMemoryStore_Offers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutOffer(ctx, &OfferRecord{ID: "offer-b", Value: offerValue(t, artifactA), Artifacts: []string{artifactA}}))
	require.NoError(t, s.PutOffer(ctx, &OfferRecord{ID: "offer-a", Value: "not json", Artifacts: []string{artifactA, artifactB}}))

	offers, err := s.OffersForArtifact(ctx, artifactA)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "offer-a", offers[0].ID)

	rules, err := s.RulesForOffer(ctx, "offer-b")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.True(t, rules[0].IsPermission())
	assert.True(t, rules[1].IsProhibition())

	_, err = s.RulesForOffer(ctx, "offer-a")
	assert.ErrorIs(t, err, contracts.ErrDeserialization)

	_, err = s.RulesForOffer(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
