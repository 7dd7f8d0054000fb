package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

// MemoryStore keeps entities in process memory. It is used in tests and by
// the CLI for one-shot commands.
type MemoryStore struct {
	mu         sync.RWMutex
	agreements map[string]*contracts.AgreementRecord
	artifacts  map[string]*ArtifactRecord
	offers     map[string]*OfferRecord
	clock      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agreements: make(map[string]*contracts.AgreementRecord),
		artifacts:  make(map[string]*ArtifactRecord),
		offers:     make(map[string]*OfferRecord),
		clock:      time.Now,
	}
}

// WithClock overrides the clock used to stamp new records.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func copyAgreement(a *contracts.AgreementRecord) *contracts.AgreementRecord {
	out := *a
	out.Artifacts = append([]string(nil), a.Artifacts...)
	return &out
}

// PutArtifact inserts artifact metadata or updates the title of an existing
// artifact, keeping its creation date and access count.
func (s *MemoryStore) PutArtifact(_ context.Context, a *ArtifactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.artifacts[a.ID]; ok {
		existing.Title = a.Title
		return nil
	}
	rec := *a
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	s.artifacts[a.ID] = &rec
	return nil
}

func (s *MemoryStore) Artifact(_ context.Context, id string) (*ArtifactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	out := *a
	return &out, nil
}

// Increment bumps the stored access count of an artifact.
func (s *MemoryStore) Increment(_ context.Context, target string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[target]
	if !ok {
		return 0, fmt.Errorf("artifact %s: %w", target, ErrNotFound)
	}
	a.AccessCount++
	return a.AccessCount, nil
}

// Count returns the stored access count of an artifact.
func (s *MemoryStore) Count(ctx context.Context, target string) (uint64, error) {
	a, err := s.Artifact(ctx, target)
	if err != nil {
		return 0, err
	}
	return a.AccessCount, nil
}

func (s *MemoryStore) SaveAgreement(_ context.Context, rec *contracts.AgreementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.agreements[rec.ID]; ok && existing.Confirmed {
		return fmt.Errorf("agreement %s is confirmed: %w", rec.ID, ErrAlreadyExists)
	}
	out := copyAgreement(rec)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.clock()
	}
	s.agreements[rec.ID] = out
	return nil
}

func (s *MemoryStore) ConfirmAgreement(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agreements[id]
	if !ok {
		return false, fmt.Errorf("agreement %s: %w", id, ErrNotFound)
	}
	if a.Confirmed {
		return false, nil
	}
	a.Confirmed = true
	return true, nil
}

func (s *MemoryStore) Agreement(_ context.Context, id string) (*contracts.AgreementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agreements[id]
	if !ok {
		return nil, fmt.Errorf("agreement %s: %w", id, ErrNotFound)
	}
	return copyAgreement(a), nil
}

// Agreements returns all agreements ordered by creation time, then id.
func (s *MemoryStore) Agreements(_ context.Context) ([]*contracts.AgreementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.AgreementRecord, 0, len(s.agreements))
	for _, a := range s.agreements {
		out = append(out, copyAgreement(a))
	}
	sortAgreements(out)
	return out, nil
}

func (s *MemoryStore) AgreementsForArtifact(ctx context.Context, artifactID string) ([]*contracts.AgreementRecord, error) {
	all, err := s.Agreements(ctx)
	if err != nil {
		return nil, err
	}
	var out []*contracts.AgreementRecord
	for _, a := range all {
		if a.HasArtifact(artifactID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) ArtifactsForAgreement(ctx context.Context, agreementID string) ([]string, error) {
	a, err := s.Agreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	return a.Artifacts, nil
}

// PutOffer inserts or replaces a contract offer.
func (s *MemoryStore) PutOffer(_ context.Context, o *OfferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *o
	rec.Artifacts = append([]string(nil), o.Artifacts...)
	s.offers[o.ID] = &rec
	return nil
}

// OffersForArtifact returns the offers covering an artifact, ordered by id.
func (s *MemoryStore) OffersForArtifact(_ context.Context, artifactID string) ([]*OfferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OfferRecord
	for _, o := range s.offers {
		for _, id := range o.Artifacts {
			if id == artifactID {
				rec := *o
				out = append(out, &rec)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RulesForOffer(_ context.Context, offerID string) ([]contracts.Rule, error) {
	s.mu.RLock()
	o, ok := s.offers[offerID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	return rulesOf(o.Value)
}

func sortAgreements(as []*contracts.AgreementRecord) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}
