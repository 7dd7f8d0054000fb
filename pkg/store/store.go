// Package store resolves the entities the connector core reads: agreements,
// the artifacts linked to them, contract offers and artifact metadata.
//
// Each lookup is a small capability interface so callers depend on exactly
// the queries they issue. MemoryStore and SQLStore implement all of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// ArtifactRecord is the metadata kept for an artifact.
type ArtifactRecord struct {
	ID          string
	Title       string
	CreatedAt   time.Time
	AccessCount uint64
}

// OfferRecord is a persisted contract offer and the artifacts it covers.
type OfferRecord struct {
	ID        string
	Value     string // serialized offer
	Artifacts []string
}

// AgreementReader looks up a single agreement.
type AgreementReader interface {
	Agreement(ctx context.Context, id string) (*contracts.AgreementRecord, error)
}

// AgreementLister enumerates every stored agreement.
type AgreementLister interface {
	Agreements(ctx context.Context) ([]*contracts.AgreementRecord, error)
}

// AgreementsByTarget resolves the agreements covering an artifact.
type AgreementsByTarget interface {
	AgreementsForArtifact(ctx context.Context, artifactID string) ([]*contracts.AgreementRecord, error)
}

// ArtifactsByAgreement resolves the artifacts linked to an agreement.
type ArtifactsByAgreement interface {
	ArtifactsForAgreement(ctx context.Context, agreementID string) ([]string, error)
}

// AgreementWriter persists agreements and records their confirmation.
// ConfirmAgreement never clears the flag once set. It reports true only to
// the one caller that moved the agreement from unconfirmed to confirmed.
type AgreementWriter interface {
	SaveAgreement(ctx context.Context, rec *contracts.AgreementRecord) error
	ConfirmAgreement(ctx context.Context, id string) (bool, error)
}

// OfferRules resolves rules by contract offer.
type OfferRules interface {
	OffersForArtifact(ctx context.Context, artifactID string) ([]*OfferRecord, error)
	RulesForOffer(ctx context.Context, offerID string) ([]contracts.Rule, error)
}

// ArtifactReader resolves artifact metadata.
type ArtifactReader interface {
	Artifact(ctx context.Context, id string) (*ArtifactRecord, error)
}

func rulesOf(value string) ([]contracts.Rule, error) {
	c, err := contracts.ParseContract(value)
	if err != nil {
		return nil, err
	}
	return c.Rules(), nil
}
