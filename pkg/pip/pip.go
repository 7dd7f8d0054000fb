// Package pip is the policy information point: read-only facts about
// artifacts that temporal and counting checks need.
package pip

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// InformationProvider answers the lookups the decision point performs.
type InformationProvider interface {
	CreationDate(ctx context.Context, target string) (time.Time, error)
	AccessCount(ctx context.Context, target string) (uint64, error)
}

// AccessCounter tracks how often an artifact has been accessed.
type AccessCounter interface {
	Increment(ctx context.Context, target string) (uint64, error)
	Count(ctx context.Context, target string) (uint64, error)
}

// ArtifactSource resolves artifact metadata.
type ArtifactSource interface {
	Artifact(ctx context.Context, id string) (*store.ArtifactRecord, error)
}

// Provider reads creation dates from the artifact source and access counts
// from the counter.
type Provider struct {
	artifacts ArtifactSource
	counter   AccessCounter
}

// NewProvider creates a Provider.
func NewProvider(artifacts ArtifactSource, counter AccessCounter) *Provider {
	return &Provider{artifacts: artifacts, counter: counter}
}

// CreationDate implements InformationProvider.
func (p *Provider) CreationDate(ctx context.Context, target string) (time.Time, error) {
	a, err := p.artifacts.Artifact(ctx, target)
	if err != nil {
		return time.Time{}, fmt.Errorf("pip: creation date of %s: %w", target, err)
	}
	return a.CreatedAt, nil
}

// AccessCount implements InformationProvider.
func (p *Provider) AccessCount(ctx context.Context, target string) (uint64, error) {
	n, err := p.counter.Count(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("pip: access count of %s: %w", target, err)
	}
	return n, nil
}

// RecordAccess increments the access count of target.
func (p *Provider) RecordAccess(ctx context.Context, target string) error {
	if _, err := p.counter.Increment(ctx, target); err != nil {
		return fmt.Errorf("pip: record access to %s: %w", target, err)
	}
	return nil
}
