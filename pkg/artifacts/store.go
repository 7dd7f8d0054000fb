// Package artifacts holds artifact payloads. A payload is keyed by the
// artifact identifier and can be erased in place: erasing overwrites the
// payload with an empty byte stream so that metadata and links survive
// while the data is gone.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when no payload exists for an artifact.
var ErrNotFound = errors.New("artifacts: payload not found")

// Store persists artifact payloads.
type Store interface {
	Put(ctx context.Context, artifactID string, data []byte) error
	Get(ctx context.Context, artifactID string) ([]byte, error)
	// Erase replaces the payload with an empty byte stream.
	Erase(ctx context.Context, artifactID string) error
	// IsErased reports whether the payload exists and is empty.
	IsErased(ctx context.Context, artifactID string) (bool, error)
}

// objectName maps an artifact identifier (usually a URI) to a flat,
// path-safe object name.
func objectName(artifactID string) string {
	sum := sha256.Sum256([]byte(artifactID))
	return hex.EncodeToString(sum[:]) + ".blob"
}

// FileStore keeps payloads as files under a base directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(artifactID string) string {
	return filepath.Join(s.baseDir, objectName(artifactID))
}

// Put writes the payload atomically, replacing any previous one.
func (s *FileStore) Put(_ context.Context, artifactID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(artifactID, data)
}

func (s *FileStore) writeLocked(artifactID string, data []byte) error {
	path := s.path(artifactID)
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit payload: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, artifactID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(artifactID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Erase(_ context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(artifactID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		//nolint:wrapcheck // caller provides context
		return err
	}
	return s.writeLocked(artifactID, nil)
}

func (s *FileStore) IsErased(_ context.Context, artifactID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := os.Stat(s.path(artifactID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		//nolint:wrapcheck // caller provides context
		return false, err
	}
	return info.Size() == 0, nil
}
