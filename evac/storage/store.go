// Package storage persists run artifacts. Artifacts are content-addressed
// and append-only per run: each (run, type) pair is written once.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/evac-planner/evac-planner/evac"
)

var (
	// ErrArtifactConflict is returned when a different artifact already exists
	// for the same run and type.
	ErrArtifactConflict = errors.New("artifact conflict")

	// ErrNotFound is returned for a missing artifact.
	ErrNotFound = errors.New("artifact not found")
)

// Artifact is a stored payload with its provenance.
type Artifact struct {
	Record evac.ProvenanceRecord `json:"record"`
	Data   []byte                `json:"data"`
}

// Store is the artifact storage collaborator.
type Store interface {
	// GetArtifact returns the artifact of the given type, or ErrNotFound.
	GetArtifact(ctx context.Context, runID, artifactType string) (Artifact, error)
	// PutArtifact writes data once. Re-putting identical data returns the
	// existing record; different data is ErrArtifactConflict.
	PutArtifact(ctx context.Context, runID, artifactType string, data []byte, producer, parentHash string) (evac.ProvenanceRecord, error)
	// Provenance lists the run's records in write order.
	Provenance(ctx context.Context, runID string) ([]evac.ProvenanceRecord, error)
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkKey rejects ids that would escape a run's namespace.
func checkKey(runID, artifactType string) error {
	for name, v := range map[string]string{"run id": runID, "artifact type": artifactType} {
		if v == "" || strings.ContainsAny(v, `/\:`) || strings.Contains(v, "..") {
			return evac.NewValidationError("storage", "invalid %s %q", name, v)
		}
	}
	return nil
}

// existing resolves a put against an already stored artifact.
func existing(stored Artifact, hash string) (evac.ProvenanceRecord, error) {
	if stored.Record.Hash == hash {
		return stored.Record, nil
	}
	return evac.ProvenanceRecord{}, fmt.Errorf("%w: %s/%s has hash %s", ErrArtifactConflict, stored.Record.RunID, stored.Record.ArtifactType, stored.Record.Hash)
}

// Open builds the store selected by cfg. The returned close function
// releases backend connections.
func Open(cfg evac.StorageConfig) (Store, func() error, error) {
	switch cfg.Backend {
	case evac.StorageMemory, "":
		return NewMemory(), func() error { return nil }, nil
	case evac.StorageFS:
		return NewFS(cfg.Dir), func() error { return nil }, nil
	case evac.StorageRedis:
		r := DialRedis(cfg.RedisAddr, cfg.RedisPrefix)
		return r, r.Close, nil
	default:
		return nil, nil, evac.NewValidationError("storage.backend", "unknown backend %q", cfg.Backend)
	}
}
