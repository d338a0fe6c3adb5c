package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/evac-planner/evac-planner/evac"
)

// Memory is an in-process Store.
type Memory struct {
	mu         sync.Mutex
	artifacts  map[string]Artifact
	provenance map[string][]evac.ProvenanceRecord
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		artifacts:  make(map[string]Artifact),
		provenance: make(map[string][]evac.ProvenanceRecord),
	}
}

func memPath(runID, artifactType string) string {
	return fmt.Sprintf("mem://%s/%s", runID, artifactType)
}

func (m *Memory) GetArtifact(ctx context.Context, runID, artifactType string) (Artifact, error) {
	if err := checkKey(runID, artifactType); err != nil {
		return Artifact{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[memPath(runID, artifactType)]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, artifactType)
	}
	a.Data = append([]byte(nil), a.Data...)
	return a, nil
}

func (m *Memory) PutArtifact(ctx context.Context, runID, artifactType string, data []byte, producer, parentHash string) (evac.ProvenanceRecord, error) {
	if err := checkKey(runID, artifactType); err != nil {
		return evac.ProvenanceRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return evac.ProvenanceRecord{}, err
	}
	path := memPath(runID, artifactType)
	hash := Hash(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.artifacts[path]; ok {
		return existing(stored, hash)
	}
	rec := evac.ProvenanceRecord{RunID: runID, ArtifactType: artifactType, Path: path, Hash: hash, Stage: producer, ParentHash: parentHash}
	m.artifacts[path] = Artifact{Record: rec, Data: append([]byte(nil), data...)}
	m.provenance[runID] = append(m.provenance[runID], rec)
	return rec, nil
}

func (m *Memory) Provenance(ctx context.Context, runID string) ([]evac.ProvenanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]evac.ProvenanceRecord(nil), m.provenance[runID]...), nil
}
