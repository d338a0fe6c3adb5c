package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/evac-planner/evac-planner/evac"
)

const provenanceFile = "provenance.jsonl"

var writeArtifact = func(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}

// FS stores artifacts as <dir>/<run>/<type>.json with an append-only
// provenance.jsonl per run. Artifact files are created with O_EXCL, so a
// second writer never overwrites the first.
type FS struct {
	dir string
	mu  sync.Mutex
}

// NewFS creates a store rooted at dir. The directory is created on first write.
func NewFS(dir string) *FS {
	return &FS{dir: dir}
}

func (s *FS) path(runID, artifactType string) string {
	return filepath.Join(s.dir, runID, artifactType+".json")
}

func (s *FS) GetArtifact(ctx context.Context, runID, artifactType string) (Artifact, error) {
	if err := checkKey(runID, artifactType); err != nil {
		return Artifact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(runID, artifactType)
}

func (s *FS) get(runID, artifactType string) (Artifact, error) {
	data, err := os.ReadFile(s.path(runID, artifactType))
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, artifactType)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("reading artifact: %w", err)
	}
	records, err := s.provenance(runID)
	if err != nil {
		return Artifact{}, err
	}
	for _, rec := range records {
		if rec.ArtifactType == artifactType {
			return Artifact{Record: rec, Data: data}, nil
		}
	}
	// Written but not yet recorded: rebuild the record from the content.
	return Artifact{Record: evac.ProvenanceRecord{RunID: runID, ArtifactType: artifactType, Path: s.path(runID, artifactType), Hash: Hash(data)}, Data: data}, nil
}

func (s *FS) PutArtifact(ctx context.Context, runID, artifactType string, data []byte, producer, parentHash string) (evac.ProvenanceRecord, error) {
	if err := checkKey(runID, artifactType); err != nil {
		return evac.ProvenanceRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return evac.ProvenanceRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := Hash(data)
	path := s.path(runID, artifactType)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("creating run directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		stored, gerr := s.get(runID, artifactType)
		if gerr != nil {
			return evac.ProvenanceRecord{}, gerr
		}
		return existing(stored, hash)
	}
	if err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("creating artifact: %w", err)
	}
	// A partial file would make every later put of the same bytes conflict.
	if err := writeArtifact(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return evac.ProvenanceRecord{}, fmt.Errorf("writing artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return evac.ProvenanceRecord{}, fmt.Errorf("closing artifact: %w", err)
	}

	rec := evac.ProvenanceRecord{RunID: runID, ArtifactType: artifactType, Path: path, Hash: hash, Stage: producer, ParentHash: parentHash}
	line, err := json.Marshal(rec)
	if err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("encoding provenance: %w", err)
	}
	pf, err := os.OpenFile(filepath.Join(s.dir, runID, provenanceFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("opening provenance: %w", err)
	}
	defer func() { _ = pf.Close() }()
	if _, err := pf.Write(append(line, '\n')); err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("appending provenance: %w", err)
	}
	return rec, nil
}

func (s *FS) Provenance(ctx context.Context, runID string) ([]evac.ProvenanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provenance(runID)
}

func (s *FS) provenance(runID string) ([]evac.ProvenanceRecord, error) {
	f, err := os.Open(filepath.Join(s.dir, runID, provenanceFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening provenance: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []evac.ProvenanceRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec evac.ProvenanceRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parsing provenance line %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading provenance: %w", err)
	}
	return records, nil
}
