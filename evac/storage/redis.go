package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/evac-planner/evac-planner/evac"
)

// Redis stores artifacts under <prefix>:artifact:<run>:<type> (written with
// SETNX) and provenance as a list under <prefix>:provenance:<run>.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// DialRedis creates a client for addr.
func DialRedis(addr, prefix string) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr}), prefix)
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) artifactKey(runID, artifactType string) string {
	return fmt.Sprintf("%s:artifact:%s:%s", r.prefix, runID, artifactType)
}

func (r *Redis) provenanceKey(runID string) string {
	return fmt.Sprintf("%s:provenance:%s", r.prefix, runID)
}

func (r *Redis) GetArtifact(ctx context.Context, runID, artifactType string) (Artifact, error) {
	if err := checkKey(runID, artifactType); err != nil {
		return Artifact{}, err
	}
	raw, err := r.client.Get(ctx, r.artifactKey(runID, artifactType)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Artifact{}, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, artifactType)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("redis get: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return Artifact{}, fmt.Errorf("decoding artifact: %w", err)
	}
	return a, nil
}

func (r *Redis) PutArtifact(ctx context.Context, runID, artifactType string, data []byte, producer, parentHash string) (evac.ProvenanceRecord, error) {
	if err := checkKey(runID, artifactType); err != nil {
		return evac.ProvenanceRecord{}, err
	}
	key := r.artifactKey(runID, artifactType)
	rec := evac.ProvenanceRecord{RunID: runID, ArtifactType: artifactType, Path: key, Hash: Hash(data), Stage: producer, ParentHash: parentHash}
	payload, err := json.Marshal(Artifact{Record: rec, Data: data})
	if err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("encoding artifact: %w", err)
	}
	ok, err := r.client.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		stored, err := r.GetArtifact(ctx, runID, artifactType)
		if err != nil {
			return evac.ProvenanceRecord{}, err
		}
		return existing(stored, rec.Hash)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("encoding provenance: %w", err)
	}
	if err := r.client.RPush(ctx, r.provenanceKey(runID), line).Err(); err != nil {
		return evac.ProvenanceRecord{}, fmt.Errorf("redis rpush: %w", err)
	}
	return rec, nil
}

func (r *Redis) Provenance(ctx context.Context, runID string) ([]evac.ProvenanceRecord, error) {
	lines, err := r.client.LRange(ctx, r.provenanceKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	records := make([]evac.ProvenanceRecord, 0, len(lines))
	for _, line := range lines {
		var rec evac.ProvenanceRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decoding provenance: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
