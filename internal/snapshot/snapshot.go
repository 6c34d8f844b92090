// Package snapshot persists a local copy of session state so a floor station
// survives restarts without consulting the backend.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sgmi/padaria-floor/internal/domain"
)

// Snapshot is the locally persisted copy of one session's state.
type Snapshot struct {
	BatchID          string              `json:"batchId"`
	ProductionPlanID string              `json:"productionPlanId"`
	Batch            *domain.BatchStatus `json:"batchStatus"`
	ElapsedSeconds   int                 `json:"elapsedSeconds"`
	SavedAt          time.Time           `json:"savedAt"`
}

// Store is a namespaced key/value store for snapshots and auth state.
// Get returns (nil, nil) when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Load reads and decodes the snapshot under key. A corrupt payload counts as
// absence: the caller falls through to the backend instead of crashing.
func Load(ctx context.Context, store Store, key string, logger *zap.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %q: %w", key, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Warn("discarding corrupt snapshot", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if snap.Batch != nil {
		if err := snap.Batch.Validate(); err != nil {
			logger.Warn("discarding invalid snapshot", zap.String("key", key), zap.Error(err))
			return nil, nil
		}
	}

	return &snap, nil
}

// Save encodes and writes the snapshot under key.
func Save(ctx context.Context, store Store, key string, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: snapshot is required", domain.ErrValidation)
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %q: %w", key, err)
	}

	if err := store.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to write snapshot %q: %w", key, err)
	}
	return nil
}
