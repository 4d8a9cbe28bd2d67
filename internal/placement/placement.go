// Package placement chooses which ONLINE devices host which chunk and
// reconciles placement rows when replicas go missing.
package placement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/duskvault/internal/errs"
	"github.com/ssd-technologies/duskvault/internal/metadata"
)

const minScoreForPlacement = 70

// Engine implements Assign and Reassign over the metadata store.
type Engine struct {
	store            *metadata.Store
	redundancyFactor int
}

func New(store *metadata.Store, redundancyFactor int) *Engine {
	return &Engine{store: store, redundancyFactor: redundancyFactor}
}

// Assign selects RF devices for a fresh chunk, records placement rows, and
// transitions the chunk to REPLICATING.
func (e *Engine) Assign(ctx context.Context, chunkID string, size int64) ([]string, error) {
	candidates, err := e.store.FindHealthy(ctx, size, minScoreForPlacement, 3*e.redundancyFactor)
	if err != nil {
		return nil, fmt.Errorf("find healthy devices: %w", err)
	}
	if len(candidates) < e.redundancyFactor {
		return nil, fmt.Errorf("%w: need %d devices, found %d", errs.ErrInsufficientCapacity, e.redundancyFactor, len(candidates))
	}

	selected := candidates[:e.redundancyFactor]
	ids := make([]string, 0, len(selected))
	for _, d := range selected {
		loc := &metadata.ChunkLocation{
			ID:        uuid.NewString(),
			ChunkID:   chunkID,
			DeviceID:  d.ID,
			LocalPath: syntheticPath(chunkID, d.ID),
			Healthy:   true,
		}
		if _, err := e.store.CreateChunkLocation(ctx, loc); err != nil {
			return nil, fmt.Errorf("create placement: %w", err)
		}
		ids = append(ids, d.ID)
	}

	if err := e.store.UpdateChunkReplicas(ctx, chunkID, 0, metadata.ChunkReplicating, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("update chunk state: %w", err)
	}

	return ids, nil
}

// Reassign recomputes healthy holders for chunkID and inserts replacement
// placements for any missing replicas, excluding devices already holding
// the chunk. If no eligible candidates remain, it logs and returns without
// error; the next scanner pass retries.
func (e *Engine) Reassign(ctx context.Context, chunkID string) error {
	chunk, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("%w: chunk %s: %v", errs.ErrNotFound, chunkID, err)
	}

	healthyCount, err := e.store.CountHealthyHolders(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("count healthy holders: %w", err)
	}

	missing := chunk.TargetReplicas - healthyCount
	if missing <= 0 {
		return nil
	}

	existing, err := e.store.ListChunkLocations(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("list chunk locations: %w", err)
	}
	held := make(map[string]bool, len(existing))
	for _, loc := range existing {
		held[loc.DeviceID] = true
	}

	candidates, err := e.store.FindHealthy(ctx, 0, minScoreForPlacement, 3*e.redundancyFactor+len(held))
	if err != nil {
		return fmt.Errorf("find healthy devices: %w", err)
	}

	var picked []metadata.Device
	for _, c := range candidates {
		if held[c.ID] {
			continue
		}
		picked = append(picked, c)
		if len(picked) == missing {
			break
		}
	}

	if len(picked) == 0 {
		log.Printf("[placement] no eligible devices to reassign chunk %s; deferring to next scan", chunkID)
		return nil
	}

	for _, d := range picked {
		loc := &metadata.ChunkLocation{
			ID:        uuid.NewString(),
			ChunkID:   chunkID,
			DeviceID:  d.ID,
			LocalPath: syntheticPath(chunkID, d.ID),
			Healthy:   false,
		}
		if _, err := e.store.CreateChunkLocation(ctx, loc); err != nil {
			return fmt.Errorf("create replacement placement: %w", err)
		}
	}

	if err := e.store.UpdateChunkState(ctx, chunkID, metadata.ChunkReplicating, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("update chunk state: %w", err)
	}
	return nil
}

func syntheticPath(chunkID, deviceID string) string {
	return fmt.Sprintf("/vault/%s/%s.chunk", deviceID, chunkID)
}
