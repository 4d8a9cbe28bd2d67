// Package reaper consumes delete-file and trim-excess jobs, best-effort
// instructing devices to drop ciphertext and then reconciling metadata,
// grounded on the teacher's internal/dht.filedist.go DeleteDistributedFile:
// best-effort per-location delete, then cascade cleanup of the parent
// record.
package reaper

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ssd-technologies/duskvault/internal/healthscan"
	"github.com/ssd-technologies/duskvault/internal/metadata"
	"github.com/ssd-technologies/duskvault/internal/queue"
	"github.com/ssd-technologies/duskvault/internal/tempstore"
)

const maxAttempts = 5

// Deleter is the subset of connreg.Registry reaper depends on.
type Deleter interface {
	DeleteChunk(logicalDeviceID, chunkID, reason string, timeout time.Duration) error
}

// DeleteFilePayload is the queue payload for delete-file jobs.
type DeleteFilePayload struct {
	FileID string
	Reason string
}

// Reaper drives delete-file and trim-excess jobs to completion.
type Reaper struct {
	store         *metadata.Store
	deleter       Deleter
	tempStore     *tempstore.Store
	jobQueue      *queue.Queue
	deleteTimeout time.Duration
	concurrency   int
}

func New(store *metadata.Store, deleter Deleter, tempStore *tempstore.Store, jobQueue *queue.Queue, deleteTimeout time.Duration) *Reaper {
	return &Reaper{store: store, deleter: deleter, tempStore: tempStore, jobQueue: jobQueue, deleteTimeout: deleteTimeout, concurrency: 5}
}

// Run drains delete-file and trim-excess jobs with a small worker pool
// until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := r.jobQueue.Dequeue(ctx)
				if !ok {
					return
				}
				r.handle(ctx, job)
			}
		}()
	}
	wg.Wait()
}

func (r *Reaper) handle(ctx context.Context, job *queue.Job) {
	switch job.Type {
	case "delete-file":
		payload, ok := job.Payload.(DeleteFilePayload)
		if !ok {
			log.Printf("[reaper] job delete-file has unexpected payload type %T, dropping", job.Payload)
			return
		}
		if err := r.DeleteFile(ctx, payload.FileID); err != nil {
			log.Printf("[reaper] delete file %s failed (attempt %d): %v", payload.FileID, job.Attempt+1, err)
			r.retry(job)
		}
	case "trim-excess":
		payload, ok := job.Payload.(healthscan.TrimExcessPayload)
		if !ok {
			log.Printf("[reaper] job trim-excess has unexpected payload type %T, dropping", job.Payload)
			return
		}
		if err := r.TrimExcess(ctx, payload.ChunkID); err != nil {
			log.Printf("[reaper] trim excess for chunk %s failed (attempt %d): %v", payload.ChunkID, job.Attempt+1, err)
			r.retry(job)
		}
	default:
		log.Printf("[reaper] unknown job type %q, dropping", job.Type)
	}
}

func (r *Reaper) retry(job *queue.Job) {
	job.Attempt++
	if job.Attempt >= maxAttempts {
		log.Printf("[reaper] job %s exhausted %d attempts, dropping", job.Type, maxAttempts)
		return
	}
	backoff := job.BaseBackoff << uint(job.Attempt-1)
	r.jobQueue.EnqueueAfter(job, backoff)
}

// DeleteFile best-effort-deletes every chunk's replicas from their holders,
// clears staged ciphertext, and cascades the file/chunk/placement rows.
func (r *Reaper) DeleteFile(ctx context.Context, fileID string) error {
	chunks, err := r.store.ListChunksByFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}

	var wg sync.WaitGroup
	for _, c := range chunks {
		wg.Add(1)
		go func(c metadata.Chunk) {
			defer wg.Done()
			r.deleteChunkEverywhere(ctx, &c)
		}(c)
	}
	wg.Wait()

	if err := r.store.DeleteChunksForFile(ctx, fileID); err != nil {
		return fmt.Errorf("cascade delete chunks: %w", err)
	}
	if err := r.store.DeleteFile(ctx, fileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// deleteChunkEverywhere instructs every holder of a chunk to drop its
// replica, in parallel and best-effort, then clears the staged ciphertext.
// Individual device failures are logged, not propagated: the row-level
// cascade delete below is the source of truth regardless of device acks.
func (r *Reaper) deleteChunkEverywhere(ctx context.Context, chunk *metadata.Chunk) {
	locations, err := r.store.ListChunkLocations(ctx, chunk.ID)
	if err != nil {
		log.Printf("[reaper] list locations for chunk %s: %v", chunk.ID, err)
		return
	}

	var wg sync.WaitGroup
	for _, loc := range locations {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			device, err := r.store.GetDevice(ctx, deviceID)
			if err != nil {
				log.Printf("[reaper] load device %s: %v", deviceID, err)
				return
			}
			if err := r.deleter.DeleteChunk(device.LogicalDeviceID, chunk.ID, "file deleted", r.deleteTimeout); err != nil {
				log.Printf("[reaper] delete chunk %s on device %s: %v", chunk.ID, device.LogicalDeviceID, err)
			}
		}(loc.DeviceID)
	}
	wg.Wait()

	if err := r.tempStore.Remove(chunk.ID); err != nil {
		log.Printf("[reaper] remove staged ciphertext for %s: %v", chunk.ID, err)
	}
}

// locationWithScore pairs a placement with its device's reliability score
// for victim selection.
type locationWithScore struct {
	location metadata.ChunkLocation
	device   metadata.Device
}

// TrimExcess recounts a chunk's healthy holders and, if above
// target_replicas+SafetyMargin, instructs the lowest-reliability holders to
// delete their replicas until the chunk is back within bounds.
func (r *Reaper) TrimExcess(ctx context.Context, chunkID string) error {
	chunk, err := r.store.GetChunk(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("load chunk: %w", err)
	}

	locations, err := r.store.ListChunkLocations(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("list locations: %w", err)
	}

	var candidates []locationWithScore
	for _, loc := range locations {
		if !loc.Healthy {
			continue
		}
		device, err := r.store.GetDevice(ctx, loc.DeviceID)
		if err != nil {
			log.Printf("[reaper] load device %s: %v", loc.DeviceID, err)
			continue
		}
		candidates = append(candidates, locationWithScore{location: loc, device: *device})
	}

	limit := chunk.TargetReplicas + healthscan.SafetyMargin
	excess := len(candidates) - limit
	if excess <= 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].device.ReliabilityScore < candidates[j].device.ReliabilityScore
	})
	victims := candidates[:excess]

	now := time.Now().UnixMilli()
	for _, v := range victims {
		if v.device.State != metadata.DeviceOnline {
			if err := r.store.SetChunkLocationHealthy(ctx, chunkID, v.device.ID, false, now); err != nil {
				log.Printf("[reaper] mark unhealthy %s/%s: %v", chunkID, v.device.ID, err)
			}
			continue
		}

		if err := r.deleter.DeleteChunk(v.device.LogicalDeviceID, chunkID, "trim-excess", r.deleteTimeout); err != nil {
			log.Printf("[reaper] trim delete chunk %s on device %s: %v", chunkID, v.device.LogicalDeviceID, err)
			continue
		}

		v.device.AvailableCapacityBytes += chunk.SizeBytes
		if err := r.store.UpdateDevice(ctx, &v.device); err != nil {
			log.Printf("[reaper] restore capacity for %s: %v", v.device.ID, err)
		}
		if err := r.store.DeleteChunkLocation(ctx, chunkID, v.device.ID); err != nil {
			log.Printf("[reaper] delete placement %s/%s: %v", chunkID, v.device.ID, err)
		}
	}

	healthy, err := r.store.CountHealthyHolders(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("recount healthy holders: %w", err)
	}
	if err := r.store.UpdateChunkReplicas(ctx, chunkID, healthy, chunk.State, now); err != nil {
		return fmt.Errorf("update chunk after trim: %w", err)
	}
	return nil
}
