// Package healer consumes heal-chunk jobs off the queue and drives
// reassignment and redistribution of missing replicas, grounded on the
// teacher's internal/dht.repairFile: check availability, reconstruct/
// re-place what's missing, re-store.
package healer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/duskvault/internal/connreg"
	"github.com/ssd-technologies/duskvault/internal/healthscan"
	"github.com/ssd-technologies/duskvault/internal/metadata"
	"github.com/ssd-technologies/duskvault/internal/queue"
	"github.com/ssd-technologies/duskvault/internal/tempstore"
)

const maxAttempts = 5

// Reassigner is the subset of placement.Engine healer depends on.
type Reassigner interface {
	Reassign(ctx context.Context, chunkID string) error
}

// Sender is the subset of connreg.Registry healer depends on.
type Sender interface {
	SendChunk(logicalDeviceID string, payload connreg.ChunkAssignPayload, timeout time.Duration) error
}

// Fetcher retrieves raw ciphertext from a live holder. Re-encryption is
// never required here; ciphertext is reusable across holders.
type Fetcher interface {
	RequestChunk(logicalDeviceID, chunkID string, timeout time.Duration) ([]byte, error)
}

// Healer drives one heal-chunk job to completion.
type Healer struct {
	store        *metadata.Store
	reassigner   Reassigner
	sender       Sender
	fetcher      Fetcher
	tempStore    *tempstore.Store
	jobQueue     *queue.Queue
	writeTimeout time.Duration
	readTimeout  time.Duration
	concurrency  int
}

func New(store *metadata.Store, reassigner Reassigner, sender Sender, fetcher Fetcher, tempStore *tempstore.Store, jobQueue *queue.Queue, writeTimeout, readTimeout time.Duration) *Healer {
	return &Healer{
		store: store, reassigner: reassigner, sender: sender, fetcher: fetcher,
		tempStore: tempStore, jobQueue: jobQueue,
		writeTimeout: writeTimeout, readTimeout: readTimeout, concurrency: 5,
	}
}

// Run drains heal-chunk jobs from the queue with up to 5 concurrent workers
// until ctx is cancelled.
func (h *Healer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < h.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := h.jobQueue.Dequeue(ctx)
				if !ok {
					return
				}
				if job.Type != "heal-chunk" {
					continue
				}
				h.handle(ctx, job)
			}
		}()
	}
	wg.Wait()
}

func (h *Healer) handle(ctx context.Context, job *queue.Job) {
	payload, ok := job.Payload.(healthscan.HealChunkPayload)
	if !ok {
		log.Printf("[healer] job %s has unexpected payload type %T, dropping", job.Type, job.Payload)
		return
	}

	if err := h.healChunk(ctx, payload.ChunkID); err != nil {
		log.Printf("[healer] heal chunk %s failed (attempt %d): %v", payload.ChunkID, job.Attempt+1, err)
		h.retry(job, payload)
	}
}

// retry re-enqueues a failed heal-chunk job with exponential backoff, up to
// maxAttempts. Beyond that, the chunk is left for the next scan cycle.
func (h *Healer) retry(job *queue.Job, payload healthscan.HealChunkPayload) {
	job.Attempt++
	if job.Attempt >= maxAttempts {
		log.Printf("[healer] chunk %s exhausted %d attempts, leaving for next scan", payload.ChunkID, maxAttempts)
		return
	}
	backoff := job.BaseBackoff << uint(job.Attempt-1)
	h.jobQueue.EnqueueAfter(job, backoff)
}

// healChunk is the single-attempt body of a heal-chunk job.
func (h *Healer) healChunk(ctx context.Context, chunkID string) error {
	chunk, err := h.store.GetChunk(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("load chunk: %w", err)
	}

	healthy, err := h.store.CountHealthyHolders(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("count healthy holders: %w", err)
	}
	if healthy >= chunk.TargetReplicas {
		return nil // the world moved on
	}

	before, err := h.store.ListChunkLocations(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("list locations before reassign: %w", err)
	}
	beforeDevices := make(map[string]bool, len(before))
	for _, loc := range before {
		beforeDevices[loc.DeviceID] = true
	}

	if err := h.reassigner.Reassign(ctx, chunkID); err != nil {
		return fmt.Errorf("reassign: %w", err)
	}

	after, err := h.store.ListChunkLocations(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("list locations after reassign: %w", err)
	}

	var newDeviceIDs []string
	for _, loc := range after {
		if !beforeDevices[loc.DeviceID] {
			newDeviceIDs = append(newDeviceIDs, loc.DeviceID)
		}
	}
	if len(newDeviceIDs) == 0 {
		return nil // no capacity found this pass; next scan tries again
	}

	ciphertext, err := h.ciphertextFor(chunkID, before)
	if err != nil {
		return fmt.Errorf("resolve ciphertext: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(newDeviceIDs))
	for _, deviceID := range newDeviceIDs {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			if err := h.sendToDevice(ctx, chunk, deviceID, ciphertext); err != nil {
				errCh <- fmt.Errorf("device %s: %w", deviceID, err)
			}
		}(deviceID)
	}
	wg.Wait()
	close(errCh)

	var sendErrs []error
	for err := range errCh {
		log.Printf("[healer] %v", err)
		sendErrs = append(sendErrs, err)
	}

	finalHealthy, err := h.store.CountHealthyHolders(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("recount healthy holders: %w", err)
	}
	newState := metadata.ChunkReplicating
	if finalHealthy >= chunk.TargetReplicas {
		newState = metadata.ChunkHealthy
	}
	if err := h.store.UpdateChunkReplicas(ctx, chunkID, finalHealthy, newState, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("update chunk after heal: %w", err)
	}

	if len(sendErrs) == len(newDeviceIDs) {
		return fmt.Errorf("all %d new placements failed to send", len(newDeviceIDs))
	}
	return nil
}

// ciphertextFor returns the chunk's ciphertext, preferring the temporary
// store and falling back to a live healthy holder.
func (h *Healer) ciphertextFor(chunkID string, existing []metadata.ChunkLocation) ([]byte, error) {
	if h.tempStore.Has(chunkID) {
		return h.tempStore.Get(chunkID)
	}

	ctx := context.Background()
	for _, loc := range existing {
		if !loc.Healthy {
			continue
		}
		device, err := h.store.GetDevice(ctx, loc.DeviceID)
		if err != nil || device.State != metadata.DeviceOnline {
			continue
		}
		ct, err := h.fetcher.RequestChunk(device.LogicalDeviceID, chunkID, h.readTimeout)
		if err != nil {
			log.Printf("[healer] fetch ciphertext from %s failed: %v", device.LogicalDeviceID, err)
			continue
		}
		return ct, nil
	}

	return nil, fmt.Errorf("no live holder could supply ciphertext for %s", chunkID)
}

func (h *Healer) sendToDevice(ctx context.Context, chunk *metadata.Chunk, deviceID string, ciphertext []byte) error {
	device, err := h.store.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	payload := connreg.ChunkAssignPayload{
		ChunkID:          chunk.ID,
		FileID:           chunk.FileID,
		SequenceNum:      chunk.SequenceNum,
		SizeBytes:        chunk.SizeBytes,
		IV:               hex.EncodeToString(chunk.IV),
		AuthTag:          hex.EncodeToString(chunk.AuthTag),
		AAD:              hex.EncodeToString(chunk.AAD),
		Checksum:         hex.EncodeToString(chunk.CiphertextHash),
		CiphertextBase64: base64.StdEncoding.EncodeToString(ciphertext),
	}

	if err := h.sender.SendChunk(device.LogicalDeviceID, payload, h.writeTimeout); err != nil {
		return err
	}

	device.AvailableCapacityBytes -= chunk.SizeBytes
	if err := h.store.UpdateDevice(ctx, device); err != nil {
		log.Printf("[healer] decrement capacity for %s: %v", deviceID, err)
	}
	if err := h.store.SetChunkLocationHealthy(ctx, chunk.ID, deviceID, true, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("mark placement healthy: %w", err)
	}
	return nil
}
