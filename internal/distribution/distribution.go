// Package distribution materializes a chunk placement by shipping
// ciphertext to each selected device, grounded on the fan-out/all-settled
// shape of the teacher's internal/dht.DistributeFile.
package distribution

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/duskvault/internal/connreg"
	"github.com/ssd-technologies/duskvault/internal/metadata"
	"github.com/ssd-technologies/duskvault/internal/tempstore"
)

// Placer is the subset of placement.Engine distribution depends on.
type Placer interface {
	Assign(ctx context.Context, chunkID string, size int64) ([]string, error)
}

// Sender is the subset of connreg.Registry distribution depends on.
type Sender interface {
	SendChunk(logicalDeviceID string, payload connreg.ChunkAssignPayload, timeout time.Duration) error
}

// Distributor drives DistributeChunk/DistributeFile.
type Distributor struct {
	store     *metadata.Store
	placer    Placer
	sender    Sender
	tempStore *tempstore.Store
	writeTimeout time.Duration
}

func New(store *metadata.Store, placer Placer, sender Sender, tempStore *tempstore.Store, writeTimeout time.Duration) *Distributor {
	return &Distributor{store: store, placer: placer, sender: sender, tempStore: tempStore, writeTimeout: writeTimeout}
}

type sendOutcome struct {
	deviceID string
	err      error
}

// DistributeChunk loads a chunk, assigns devices, and fans ciphertext out
// to each with all-settled semantics: every send attempt runs concurrently
// and is accounted for independently of the others' outcomes.
func (d *Distributor) DistributeChunk(ctx context.Context, chunkID string) error {
	chunk, err := d.store.GetChunk(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("load chunk: %w", err)
	}
	file, err := d.store.GetFile(ctx, chunk.FileID)
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}

	ciphertext, err := d.tempStore.Get(chunkID)
	if err != nil {
		return fmt.Errorf("load staged ciphertext: %w", err)
	}

	deviceIDs, err := d.placer.Assign(ctx, chunkID, chunk.SizeBytes)
	if err != nil {
		return fmt.Errorf("assign placement: %w", err)
	}

	outcomes := make([]sendOutcome, len(deviceIDs))
	var wg sync.WaitGroup
	for i, deviceID := range deviceIDs {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			outcomes[i] = sendOutcome{deviceID: deviceID, err: d.sendToDevice(ctx, file, chunk, deviceID, ciphertext)}
		}(i, deviceID)
	}
	wg.Wait()

	successes := 0
	for _, o := range outcomes {
		if o.err != nil {
			log.Printf("[distribution] send chunk %s to device %s failed: %v", chunkID, o.deviceID, o.err)
			continue
		}
		successes++
	}

	newState := metadata.ChunkHealthy
	if successes < chunk.TargetReplicas {
		newState = metadata.ChunkDegraded
	}
	if err := d.store.UpdateChunkReplicas(ctx, chunkID, successes, newState, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("update chunk after distribution: %w", err)
	}
	return nil
}

func (d *Distributor) sendToDevice(ctx context.Context, file *metadata.File, chunk *metadata.Chunk, deviceID string, ciphertext []byte) error {
	device, err := d.deviceFor(ctx, deviceID)
	if err != nil {
		return err
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

	if err := d.sender.SendChunk(device.LogicalDeviceID, payload, d.writeTimeout); err != nil {
		return err
	}

	device.AvailableCapacityBytes -= chunk.SizeBytes
	if err := d.store.UpdateDevice(ctx, device); err != nil {
		log.Printf("[distribution] decrement capacity for %s: %v", deviceID, err)
	}
	if err := d.store.SetChunkLocationHealthy(ctx, chunk.ID, deviceID, true, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("mark placement healthy: %w", err)
	}
	return nil
}

func (d *Distributor) deviceFor(ctx context.Context, deviceID string) (*metadata.Device, error) {
	return d.store.GetDevice(ctx, deviceID)
}

// DistributeFile iterates a file's chunks in sequence order; a failure on
// one chunk does not halt the rest. Errors are aggregated and returned.
func (d *Distributor) DistributeFile(ctx context.Context, fileID string) error {
	chunks, err := d.store.ListChunksByFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}

	var errsOut []error
	for _, c := range chunks {
		if err := d.DistributeChunk(ctx, c.ID); err != nil {
			errsOut = append(errsOut, fmt.Errorf("chunk %s (seq %d): %w", c.ID, c.SequenceNum, err))
		}
	}
	if len(errsOut) > 0 {
		return fmt.Errorf("distribute file %s: %d of %d chunks failed: %v", fileID, len(errsOut), len(chunks), errsOut)
	}
	return nil
}
