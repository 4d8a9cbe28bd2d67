// Package retrieval reconstitutes a file from its distributed chunk
// replicas, trying holders in order and verifying whole-file integrity
// before returning anything to the caller.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/duskvault/internal/cryptopipe"
	"github.com/ssd-technologies/duskvault/internal/errs"
	"github.com/ssd-technologies/duskvault/internal/metadata"
)

// Fetcher is the subset of connreg.Registry retrieval depends on.
type Fetcher interface {
	RequestChunk(logicalDeviceID, chunkID string, timeout time.Duration) ([]byte, error)
}

// Retriever drives RetrieveFile.
type Retriever struct {
	store       *metadata.Store
	pipeline    *cryptopipe.Pipeline
	fetcher     Fetcher
	readTimeout time.Duration
}

func New(store *metadata.Store, pipeline *cryptopipe.Pipeline, fetcher Fetcher, readTimeout time.Duration) *Retriever {
	return &Retriever{store: store, pipeline: pipeline, fetcher: fetcher, readTimeout: readTimeout}
}

// RetrieveFile loads a file's chunks in sequence order, fetches and
// decrypts each (trying holders in order, failing over on error), and
// verifies the concatenated plaintext against the file's stored hash.
func (r *Retriever) RetrieveFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: file %s: %v", errs.ErrNotFound, fileID, err)
	}

	chunks, err := r.store.ListChunksByFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	plaintexts := make([][]byte, len(chunks))
	var wg sync.WaitGroup
	errCh := make(chan error, len(chunks))

	for i, c := range chunks {
		wg.Add(1)
		go func(i int, c metadata.Chunk) {
			defer wg.Done()
			pt, err := r.retrieveChunk(ctx, file, &c)
			if err != nil {
				errCh <- fmt.Errorf("chunk %d: %w", c.SequenceNum, err)
				return
			}
			plaintexts[i] = pt
		}(i, c)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return nil, err
	}

	var out []byte
	for _, pt := range plaintexts {
		out = append(out, pt...)
	}

	gotHash := sha256.Sum256(out)
	if hex.EncodeToString(gotHash[:]) != file.PlaintextHash {
		return nil, fmt.Errorf("%w: whole-file hash mismatch for %s", errs.ErrIntegrity, fileID)
	}

	return out, nil
}

// retrieveChunk resolves live holders and tries them in order, returning
// the first successfully decrypted plaintext. A holder's failure (timeout,
// integrity, auth) logs and moves to the next holder; only exhausting all
// holders raises.
func (r *Retriever) retrieveChunk(ctx context.Context, file *metadata.File, chunk *metadata.Chunk) ([]byte, error) {
	holders, err := r.liveHolders(ctx, chunk.ID)
	if err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, fmt.Errorf("%w: no healthy holders for chunk %s", errs.ErrUnavailable, chunk.ID)
	}

	var lastErr error
	for _, h := range holders {
		ct, err := r.fetcher.RequestChunk(h.LogicalDeviceID, chunk.ID, r.readTimeout)
		if err != nil {
			log.Printf("[retrieval] holder %s failed for chunk %s: %v", h.LogicalDeviceID, chunk.ID, err)
			lastErr = err
			continue
		}

		enc := &cryptopipe.EncryptedChunk{
			CT:      ct,
			IV:      chunk.IV,
			Tag:     chunk.AuthTag,
			AAD:     chunk.AAD,
			CTHash:  chunk.CiphertextHash,
			Version: cryptopipe.CipherVersion(chunk.CipherVersion),
		}
		pt, err := r.pipeline.DecryptChunk(enc, file.WrappedDEK, file.ID, chunk.SequenceNum)
		if err != nil {
			log.Printf("[retrieval] decrypt from holder %s failed for chunk %s: %v", h.LogicalDeviceID, chunk.ID, err)
			lastErr = err
			continue
		}
		return pt, nil
	}

	return nil, fmt.Errorf("%w: all holders failed for chunk %s: %v", errs.ErrUnavailable, chunk.ID, lastErr)
}

// liveHolders returns devices currently holding a healthy placement for
// chunkID, filtered to ONLINE devices. The design allows an in-memory TTL
// cache here; Retriever queries the metadata store directly, which is
// always correct and only slightly more expensive per retrieval.
func (r *Retriever) liveHolders(ctx context.Context, chunkID string) ([]metadata.Device, error) {
	devices, err := r.store.ListDevicesHoldingChunk(ctx, chunkID)
	if err != nil {
		return nil, fmt.Errorf("list holders: %w", err)
	}

	var online []metadata.Device
	for _, d := range devices {
		if d.State == metadata.DeviceOnline {
			online = append(online, d)
		}
	}
	return online, nil
}
