// Package chunker splits a file's plaintext into pieces, encrypts each
// through the crypto pipeline, and produces the metadata rows distribution
// will act on. Chunk sizing is a pluggable policy object (an Open Question
// in the design: legacy fixed-size vs adaptive tiered sizing), selected once
// at configuration time rather than guessed per file.
package chunker

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"

	"github.com/ssd-technologies/duskvault/internal/cryptopipe"
	"github.com/ssd-technologies/duskvault/internal/errs"
	"github.com/ssd-technologies/duskvault/internal/metadata"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

// SizePolicy decides how many pieces a file of a given size is split into,
// and how large each piece is.
type SizePolicy interface {
	// Boundaries returns the [start,end) byte ranges of every piece.
	Boundaries(fileSize int64) [][2]int64
}

// LegacyFixedPolicy splits every file into fixed 5 MiB pieces, the
// chunk-size variant the coordinator used before adaptive tiering.
type LegacyFixedPolicy struct{}

const legacyChunkSize = 5 * mib

func (LegacyFixedPolicy) Boundaries(fileSize int64) [][2]int64 {
	return fixedBoundaries(fileSize, legacyChunkSize)
}

// AdaptivePolicy tiers chunk size by file size:
//
//	≤ 1 GiB       -> 1 chunk, whole file
//	(1 GiB, 5 GiB] -> 500 MiB chunks
//	> 5 GiB        -> 1 GiB chunks
type AdaptivePolicy struct{}

func (AdaptivePolicy) Boundaries(fileSize int64) [][2]int64 {
	switch {
	case fileSize <= gib:
		return [][2]int64{{0, fileSize}}
	case fileSize <= 5*gib:
		return tieredBoundaries(fileSize, gib, 500*mib)
	default:
		return tieredBoundaries(fileSize, gib, gib)
	}
}

func fixedBoundaries(fileSize, chunkSize int64) [][2]int64 {
	var bounds [][2]int64
	for start := int64(0); start < fileSize; start += chunkSize {
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		bounds = append(bounds, [2]int64{start, end})
	}
	return bounds
}

// tieredBoundaries sizes the first chunk to the prior tier's threshold
// (base) and tiles the remainder at chunkSize. Tiling the whole file at
// chunkSize from byte 0 would split a file that's only barely over a tier
// boundary into full chunkSize pieces plus a remainder (1 GiB + 1 byte at
// 500 MiB gives three chunks); sizing the first
// chunk to base instead means crossing a tier boundary by a single byte
// produces exactly two chunks, the second holding only that byte.
func tieredBoundaries(fileSize, base, chunkSize int64) [][2]int64 {
	first := base
	if first > fileSize {
		first = fileSize
	}
	bounds := [][2]int64{{0, first}}
	if first == fileSize {
		return bounds
	}
	for _, b := range fixedBoundaries(fileSize-first, chunkSize) {
		bounds = append(bounds, [2]int64{b[0] + first, b[1] + first})
	}
	return bounds
}

// Result is the outcome of ProcessFile: the file row and its ordered chunk
// rows, both ready to be persisted by the caller in a single transaction-ish
// sequence (metadata.Store has no cross-table transaction helper; the
// caller creates the file row, then the chunk rows, in that order, matching
// the design's "chunk rows created in sequence order" guarantee).
type Result struct {
	File   *metadata.File
	Chunks []*metadata.Chunk

	// Ciphertexts holds each chunk's ciphertext bytes, indexed the same as
	// Chunks, for the caller to stage into the temporary chunk store ahead
	// of distribution. Chunk rows never carry ciphertext themselves.
	Ciphertexts [][]byte
}

// Processor turns raw bytes into file + chunk metadata via a crypto
// pipeline and a chosen size policy.
type Processor struct {
	pipeline         *cryptopipe.Pipeline
	policy           SizePolicy
	maxFileSize      int64
	redundancyFactor int
}

func New(pipeline *cryptopipe.Pipeline, policy SizePolicy, maxFileSize int64, redundancyFactor int) *Processor {
	return &Processor{pipeline: pipeline, policy: policy, maxFileSize: maxFileSize, redundancyFactor: redundancyFactor}
}

// ProcessFile implements ProcessFile(buf, name, mime, file_id): validates
// size, issues a wrapped DEK, hashes the whole plaintext, and encrypts each
// policy-determined piece into a chunk row.
func (p *Processor) ProcessFile(_ context.Context, buf []byte, name, mime, fileID, ownerID string) (*Result, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty file", errs.ErrInvalidInput)
	}
	if int64(len(buf)) > p.maxFileSize {
		return nil, fmt.Errorf("%w: file size %d exceeds max %d", errs.ErrTooLarge, len(buf), p.maxFileSize)
	}

	plaintextHash := sha256.Sum256(buf)

	wrappedDEK, dekID, err := p.pipeline.IssueWrappedDEK()
	if err != nil {
		return nil, fmt.Errorf("issue dek: %w", err)
	}

	bounds := p.policy.Boundaries(int64(len(buf)))

	file := &metadata.File{
		ID:            fileID,
		OriginalName:  name,
		Mime:          mime,
		SizeBytes:     int64(len(buf)),
		OwnerID:       ownerID,
		WrappedDEK:    wrappedDEK,
		DEKID:         dekID,
		PlaintextHash: fmt.Sprintf("%x", plaintextHash),
		State:         metadata.FileUploading,
		ChunkCount:    len(bounds),
	}

	chunks := make([]*metadata.Chunk, 0, len(bounds))
	ciphertexts := make([][]byte, 0, len(bounds))
	for i, b := range bounds {
		piece := buf[b[0]:b[1]]
		enc, err := p.pipeline.EncryptChunk(piece, wrappedDEK, fileID, i)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk %d: %w", i, err)
		}

		chunks = append(chunks, &metadata.Chunk{
			ID:              uuid.NewString(),
			FileID:          fileID,
			SequenceNum:     i,
			SizeBytes:       int64(len(enc.CT)),
			IV:              enc.IV,
			AuthTag:         enc.Tag,
			AAD:             enc.AAD,
			CipherVersion:   int(enc.Version),
			CiphertextHash:  enc.CTHash,
			State:           metadata.ChunkPending,
			CurrentReplicas: 0,
			TargetReplicas:  p.redundancyFactor,
		})
		ciphertexts = append(ciphertexts, enc.CT)
	}

	return &Result{File: file, Chunks: chunks, Ciphertexts: ciphertexts}, nil
}
