package retrieval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ssd-technologies/duskvault/internal/cryptopipe"
	"github.com/ssd-technologies/duskvault/internal/errs"
	"github.com/ssd-technologies/duskvault/internal/metadata"
)

type fakeFetcher struct {
	mu   sync.Mutex
	data map[string][]byte // key: deviceID+"|"+chunkID
	fail map[string]bool
}

func (f *fakeFetcher) RequestChunk(logicalDeviceID, chunkID string, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := logicalDeviceID + "|" + chunkID
	if f.fail[key] {
		return nil, errs.ErrTimeout
	}
	ct, ok := f.data[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return ct, nil
}

func testPipeline(t *testing.T) *cryptopipe.Pipeline {
	t.Helper()
	p, err := cryptopipe.NewPipeline("0000000000000000000000000000000000000000000000000000000000000000"[:64])
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func seedRetrievalFixture(t *testing.T, store *metadata.Store, pipeline *cryptopipe.Pipeline, plaintext []byte) (*metadata.File, *metadata.Chunk) {
	t.Helper()
	ctx := context.Background()

	hash := sha256.Sum256(plaintext)
	wrappedDEK, dekID, err := pipeline.IssueWrappedDEK()
	if err != nil {
		t.Fatalf("IssueWrappedDEK: %v", err)
	}

	file := &metadata.File{
		ID:            "file-1",
		OriginalName:  "test.bin",
		SizeBytes:     int64(len(plaintext)),
		WrappedDEK:    wrappedDEK,
		DEKID:         dekID,
		PlaintextHash: fmt.Sprintf("%x", hash),
		State:         metadata.FileActive,
		ChunkCount:    1,
	}
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	enc, err := pipeline.EncryptChunk(plaintext, wrappedDEK, file.ID, 0)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}

	chunk := &metadata.Chunk{
		ID:             "chunk-1",
		FileID:         file.ID,
		SequenceNum:    0,
		SizeBytes:      int64(len(plaintext)),
		IV:             enc.IV,
		AuthTag:        enc.Tag,
		AAD:            enc.AAD,
		CipherVersion:  int(enc.Version),
		CiphertextHash: enc.CTHash,
		State:          metadata.ChunkHealthy,
		TargetReplicas: 1,
	}
	if err := store.CreateChunk(ctx, chunk); err != nil {
		t.Fatalf("CreateChunk: %v", err)
	}

	return file, chunk
}

func seedHolder(t *testing.T, store *metadata.Store, chunkID, deviceID string) {
	t.Helper()
	ctx := context.Background()
	d := &metadata.Device{
		ID: deviceID, LogicalDeviceID: deviceID, Type: "x",
		TotalCapacityBytes: 1000, AvailableCapacityBytes: 1000,
		State: metadata.DeviceOnline, ReliabilityScore: 100,
	}
	if err := store.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if _, err := store.CreateChunkLocation(ctx, &metadata.ChunkLocation{
		ID: "loc-" + deviceID, ChunkID: chunkID, DeviceID: deviceID, Healthy: true,
	}); err != nil {
		t.Fatalf("CreateChunkLocation: %v", err)
	}
}

func setupStore(t *testing.T) *metadata.Store {
	t.Helper()
	store, err := metadata.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRetrieveFile_SingleChunkRoundtrip(t *testing.T) {
	store := setupStore(t)
	pipeline := testPipeline(t)
	plaintext := []byte("hello distributed world")
	file, chunk := seedRetrievalFixture(t, store, pipeline, plaintext)
	seedHolder(t, store, chunk.ID, "dev-a")

	ct, err := pipeline.EncryptChunk(plaintext, file.WrappedDEK, file.ID, 0)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	fetcher := &fakeFetcher{data: map[string][]byte{"dev-a|chunk-1": ct.CT}, fail: map[string]bool{}}

	r := New(store, pipeline, fetcher, time.Second)
	got, err := r.RetrieveFile(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("RetrieveFile: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("expected %q, got %q", plaintext, got)
	}
}

func TestRetrieveFile_FailsOverToSecondHolder(t *testing.T) {
	store := setupStore(t)
	pipeline := testPipeline(t)
	plaintext := []byte("failover payload")
	file, chunk := seedRetrievalFixture(t, store, pipeline, plaintext)
	seedHolder(t, store, chunk.ID, "dev-a")
	seedHolder(t, store, chunk.ID, "dev-b")

	ct, err := pipeline.EncryptChunk(plaintext, file.WrappedDEK, file.ID, 0)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	fetcher := &fakeFetcher{
		data: map[string][]byte{"dev-b|chunk-1": ct.CT},
		fail: map[string]bool{"dev-a|chunk-1": true},
	}

	r := New(store, pipeline, fetcher, time.Second)
	got, err := r.RetrieveFile(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("RetrieveFile: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("expected %q, got %q", plaintext, got)
	}
}

func TestRetrieveFile_NoHolders_Unavailable(t *testing.T) {
	store := setupStore(t)
	pipeline := testPipeline(t)
	plaintext := []byte("orphaned data")
	_, _ = seedRetrievalFixture(t, store, pipeline, plaintext)
	// No holders seeded.

	fetcher := &fakeFetcher{data: map[string][]byte{}, fail: map[string]bool{}}
	r := New(store, pipeline, fetcher, time.Second)

	_, err := r.RetrieveFile(context.Background(), "file-1")
	if err == nil {
		t.Fatal("expected error when no holders exist")
	}
}

func TestRetrieveFile_AllHoldersFail_Unavailable(t *testing.T) {
	store := setupStore(t)
	pipeline := testPipeline(t)
	plaintext := []byte("every holder is down")
	_, chunk := seedRetrievalFixture(t, store, pipeline, plaintext)
	seedHolder(t, store, chunk.ID, "dev-a")
	seedHolder(t, store, chunk.ID, "dev-b")

	fetcher := &fakeFetcher{
		data: map[string][]byte{},
		fail: map[string]bool{"dev-a|chunk-1": true, "dev-b|chunk-1": true},
	}
	r := New(store, pipeline, fetcher, time.Second)

	_, err := r.RetrieveFile(context.Background(), "file-1")
	if err == nil {
		t.Fatal("expected error when every holder fails")
	}
}

func TestRetrieveFile_MultiChunkConcatenatesInSequence(t *testing.T) {
	store := setupStore(t)
	pipeline := testPipeline(t)
	ctx := context.Background()

	wrappedDEK, dekID, err := pipeline.IssueWrappedDEK()
	if err != nil {
		t.Fatalf("IssueWrappedDEK: %v", err)
	}
	part0 := []byte("first-half-")
	part1 := []byte("second-half")
	whole := append(append([]byte{}, part0...), part1...)
	hash := sha256.Sum256(whole)

	file := &metadata.File{
		ID: "file-2", OriginalName: "n", SizeBytes: int64(len(whole)),
		WrappedDEK: wrappedDEK, DEKID: dekID, PlaintextHash: fmt.Sprintf("%x", hash),
		State: metadata.FileActive, ChunkCount: 2,
	}
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	fetcher := &fakeFetcher{data: map[string][]byte{}, fail: map[string]bool{}}
	for i, part := range [][]byte{part0, part1} {
		enc, err := pipeline.EncryptChunk(part, wrappedDEK, file.ID, i)
		if err != nil {
			t.Fatalf("EncryptChunk: %v", err)
		}
		chunkID := fmt.Sprintf("chunk-%d", i)
		c := &metadata.Chunk{
			ID: chunkID, FileID: file.ID, SequenceNum: i, SizeBytes: int64(len(part)),
			IV: enc.IV, AuthTag: enc.Tag, AAD: enc.AAD, CipherVersion: int(enc.Version),
			CiphertextHash: enc.CTHash, State: metadata.ChunkHealthy, TargetReplicas: 1,
		}
		if err := store.CreateChunk(ctx, c); err != nil {
			t.Fatalf("CreateChunk: %v", err)
		}
		seedHolder(t, store, chunkID, "dev-"+chunkID)
		fetcher.data["dev-"+chunkID+"|"+chunkID] = enc.CT
	}

	r := New(store, pipeline, fetcher, time.Second)
	got, err := r.RetrieveFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("RetrieveFile: %v", err)
	}
	if string(got) != string(whole) {
		t.Fatalf("expected %q, got %q", whole, got)
	}
}

func TestRetrieveFile_UnknownFile_NotFound(t *testing.T) {
	store := setupStore(t)
	pipeline := testPipeline(t)
	fetcher := &fakeFetcher{data: map[string][]byte{}, fail: map[string]bool{}}
	r := New(store, pipeline, fetcher, time.Second)

	_, err := r.RetrieveFile(context.Background(), "nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown file")
	}
}
