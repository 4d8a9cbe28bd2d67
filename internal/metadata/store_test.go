package metadata

import (
	"context"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	testStore(t)
}

func TestDevice_CreateGetUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := &Device{
		ID:                     "dev-1",
		LogicalDeviceID:        "logical-1",
		Type:                   "NAS",
		OwnerID:                "owner-1",
		TotalCapacityBytes:     1000,
		AvailableCapacityBytes: 900,
		State:                  DeviceOnline,
		LastSeenAt:             10,
		ReliabilityScore:       100,
		RegisteredAt:           10,
		UpdatedAt:              10,
	}
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	got, err := s.GetDeviceByLogicalID(ctx, "logical-1")
	if err != nil {
		t.Fatalf("GetDeviceByLogicalID: %v", err)
	}
	if got.ID != "dev-1" || got.State != DeviceOnline {
		t.Fatalf("unexpected device: %+v", got)
	}

	got.State = DeviceOffline
	got.UpdatedAt = 20
	if err := s.UpdateDevice(ctx, got); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}

	again, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if again.State != DeviceOffline {
		t.Fatalf("state not persisted: got %q", again.State)
	}
}

func TestFindHealthy_FiltersAndOrders(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	devices := []*Device{
		{ID: "a", LogicalDeviceID: "a", Type: "x", TotalCapacityBytes: 100, AvailableCapacityBytes: 100, State: DeviceOnline, ReliabilityScore: 90, RegisteredAt: 1, UpdatedAt: 1, LastSeenAt: 1},
		{ID: "b", LogicalDeviceID: "b", Type: "x", TotalCapacityBytes: 100, AvailableCapacityBytes: 50, State: DeviceOnline, ReliabilityScore: 99, RegisteredAt: 1, UpdatedAt: 1, LastSeenAt: 1},
		{ID: "c", LogicalDeviceID: "c", Type: "x", TotalCapacityBytes: 100, AvailableCapacityBytes: 100, State: DeviceOffline, ReliabilityScore: 100, RegisteredAt: 1, UpdatedAt: 1, LastSeenAt: 1},
		{ID: "d", LogicalDeviceID: "d", Type: "x", TotalCapacityBytes: 100, AvailableCapacityBytes: 10, State: DeviceOnline, ReliabilityScore: 50, RegisteredAt: 1, UpdatedAt: 1, LastSeenAt: 1},
	}
	for _, d := range devices {
		if err := s.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice: %v", err)
		}
	}

	got, err := s.FindHealthy(ctx, 20, 70, 10)
	if err != nil {
		t.Fatalf("FindHealthy: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible devices, got %d: %+v", len(got), got)
	}
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("expected order [b,a], got [%s,%s]", got[0].ID, got[1].ID)
	}
}

func TestFile_CreateGetUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	f := &File{
		ID:           "file-1",
		OriginalName: "report.pdf",
		Mime:         "application/pdf",
		SizeBytes:    2048,
		OwnerID:      "owner-1",
		WrappedDEK:   "deadbeef",
		DEKID:        "dek-1",
		State:        FileUploading,
		CreatedAt:    1,
		UpdatedAt:    1,
	}
	if err := s.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if err := s.UpdateFileState(ctx, "file-1", FileActive, 2); err != nil {
		t.Fatalf("UpdateFileState: %v", err)
	}
	if err := s.UpdateFileChunkCount(ctx, "file-1", 3, 3); err != nil {
		t.Fatalf("UpdateFileChunkCount: %v", err)
	}

	got, err := s.GetFile(ctx, "file-1")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.State != FileActive || got.ChunkCount != 3 {
		t.Fatalf("unexpected file: %+v", got)
	}
}

func TestChunk_CreateGetList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mustCreateFile(t, s, "file-1")

	chunks := []*Chunk{
		{ID: "c1", FileID: "file-1", SequenceNum: 1, SizeBytes: 100, State: ChunkPending, TargetReplicas: 3, CreatedAt: 1, UpdatedAt: 1},
		{ID: "c0", FileID: "file-1", SequenceNum: 0, SizeBytes: 100, State: ChunkPending, TargetReplicas: 3, CreatedAt: 1, UpdatedAt: 1},
	}
	for _, c := range chunks {
		if err := s.CreateChunk(ctx, c); err != nil {
			t.Fatalf("CreateChunk: %v", err)
		}
	}

	list, err := s.ListChunksByFile(ctx, "file-1")
	if err != nil {
		t.Fatalf("ListChunksByFile: %v", err)
	}
	if len(list) != 2 || list[0].SequenceNum != 0 || list[1].SequenceNum != 1 {
		t.Fatalf("expected chunks ordered by sequence, got %+v", list)
	}

	if err := s.UpdateChunkReplicas(ctx, "c0", 2, ChunkDegraded, 5); err != nil {
		t.Fatalf("UpdateChunkReplicas: %v", err)
	}
	got, err := s.GetChunk(ctx, "c0")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if got.CurrentReplicas != 2 || got.State != ChunkDegraded {
		t.Fatalf("unexpected chunk after update: %+v", got)
	}

	byState, err := s.ListChunksByStates(ctx, ChunkDegraded, ChunkPending)
	if err != nil {
		t.Fatalf("ListChunksByStates: %v", err)
	}
	if len(byState) != 2 {
		t.Fatalf("expected 2 chunks across states, got %d", len(byState))
	}
}

func TestChunkLocation_CreateListCountDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mustCreateFile(t, s, "file-1")
	mustCreateChunk(t, s, "file-1", "chunk-1")
	mustCreateDevice(t, s, "dev-1")
	mustCreateDevice(t, s, "dev-2")

	loc1 := &ChunkLocation{ID: "loc-1", ChunkID: "chunk-1", DeviceID: "dev-1", LocalPath: "/x", Healthy: true, CreatedAt: 1}
	ok, err := s.CreateChunkLocation(ctx, loc1)
	if err != nil {
		t.Fatalf("CreateChunkLocation: %v", err)
	}
	if !ok {
		t.Fatal("expected CreateChunkLocation to succeed")
	}

	loc2 := &ChunkLocation{ID: "loc-2", ChunkID: "chunk-1", DeviceID: "dev-2", LocalPath: "/y", Healthy: true, CreatedAt: 1}
	if _, err := s.CreateChunkLocation(ctx, loc2); err != nil {
		t.Fatalf("CreateChunkLocation: %v", err)
	}

	// Duplicate (chunk, device) pair is a no-op success, not an error.
	dup := &ChunkLocation{ID: "loc-3", ChunkID: "chunk-1", DeviceID: "dev-1", LocalPath: "/z", Healthy: true, CreatedAt: 1}
	ok, err = s.CreateChunkLocation(ctx, dup)
	if err != nil {
		t.Fatalf("CreateChunkLocation duplicate: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate (chunk,device) insert to report ok=false")
	}

	locs, err := s.ListChunkLocations(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("ListChunkLocations: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("expected 2 locations, got %d", len(locs))
	}

	count, err := s.CountHealthyHolders(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("CountHealthyHolders: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 healthy holders, got %d", count)
	}

	if err := s.SetChunkLocationHealthy(ctx, "chunk-1", "dev-1", false, 5); err != nil {
		t.Fatalf("SetChunkLocationHealthy: %v", err)
	}
	count, err = s.CountHealthyHolders(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("CountHealthyHolders: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 healthy holder after marking dev-1 unhealthy, got %d", count)
	}

	if err := s.DeleteChunkLocation(ctx, "chunk-1", "dev-2"); err != nil {
		t.Fatalf("DeleteChunkLocation: %v", err)
	}
	locs, err = s.ListChunkLocations(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("ListChunkLocations: %v", err)
	}
	if len(locs) != 1 {
		t.Fatalf("expected 1 location after delete, got %d", len(locs))
	}
}

func TestDeleteChunksForFile_CascadesLocations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mustCreateFile(t, s, "file-1")
	mustCreateChunk(t, s, "file-1", "chunk-1")
	mustCreateDevice(t, s, "dev-1")

	if _, err := s.CreateChunkLocation(ctx, &ChunkLocation{ID: "loc-1", ChunkID: "chunk-1", DeviceID: "dev-1", Healthy: true, CreatedAt: 1}); err != nil {
		t.Fatalf("CreateChunkLocation: %v", err)
	}

	if err := s.DeleteChunksForFile(ctx, "file-1"); err != nil {
		t.Fatalf("DeleteChunksForFile: %v", err)
	}

	chunks, err := s.ListChunksByFile(ctx, "file-1")
	if err != nil {
		t.Fatalf("ListChunksByFile: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks left, got %d", len(chunks))
	}

	locs, err := s.ListChunkLocations(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("ListChunkLocations: %v", err)
	}
	if len(locs) != 0 {
		t.Fatalf("expected no locations left, got %d", len(locs))
	}
}

func mustCreateFile(t *testing.T, s *Store, id string) {
	t.Helper()
	f := &File{ID: id, OriginalName: "n", SizeBytes: 1, WrappedDEK: "ab", DEKID: "d", State: FileUploading, CreatedAt: 1, UpdatedAt: 1}
	if err := s.CreateFile(context.Background(), f); err != nil {
		t.Fatalf("mustCreateFile: %v", err)
	}
}

func mustCreateChunk(t *testing.T, s *Store, fileID, id string) {
	t.Helper()
	c := &Chunk{ID: id, FileID: fileID, SequenceNum: 0, SizeBytes: 1, State: ChunkPending, TargetReplicas: 3, CreatedAt: 1, UpdatedAt: 1}
	if err := s.CreateChunk(context.Background(), c); err != nil {
		t.Fatalf("mustCreateChunk: %v", err)
	}
}

func mustCreateDevice(t *testing.T, s *Store, id string) {
	t.Helper()
	d := &Device{ID: id, LogicalDeviceID: id, Type: "x", TotalCapacityBytes: 100, AvailableCapacityBytes: 100, State: DeviceOnline, ReliabilityScore: 100, RegisteredAt: 1, UpdatedAt: 1, LastSeenAt: 1}
	if err := s.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("mustCreateDevice: %v", err)
	}
}

func TestSummarize_CountsByState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	online := &Device{ID: "d1", LogicalDeviceID: "d1", Type: "x", State: DeviceOnline, ReliabilityScore: 100}
	offline := &Device{ID: "d2", LogicalDeviceID: "d2", Type: "x", State: DeviceOffline, ReliabilityScore: 50}
	if err := s.CreateDevice(ctx, online); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if err := s.CreateDevice(ctx, offline); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	mustCreateFile(t, s, "file-1")
	if err := s.UpdateFileState(ctx, "file-1", FileActive, 1); err != nil {
		t.Fatalf("UpdateFileState: %v", err)
	}
	mustCreateChunk(t, s, "file-1", "c1")
	if err := s.UpdateChunkState(ctx, "c1", ChunkHealthy, 1); err != nil {
		t.Fatalf("UpdateChunkState: %v", err)
	}
	mustCreateChunk(t, s, "file-1", "c2")
	if err := s.UpdateChunkState(ctx, "c2", ChunkLost, 1); err != nil {
		t.Fatalf("UpdateChunkState: %v", err)
	}

	sum, err := s.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.DevicesOnline != 1 || sum.DevicesOffline != 1 {
		t.Errorf("unexpected device counts: %+v", sum)
	}
	if sum.ChunksHealthy != 1 || sum.ChunksLost != 1 {
		t.Errorf("unexpected chunk counts: %+v", sum)
	}
	if sum.FilesActive != 1 {
		t.Errorf("expected 1 active file, got %d", sum.FilesActive)
	}
}
