// Package metadata is the coordinator's transactional store: Device, File,
// Chunk, and ChunkLocation rows and the queries every other component needs
// over them. It is backed by modernc.org/sqlite, the same driver the
// teacher's internal/storage package uses.
package metadata

// Device states.
const (
	DeviceOnline    = "ONLINE"
	DeviceOffline   = "OFFLINE"
	DeviceSuspended = "SUSPENDED"
)

// File states.
const (
	FileUploading = "UPLOADING"
	FileActive    = "ACTIVE"
	FileDeleted   = "DELETED"
)

// Chunk states.
const (
	ChunkPending     = "PENDING"
	ChunkReplicating = "REPLICATING"
	ChunkHealthy     = "HEALTHY"
	ChunkDegraded    = "DEGRADED"
	ChunkLost        = "LOST"
)

// Device is a registered storage node in the fleet.
type Device struct {
	ID                    string
	LogicalDeviceID       string
	Type                  string
	OwnerID               string
	TotalCapacityBytes    int64
	AvailableCapacityBytes int64
	State                 string
	LastSeenAt            int64
	CumulativeUptimeMs    int64
	CumulativeDowntimeMs  int64
	ReliabilityScore      float64
	RegisteredAt          int64
	UpdatedAt             int64
}

// File is a logical upload, chunked and distributed across devices.
type File struct {
	ID            string
	OriginalName  string
	Mime          string
	SizeBytes     int64
	OwnerID       string
	WrappedDEK    string
	DEKID         string
	PlaintextHash string
	State         string
	ChunkCount    int
	CreatedAt     int64
	UpdatedAt     int64
}

// Chunk is one encrypted piece of a file.
type Chunk struct {
	ID              string
	FileID          string
	SequenceNum     int
	SizeBytes       int64
	IV              []byte
	AuthTag         []byte
	AAD             []byte
	CipherVersion   int
	CiphertextHash  []byte
	State           string
	CurrentReplicas int
	TargetReplicas  int
	CreatedAt       int64
	UpdatedAt       int64
}

// ChunkLocation records that a device holds (or held) a chunk replica.
type ChunkLocation struct {
	ID             string
	ChunkID        string
	DeviceID       string
	LocalPath      string
	Healthy        bool
	LastVerifiedAt int64
	CreatedAt      int64
}
