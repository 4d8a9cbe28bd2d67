package metadata

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a sql.DB connection to the coordinator's SQLite database. It
// is the single source of truth every other component reconciles against.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs schema
// migrations, mirroring the teacher's internal/storage.NewDB: WAL mode, a
// busy timeout, and foreign keys enabled before migrate().
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    logical_device_id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    owner_id TEXT,
    total_capacity_bytes INTEGER NOT NULL,
    available_capacity_bytes INTEGER NOT NULL,
    state TEXT NOT NULL,
    last_seen_at INTEGER NOT NULL,
    cumulative_uptime_ms INTEGER NOT NULL DEFAULT 0,
    cumulative_downtime_ms INTEGER NOT NULL DEFAULT 0,
    reliability_score REAL NOT NULL DEFAULT 100,
    registered_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    original_name TEXT NOT NULL,
    mime TEXT,
    size_bytes INTEGER NOT NULL,
    owner_id TEXT,
    wrapped_dek TEXT NOT NULL,
    dek_id TEXT NOT NULL,
    plaintext_hash TEXT,
    state TEXT NOT NULL,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    file_id TEXT NOT NULL,
    sequence_num INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    iv BLOB,
    auth_tag BLOB,
    aad BLOB,
    cipher_version INTEGER NOT NULL DEFAULT 1,
    ciphertext_hash BLOB,
    state TEXT NOT NULL,
    current_replicas INTEGER NOT NULL DEFAULT 0,
    target_replicas INTEGER NOT NULL DEFAULT 3,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (file_id) REFERENCES files(id),
    UNIQUE (file_id, sequence_num)
);

CREATE TABLE IF NOT EXISTS chunk_locations (
    id TEXT PRIMARY KEY,
    chunk_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    local_path TEXT,
    healthy INTEGER NOT NULL DEFAULT 1,
    last_verified_at INTEGER,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (chunk_id) REFERENCES chunks(id),
    FOREIGN KEY (device_id) REFERENCES devices(id),
    UNIQUE (chunk_id, device_id)
);

CREATE INDEX IF NOT EXISTS idx_devices_state ON devices(state);
CREATE INDEX IF NOT EXISTS idx_devices_score ON devices(reliability_score);
CREATE INDEX IF NOT EXISTS idx_files_owner_state ON files(owner_id, state);
CREATE INDEX IF NOT EXISTS idx_chunks_file_state ON chunks(file_id, state);
CREATE INDEX IF NOT EXISTS idx_chunk_locations_device ON chunk_locations(device_id);`
	_, err := s.db.Exec(schema)
	return err
}

// --- Device CRUD ---

func (s *Store) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, logical_device_id, type, owner_id, total_capacity_bytes,
		 available_capacity_bytes, state, last_seen_at, cumulative_uptime_ms,
		 cumulative_downtime_ms, reliability_score, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.LogicalDeviceID, d.Type, d.OwnerID, d.TotalCapacityBytes,
		d.AvailableCapacityBytes, d.State, d.LastSeenAt, d.CumulativeUptimeMs,
		d.CumulativeDowntimeMs, d.ReliabilityScore, d.RegisteredAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

func (s *Store) GetDeviceByLogicalID(ctx context.Context, logicalID string) (*Device, error) {
	d := &Device{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, logical_device_id, type, owner_id, total_capacity_bytes,
		 available_capacity_bytes, state, last_seen_at, cumulative_uptime_ms,
		 cumulative_downtime_ms, reliability_score, registered_at, updated_at
		 FROM devices WHERE logical_device_id = ?`, logicalID,
	).Scan(&d.ID, &d.LogicalDeviceID, &d.Type, &d.OwnerID, &d.TotalCapacityBytes,
		&d.AvailableCapacityBytes, &d.State, &d.LastSeenAt, &d.CumulativeUptimeMs,
		&d.CumulativeDowntimeMs, &d.ReliabilityScore, &d.RegisteredAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get device by logical id: %w", err)
	}
	return d, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	d := &Device{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, logical_device_id, type, owner_id, total_capacity_bytes,
		 available_capacity_bytes, state, last_seen_at, cumulative_uptime_ms,
		 cumulative_downtime_ms, reliability_score, registered_at, updated_at
		 FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.LogicalDeviceID, &d.Type, &d.OwnerID, &d.TotalCapacityBytes,
		&d.AvailableCapacityBytes, &d.State, &d.LastSeenAt, &d.CumulativeUptimeMs,
		&d.CumulativeDowntimeMs, &d.ReliabilityScore, &d.RegisteredAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *Store) UpdateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET type=?, owner_id=?, total_capacity_bytes=?, available_capacity_bytes=?,
		 state=?, last_seen_at=?, cumulative_uptime_ms=?, cumulative_downtime_ms=?,
		 reliability_score=?, updated_at=? WHERE id=?`,
		d.Type, d.OwnerID, d.TotalCapacityBytes, d.AvailableCapacityBytes, d.State,
		d.LastSeenAt, d.CumulativeUptimeMs, d.CumulativeDowntimeMs, d.ReliabilityScore,
		d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

// FindHealthy returns devices with state=ONLINE, available_capacity_bytes >=
// minFree and reliability_score >= minScore, ordered (score DESC,
// available_capacity_bytes DESC), truncated to limit.
func (s *Store) FindHealthy(ctx context.Context, minFree int64, minScore float64, limit int) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, logical_device_id, type, owner_id, total_capacity_bytes,
		 available_capacity_bytes, state, last_seen_at, cumulative_uptime_ms,
		 cumulative_downtime_ms, reliability_score, registered_at, updated_at
		 FROM devices
		 WHERE state = ? AND available_capacity_bytes >= ? AND reliability_score >= ?
		 ORDER BY reliability_score DESC, available_capacity_bytes DESC
		 LIMIT ?`,
		DeviceOnline, minFree, minScore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find healthy devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.LogicalDeviceID, &d.Type, &d.OwnerID, &d.TotalCapacityBytes,
			&d.AvailableCapacityBytes, &d.State, &d.LastSeenAt, &d.CumulativeUptimeMs,
			&d.CumulativeDowntimeMs, &d.ReliabilityScore, &d.RegisteredAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListDevicesHoldingChunk returns devices that hold a placement for chunkID.
func (s *Store) ListDevicesHoldingChunk(ctx context.Context, chunkID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.logical_device_id, d.type, d.owner_id, d.total_capacity_bytes,
		 d.available_capacity_bytes, d.state, d.last_seen_at, d.cumulative_uptime_ms,
		 d.cumulative_downtime_ms, d.reliability_score, d.registered_at, d.updated_at
		 FROM devices d
		 JOIN chunk_locations cl ON cl.device_id = d.id
		 WHERE cl.chunk_id = ?`, chunkID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices holding chunk: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.LogicalDeviceID, &d.Type, &d.OwnerID, &d.TotalCapacityBytes,
			&d.AvailableCapacityBytes, &d.State, &d.LastSeenAt, &d.CumulativeUptimeMs,
			&d.CumulativeDowntimeMs, &d.ReliabilityScore, &d.RegisteredAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// --- File CRUD ---

func (s *Store) CreateFile(ctx context.Context, f *File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, original_name, mime, size_bytes, owner_id, wrapped_dek,
		 dek_id, plaintext_hash, state, chunk_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OriginalName, f.Mime, f.SizeBytes, f.OwnerID, f.WrappedDEK,
		f.DEKID, f.PlaintextHash, f.State, f.ChunkCount, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	f := &File{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, original_name, mime, size_bytes, owner_id, wrapped_dek, dek_id,
		 plaintext_hash, state, chunk_count, created_at, updated_at
		 FROM files WHERE id = ?`, id,
	).Scan(&f.ID, &f.OriginalName, &f.Mime, &f.SizeBytes, &f.OwnerID, &f.WrappedDEK,
		&f.DEKID, &f.PlaintextHash, &f.State, &f.ChunkCount, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// ListFiles returns every file in the given state, newest first, for the
// admin surface's file listing.
func (s *Store) ListFiles(ctx context.Context, state string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_name, mime, size_bytes, owner_id, wrapped_dek, dek_id,
		 plaintext_hash, state, chunk_count, created_at, updated_at
		 FROM files WHERE state = ? ORDER BY created_at DESC`, state,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.OriginalName, &f.Mime, &f.SizeBytes, &f.OwnerID, &f.WrappedDEK,
			&f.DEKID, &f.PlaintextHash, &f.State, &f.ChunkCount, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) UpdateFileState(ctx context.Context, id, state string, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET state = ?, updated_at = ? WHERE id = ?`, state, updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update file state: %w", err)
	}
	return nil
}

func (s *Store) UpdateFileChunkCount(ctx context.Context, id string, chunkCount int, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET chunk_count = ?, updated_at = ? WHERE id = ?`, chunkCount, updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update file chunk count: %w", err)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// --- Chunk CRUD ---

func (s *Store) CreateChunk(ctx context.Context, c *Chunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, file_id, sequence_num, size_bytes, iv, auth_tag, aad,
		 cipher_version, ciphertext_hash, state, current_replicas, target_replicas,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FileID, c.SequenceNum, c.SizeBytes, c.IV, c.AuthTag, c.AAD,
		c.CipherVersion, c.CiphertextHash, c.State, c.CurrentReplicas, c.TargetReplicas,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create chunk: %w", err)
	}
	return nil
}

func (s *Store) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	c := &Chunk{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, sequence_num, size_bytes, iv, auth_tag, aad, cipher_version,
		 ciphertext_hash, state, current_replicas, target_replicas, created_at, updated_at
		 FROM chunks WHERE id = ?`, id,
	).Scan(&c.ID, &c.FileID, &c.SequenceNum, &c.SizeBytes, &c.IV, &c.AuthTag, &c.AAD,
		&c.CipherVersion, &c.CiphertextHash, &c.State, &c.CurrentReplicas, &c.TargetReplicas,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return c, nil
}

func (s *Store) ListChunksByFile(ctx context.Context, fileID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, sequence_num, size_bytes, iv, auth_tag, aad, cipher_version,
		 ciphertext_hash, state, current_replicas, target_replicas, created_at, updated_at
		 FROM chunks WHERE file_id = ? ORDER BY sequence_num ASC`, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks by file: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.FileID, &c.SequenceNum, &c.SizeBytes, &c.IV, &c.AuthTag,
			&c.AAD, &c.CipherVersion, &c.CiphertextHash, &c.State, &c.CurrentReplicas,
			&c.TargetReplicas, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListChunksByStates returns every chunk whose state is one of states, for
// the health scanner's periodic sweep.
func (s *Store) ListChunksByStates(ctx context.Context, states ...string) ([]Chunk, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT id, file_id, sequence_num, size_bytes, iv, auth_tag, aad, cipher_version,
		 ciphertext_hash, state, current_replicas, target_replicas, created_at, updated_at
		 FROM chunks WHERE state IN (`
	args := make([]interface{}, 0, len(states))
	for i, st := range states {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks by states: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.FileID, &c.SequenceNum, &c.SizeBytes, &c.IV, &c.AuthTag,
			&c.AAD, &c.CipherVersion, &c.CiphertextHash, &c.State, &c.CurrentReplicas,
			&c.TargetReplicas, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Store) UpdateChunkState(ctx context.Context, id, state string, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET state = ?, updated_at = ? WHERE id = ?`, state, updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update chunk state: %w", err)
	}
	return nil
}

func (s *Store) UpdateChunkReplicas(ctx context.Context, id string, current int, state string, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET current_replicas = ?, state = ?, updated_at = ? WHERE id = ?`,
		current, state, updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update chunk replicas: %w", err)
	}
	return nil
}

// --- ChunkLocation CRUD ---

// CreateChunkLocation inserts a placement row. A uniqueness violation on
// (chunk_id, device_id) is swallowed and reported as ok=false rather than
// an error: per the design's optimistic-concurrency policy, a race to place
// the same (chunk,device) pair is treated as success for the loser.
func (s *Store) CreateChunkLocation(ctx context.Context, l *ChunkLocation) (ok bool, err error) {
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chunk_locations (id, chunk_id, device_id, local_path, healthy,
		 last_verified_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ChunkID, l.DeviceID, l.LocalPath, boolToInt(l.Healthy), l.LastVerifiedAt, l.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create chunk location: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM chunk_locations WHERE chunk_id = ? AND device_id = ? AND id = ?`,
		l.ChunkID, l.DeviceID, l.ID,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("verify chunk location insert: %w", err)
	}
	return count == 1, nil
}

func (s *Store) ListChunkLocations(ctx context.Context, chunkID string) ([]ChunkLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chunk_id, device_id, local_path, healthy, last_verified_at, created_at
		 FROM chunk_locations WHERE chunk_id = ?`, chunkID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunk locations: %w", err)
	}
	defer rows.Close()

	var locs []ChunkLocation
	for rows.Next() {
		var l ChunkLocation
		var healthy int
		if err := rows.Scan(&l.ID, &l.ChunkID, &l.DeviceID, &l.LocalPath, &healthy,
			&l.LastVerifiedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk location: %w", err)
		}
		l.Healthy = healthy != 0
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

func (s *Store) ListChunkLocationsByDevice(ctx context.Context, deviceID string) ([]ChunkLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chunk_id, device_id, local_path, healthy, last_verified_at, created_at
		 FROM chunk_locations WHERE device_id = ?`, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunk locations by device: %w", err)
	}
	defer rows.Close()

	var locs []ChunkLocation
	for rows.Next() {
		var l ChunkLocation
		var healthy int
		if err := rows.Scan(&l.ID, &l.ChunkID, &l.DeviceID, &l.LocalPath, &healthy,
			&l.LastVerifiedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk location: %w", err)
		}
		l.Healthy = healthy != 0
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

// CountHealthyHolders counts placements for chunkID that are healthy and
// whose device is ONLINE — the definition invariant I1 recomputes.
func (s *Store) CountHealthyHolders(ctx context.Context, chunkID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM chunk_locations cl
		 JOIN devices d ON d.id = cl.device_id
		 WHERE cl.chunk_id = ? AND cl.healthy = 1 AND d.state = ?`,
		chunkID, DeviceOnline,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count healthy holders: %w", err)
	}
	return count, nil
}

func (s *Store) SetChunkLocationHealthy(ctx context.Context, chunkID, deviceID string, healthy bool, verifiedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunk_locations SET healthy = ?, last_verified_at = ? WHERE chunk_id = ? AND device_id = ?`,
		boolToInt(healthy), verifiedAt, chunkID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("set chunk location healthy: %w", err)
	}
	return nil
}

func (s *Store) DeleteChunkLocation(ctx context.Context, chunkID, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunk_locations WHERE chunk_id = ? AND device_id = ?`, chunkID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("delete chunk location: %w", err)
	}
	return nil
}

func (s *Store) DeleteChunkLocationsForDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunk_locations WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete chunk locations for device: %w", err)
	}
	return nil
}

func (s *Store) DeleteChunksForFile(ctx context.Context, fileID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("list chunk ids for file: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_locations WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("delete chunk locations for chunk %s: %w", id, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete chunks for file: %w", err)
	}
	return nil
}

// Summary is the aggregate fleet/chunk snapshot logged periodically by the
// scheduler's log-summary job.
type Summary struct {
	DevicesOnline    int
	DevicesOffline   int
	DevicesSuspended int
	ChunksHealthy    int
	ChunksDegraded   int
	ChunksLost       int
	ChunksReplicating int
	FilesActive      int
}

// Summarize computes aggregate fleet and chunk counts for a single log line.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	deviceRows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM devices GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("summarize devices: %w", err)
	}
	for deviceRows.Next() {
		var state string
		var count int
		if err := deviceRows.Scan(&state, &count); err != nil {
			deviceRows.Close()
			return nil, fmt.Errorf("scan device summary row: %w", err)
		}
		switch state {
		case DeviceOnline:
			sum.DevicesOnline = count
		case DeviceOffline:
			sum.DevicesOffline = count
		case DeviceSuspended:
			sum.DevicesSuspended = count
		}
	}
	deviceRows.Close()
	if err := deviceRows.Err(); err != nil {
		return nil, err
	}

	chunkRows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM chunks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("summarize chunks: %w", err)
	}
	for chunkRows.Next() {
		var state string
		var count int
		if err := chunkRows.Scan(&state, &count); err != nil {
			chunkRows.Close()
			return nil, fmt.Errorf("scan chunk summary row: %w", err)
		}
		switch state {
		case ChunkHealthy:
			sum.ChunksHealthy = count
		case ChunkDegraded:
			sum.ChunksDegraded = count
		case ChunkLost:
			sum.ChunksLost = count
		case ChunkReplicating:
			sum.ChunksReplicating = count
		}
	}
	chunkRows.Close()
	if err := chunkRows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE state = ?`, FileActive).Scan(&sum.FilesActive); err != nil {
		return nil, fmt.Errorf("summarize files: %w", err)
	}

	return sum, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
