// Package tempstore is the coordinator's staging area for chunk ciphertext
// between encryption and full distribution (and again during healing, when
// a replica must be re-sent without live holders). Layout and eviction
// policy follow the design's filesystem contract: <root>/<chunk_id>.chunk,
// atomic write, mtime-based TTL.
package tempstore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ssd-technologies/duskvault/internal/errs"
)

// Store is a single-writer-per-chunk filesystem staging area.
type Store struct {
	root string
	ttl  time.Duration
}

// Open ensures root exists and returns a Store evicting entries older than
// ttl.
func Open(root string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tempstore root: %w", err)
	}
	return &Store{root: root, ttl: ttl}, nil
}

func (s *Store) path(chunkID string) string {
	return filepath.Join(s.root, chunkID+".chunk")
}

// Put writes ciphertext for chunkID atomically: write to a sibling temp
// file, then rename over the final path so a reader never observes a
// partial write.
func (s *Store) Put(chunkID string, ciphertext []byte) error {
	final := s.path(chunkID)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, ciphertext, 0o644); err != nil {
		return fmt.Errorf("write temp chunk: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit temp chunk: %w", err)
	}
	return nil
}

// Get returns the staged ciphertext for chunkID, or ErrNotFound if it has
// been evicted or was never staged.
func (s *Store) Get(chunkID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: chunk %s not staged", errs.ErrNotFound, chunkID)
		}
		return nil, fmt.Errorf("read temp chunk: %w", err)
	}
	return data, nil
}

// Has reports whether ciphertext for chunkID is currently staged, without
// reading it.
func (s *Store) Has(chunkID string) bool {
	_, err := os.Stat(s.path(chunkID))
	return err == nil
}

// Remove deletes the staged ciphertext for chunkID, if present. Removing a
// chunk that was never staged (or already evicted) is not an error.
func (s *Store) Remove(chunkID string) error {
	if err := os.Remove(s.path(chunkID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp chunk: %w", err)
	}
	return nil
}

// EvictExpired scans root and deletes every *.chunk file whose mtime is
// older than the configured TTL. Intended to run on a periodic timer.
func (s *Store) EvictExpired() (evicted int, err error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read tempstore root: %w", err)
	}

	cutoff := time.Now().Add(-s.ttl)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".chunk" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Printf("[tempstore] stat %s: %v", entry.Name(), err)
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil {
				log.Printf("[tempstore] evict %s: %v", entry.Name(), err)
				continue
			}
			evicted++
		}
	}
	return evicted, nil
}
