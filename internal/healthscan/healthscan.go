// Package healthscan continuously classifies chunk health and enqueues
// healing/trimming work, grounded on the teacher's internal/dht.RepairLoop
// (ticker-driven periodic cycle with Start/Stop, running-bool guarded by a
// mutex, run-once-immediately-then-ticker) and repairFile's per-item
// classification logic for the synchronous DetectAffected path.
package healthscan

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/duskvault/internal/metadata"
	"github.com/ssd-technologies/duskvault/internal/queue"
)

// SafetyMargin bounds how many healthy placements above target_replicas are
// tolerated before trim-excess is enqueued (I4).
const SafetyMargin = 2

// HealChunkPayload is the queue payload for heal-chunk jobs.
type HealChunkPayload struct {
	ChunkID string
	Current int
	Target  int
}

// TrimExcessPayload is the queue payload for trim-excess jobs.
type TrimExcessPayload struct {
	ChunkID string
}

// ScanResult tracks the outcome of a single scan cycle.
type ScanResult struct {
	ChunksChecked int
	Healed        int
	Trimmed       int
	Errors        []string
}

// Scanner drives ScanAll and DetectAffected.
type Scanner struct {
	store    *metadata.Store
	jobQueue *queue.Queue
	interval time.Duration

	stopCh  chan struct{}
	mu      sync.Mutex
	running bool
}

func New(store *metadata.Store, jobQueue *queue.Queue, interval time.Duration) *Scanner {
	return &Scanner{store: store, jobQueue: jobQueue, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the periodic scan loop. Calling Start on an already-running
// scanner is a no-op.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.run()
}

// Stop stops the periodic scan loop. Calling Stop on a stopped scanner is a
// no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Scanner) run() {
	ctx := context.Background()
	s.ScanAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ScanAll(ctx)
		case <-s.stopCh:
			return
		}
	}
}

// ScanAll recounts healthy holders for every chunk in a scannable state and
// enqueues heal or trim work where the count is out of bounds.
func (s *Scanner) ScanAll(ctx context.Context) ScanResult {
	result := ScanResult{}

	chunks, err := s.store.ListChunksByStates(ctx, metadata.ChunkReplicating, metadata.ChunkHealthy, metadata.ChunkDegraded)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list chunks: %v", err))
		log.Printf("[healthscan] scan aborted: %v", err)
		return result
	}

	for _, c := range chunks {
		result.ChunksChecked++
		if err := s.classify(ctx, &c); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("chunk %s: %v", c.ID, err))
			log.Printf("[healthscan] classify %s: %v", c.ID, err)
			continue
		}
	}

	if result.ChunksChecked > 0 {
		log.Printf("[healthscan] scanned %d chunks, %d errors", result.ChunksChecked, len(result.Errors))
	}
	return result
}

// classify recounts a single chunk's healthy holders and enqueues the
// appropriate healing or trimming job, updating chunk state to match.
func (s *Scanner) classify(ctx context.Context, c *metadata.Chunk) error {
	healthy, err := s.store.CountHealthyHolders(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("count healthy holders: %w", err)
	}

	now := time.Now().UnixMilli()

	if healthy < c.TargetReplicas {
		priority := healPriority(healthy, c.TargetReplicas)
		newState := metadata.ChunkDegraded
		if healthy == 0 {
			newState = metadata.ChunkLost
		}
		if c.State != newState {
			if err := s.store.UpdateChunkState(ctx, c.ID, newState, now); err != nil {
				return fmt.Errorf("update chunk state: %w", err)
			}
		}
		s.jobQueue.Enqueue(&queue.Job{
			Type:        "heal-chunk",
			Priority:    priority,
			Payload:     HealChunkPayload{ChunkID: c.ID, Current: healthy, Target: c.TargetReplicas},
			MaxAttempts: 5,
			BaseBackoff: healerBackoff(priority),
		})
		return nil
	}

	if healthy > c.TargetReplicas+SafetyMargin {
		s.jobQueue.Enqueue(&queue.Job{
			Type:        "trim-excess",
			Priority:    3,
			Payload:     TrimExcessPayload{ChunkID: c.ID},
			MaxAttempts: 5,
			BaseBackoff: 5 * time.Second,
		})
	}

	return nil
}

// DetectAffected is invoked synchronously by internal/devices when a device
// leaves ONLINE. Every placement the device was holding flips unhealthy,
// and its chunk is reclassified with the same priority rules as ScanAll.
func (s *Scanner) DetectAffected(ctx context.Context, deviceID string) error {
	locations, err := s.store.ListChunkLocationsByDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("list locations for device %s: %w", deviceID, err)
	}

	now := time.Now().UnixMilli()
	for _, loc := range locations {
		if !loc.Healthy {
			continue
		}
		if err := s.store.SetChunkLocationHealthy(ctx, loc.ChunkID, deviceID, false, now); err != nil {
			log.Printf("[healthscan] mark unhealthy %s/%s: %v", loc.ChunkID, deviceID, err)
			continue
		}
		c, err := s.store.GetChunk(ctx, loc.ChunkID)
		if err != nil {
			log.Printf("[healthscan] load chunk %s: %v", loc.ChunkID, err)
			continue
		}
		if err := s.classify(ctx, c); err != nil {
			log.Printf("[healthscan] classify %s after device %s loss: %v", loc.ChunkID, deviceID, err)
		}
	}
	return nil
}

// healPriority implements spec priority 1 (zero holders) / 2 (below half
// target) / 3 (otherwise).
func healPriority(healthy, target int) int {
	if healthy == 0 {
		return 1
	}
	if 2*healthy < target {
		return 2
	}
	return 3
}

// healerBackoff is the initial backoff the healer retries with: 2s for
// critical (priority 1) jobs, 5s otherwise.
func healerBackoff(priority int) time.Duration {
	if priority == 1 {
		return 2 * time.Second
	}
	return 5 * time.Second
}
