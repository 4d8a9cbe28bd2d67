// Package scheduler orchestrates the coordinator's periodic background
// jobs, grounded on the teacher's internal/server.StartWorkers (one
// goroutine per periodic job, select on ctx.Done() vs time.After) and
// internal/dht.RepairLoop's idempotent Start/Stop/stopCh/running-mutex
// idiom.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/duskvault/internal/healthscan"
	"github.com/ssd-technologies/duskvault/internal/metadata"
)

// Config holds the three tunable periods of spec.md §6.
type Config struct {
	ScanInterval    time.Duration // default 60 min
	SummaryInterval time.Duration // default 24 h
	TrimInterval    time.Duration // default 12 h
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:    60 * time.Minute,
		SummaryInterval: 24 * time.Hour,
		TrimInterval:    12 * time.Hour,
	}
}

// Scheduler starts/stops the coordinator's periodic timers.
type Scheduler struct {
	store   *metadata.Store
	scanner *healthscan.Scanner
	cfg     Config

	stopCh  chan struct{}
	mu      sync.Mutex
	running bool
}

func New(store *metadata.Store, scanner *healthscan.Scanner, cfg Config) *Scheduler {
	return &Scheduler{store: store, scanner: scanner, cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the summary and trim-sweep timers. The health scan loop
// itself is owned and started by healthscan.Scanner (it runs immediately
// at startup, then every ScanInterval); Scheduler only layers the slower
// summary and trim cadences on top. Calling Start on an already-running
// Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.runSummary(ctx)
	go s.runTrimSweep(ctx)
}

// Stop stops the scheduler's timers. Calling Stop on a stopped Scheduler is
// a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Scheduler) runSummary(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.SummaryInterval):
			s.logSummary(ctx)
		}
	}
}

func (s *Scheduler) logSummary(ctx context.Context) {
	sum, err := s.store.Summarize(ctx)
	if err != nil {
		log.Printf("[scheduler] summary: %v", err)
		return
	}
	log.Printf("[scheduler] fleet: %d online, %d offline, %d suspended; chunks: %d healthy, %d degraded, %d lost, %d replicating; %d active files",
		sum.DevicesOnline, sum.DevicesOffline, sum.DevicesSuspended,
		sum.ChunksHealthy, sum.ChunksDegraded, sum.ChunksLost, sum.ChunksReplicating,
		sum.FilesActive)
}

// runTrimSweep re-runs the full classification pass at the slower
// TrimInterval cadence, catching excess-replica cleanup that the faster
// ScanInterval pass may have already handled but that a delayed trim worker
// left unconverged.
func (s *Scheduler) runTrimSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.TrimInterval):
			s.scanner.ScanAll(ctx)
		}
	}
}
