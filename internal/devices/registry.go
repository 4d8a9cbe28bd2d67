// Package devices is the coordinator's device registry: identity, capacity,
// and reliability bookkeeping for every storage node in the fleet, grounded
// on the same in-memory tracking idea as the teacher's internal/mesh.Tracker
// but backed by the metadata store rather than a bare map, since score and
// capacity must survive a restart.
package devices

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"github.com/ssd-technologies/duskvault/internal/errs"
	"github.com/ssd-technologies/duskvault/internal/metadata"
)

// Clock abstracts wall-clock time so tests can drive uptime/downtime
// accounting deterministically instead of racing the real clock.
type Clock interface {
	NowUnixMs() int64
}

// HealthTrigger is called when a device leaves ONLINE so the health scanner
// can synchronously re-evaluate every placement that device was holding.
// Registry depends on this interface rather than importing healthscan
// directly, avoiding an import cycle (healthscan itself reads device rows).
type HealthTrigger interface {
	DetectAffected(ctx context.Context, deviceID string) error
}

// RegisterPayload is the decoded body of a device:register event.
type RegisterPayload struct {
	LogicalDeviceID    string
	DeviceType         string
	OwnerID            string
	TotalCapacityBytes int64
}

// HealthSummary is the result of Health(logical_device_id).
type HealthSummary struct {
	Online                 bool
	Score                  float64
	UptimePct              float64
	ConsecutiveDowntimeMs  int64
	LastSeenAt             int64
}

// Registry is the device identity and reliability authority.
type Registry struct {
	store   *metadata.Store
	clock   Clock
	trigger HealthTrigger
}

// New constructs a Registry. trigger may be nil until the health scanner is
// wired up during startup; Registry tolerates a nil trigger by skipping the
// synchronous health check (the next periodic scan still catches it).
func New(store *metadata.Store, clock Clock, trigger HealthTrigger) *Registry {
	return &Registry{store: store, clock: clock, trigger: trigger}
}

// SetTrigger wires the health scanner in after both are constructed,
// breaking the registry/scanner initialization cycle.
func (r *Registry) SetTrigger(trigger HealthTrigger) {
	r.trigger = trigger
}

// Register upserts a device by logical_device_id. On first sight it creates
// a fresh row with score 100 and zeroed counters. On reconnect, it folds the
// elapsed time since last_seen_at into cumulative_downtime_ms (the device
// was presumably offline between then and now), recomputes the score, and
// brings the device back ONLINE.
func (r *Registry) Register(ctx context.Context, p RegisterPayload) (*metadata.Device, error) {
	now := r.clock.NowUnixMs()

	existing, err := r.store.GetDeviceByLogicalID(ctx, p.LogicalDeviceID)
	if err != nil {
		d := &metadata.Device{
			ID:                     uuid.NewString(),
			LogicalDeviceID:        p.LogicalDeviceID,
			Type:                   p.DeviceType,
			OwnerID:                p.OwnerID,
			TotalCapacityBytes:     p.TotalCapacityBytes,
			AvailableCapacityBytes: p.TotalCapacityBytes,
			State:                  metadata.DeviceOnline,
			LastSeenAt:             now,
			ReliabilityScore:       100,
			RegisteredAt:           now,
			UpdatedAt:              now,
		}
		if err := r.store.CreateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("register device: %w", err)
		}
		return d, nil
	}

	elapsed := now - existing.LastSeenAt
	if elapsed > 0 {
		existing.CumulativeDowntimeMs += elapsed
	}
	existing.ReliabilityScore = computeScore(existing.CumulativeUptimeMs, existing.CumulativeDowntimeMs)
	existing.Type = p.DeviceType
	existing.OwnerID = p.OwnerID
	existing.TotalCapacityBytes = p.TotalCapacityBytes
	existing.AvailableCapacityBytes = p.TotalCapacityBytes
	existing.State = metadata.DeviceOnline
	existing.LastSeenAt = now
	existing.UpdatedAt = now

	if err := r.store.UpdateDevice(ctx, existing); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return existing, nil
}

// Heartbeat folds elapsed time into cumulative_uptime_ms, refreshes reported
// capacity, and keeps the device ONLINE.
func (r *Registry) Heartbeat(ctx context.Context, logicalDeviceID string, availableBytes int64) (*metadata.Device, error) {
	d, err := r.store.GetDeviceByLogicalID(ctx, logicalDeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %s: %v", errs.ErrNotFound, logicalDeviceID, err)
	}

	now := r.clock.NowUnixMs()
	elapsed := now - d.LastSeenAt
	if elapsed > 0 {
		d.CumulativeUptimeMs += elapsed
	}
	d.ReliabilityScore = computeScore(d.CumulativeUptimeMs, d.CumulativeDowntimeMs)
	d.AvailableCapacityBytes = availableBytes
	d.State = metadata.DeviceOnline
	d.LastSeenAt = now
	d.UpdatedAt = now

	if err := r.store.UpdateDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return d, nil
}

// StorageUpdate refreshes a device's reported available capacity without
// touching uptime/downtime accounting, for the device:storage:update event
// which carries no heartbeat semantics of its own.
func (r *Registry) StorageUpdate(ctx context.Context, logicalDeviceID string, availableBytes int64) error {
	d, err := r.store.GetDeviceByLogicalID(ctx, logicalDeviceID)
	if err != nil {
		return fmt.Errorf("%w: device %s: %v", errs.ErrNotFound, logicalDeviceID, err)
	}
	d.AvailableCapacityBytes = availableBytes
	d.UpdatedAt = r.clock.NowUnixMs()
	if err := r.store.UpdateDevice(ctx, d); err != nil {
		return fmt.Errorf("storage update: %w", err)
	}
	return nil
}

// MarkOffline transitions a currently-ONLINE device to OFFLINE, folding
// elapsed time into downtime and triggering a synchronous health check of
// every chunk the device was holding. It is idempotent: calling it again on
// an already-OFFLINE device is a no-op (L3).
func (r *Registry) MarkOffline(ctx context.Context, logicalDeviceID string) error {
	return r.transitionNonOnline(ctx, logicalDeviceID, metadata.DeviceOffline)
}

// Suspend is a terminal transition to SUSPENDED with the same accounting and
// health trigger as MarkOffline.
func (r *Registry) Suspend(ctx context.Context, logicalDeviceID string, reason string) error {
	if err := r.transitionNonOnline(ctx, logicalDeviceID, metadata.DeviceSuspended); err != nil {
		return err
	}
	if reason != "" {
		log.Printf("[devices] device %s suspended: %s", logicalDeviceID, reason)
	}
	return nil
}

func (r *Registry) transitionNonOnline(ctx context.Context, logicalDeviceID, newState string) error {
	d, err := r.store.GetDeviceByLogicalID(ctx, logicalDeviceID)
	if err != nil {
		return fmt.Errorf("%w: device %s: %v", errs.ErrNotFound, logicalDeviceID, err)
	}

	wasOnline := d.State == metadata.DeviceOnline
	if wasOnline {
		now := r.clock.NowUnixMs()
		elapsed := now - d.LastSeenAt
		if elapsed > 0 {
			d.CumulativeDowntimeMs += elapsed
		}
		d.ReliabilityScore = computeScore(d.CumulativeUptimeMs, d.CumulativeDowntimeMs)
		d.LastSeenAt = now
		d.UpdatedAt = now
	}
	d.State = newState

	if err := r.store.UpdateDevice(ctx, d); err != nil {
		return fmt.Errorf("transition device: %w", err)
	}

	if !wasOnline {
		return nil
	}

	if r.trigger != nil {
		if err := r.trigger.DetectAffected(ctx, d.ID); err != nil {
			log.Printf("[devices] detect affected for %s failed: %v", d.ID, err)
		}
	}
	return nil
}

// FindHealthy returns ONLINE devices with enough free capacity and score,
// ordered (score DESC, available_bytes DESC), truncated to limit.
func (r *Registry) FindHealthy(ctx context.Context, minFree int64, minScore float64, limit int) ([]metadata.Device, error) {
	devices, err := r.store.FindHealthy(ctx, minFree, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("find healthy devices: %w", err)
	}
	return devices, nil
}

// Health returns the public health summary of a device.
func (r *Registry) Health(ctx context.Context, logicalDeviceID string) (*HealthSummary, error) {
	d, err := r.store.GetDeviceByLogicalID(ctx, logicalDeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %s: %v", errs.ErrNotFound, logicalDeviceID, err)
	}

	total := d.CumulativeUptimeMs + d.CumulativeDowntimeMs
	uptimePct := 100.0
	if total > 0 {
		uptimePct = 100 * float64(d.CumulativeUptimeMs) / float64(total)
	}

	consecutiveDowntime := int64(0)
	if d.State != metadata.DeviceOnline {
		consecutiveDowntime = r.clock.NowUnixMs() - d.LastSeenAt
	}

	return &HealthSummary{
		Online:                d.State == metadata.DeviceOnline,
		Score:                 d.ReliabilityScore,
		UptimePct:             uptimePct,
		ConsecutiveDowntimeMs: consecutiveDowntime,
		LastSeenAt:            d.LastSeenAt,
	}, nil
}

// computeScore implements score = clamp(round(100·uptime/(uptime+downtime), 2), 0, 100),
// defaulting to 100 when uptime+downtime is zero.
func computeScore(uptimeMs, downtimeMs int64) float64 {
	total := uptimeMs + downtimeMs
	if total <= 0 {
		return 100
	}
	raw := 100 * float64(uptimeMs) / float64(total)
	rounded := math.Round(raw*100) / 100
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}
