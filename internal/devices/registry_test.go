package devices

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ssd-technologies/duskvault/internal/metadata"
)

func testRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	store, err := metadata.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: 1000}
	return New(store, clock, nil), clock
}

func TestRegister_FirstSight_DefaultsScore100(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	d, err := r.Register(ctx, RegisterPayload{LogicalDeviceID: "dev-a", DeviceType: "NAS", TotalCapacityBytes: 1000})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if d.ReliabilityScore != 100 {
		t.Errorf("expected fresh device score 100, got %v", d.ReliabilityScore)
	}
	if d.State != metadata.DeviceOnline {
		t.Errorf("expected ONLINE, got %v", d.State)
	}
	if d.AvailableCapacityBytes != 1000 {
		t.Errorf("expected available=total on first sight, got %d", d.AvailableCapacityBytes)
	}
}

func TestRegister_Idempotent_L2(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	payload := RegisterPayload{LogicalDeviceID: "dev-a", DeviceType: "NAS", TotalCapacityBytes: 1000}

	first, err := r.Register(ctx, payload)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := r.Register(ctx, payload)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same device row across registers, got %s vs %s", first.ID, second.ID)
	}
}

func TestRegister_Reconnect_AddsDowntime(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	payload := RegisterPayload{LogicalDeviceID: "dev-a", DeviceType: "NAS", TotalCapacityBytes: 1000}

	if _, err := r.Register(ctx, payload); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.MarkOffline(ctx, "dev-a"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}

	clock.advance(5000)
	d, err := r.Register(ctx, payload)
	if err != nil {
		t.Fatalf("Register (reconnect): %v", err)
	}
	if d.CumulativeDowntimeMs < 5000 {
		t.Errorf("expected downtime to accumulate across reconnect gap, got %d", d.CumulativeDowntimeMs)
	}
	if d.State != metadata.DeviceOnline {
		t.Errorf("expected reconnect to bring device ONLINE, got %v", d.State)
	}
}

func TestHeartbeat_UnknownDevice_NotFound(t *testing.T) {
	r, _ := testRegistry(t)
	if _, err := r.Heartbeat(context.Background(), "ghost", 10); err == nil {
		t.Fatal("expected NotFound for unknown device")
	}
}

func TestHeartbeat_AccumulatesUptime(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, RegisterPayload{LogicalDeviceID: "dev-a", TotalCapacityBytes: 1000}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clock.advance(60_000)
	d, err := r.Heartbeat(ctx, "dev-a", 500)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if d.CumulativeUptimeMs < 60_000 {
		t.Errorf("expected uptime accumulation, got %d", d.CumulativeUptimeMs)
	}
	if d.AvailableCapacityBytes != 500 {
		t.Errorf("expected capacity update, got %d", d.AvailableCapacityBytes)
	}
}

func TestMarkOffline_Idempotent_L3(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, RegisterPayload{LogicalDeviceID: "dev-a", TotalCapacityBytes: 1000}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.MarkOffline(ctx, "dev-a"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	first, err := r.store.GetDeviceByLogicalID(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetDeviceByLogicalID: %v", err)
	}

	clock.advance(10_000)
	if err := r.MarkOffline(ctx, "dev-a"); err != nil {
		t.Fatalf("second MarkOffline: %v", err)
	}
	second, err := r.store.GetDeviceByLogicalID(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetDeviceByLogicalID: %v", err)
	}

	if first.CumulativeDowntimeMs != second.CumulativeDowntimeMs {
		t.Errorf("expected idempotent MarkOffline to not accrue further downtime, got %d vs %d",
			first.CumulativeDowntimeMs, second.CumulativeDowntimeMs)
	}
}

func TestMarkOffline_TriggersDetectAffected(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, RegisterPayload{LogicalDeviceID: "dev-a", TotalCapacityBytes: 1000}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	trigger := &fakeTrigger{}
	r.SetTrigger(trigger)

	if err := r.MarkOffline(ctx, "dev-a"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	if trigger.calls != 1 {
		t.Errorf("expected DetectAffected called once, got %d", trigger.calls)
	}
}

type fakeTrigger struct {
	calls int
}

func (f *fakeTrigger) DetectAffected(ctx context.Context, deviceID string) error {
	f.calls++
	return nil
}

func TestFindHealthy_OrdersByScoreThenCapacity(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	for _, p := range []RegisterPayload{
		{LogicalDeviceID: "a", TotalCapacityBytes: 1000},
		{LogicalDeviceID: "b", TotalCapacityBytes: 2000},
	} {
		if _, err := r.Register(ctx, p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	got, err := r.FindHealthy(ctx, 100, 50, 10)
	if err != nil {
		t.Fatalf("FindHealthy: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 healthy devices, got %d", len(got))
	}
	// Equal scores (both fresh at 100), so the larger available capacity wins.
	if got[0].LogicalDeviceID != "b" || got[1].LogicalDeviceID != "a" {
		t.Fatalf("expected order [b a], got [%s %s]", got[0].LogicalDeviceID, got[1].LogicalDeviceID)
	}
}

func TestComputeScore_ZeroTotals_Defaults100(t *testing.T) {
	if got := computeScore(0, 0); got != 100 {
		t.Errorf("expected default score 100, got %v", got)
	}
}

func TestComputeScore_HalfUptime(t *testing.T) {
	if got := computeScore(50, 50); got != 50 {
		t.Errorf("expected score 50, got %v", got)
	}
}

func TestComputeScore_MonotoneNonIncreasing_P7(t *testing.T) {
	before := computeScore(1000, 0)
	after := computeScore(1000, 100)
	if after > before {
		t.Errorf("expected score to not increase after downtime: before=%v after=%v", before, after)
	}
}
