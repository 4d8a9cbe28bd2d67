package ratelimit

import (
	"testing"
	"time"
)

func TestRegistry_AllowsUpToRate(t *testing.T) {
	r := NewRegistry(5, time.Minute)
	for i := 0; i < 5; i++ {
		if ok, _ := r.Allow("device-1"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retryAfter := r.Allow("device-1")
	if ok {
		t.Fatal("6th request should be denied")
	}
	if retryAfter <= 0 {
		t.Errorf("expected a positive retry-after, got %s", retryAfter)
	}
}

func TestRegistry_ResetsAfterWindow(t *testing.T) {
	r := NewRegistry(2, 50*time.Millisecond)
	r.Allow("device-1")
	r.Allow("device-1")
	if ok, _ := r.Allow("device-1"); ok {
		t.Fatal("3rd should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if ok, _ := r.Allow("device-1"); !ok {
		t.Fatal("after window reset should be allowed")
	}
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	if ok, _ := r.Allow("device-1"); !ok {
		t.Fatal("device-1's first request should be allowed")
	}
	if ok, _ := r.Allow("device-2"); !ok {
		t.Fatal("device-2 should have its own budget, independent of device-1")
	}
	if ok, _ := r.Allow("device-1"); ok {
		t.Fatal("device-1's second request should be denied")
	}
}

func TestRegistry_Forget_ResetsKeyState(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	r.Allow("device-1")
	if ok, _ := r.Allow("device-1"); ok {
		t.Fatal("second request before Forget should be denied")
	}
	r.Forget("device-1")
	if ok, _ := r.Allow("device-1"); !ok {
		t.Fatal("request after Forget should be allowed again")
	}
}
