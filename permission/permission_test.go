package permission

import (
	"sync"
	"testing"
	"time"
)

func TestGateDefaultsOpen(t *testing.T) {
	g := New()
	if ok, _ := g.Allowed(); !ok {
		t.Fatal("new gate must allow trading")
	}
}

func TestGateSetAndClear(t *testing.T) {
	g := New()
	until := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	g.Set(false, "compliance_hold", &until)

	ok, reason := g.Allowed()
	if ok || reason != "compliance_hold" {
		t.Fatalf("expected block with reason, got %v %q", ok, reason)
	}
	st := g.Status()
	if st.Until == nil || !st.Until.Equal(until) {
		t.Fatalf("expected until to be kept, got %v", st.Until)
	}
	until = until.Add(time.Hour)
	if g.Status().Until.Equal(until) {
		t.Fatal("status must not alias the caller's time")
	}

	g.Clear()
	if ok, _ := g.Allowed(); !ok {
		t.Fatal("expected gate open after Clear")
	}
}

func TestGateUntilDoesNotReopen(t *testing.T) {
	g := New()
	past := time.Now().Add(-time.Hour)
	g.Set(false, "", &past)
	ok, reason := g.Allowed()
	if ok || reason != "permission_denied" {
		t.Fatalf("expected default reason, got %v %q", ok, reason)
	}
}

func TestGateConcurrentAccess(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			g.Set(i%2 == 0, "flip", nil)
		}(i)
		go func() {
			defer wg.Done()
			_, _ = g.Allowed()
		}()
	}
	wg.Wait()
}
