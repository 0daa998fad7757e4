package cache

import (
	"testing"
	"time"
)

func TestTTL_GetExpiresAfterDuration(t *testing.T) {
	c := New[string, int](10 * time.Millisecond)
	c.Set("a", 1)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v, want 1, true", v, ok)
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestTTL_GetStaleSurvivesExpiry(t *testing.T) {
	c := New[string, int](10 * time.Millisecond)
	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected Get to miss on an expired entry")
	}
	if v, ok := c.GetStale("a"); !ok || v != 1 {
		t.Fatalf("GetStale(a) = %v, %v, want 1, true", v, ok)
	}
}

func TestTTL_InvalidateAndClear(t *testing.T) {
	c := New[string, int](0)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to be invalidated")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("expected b to remain")
	}

	c.Clear()
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected Clear to drop b")
	}
}
