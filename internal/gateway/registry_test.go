package gateway

import (
	"testing"

	"github.com/google/uuid"
)

func TestRegistryPutGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	userID, deviceID := uuid.New(), uuid.New()
	conn := &Connection{}

	if old := r.Put(userID, deviceID, conn); old != nil {
		t.Fatalf("Put() on empty registry returned %v, want nil", old)
	}

	got, ok := r.Get(userID, deviceID)
	if !ok || got != conn {
		t.Fatalf("Get() = (%v, %v), want (%v, true)", got, ok, conn)
	}
}

func TestRegistryPutEvictsPriorConnection(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	userID, deviceID := uuid.New(), uuid.New()
	first := &Connection{}
	second := &Connection{}

	r.Put(userID, deviceID, first)
	old := r.Put(userID, deviceID, second)
	if old != first {
		t.Fatalf("Put() returned %v, want %v", old, first)
	}

	got, ok := r.Get(userID, deviceID)
	if !ok || got != second {
		t.Fatalf("Get() = (%v, %v), want (%v, true)", got, ok, second)
	}
}

func TestRegistryRemoveOnlyDeletesMatchingConnection(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	userID, deviceID := uuid.New(), uuid.New()
	stale := &Connection{}
	current := &Connection{}

	r.Put(userID, deviceID, current)
	// A stale connection's own exit must not remove the newer registry entry.
	r.Remove(userID, deviceID, stale)

	got, ok := r.Get(userID, deviceID)
	if !ok || got != current {
		t.Fatalf("Get() after stale Remove = (%v, %v), want (%v, true)", got, ok, current)
	}

	r.Remove(userID, deviceID, current)
	if _, ok := r.Get(userID, deviceID); ok {
		t.Fatal("Get() after matching Remove still found a connection")
	}
}

func TestRegistryCount(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if got := r.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}

	r.Put(uuid.New(), uuid.New(), &Connection{})
	r.Put(uuid.New(), uuid.New(), &Connection{})
	if got := r.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
}
