package peer_test

import (
	"testing"

	"github.com/mes-im/callkit/internal/peer"
)

// TestRegistryGetIdempotent verifies that a second Get for the same
// participant returns the first link, keeping its role.
func TestRegistryGetIdempotent(t *testing.T) {
	reg := newRegistry(t)
	defer reg.RemoveAll()

	first, err := reg.Get(42, peer.RoleOfferer)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	second, err := reg.Get(42, peer.RoleAnswerer)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if first != second {
		t.Fatal("Get created a second link for the same participant")
	}
	if second.Role() != peer.RoleOfferer {
		t.Errorf("role overwritten: %s", second.Role())
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 link, got %d", reg.Len())
	}
}

// TestRegistryRemove verifies Remove releases the link and is safe on an
// unknown participant.
func TestRegistryRemove(t *testing.T) {
	reg := newRegistry(t)

	if _, err := reg.Get(1, peer.RoleOfferer); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	reg.Remove(1)
	if _, ok := reg.Lookup(1); ok {
		t.Error("link still present after Remove")
	}

	reg.Remove(1)
	reg.Remove(99)
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

// TestRegistryRemoveAll verifies all links are released on call end.
func TestRegistryRemoveAll(t *testing.T) {
	reg := newRegistry(t)
	for id := int64(1); id <= 3; id++ {
		if _, err := reg.Get(id, peer.RoleOfferer); err != nil {
			t.Fatalf("Get(%d) failed: %v", id, err)
		}
	}
	reg.RemoveAll()
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

// TestRegistryEach verifies Each visits every live link.
func TestRegistryEach(t *testing.T) {
	reg := newRegistry(t)
	defer reg.RemoveAll()

	for id := int64(1); id <= 3; id++ {
		if _, err := reg.Get(id, peer.RoleOfferer); err != nil {
			t.Fatalf("Get(%d) failed: %v", id, err)
		}
	}

	seen := make(map[int64]bool)
	reg.Each(func(l *peer.Link) { seen[l.Participant()] = true })
	if len(seen) != 3 || !seen[1] || !seen[2] || !seen[3] {
		t.Errorf("Each missed links: %v", seen)
	}
}
