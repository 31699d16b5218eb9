package engine

import (
	"errors"
	"testing"
)

func TestRegistry_AcquireRelease(t *testing.T) {
	r := NewRegistry(nil)

	lease := r.Acquire("org.mpris.vlc", []ActionKind{KindLock}, "video playing")
	if lease.ID == "" {
		t.Fatal("expected a lease id")
	}
	if !r.IsBlocked(KindLock) {
		t.Error("lock should be blocked")
	}
	if r.IsBlocked(KindSuspend) {
		t.Error("suspend should not be blocked by a lock-scoped lease")
	}

	if err := r.Release(lease.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if r.IsBlocked(KindLock) {
		t.Error("lock still blocked after release")
	}
}

func TestRegistry_DoubleReleaseIsRejected(t *testing.T) {
	r := NewRegistry(nil)

	lease := r.Acquire("client", AllKinds, "test")
	if err := r.Release(lease.ID); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if err := r.Release(lease.ID); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("expected ErrLeaseNotFound on double release, got %v", err)
	}
	if err := r.Release("no-such-lease"); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("expected ErrLeaseNotFound for unknown id, got %v", err)
	}
}

func TestRegistry_LeaseIDsAreUnique(t *testing.T) {
	r := NewRegistry(nil)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		lease := r.Acquire("client", AllKinds, "test")
		if seen[lease.ID] {
			t.Fatalf("lease id %s reused", lease.ID)
		}
		seen[lease.ID] = true
		if err := r.Release(lease.ID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRegistry_ReleaseOwner(t *testing.T) {
	r := NewRegistry(nil)

	r.Acquire(":1.42", []ActionKind{KindLock}, "a")
	r.Acquire(":1.42", []ActionKind{KindSuspend}, "b")
	keep := r.Acquire(":1.99", []ActionKind{KindSuspend}, "c")

	if n := r.ReleaseOwner(":1.42"); n != 2 {
		t.Errorf("expected 2 leases released, got %d", n)
	}
	if r.IsBlocked(KindLock) {
		t.Error("lock still blocked after owner disconnect")
	}
	if !r.IsBlocked(KindSuspend) {
		t.Error("suspend lease of the other owner should survive")
	}
	if err := r.Release(keep.ID); err != nil {
		t.Errorf("surviving lease should be releasable: %v", err)
	}
}

func TestRegistry_IsBlockedHasNoSideEffect(t *testing.T) {
	r := NewRegistry(nil)
	r.Acquire("client", []ActionKind{KindSuspend}, "test")

	for i := 0; i < 3; i++ {
		if !r.IsBlocked(KindSuspend) {
			t.Fatal("repeated IsBlocked changed its answer")
		}
	}
	if r.Len() != 1 {
		t.Errorf("IsBlocked modified the lease set: %d leases", r.Len())
	}
}
