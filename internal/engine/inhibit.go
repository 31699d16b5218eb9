package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseNotFound is returned by Release for an unknown or already released
// lease id. Double releases are rejected explicitly so callers can detect
// release bugs instead of having them swallowed.
var ErrLeaseNotFound = errors.New("inhibitor lease not found")

// Lease is one outstanding inhibit grant. Lease ids are uuids, unique for the
// process lifetime and never reused.
type Lease struct {
	ID       string       `json:"id"`
	Owner    string       `json:"owner"`
	Scope    []ActionKind `json:"-"`
	Reason   string       `json:"reason"`
	Acquired time.Time    `json:"acquired"`
}

// Covers reports whether the lease blocks the given action kind.
func (l Lease) Covers(kind ActionKind) bool {
	for _, k := range l.Scope {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry tracks outstanding inhibit leases. The live-lease set changes only
// through Acquire, Release and ReleaseOwner; all three are called from the
// coordinator goroutine, so the registry carries no lock.
type Registry struct {
	leases map[string]Lease
	logger *slog.Logger
}

// NewRegistry creates an empty inhibitor registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		leases: make(map[string]Lease),
		logger: logger,
	}
}

// Acquire always succeeds and returns a fresh lease.
func (r *Registry) Acquire(owner string, scope []ActionKind, reason string) Lease {
	lease := Lease{
		ID:       uuid.NewString(),
		Owner:    owner,
		Scope:    scope,
		Reason:   reason,
		Acquired: time.Now(),
	}
	r.leases[lease.ID] = lease

	r.logger.Info("Inhibitor acquired",
		"lease", lease.ID,
		"owner", owner,
		"scope", kindNames(scope),
		"reason", reason)
	return lease
}

// Release removes a lease. Unknown or already released ids yield
// ErrLeaseNotFound.
func (r *Registry) Release(id string) error {
	lease, ok := r.leases[id]
	if !ok {
		return ErrLeaseNotFound
	}
	delete(r.leases, id)

	r.logger.Info("Inhibitor released", "lease", id, "owner", lease.Owner)
	return nil
}

// ReleaseOwner drops every lease held by owner and returns how many were
// removed. This is the only implicit removal path, driven by owner disconnect
// notifications from the IPC layer.
func (r *Registry) ReleaseOwner(owner string) int {
	released := 0
	for id, lease := range r.leases {
		if lease.Owner == owner {
			delete(r.leases, id)
			released++
		}
	}
	if released > 0 {
		r.logger.Info("Inhibitors released on owner disconnect",
			"owner", owner, "count", released)
	}
	return released
}

// IsBlocked reports whether any live lease covers the action kind. Pure read.
func (r *Registry) IsBlocked(kind ActionKind) bool {
	for _, lease := range r.leases {
		if lease.Covers(kind) {
			return true
		}
	}
	return false
}

// Leases returns a copy of the live lease set.
func (r *Registry) Leases() []Lease {
	out := make([]Lease, 0, len(r.leases))
	for _, lease := range r.leases {
		out = append(out, lease)
	}
	return out
}

// Len returns the number of live leases.
func (r *Registry) Len() int {
	return len(r.leases)
}

func kindNames(kinds []ActionKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}
