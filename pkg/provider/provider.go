package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/psinet-ops/psinet/pkg/types"
)

var (
	// ErrProviderFailure wraps every error reported by a provider API
	ErrProviderFailure = errors.New("provider failure")

	// ErrUnknownProvider is returned for a provider name with no registered adapter
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrRemovalNotSupported is returned when a provider cannot destroy servers
	ErrRemovalNotSupported = errors.New("provider does not support programmatic removal")
)

// Launched is what a provider hands back for a new machine. The host carries
// the provider id, address, SSH credentials, region and datacenter; meek
// fields start at their defaults. The server carries only its addresses.
type Launched struct {
	Host   *types.Host
	Server *types.Server
}

// Adapter is implemented once per hosting provider
type Adapter interface {
	// Name is the provider tag recorded on hosts
	Name() string

	// LaunchNewServer creates a machine. On failure it may still return a
	// Launched with a provider id set, meaning a resource was created and
	// must be cleaned up.
	LaunchNewServer(ctx context.Context) (*Launched, error)

	// RemoveServer destroys a machine. Removing an already removed machine succeeds.
	RemoveServer(ctx context.Context, providerID string) error

	// SupportsRemoval reports whether RemoveServer is implemented
	SupportsRemoval() bool
}

type entry struct {
	adapter Adapter
	weight  int
}

// Registry is the static table of provider adapters keyed by name
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds an adapter with a selection weight. A zero weight keeps the
// provider usable for removal but never chosen for launches.
func (r *Registry) Register(a Adapter, weight int) error {
	if weight < 0 {
		return fmt.Errorf("provider %s: weight must not be negative", a.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[a.Name()]; ok {
		return fmt.Errorf("provider %s already registered", a.Name())
	}
	r.entries[a.Name()] = entry{adapter: a, weight: weight}
	return nil
}

// Get returns the adapter registered under name
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return e.adapter, nil
}

// Names returns the registered provider names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Choose picks a provider at random, proportionally to its weight
func (r *Registry) Choose(rnd *rand.Rand) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.weight > 0 {
			total += e.weight
			names = append(names, name)
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no provider has a positive weight", ErrUnknownProvider)
	}
	// map order is random; sort so a seeded rnd gives reproducible picks
	sort.Strings(names)

	pick := rnd.Intn(total)
	for _, name := range names {
		e := r.entries[name]
		if pick < e.weight {
			return e.adapter, nil
		}
		pick -= e.weight
	}
	return nil, fmt.Errorf("%w: weighted choice fell through", ErrUnknownProvider)
}

// SupportsRemoval reports whether the named provider can destroy servers.
// Unknown providers cannot.
func (r *Registry) SupportsRemoval(name string) bool {
	a, err := r.Get(name)
	return err == nil && a.SupportsRemoval()
}

// RemoveHost destroys a host at its provider
func (r *Registry) RemoveHost(ctx context.Context, h *types.Host) error {
	a, err := r.Get(h.Provider)
	if err != nil {
		return err
	}
	if !a.SupportsRemoval() {
		return fmt.Errorf("%w: %s", ErrRemovalNotSupported, h.Provider)
	}
	return a.RemoveServer(ctx, h.ProviderID)
}
