// Package location maps a blob's (region, backend) tag to the backend store
// that holds its bytes.
package location

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/abduss/blobgate/internal/apperr"
	"github.com/abduss/blobgate/internal/backend"
)

var (
	// ErrUnknownBackend signals that no store is registered for a location.
	ErrUnknownBackend = apperr.New(apperr.UnknownBackend, "unknown backend")
	// ErrInvalidLocation signals a malformed region/backend pair.
	ErrInvalidLocation = apperr.New(apperr.Invalid, "invalid location")
	// ErrAlreadyRegistered signals a duplicate registration.
	ErrAlreadyRegistered = apperr.New(apperr.Conflict, "location already registered")
)

// Location identifies where a blob's bytes physically live.
type Location struct {
	Region  string `json:"region"`
	Backend string `json:"backend"`
}

// String renders the location as region/backend.
func (l Location) String() string {
	return l.Region + "/" + l.Backend
}

// IsZero reports whether neither field is set.
func (l Location) IsZero() bool {
	return l.Region == "" && l.Backend == ""
}

// Validate checks that both halves are present and free of separators.
func (l Location) Validate() error {
	if l.Region == "" || l.Backend == "" || strings.Contains(l.Region, "/") || strings.Contains(l.Backend, "/") {
		return fmt.Errorf("%q: %w", l.String(), ErrInvalidLocation)
	}
	return nil
}

// Parse reads a region/backend string.
func Parse(s string) (Location, error) {
	region, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Location{}, fmt.Errorf("%q: %w", s, ErrInvalidLocation)
	}
	loc := Location{Region: region, Backend: name}
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}
	return loc, nil
}

// Resolver holds the registered backend table. Resolution never falls back
// to another location.
type Resolver struct {
	mu       sync.RWMutex
	stores   map[Location]backend.Store
	fallback Location
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{stores: make(map[Location]backend.Store)}
}

// Register adds a store for loc. The first registration becomes the default.
func (r *Resolver) Register(loc Location, store backend.Store) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("register %s: nil store", loc)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[loc]; ok {
		return fmt.Errorf("register %s: %w", loc, ErrAlreadyRegistered)
	}
	r.stores[loc] = store
	if r.fallback.IsZero() {
		r.fallback = loc
	}
	return nil
}

// Resolve returns the store registered for loc.
func (r *Resolver) Resolve(loc Location) (backend.Store, error) {
	r.mu.RLock()
	store, ok := r.stores[loc]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", loc, ErrUnknownBackend)
	}
	return store, nil
}

// SetDefault selects the location used when a caller supplies none.
func (r *Resolver) SetDefault(loc Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[loc]; !ok {
		return fmt.Errorf("set default %s: %w", loc, ErrUnknownBackend)
	}
	r.fallback = loc
	return nil
}

// Default returns the default location, or the zero Location if nothing is
// registered.
func (r *Resolver) Default() Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Locations lists registered locations in a stable order.
func (r *Resolver) Locations() []Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Location, 0, len(r.stores))
	for loc := range r.stores {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
