package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrCatalogNotFound is returned when a request names a catalog the
// registry does not hold.
var ErrCatalogNotFound = errors.New("catalog not found")

// Registry holds the active catalogs by name. Refresh swaps a catalog
// atomically; requests already holding a snapshot keep it.
type Registry struct {
	log *slog.Logger

	mu          sync.RWMutex
	catalogs    map[string]*Catalog
	discoverers map[string]Discoverer
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:         log,
		catalogs:    make(map[string]*Catalog),
		discoverers: make(map[string]Discoverer),
	}
}

// Register installs a catalog and the discoverer that can rebuild it.
func (r *Registry) Register(name string, catalog *Catalog, d Discoverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs[name] = catalog
	if d != nil {
		r.discoverers[name] = d
	}
}

// Get returns the current snapshot of the named catalog. Callers hold the
// returned pointer for the lifetime of one request; later swaps do not
// affect it.
func (r *Registry) Get(name string) (*Catalog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.catalogs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCatalogNotFound, name)
	}
	return c, nil
}

// Names lists the registered catalog names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.catalogs))
	for n := range r.catalogs {
		names = append(names, n)
	}
	return names
}

// Refresh rediscovers the named catalog and swaps it in. The swap is atomic
// with respect to Get.
func (r *Registry) Refresh(ctx context.Context, name string) (*Catalog, error) {
	r.mu.RLock()
	d, ok := r.discoverers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q has no discoverer", ErrCatalogNotFound, name)
	}

	catalog, err := d.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh of %q failed: %w", name, err)
	}

	r.mu.Lock()
	r.catalogs[name] = catalog
	r.mu.Unlock()

	r.log.Info("catalog refreshed", "catalog", name, "tables", len(catalog.Tables))
	return catalog, nil
}
