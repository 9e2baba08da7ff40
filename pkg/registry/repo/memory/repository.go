package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tendant/simple-registry/pkg/registry"
)

type key struct {
	id      string
	version string
}

// Repository implements registry.Database using in-memory storage
type Repository struct {
	mu       sync.RWMutex
	packages map[key]*registry.Package
	byID     map[string][]key // lowercased id -> version keys
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		packages: make(map[key]*registry.Package),
		byID:     make(map[string][]key),
	}
}

func packageKey(id, version string) key {
	return key{id: registry.NormalizeID(id), version: strings.ToLower(version)}
}

func (r *Repository) Find(ctx context.Context, id, version string) (*registry.Package, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pkg, ok := r.packages[packageKey(id, version)]
	if !ok {
		return nil, registry.ErrPackageNotFound
	}
	// Return a copy to prevent external modifications
	return pkg.Clone(), nil
}

func (r *Repository) FindAll(ctx context.Context, id string) ([]*registry.Package, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byID[registry.NormalizeID(id)]
	pkgs := make([]*registry.Package, 0, len(keys))
	for _, k := range keys {
		pkgs = append(pkgs, r.packages[k].Clone())
	}
	registry.SortPackages(pkgs)
	return pkgs, nil
}

func (r *Repository) Exists(ctx context.Context, id, version string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.packages[packageKey(id, version)]
	return ok, nil
}

// Add inserts the package. The map key is the uniqueness constraint.
func (r *Repository) Add(ctx context.Context, pkg *registry.Package) (registry.AddResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := packageKey(pkg.ID, pkg.VersionKey())
	if _, ok := r.packages[k]; ok {
		return registry.PackageAlreadyExists, nil
	}
	r.packages[k] = pkg.Clone()
	r.byID[k.id] = append(r.byID[k.id], k)
	return registry.PackageAdded, nil
}

func (r *Repository) HardDelete(ctx context.Context, id, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := packageKey(id, version)
	if _, ok := r.packages[k]; !ok {
		return registry.ErrPackageNotFound
	}
	delete(r.packages, k)

	keys := r.byID[k.id]
	for i, existing := range keys {
		if existing == k {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(r.byID, k.id)
	} else {
		r.byID[k.id] = keys
	}
	return nil
}

func (r *Repository) Unlist(ctx context.Context, id, version string) error {
	return r.update(id, version, func(p *registry.Package) { p.Listed = false })
}

func (r *Repository) Relist(ctx context.Context, id, version string) error {
	return r.update(id, version, func(p *registry.Package) { p.Listed = true })
}

func (r *Repository) IncrementDownloads(ctx context.Context, id, version string) error {
	return r.update(id, version, func(p *registry.Package) { p.Downloads++ })
}

func (r *Repository) SetDownloads(ctx context.Context, id, version string, downloads int64) error {
	return r.update(id, version, func(p *registry.Package) { p.Downloads = downloads })
}

func (r *Repository) update(id, version string, fn func(*registry.Package)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pkg, ok := r.packages[packageKey(id, version)]
	if !ok {
		return registry.ErrPackageNotFound
	}
	fn(pkg)
	return nil
}

func (r *Repository) GetDependents(ctx context.Context, id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := registry.NormalizeID(id)
	seen := make(map[string]bool)
	for k, pkg := range r.packages {
		if !pkg.Listed || seen[k.id] {
			continue
		}
		for _, dep := range pkg.DependencyIDs() {
			if dep == target {
				seen[k.id] = true
				break
			}
		}
	}
	return sortedKeys(seen), nil
}

func (r *Repository) Search(ctx context.Context, term string) ([]*registry.Package, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*registry.Package
	for _, pkg := range r.packages {
		if pkg.Listed && strings.Contains(registry.SearchText(pkg), term) {
			out = append(out, pkg.Clone())
		}
	}
	registry.SortByIDAndVersion(out)
	return out, nil
}

func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[string]bool, len(r.byID))
	for id := range r.byID {
		ids[id] = true
	}
	return sortedKeys(ids), nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
