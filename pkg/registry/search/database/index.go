// Package database answers search queries straight from the package catalog.
// It keeps no state of its own, so Index and Delete do nothing.
package database

import (
	"context"
	"strings"

	"golang.org/x/text/cases"

	"github.com/tendant/simple-registry/pkg/registry"
)

// Index implements registry.SearchIndex over a registry.Database
type Index struct {
	db registry.Database
}

// New creates a search index backed by db
func New(db registry.Database) *Index {
	return &Index{db: db}
}

func (i *Index) Index(ctx context.Context, pkg *registry.Package) error {
	return nil
}

func (i *Index) Delete(ctx context.Context, id, version string) error {
	return nil
}

func (i *Index) Search(ctx context.Context, query registry.SearchQuery) (*registry.SearchResults, error) {
	pkgs, err := i.db.Search(ctx, query.Term)
	if err != nil {
		return nil, &registry.SearchError{Backend: "database", Op: "search", Err: err}
	}
	hits := registry.GroupHits(pkgs, query)
	return &registry.SearchResults{
		TotalHits: len(hits),
		Hits:      registry.Page(hits, query.Skip, query.Take),
	}, nil
}

// Autocomplete matches ids starting with the term.
func (i *Index) Autocomplete(ctx context.Context, query registry.AutocompleteQuery) (*registry.AutocompleteResults, error) {
	pkgs, err := i.db.Search(ctx, query.Term)
	if err != nil {
		return nil, &registry.SearchError{Backend: "database", Op: "autocomplete", Err: err}
	}
	fold := cases.Fold()
	var candidates []*registry.Package
	for _, p := range pkgs {
		if strings.HasPrefix(fold.String(p.ID), query.Term) {
			candidates = append(candidates, p)
		}
	}

	hits := registry.GroupHits(candidates, registry.SearchQuery{
		IncludePrerelease: query.IncludePrerelease,
		IncludeSemVer2:    query.IncludeSemVer2,
	})
	ids := make([]string, 0, len(hits))
	for _, hit := range registry.Page(hits, query.Skip, query.Take) {
		ids = append(ids, hit.ID)
	}
	return &registry.AutocompleteResults{TotalHits: len(hits), IDs: ids}, nil
}

func (i *Index) Dependents(ctx context.Context, query registry.DependentsQuery) (*registry.SearchResults, error) {
	ids, err := i.db.GetDependents(ctx, query.ID)
	if err != nil {
		return nil, &registry.SearchError{Backend: "database", Op: "dependents", Err: err}
	}
	var pkgs []*registry.Package
	for _, id := range ids {
		versions, err := i.db.FindAll(ctx, id)
		if err != nil {
			return nil, &registry.SearchError{Backend: "database", Op: "dependents", Err: err}
		}
		pkgs = append(pkgs, versions...)
	}
	hits := registry.GroupHits(pkgs, registry.SearchQuery{IncludePrerelease: true, IncludeSemVer2: true})
	return &registry.SearchResults{
		TotalHits: len(hits),
		Hits:      registry.Page(hits, query.Skip, query.Take),
	}, nil
}
