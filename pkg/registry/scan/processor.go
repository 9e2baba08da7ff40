package scan

import (
	"context"

	"github.com/tendant/simple-registry/pkg/registry"
)

// PackageProcessor processes the versions of one package id.
//
// Example implementations:
//   - Search index rebuild (see IndexProcessor)
//   - Blob integrity checks
//   - Catalog exports
type PackageProcessor interface {
	// Process is called once per package id with every version, listed or
	// not. Return error to mark the id as failed (scan continues with next id).
	Process(ctx context.Context, id string, versions []*registry.Package) error
}

// IndexProcessor pushes every version of a package into a search index.
// Listed versions are indexed and unlisted versions removed.
type IndexProcessor struct {
	Index registry.SearchIndex
}

func (p *IndexProcessor) Process(ctx context.Context, id string, versions []*registry.Package) error {
	for _, pkg := range versions {
		if !pkg.Listed {
			if err := p.Index.Delete(ctx, pkg.ID, pkg.VersionKey()); err != nil {
				return err
			}
			continue
		}
		if err := p.Index.Index(ctx, pkg); err != nil {
			return err
		}
	}
	return nil
}
