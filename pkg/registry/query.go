package registry

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// SearchQuery is a normalized search request handed to a SearchIndex.
type SearchQuery struct {
	// Term is trimmed and case-folded. Empty matches everything.
	Term              string
	Skip              int
	Take              int
	IncludePrerelease bool
	IncludeSemVer2    bool
	PackageType       string
	Framework         string
}

// SearchHit is one package id with the versions that matched the filters,
// ordered by version ascending.
type SearchHit struct {
	ID       string
	Versions []*Package
}

// Latest returns the highest matching version.
func (h *SearchHit) Latest() *Package {
	return h.Versions[len(h.Versions)-1]
}

// TotalDownloads sums downloads over the matching versions.
func (h *SearchHit) TotalDownloads() int64 {
	var total int64
	for _, v := range h.Versions {
		total += v.Downloads
	}
	return total
}

// SearchResults is one page of search hits.
type SearchResults struct {
	TotalHits int
	Hits      []*SearchHit
}

// AutocompleteQuery is a normalized autocomplete request.
type AutocompleteQuery struct {
	Term              string
	Skip              int
	Take              int
	IncludePrerelease bool
	IncludeSemVer2    bool
}

// AutocompleteResults is one page of package ids.
type AutocompleteResults struct {
	TotalHits int
	IDs       []string
}

// DependentsQuery asks for the packages that depend on ID.
type DependentsQuery struct {
	ID   string
	Skip int
	Take int
}

// MatchesTerm reports whether the package id, title or a tag contains the
// already case-folded term.
func MatchesTerm(pkg *Package, term string) bool {
	if term == "" {
		return true
	}
	fold := cases.Fold()
	if strings.Contains(fold.String(pkg.ID), term) || strings.Contains(fold.String(pkg.Title), term) {
		return true
	}
	for _, tag := range pkg.Tags {
		if strings.Contains(fold.String(tag), term) {
			return true
		}
	}
	return false
}

// SearchText returns the case-folded text that term matching runs against.
// Database backends store it alongside each row.
func SearchText(pkg *Package) string {
	parts := append([]string{pkg.ID, pkg.Title}, pkg.Tags...)
	return cases.Fold().String(strings.Join(parts, " "))
}

// FilterVersions keeps the listed versions that satisfy the query filters.
func FilterVersions(versions []*Package, q SearchQuery) []*Package {
	var out []*Package
	for _, p := range versions {
		if !p.Listed {
			continue
		}
		if !q.IncludePrerelease && p.IsPrerelease() {
			continue
		}
		if !q.IncludeSemVer2 && p.SemVerLevel() == 2 {
			continue
		}
		if q.PackageType != "" && !p.HasPackageType(q.PackageType) {
			continue
		}
		if q.Framework != "" && !p.SupportsFramework(q.Framework) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// GroupHits groups package versions by id, applies the query filters and
// orders the hits by total downloads descending and then id. Ids whose
// versions are all filtered out are dropped.
func GroupHits(pkgs []*Package, q SearchQuery) []*SearchHit {
	byID := make(map[string][]*Package)
	var order []string
	for _, p := range pkgs {
		key := p.IDKey()
		if _, ok := byID[key]; !ok {
			order = append(order, key)
		}
		byID[key] = append(byID[key], p)
	}

	var hits []*SearchHit
	for _, key := range order {
		versions := FilterVersions(byID[key], q)
		if len(versions) == 0 {
			continue
		}
		SortPackages(versions)
		hits = append(hits, &SearchHit{ID: versions[len(versions)-1].ID, Versions: versions})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		di, dj := hits[i].TotalDownloads(), hits[j].TotalDownloads()
		if di != dj {
			return di > dj
		}
		return strings.ToLower(hits[i].ID) < strings.ToLower(hits[j].ID)
	})
	return hits
}

// Page slices items to the requested window.
func Page[T any](items []T, skip, take int) []T {
	if skip >= len(items) {
		return nil
	}
	end := len(items)
	if take >= 0 && skip+take < end {
		end = skip + take
	}
	return items[skip:end]
}
