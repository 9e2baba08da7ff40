package registry

import (
	"context"
	"strings"
	"time"
)

// RegistrationIndex is the registration resource for one package id.
type RegistrationIndex struct {
	URL            string              `json:"@id"`
	Type           []string            `json:"@type"`
	Count          int                 `json:"count"`
	TotalDownloads int64               `json:"totalDownloads"`
	Pages          []*RegistrationPage `json:"items"`
}

// RegistrationPage is a contiguous range of versions. Inside an index it
// either inlines its items or is only a pointer to a separate page document.
type RegistrationPage struct {
	URL    string                  `json:"@id"`
	Type   string                  `json:"@type,omitempty"`
	Count  int                     `json:"count"`
	Items  []*RegistrationPageItem `json:"items,omitempty"`
	Lower  string                  `json:"lower"`
	Upper  string                  `json:"upper"`
	Parent string                  `json:"parent,omitempty"`
}

// RegistrationPageItem is one version inside a registration page.
type RegistrationPageItem struct {
	URL            string        `json:"@id"`
	Type           string        `json:"@type"`
	CatalogEntry   *CatalogEntry `json:"catalogEntry"`
	PackageContent string        `json:"packageContent"`
	Registration   string        `json:"registration"`
}

// RegistrationLeaf is the standalone document for a single version.
type RegistrationLeaf struct {
	URL            string        `json:"@id"`
	Type           []string      `json:"@type"`
	CatalogEntry   *CatalogEntry `json:"catalogEntry"`
	Listed         bool          `json:"listed"`
	PackageContent string        `json:"packageContent"`
	Published      string        `json:"published"`
	Registration   string        `json:"registration"`
}

// CatalogEntry carries the package metadata of one version.
type CatalogEntry struct {
	URL                      string                 `json:"@id"`
	Type                     string                 `json:"@type"`
	PackageID                string                 `json:"id"`
	Version                  string                 `json:"version"`
	Authors                  string                 `json:"authors"`
	DependencyGroups         []*DependencyGroupItem `json:"dependencyGroups,omitempty"`
	Description              string                 `json:"description"`
	IconURL                  string                 `json:"iconUrl,omitempty"`
	Language                 string                 `json:"language,omitempty"`
	LicenseURL               string                 `json:"licenseUrl,omitempty"`
	LicenseExpression        string                 `json:"licenseExpression,omitempty"`
	Listed                   bool                   `json:"listed"`
	MinClientVersion         string                 `json:"minClientVersion,omitempty"`
	PackageContent           string                 `json:"packageContent"`
	ProjectURL               string                 `json:"projectUrl,omitempty"`
	Published                string                 `json:"published"`
	RequireLicenseAcceptance bool                   `json:"requireLicenseAcceptance"`
	Summary                  string                 `json:"summary,omitempty"`
	Tags                     []string               `json:"tags"`
	Title                    string                 `json:"title,omitempty"`
	PackageTypes             []PackageType          `json:"packageTypes,omitempty"`
}

// DependencyGroupItem lists the dependencies for one target framework.
type DependencyGroupItem struct {
	URL             string            `json:"@id"`
	Type            string            `json:"@type"`
	TargetFramework string            `json:"targetFramework,omitempty"`
	Dependencies    []*DependencyItem `json:"dependencies,omitempty"`
}

// DependencyItem is a single package dependency.
type DependencyItem struct {
	URL          string `json:"@id"`
	Type         string `json:"@type"`
	PackageID    string `json:"id"`
	Range        string `json:"range,omitempty"`
	Registration string `json:"registration"`
}

// RegistrationIndex builds the registration index for id. Listed versions
// are inlined into a single page up to the inline threshold and split into
// separately served pages above it.
func (s *service) RegistrationIndex(ctx context.Context, id string) (*RegistrationIndex, error) {
	listed, total, err := s.listedVersions(ctx, id, "registration index")
	if err != nil {
		return nil, err
	}

	indexURL := s.urls.RegistrationIndexURL(id)
	index := &RegistrationIndex{
		URL:            indexURL,
		Type:           []string{"catalog:CatalogRoot", "PackageRegistration", "catalog:Permalink"},
		TotalDownloads: total,
		Pages:          []*RegistrationPage{},
	}

	chunks := s.chunk(listed)
	inline := len(listed) <= s.paging.InlineThreshold
	for _, c := range chunks {
		lower, upper := c[0].Version.String(), c[len(c)-1].Version.String()
		page := &RegistrationPage{
			Type:  "catalog:CatalogPage",
			Count: len(c),
			Lower: lower,
			Upper: upper,
		}
		if inline {
			page.URL = indexURL + "#page/" + strings.ToLower(lower) + "/" + strings.ToLower(upper)
			page.Items = s.pageItems(c)
		} else {
			page.URL = s.urls.RegistrationPageURL(id, lower, upper)
		}
		index.Pages = append(index.Pages, page)
	}
	index.Count = len(index.Pages)

	return index, nil
}

// RegistrationPage serves one page of a registration index by its bounds.
func (s *service) RegistrationPage(ctx context.Context, id, lower, upper string) (*RegistrationPage, error) {
	listed, _, err := s.listedVersions(ctx, id, "registration page")
	if err != nil {
		return nil, err
	}
	for _, c := range s.chunk(listed) {
		if c[0].VersionKey() != strings.ToLower(lower) || c[len(c)-1].VersionKey() != strings.ToLower(upper) {
			continue
		}
		pageLower, pageUpper := c[0].Version.String(), c[len(c)-1].Version.String()
		return &RegistrationPage{
			URL:    s.urls.RegistrationPageURL(id, pageLower, pageUpper),
			Type:   "catalog:CatalogPage",
			Count:  len(c),
			Items:  s.pageItems(c),
			Lower:  pageLower,
			Upper:  pageUpper,
			Parent: s.urls.RegistrationIndexURL(id),
		}, nil
	}
	return nil, &PackageError{ID: id, Version: lower + "-" + upper, Op: "registration page", Err: ErrPackageNotFound}
}

// RegistrationLeaf serves the metadata of a single version, listed or not.
func (s *service) RegistrationLeaf(ctx context.Context, id, version string) (*RegistrationLeaf, error) {
	key, err := NormalizeVersion(version)
	if err != nil {
		return nil, &PackageError{ID: id, Version: version, Op: "registration leaf", Err: ErrPackageNotFound}
	}
	pkg, err := s.db.Find(ctx, id, key)
	if err != nil {
		return nil, &PackageError{ID: id, Version: key, Op: "registration leaf", Err: err}
	}

	v := pkg.Version.String()
	return &RegistrationLeaf{
		URL:            s.urls.RegistrationLeafURL(pkg.ID, v),
		Type:           []string{"Package", "http://schema.nuget.org/catalog#Permalink"},
		CatalogEntry:   s.catalogEntry(pkg),
		Listed:         pkg.Listed,
		PackageContent: s.urls.PackageDownloadURL(pkg.ID, v),
		Published:      formatTime(pkg.Published),
		Registration:   s.urls.RegistrationIndexURL(pkg.ID),
	}, nil
}

// listedVersions returns the listed versions of id ascending plus the total
// download count over every version. Unknown ids are ErrPackageNotFound.
func (s *service) listedVersions(ctx context.Context, id, op string) ([]*Package, int64, error) {
	pkgs, err := s.db.FindAll(ctx, id)
	if err != nil {
		return nil, 0, &PackageError{ID: id, Op: op, Err: err}
	}
	if len(pkgs) == 0 {
		return nil, 0, &PackageError{ID: id, Op: op, Err: ErrPackageNotFound}
	}
	var listed []*Package
	var total int64
	for _, p := range pkgs {
		total += p.Downloads
		if p.Listed {
			listed = append(listed, p)
		}
	}
	SortPackages(listed)
	return listed, total, nil
}

// chunk splits versions into registration pages. Small catalogs form a
// single page.
func (s *service) chunk(pkgs []*Package) [][]*Package {
	if len(pkgs) == 0 {
		return nil
	}
	size := s.paging.PageSize
	if len(pkgs) <= s.paging.InlineThreshold {
		size = len(pkgs)
	}
	var chunks [][]*Package
	for start := 0; start < len(pkgs); start += size {
		end := min(start+size, len(pkgs))
		chunks = append(chunks, pkgs[start:end])
	}
	return chunks
}

func (s *service) pageItems(pkgs []*Package) []*RegistrationPageItem {
	items := make([]*RegistrationPageItem, 0, len(pkgs))
	for _, p := range pkgs {
		v := p.Version.String()
		items = append(items, &RegistrationPageItem{
			URL:            s.urls.RegistrationLeafURL(p.ID, v),
			Type:           "Package",
			CatalogEntry:   s.catalogEntry(p),
			PackageContent: s.urls.PackageDownloadURL(p.ID, v),
			Registration:   s.urls.RegistrationIndexURL(p.ID),
		})
	}
	return items
}

func (s *service) catalogEntry(p *Package) *CatalogEntry {
	v := p.Version.String()
	leafURL := s.urls.RegistrationLeafURL(p.ID, v)

	entry := &CatalogEntry{
		URL:                      leafURL,
		Type:                     "PackageDetails",
		PackageID:                p.ID,
		Version:                  p.Version.FullString(),
		Authors:                  strings.Join(p.Authors, ", "),
		Description:              p.Description,
		IconURL:                  s.iconURL(p),
		Language:                 p.Language,
		LicenseURL:               p.LicenseURL,
		LicenseExpression:        p.LicenseExpression,
		Listed:                   p.Listed,
		MinClientVersion:         p.MinClientVersion,
		PackageContent:           s.urls.PackageDownloadURL(p.ID, v),
		ProjectURL:               p.ProjectURL,
		Published:                formatTime(p.Published),
		RequireLicenseAcceptance: p.RequireLicenseAcceptance,
		Summary:                  p.Summary,
		Tags:                     append([]string{}, p.Tags...),
		Title:                    p.Title,
		PackageTypes:             p.PackageTypes,
	}

	for _, g := range p.DependencyGroups() {
		groupURL := leafURL + "#dependencygroup"
		if g.TargetFramework != "" {
			groupURL += "/" + strings.ToLower(g.TargetFramework)
		}
		group := &DependencyGroupItem{
			URL:             groupURL,
			Type:            "PackageDependencyGroup",
			TargetFramework: g.TargetFramework,
		}
		for _, d := range g.Dependencies {
			group.Dependencies = append(group.Dependencies, &DependencyItem{
				URL:          groupURL + "/" + strings.ToLower(d.ID),
				Type:         "PackageDependency",
				PackageID:    d.ID,
				Range:        d.VersionRange,
				Registration: s.urls.RegistrationIndexURL(d.ID),
			})
		}
		entry.DependencyGroups = append(entry.DependencyGroups, group)
	}
	return entry
}

func (s *service) iconURL(p *Package) string {
	if p.HasEmbeddedIcon {
		return s.urls.PackageIconURL(p.ID, p.Version.String())
	}
	return p.IconURL
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
