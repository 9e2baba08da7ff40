package registry

import (
	"sort"
	"strings"
	"time"
)

// DefaultPackageType is assumed for packages that declare no package types.
const DefaultPackageType = "Dependency"

// Package is a single published version of a package id.
//
// Everything except Listed and Downloads is immutable once the package has
// been added to the database.
type Package struct {
	ID              string  `json:"id"`
	Version         Version `json:"version"`
	OriginalVersion string  `json:"original_version,omitempty"`

	Authors                  []string `json:"authors,omitempty"`
	Title                    string   `json:"title,omitempty"`
	Description              string   `json:"description,omitempty"`
	Summary                  string   `json:"summary,omitempty"`
	ReleaseNotes             string   `json:"release_notes,omitempty"`
	Language                 string   `json:"language,omitempty"`
	Tags                     []string `json:"tags,omitempty"`
	IconURL                  string   `json:"icon_url,omitempty"`
	LicenseURL               string   `json:"license_url,omitempty"`
	LicenseExpression        string   `json:"license_expression,omitempty"`
	ProjectURL               string   `json:"project_url,omitempty"`
	RepositoryURL            string   `json:"repository_url,omitempty"`
	RepositoryType           string   `json:"repository_type,omitempty"`
	MinClientVersion         string   `json:"min_client_version,omitempty"`
	RequireLicenseAcceptance bool     `json:"require_license_acceptance,omitempty"`

	HasReadme       bool `json:"has_readme"`
	HasEmbeddedIcon bool `json:"has_embedded_icon"`

	Dependencies     []PackageDependency `json:"dependencies,omitempty"`
	PackageTypes     []PackageType       `json:"package_types,omitempty"`
	TargetFrameworks []string            `json:"target_frameworks,omitempty"`

	Listed    bool      `json:"listed"`
	Published time.Time `json:"published"`
	Downloads int64     `json:"downloads"`

	// Hash is the base64 encoded digest of the original archive.
	Hash          string `json:"hash"`
	HashAlgorithm string `json:"hash_algorithm"`
	Size          int64  `json:"size"`
}

// PackageDependency is one entry of a dependency group. A group that declares
// no dependencies for its framework is recorded with an empty ID.
type PackageDependency struct {
	TargetFramework string `json:"target_framework,omitempty"`
	ID              string `json:"id,omitempty"`
	VersionRange    string `json:"version_range,omitempty"`
}

// PackageType is a declared package type such as "Dependency" or "DotnetTool".
type PackageType struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// IDKey returns the case-insensitive id key.
func (p *Package) IDKey() string { return NormalizeID(p.ID) }

// VersionKey returns the normalized version key.
func (p *Package) VersionKey() string { return p.Version.Key() }

func (p *Package) IsPrerelease() bool { return p.Version.IsPrerelease() }

// SemVerLevel is 2 for packages that require a SemVer 2.0.0 aware client and 1
// otherwise. Dependency ranges that mention SemVer 2.0.0 versions count.
func (p *Package) SemVerLevel() int {
	if p.Version.IsSemVer2() {
		return 2
	}
	for _, d := range p.Dependencies {
		if dependencyRangeIsSemVer2(d.VersionRange) {
			return 2
		}
	}
	return 1
}

// HasPackageType reports whether the package declares the given type,
// comparing case-insensitively. Packages without types are Dependency packages.
func (p *Package) HasPackageType(name string) bool {
	if len(p.PackageTypes) == 0 {
		return strings.EqualFold(name, DefaultPackageType)
	}
	for _, t := range p.PackageTypes {
		if strings.EqualFold(t.Name, name) {
			return true
		}
	}
	return false
}

// SupportsFramework reports whether the package targets the given framework
// moniker exactly, ignoring case.
func (p *Package) SupportsFramework(tfm string) bool {
	for _, f := range p.TargetFrameworks {
		if strings.EqualFold(f, tfm) {
			return true
		}
	}
	return false
}

// DependencyIDs returns the distinct dependency ids, lowercased and sorted.
func (p *Package) DependencyIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, d := range p.Dependencies {
		if d.ID == "" {
			continue
		}
		key := NormalizeID(d.ID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, key)
	}
	sort.Strings(ids)
	return ids
}

// DependencyGroup is a set of dependencies sharing a target framework.
type DependencyGroup struct {
	TargetFramework string
	Dependencies    []PackageDependency
}

// DependencyGroups groups the package dependencies by target framework in the
// order the frameworks first appear.
func (p *Package) DependencyGroups() []DependencyGroup {
	var groups []DependencyGroup
	index := make(map[string]int)
	for _, d := range p.Dependencies {
		key := strings.ToLower(d.TargetFramework)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, DependencyGroup{TargetFramework: d.TargetFramework})
		}
		if d.ID != "" {
			groups[i].Dependencies = append(groups[i].Dependencies, d)
		}
	}
	return groups
}

// Clone returns a deep copy of the package.
func (p *Package) Clone() *Package {
	if p == nil {
		return nil
	}
	c := *p
	c.Authors = append([]string(nil), p.Authors...)
	c.Tags = append([]string(nil), p.Tags...)
	c.Dependencies = append([]PackageDependency(nil), p.Dependencies...)
	c.PackageTypes = append([]PackageType(nil), p.PackageTypes...)
	c.TargetFrameworks = append([]string(nil), p.TargetFrameworks...)
	return &c
}

// SortPackages sorts packages by version ascending.
func SortPackages(pkgs []*Package) {
	sort.SliceStable(pkgs, func(i, j int) bool {
		return pkgs[i].Version.Compare(pkgs[j].Version) < 0
	})
}

// SortByIDAndVersion sorts packages by lowercased id and then by version
// ascending.
func SortByIDAndVersion(pkgs []*Package) {
	sort.SliceStable(pkgs, func(i, j int) bool {
		if a, b := pkgs[i].IDKey(), pkgs[j].IDKey(); a != b {
			return a < b
		}
		return pkgs[i].Version.Compare(pkgs[j].Version) < 0
	})
}

func dependencyRangeIsSemVer2(r string) bool {
	for _, part := range strings.FieldsFunc(r, func(c rune) bool {
		return c == '[' || c == ']' || c == '(' || c == ')' || c == ','
	}) {
		v, err := ParseVersion(part)
		if err == nil && v.IsSemVer2() {
			return true
		}
	}
	return false
}

// PublishResult describes a successful publish.
type PublishResult int

const (
	// PackagePublished means the package was newly added to the registry.
	PackagePublished PublishResult = iota
	// PackageAlreadyPublished means identical content was already published.
	PackageAlreadyPublished
)

func (r PublishResult) String() string {
	switch r {
	case PackagePublished:
		return "published"
	case PackageAlreadyPublished:
		return "already_published"
	default:
		return "unknown"
	}
}

// SymbolResult describes a successful symbol upload.
type SymbolResult int

const (
	SymbolsStored SymbolResult = iota
	SymbolsAlreadyStored
)

func (r SymbolResult) String() string {
	switch r {
	case SymbolsStored:
		return "stored"
	case SymbolsAlreadyStored:
		return "already_stored"
	default:
		return "unknown"
	}
}

// AddResult is returned by Database.Add.
type AddResult int

const (
	PackageAdded AddResult = iota
	PackageAlreadyExists
)

// PutResult is returned by BlobStore.Put.
type PutResult int

const (
	// PutCreated means the blob was written.
	PutCreated PutResult = iota
	// PutIdentical means a blob with identical bytes already existed.
	PutIdentical
	// PutConflict means a blob with different bytes already exists.
	PutConflict
)

func (r PutResult) String() string {
	switch r {
	case PutCreated:
		return "created"
	case PutIdentical:
		return "identical"
	case PutConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Asset names one of the blobs stored for a package version.
type Asset string

const (
	AssetArchive  Asset = "nupkg"
	AssetManifest Asset = "nuspec"
	AssetReadme   Asset = "readme"
	AssetIcon     Asset = "icon"
)

// DeletionBehavior selects what DELETE /api/v2/package does.
type DeletionBehavior string

const (
	DeletionHardDelete DeletionBehavior = "hard-delete"
	DeletionUnlist     DeletionBehavior = "unlist"
)
