package registry

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// PackageArchive is a parsed .nupkg: the package metadata plus the files that
// are stored next to the archive.
type PackageArchive struct {
	Package *Package
	Nuspec  []byte
	Readme  []byte
	Icon    []byte
}

type nuspecDocument struct {
	XMLName  xml.Name       `xml:"package"`
	Metadata nuspecMetadata `xml:"metadata"`
}

type nuspecMetadata struct {
	MinClientVersion         string `xml:"minClientVersion,attr"`
	ID                       string `xml:"id"`
	Version                  string `xml:"version"`
	Title                    string `xml:"title"`
	Authors                  string `xml:"authors"`
	Description              string `xml:"description"`
	Summary                  string `xml:"summary"`
	ReleaseNotes             string `xml:"releaseNotes"`
	Language                 string `xml:"language"`
	Tags                     string `xml:"tags"`
	IconURL                  string `xml:"iconUrl"`
	Icon                     string `xml:"icon"`
	Readme                   string `xml:"readme"`
	ProjectURL               string `xml:"projectUrl"`
	LicenseURL               string `xml:"licenseUrl"`
	RequireLicenseAcceptance bool   `xml:"requireLicenseAcceptance"`
	License                  struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"license"`
	Repository struct {
		Type string `xml:"type,attr"`
		URL  string `xml:"url,attr"`
	} `xml:"repository"`
	PackageTypes struct {
		Types []struct {
			Name    string `xml:"name,attr"`
			Version string `xml:"version,attr"`
		} `xml:"packageType"`
	} `xml:"packageTypes"`
	Dependencies struct {
		Groups []struct {
			TargetFramework string             `xml:"targetFramework,attr"`
			Dependencies    []nuspecDependency `xml:"dependency"`
		} `xml:"group"`
		Dependencies []nuspecDependency `xml:"dependency"`
	} `xml:"dependencies"`
}

type nuspecDependency struct {
	ID      string `xml:"id,attr"`
	Version string `xml:"version,attr"`
}

// ReadPackageArchive parses a .nupkg. Structural problems are reported as a
// *ValidationError. maxContentSize caps the bytes decompressed from the
// archive; zero means unlimited.
func ReadPackageArchive(data []byte, maxContentSize int64) (*PackageArchive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ValidationError{Reason: "package is not a valid zip archive", Err: err}
	}

	budget := &zipBudget{limit: maxContentSize}
	var nuspecFile *zip.File
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		name := strings.TrimPrefix(strings.ReplaceAll(f.Name, "\\", "/"), "/")
		files[strings.ToLower(name)] = f
		if !strings.Contains(name, "/") && strings.EqualFold(path.Ext(name), ".nuspec") {
			if nuspecFile != nil {
				return nil, invalidPackage("package contains more than one manifest")
			}
			nuspecFile = f
		}
	}
	if nuspecFile == nil {
		return nil, invalidPackage("package is missing a .nuspec manifest")
	}

	nuspec, err := budget.read(nuspecFile)
	if err != nil {
		return nil, &ValidationError{Reason: "failed to read manifest", Err: err}
	}

	var doc nuspecDocument
	if err := xml.Unmarshal(nuspec, &doc); err != nil {
		return nil, &ValidationError{Reason: "manifest is not valid XML", Err: err}
	}
	md := doc.Metadata

	if strings.TrimSpace(md.ID) == "" {
		return nil, invalidPackage("manifest does not declare an id")
	}
	version, err := ParseVersion(md.Version)
	if err != nil {
		return nil, &ValidationError{Reason: "manifest version is invalid", Err: err}
	}

	pkg := &Package{
		ID:                       strings.TrimSpace(md.ID),
		Version:                  version,
		OriginalVersion:          strings.TrimSpace(md.Version),
		Authors:                  splitList(md.Authors, ","),
		Title:                    strings.TrimSpace(md.Title),
		Description:              strings.TrimSpace(md.Description),
		Summary:                  strings.TrimSpace(md.Summary),
		ReleaseNotes:             strings.TrimSpace(md.ReleaseNotes),
		Language:                 strings.TrimSpace(md.Language),
		Tags:                     splitList(md.Tags, " "),
		IconURL:                  strings.TrimSpace(md.IconURL),
		LicenseURL:               strings.TrimSpace(md.LicenseURL),
		ProjectURL:               strings.TrimSpace(md.ProjectURL),
		RepositoryURL:            md.Repository.URL,
		RepositoryType:           md.Repository.Type,
		MinClientVersion:         md.MinClientVersion,
		RequireLicenseAcceptance: md.RequireLicenseAcceptance,
		Listed:                   true,
	}
	if strings.EqualFold(md.License.Type, "expression") {
		pkg.LicenseExpression = strings.TrimSpace(md.License.Value)
	}

	for _, t := range md.PackageTypes.Types {
		pkg.PackageTypes = append(pkg.PackageTypes, PackageType{Name: t.Name, Version: t.Version})
	}

	for _, d := range md.Dependencies.Dependencies {
		pkg.Dependencies = append(pkg.Dependencies, PackageDependency{ID: d.ID, VersionRange: d.Version})
	}
	frameworks := newFrameworkSet()
	for _, g := range md.Dependencies.Groups {
		frameworks.add(g.TargetFramework)
		if len(g.Dependencies) == 0 {
			pkg.Dependencies = append(pkg.Dependencies, PackageDependency{TargetFramework: g.TargetFramework})
			continue
		}
		for _, d := range g.Dependencies {
			pkg.Dependencies = append(pkg.Dependencies, PackageDependency{
				TargetFramework: g.TargetFramework,
				ID:              d.ID,
				VersionRange:    d.Version,
			})
		}
	}

	for name := range files {
		parts := strings.Split(name, "/")
		if len(parts) >= 3 && (parts[0] == "lib" || parts[0] == "ref") {
			frameworks.add(parts[1])
		}
	}
	pkg.TargetFrameworks = frameworks.list()

	archive := &PackageArchive{Package: pkg, Nuspec: nuspec}

	if md.Readme != "" {
		f, ok := files[normalizeEntryName(md.Readme)]
		if !ok {
			return nil, invalidPackage("readme file %q is missing from the package", md.Readme)
		}
		if archive.Readme, err = budget.read(f); err != nil {
			return nil, &ValidationError{Reason: "failed to read readme", Err: err}
		}
		pkg.HasReadme = true
	}

	if md.Icon != "" {
		f, ok := files[normalizeEntryName(md.Icon)]
		if !ok {
			return nil, invalidPackage("icon file %q is missing from the package", md.Icon)
		}
		if archive.Icon, err = budget.read(f); err != nil {
			return nil, &ValidationError{Reason: "failed to read icon", Err: err}
		}
		pkg.HasEmbeddedIcon = true
	}

	return archive, nil
}

var errContentTooLarge = errors.New("archive contents exceed the maximum size")

// zipBudget caps the total bytes decompressed from one archive. A zero limit
// means unlimited.
type zipBudget struct {
	limit int64
	used  int64
}

func (b *zipBudget) read(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if b.limit <= 0 {
		return io.ReadAll(rc)
	}
	remaining := b.limit - b.used
	data, err := io.ReadAll(io.LimitReader(rc, remaining+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > remaining {
		return nil, errContentTooLarge
	}
	b.used += int64(len(data))
	return data, nil
}

func normalizeEntryName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"), "/"))
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type frameworkSet struct {
	seen  map[string]struct{}
	order []string
}

func newFrameworkSet() *frameworkSet {
	return &frameworkSet{seen: make(map[string]struct{})}
}

func (s *frameworkSet) add(tfm string) {
	tfm = strings.ToLower(strings.TrimSpace(tfm))
	if tfm == "" {
		return
	}
	if _, ok := s.seen[tfm]; ok {
		return
	}
	s.seen[tfm] = struct{}{}
	s.order = append(s.order, tfm)
}

func (s *frameworkSet) list() []string {
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

var errUploadTooLarge = errors.New("upload exceeds the maximum size")

// readUpload reads an upload body, refusing more than limit bytes when limit
// is positive.
func readUpload(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errUploadTooLarge
	}
	return data, nil
}
