// Package registrytest builds packages, archives and symbol files for tests.
package registrytest

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/tendant/simple-registry/pkg/registry"
)

// NewPackage returns a listed catalog record for id and version.
func NewPackage(id, version string) *registry.Package {
	v := registry.MustParseVersion(version)
	return &registry.Package{
		ID:              id,
		Version:         v,
		OriginalVersion: version,
		Authors:         []string{"Test Author"},
		Description:     "Test package " + id,
		Listed:          true,
		Published:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Hash:            "hash-" + strings.ToLower(id) + "-" + v.Key(),
		HashAlgorithm:   "SHA512",
		Size:            42,
	}
}

// Dependency declares a manifest dependency. An empty ID declares an empty
// group for TargetFramework.
type Dependency struct {
	TargetFramework string
	ID              string
	Range           string
}

// Nuspec describes the manifest of a generated package.
type Nuspec struct {
	ID                string
	Version           string
	Authors           string
	Description       string
	Title             string
	Tags              string
	LicenseExpression string
	PackageTypes      []string
	Dependencies      []Dependency

	// Readme and Icon name archive entries that are added with the given
	// content.
	Readme        string
	ReadmeContent []byte
	Icon          string
	IconContent   []byte
}

type xmlPackage struct {
	XMLName  xml.Name    `xml:"package"`
	Xmlns    string      `xml:"xmlns,attr"`
	Metadata xmlMetadata `xml:"metadata"`
}

type xmlMetadata struct {
	ID           string           `xml:"id"`
	Version      string           `xml:"version"`
	Title        string           `xml:"title,omitempty"`
	Authors      string           `xml:"authors,omitempty"`
	Description  string           `xml:"description,omitempty"`
	Tags         string           `xml:"tags,omitempty"`
	License      *xmlLicense      `xml:"license,omitempty"`
	Readme       string           `xml:"readme,omitempty"`
	Icon         string           `xml:"icon,omitempty"`
	PackageTypes *xmlPackageTypes `xml:"packageTypes,omitempty"`
	Dependencies *xmlDependencies `xml:"dependencies,omitempty"`
}

type xmlLicense struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type xmlPackageTypes struct {
	Types []xmlPackageType `xml:"packageType"`
}

type xmlPackageType struct {
	Name string `xml:"name,attr"`
}

type xmlDependencies struct {
	Groups []xmlGroup `xml:"group"`
}

type xmlGroup struct {
	TargetFramework string          `xml:"targetFramework,attr,omitempty"`
	Dependencies    []xmlDependency `xml:"dependency"`
}

type xmlDependency struct {
	ID      string `xml:"id,attr"`
	Version string `xml:"version,attr,omitempty"`
}

// ManifestXML renders the manifest document.
func ManifestXML(t testing.TB, n Nuspec) []byte {
	t.Helper()
	md := xmlMetadata{
		ID:          n.ID,
		Version:     n.Version,
		Title:       n.Title,
		Authors:     n.Authors,
		Description: n.Description,
		Tags:        n.Tags,
		Readme:      n.Readme,
		Icon:        n.Icon,
	}
	if n.LicenseExpression != "" {
		md.License = &xmlLicense{Type: "expression", Value: n.LicenseExpression}
	}
	if len(n.PackageTypes) > 0 {
		md.PackageTypes = &xmlPackageTypes{}
		for _, name := range n.PackageTypes {
			md.PackageTypes.Types = append(md.PackageTypes.Types, xmlPackageType{Name: name})
		}
	}
	if len(n.Dependencies) > 0 {
		md.Dependencies = &xmlDependencies{}
		groups := map[string]int{}
		for _, d := range n.Dependencies {
			i, ok := groups[d.TargetFramework]
			if !ok {
				i = len(md.Dependencies.Groups)
				groups[d.TargetFramework] = i
				md.Dependencies.Groups = append(md.Dependencies.Groups, xmlGroup{TargetFramework: d.TargetFramework})
			}
			if d.ID != "" {
				md.Dependencies.Groups[i].Dependencies = append(md.Dependencies.Groups[i].Dependencies, xmlDependency{ID: d.ID, Version: d.Range})
			}
		}
	}

	out, err := xml.MarshalIndent(xmlPackage{
		Xmlns:    "http://schemas.microsoft.com/packaging/2013/05/nuspec.xsd",
		Metadata: md,
	}, "", "  ")
	if err != nil {
		t.Fatalf("marshal nuspec: %v", err)
	}
	return append([]byte(xml.Header), out...)
}

// BuildPackage builds a .nupkg for the manifest. Authors and Description get
// defaults so the package passes the metadata policy.
func BuildPackage(t testing.TB, n Nuspec, files map[string][]byte) []byte {
	t.Helper()
	if n.Authors == "" {
		n.Authors = "Test Author"
	}
	if n.Description == "" {
		n.Description = "Test package " + n.ID
	}

	entries := map[string][]byte{
		strings.ToLower(n.ID) + ".nuspec": ManifestXML(t, n),
	}
	if n.Readme != "" {
		entries[n.Readme] = n.ReadmeContent
	}
	if n.Icon != "" {
		entries[n.Icon] = n.IconContent
	}
	for name, content := range files {
		entries[name] = content
	}
	return BuildZip(t, entries)
}

// BuildZip writes entries into a zip archive in a stable order.
func BuildZip(t testing.TB, entries map[string][]byte) []byte {
	t.Helper()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// BuildPDB returns a minimal portable PDB whose #Pdb stream carries guid as
// its id. extra is appended to the stream so files with the same guid can
// differ.
func BuildPDB(guid [16]byte, extra []byte) []byte {
	version := []byte("PDB v1.0\x00\x00\x00\x00")
	stream := make([]byte, 32)
	copy(stream, guid[:])
	stream = append(stream, extra...)

	var buf bytes.Buffer
	le := binary.LittleEndian
	write := func(v any) { _ = binary.Write(&buf, le, v) }

	write(uint32(0x424A5342))
	write(uint16(1))
	write(uint16(1))
	write(uint32(0))
	write(uint32(len(version)))
	buf.Write(version)
	write(uint16(0)) // flags
	write(uint16(1)) // streams

	headerEnd := buf.Len() + 4 + 4 + 8
	write(uint32(headerEnd))
	write(uint32(len(stream)))
	buf.Write([]byte("#Pdb\x00\x00\x00\x00"))
	buf.Write(stream)
	return buf.Bytes()
}

// SymbolKey is the signature key BuildPDB's guid is served under.
func SymbolKey(guid [16]byte) string {
	const hex = "0123456789abcdef"
	order := []int{3, 2, 1, 0, 5, 4, 7, 6, 8, 9, 10, 11, 12, 13, 14, 15}
	var sb strings.Builder
	for _, i := range order {
		sb.WriteByte(hex[guid[i]>>4])
		sb.WriteByte(hex[guid[i]&0x0f])
	}
	return sb.String() + "ffffffff"
}
