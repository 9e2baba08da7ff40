package registry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a NuGet package version: a SemVer 2.0.0 version with an optional
// fourth "revision" segment kept for legacy packages.
type Version struct {
	sv       *semver.Version
	revision uint64
	original string
}

// ParseVersion parses and normalizes a package version string.
//
// One to four numeric segments are accepted ("1", "1.0", "1.0.0", "1.0.0.4");
// missing segments default to zero and leading zeros are dropped. A fourth
// segment of zero is treated as absent, so "1.0.0.0" normalizes to "1.0.0".
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Version{}, fmt.Errorf("version is empty")
	}

	core, rest := raw, ""
	if i := strings.IndexAny(raw, "-+"); i >= 0 {
		core, rest = raw[:i], raw[i:]
	}

	parts := strings.Split(core, ".")
	if len(parts) > 4 {
		return Version{}, fmt.Errorf("version %q has more than four segments", s)
	}
	nums := make([]uint64, 4)
	for i, p := range parts {
		if p == "" {
			return Version{}, fmt.Errorf("version %q has an empty segment", s)
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("version %q has a non-numeric segment %q", s, p)
		}
		nums[i] = n
	}

	sv, err := semver.StrictNewVersion(fmt.Sprintf("%d.%d.%d%s", nums[0], nums[1], nums[2], rest))
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}

	return Version{sv: sv, revision: nums[3], original: raw}, nil
}

// MustParseVersion is like ParseVersion but panics on error. Intended for tests
// and constants.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) IsZero() bool { return v.sv == nil }

func (v Version) Major() uint64    { return v.sv.Major() }
func (v Version) Minor() uint64    { return v.sv.Minor() }
func (v Version) Patch() uint64    { return v.sv.Patch() }
func (v Version) Revision() uint64 { return v.revision }

// Prerelease returns the prerelease label without the leading dash.
func (v Version) Prerelease() string {
	if v.sv == nil {
		return ""
	}
	return v.sv.Prerelease()
}

// Metadata returns the build metadata without the leading plus sign.
func (v Version) Metadata() string {
	if v.sv == nil {
		return ""
	}
	return v.sv.Metadata()
}

// Original returns the version exactly as it was parsed.
func (v Version) Original() string { return v.original }

func (v Version) IsPrerelease() bool { return v.Prerelease() != "" }

// IsSemVer2 reports whether the version needs a SemVer 2.0.0 aware client:
// a dotted prerelease label or any build metadata.
func (v Version) IsSemVer2() bool {
	return strings.Contains(v.Prerelease(), ".") || v.Metadata() != ""
}

// String returns the normalized version without build metadata.
func (v Version) String() string {
	if v.sv == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.sv.Major(), v.sv.Minor(), v.sv.Patch())
	if v.revision > 0 {
		fmt.Fprintf(&b, ".%d", v.revision)
	}
	if pre := v.sv.Prerelease(); pre != "" {
		b.WriteString("-")
		b.WriteString(pre)
	}
	return b.String()
}

// FullString returns the normalized version including build metadata.
func (v Version) FullString() string {
	s := v.String()
	if md := v.Metadata(); md != "" {
		s += "+" + md
	}
	return s
}

// Key returns the lookup key for the version: normalized, lowercase and
// without build metadata.
func (v Version) Key() string {
	return strings.ToLower(v.String())
}

// Compare orders versions by major, minor, patch, revision and then
// prerelease precedence. Prerelease labels compare case-insensitively and
// build metadata is ignored.
func (v Version) Compare(o Version) int {
	a := semver.New(v.sv.Major(), v.sv.Minor(), v.sv.Patch(), "", "")
	b := semver.New(o.sv.Major(), o.sv.Minor(), o.sv.Patch(), "", "")
	if c := a.Compare(b); c != 0 {
		return c
	}
	switch {
	case v.revision < o.revision:
		return -1
	case v.revision > o.revision:
		return 1
	}
	pa := semver.New(0, 0, 0, strings.ToLower(v.sv.Prerelease()), "")
	pb := semver.New(0, 0, 0, strings.ToLower(o.sv.Prerelease()), "")
	return pa.Compare(pb)
}

func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.FullString()), nil
}

func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// NormalizeVersion returns the lookup key for a raw version string.
func NormalizeVersion(s string) (string, error) {
	v, err := ParseVersion(s)
	if err != nil {
		return "", err
	}
	return v.Key(), nil
}

// NormalizeID returns the case-insensitive lookup key for a package id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
