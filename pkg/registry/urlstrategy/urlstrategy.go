package urlstrategy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tendant/simple-registry/pkg/registry/objectkey"
)

// ServerStrategy generates URLs that route every request through the registry
// server itself. BaseURL already includes any configured path base.
type ServerStrategy struct {
	BaseURL string // e.g., "https://nuget.example.com" or "https://example.com/nuget"
}

// NewServerStrategy creates a server URL strategy from the public base URL and
// an optional path base the routes are mounted under.
func NewServerStrategy(baseURL, pathBase string) *ServerStrategy {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if pathBase = strings.Trim(pathBase, "/"); pathBase != "" {
		baseURL = baseURL + "/" + pathBase
	}
	return &ServerStrategy{
		BaseURL: baseURL,
	}
}

func (s *ServerStrategy) join(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return s.BaseURL + "/" + strings.Join(escaped, "/")
}

func lower(s string) string { return strings.ToLower(s) }

func (s *ServerStrategy) ServiceIndexURL() string   { return s.BaseURL + "/v3/index.json" }
func (s *ServerStrategy) PackagePublishURL() string { return s.BaseURL + "/api/v2/package" }
func (s *ServerStrategy) SymbolPublishURL() string  { return s.BaseURL + "/api/v2/symbol" }
func (s *ServerStrategy) SearchURL() string         { return s.BaseURL + "/v3/search" }
func (s *ServerStrategy) AutocompleteURL() string   { return s.BaseURL + "/v3/autocomplete" }

// RegistrationsBaseURL ends with a slash, as clients append "{id}/index.json".
func (s *ServerStrategy) RegistrationsBaseURL() string { return s.BaseURL + "/v3/registration/" }

func (s *ServerStrategy) RegistrationIndexURL(id string) string {
	return s.join("v3", "registration", lower(id), "index.json")
}

func (s *ServerStrategy) RegistrationPageURL(id, lowerVersion, upperVersion string) string {
	return s.join("v3", "registration", lower(id), "page", lower(lowerVersion), lower(upperVersion)+".json")
}

func (s *ServerStrategy) RegistrationLeafURL(id, version string) string {
	return s.join("v3", "registration", lower(id), lower(version)+".json")
}

// PackageBaseURL ends with a slash, as clients append "{id}/index.json".
func (s *ServerStrategy) PackageBaseURL() string { return s.BaseURL + "/v3/package/" }

func (s *ServerStrategy) PackageVersionsURL(id string) string {
	return s.join("v3", "package", lower(id), "index.json")
}

func (s *ServerStrategy) PackageDownloadURL(id, version string) string {
	return s.join("v3", "package", lower(id), lower(version), objectkey.ArchiveFileName(id, version))
}

func (s *ServerStrategy) PackageManifestURL(id, version string) string {
	return s.join("v3", "package", lower(id), lower(version), objectkey.ManifestFileName(id))
}

func (s *ServerStrategy) PackageReadmeURL(id, version string) string {
	return s.join("v3", "package", lower(id), lower(version), "readme")
}

func (s *ServerStrategy) PackageIconURL(id, version string) string {
	return s.join("v3", "package", lower(id), lower(version), "icon")
}

// CDNStrategy points package archive downloads straight at a CDN that fronts
// the blob store, and uses the server strategy for everything else.
type CDNStrategy struct {
	*ServerStrategy
	CDNBaseURL string // e.g., "https://cdn.example.com"
	Keys       objectkey.Generator
}

// NewCDNStrategy creates a CDN URL strategy. keys must match the generator the
// blob store was populated with.
func NewCDNStrategy(server *ServerStrategy, cdnBaseURL string, keys objectkey.Generator) (*CDNStrategy, error) {
	cdnBaseURL = strings.TrimSuffix(cdnBaseURL, "/")
	if cdnBaseURL == "" {
		return nil, fmt.Errorf("CDN base URL not configured")
	}
	if keys == nil {
		keys = objectkey.NewDefaultGenerator()
	}
	return &CDNStrategy{
		ServerStrategy: server,
		CDNBaseURL:     cdnBaseURL,
		Keys:           keys,
	}, nil
}

// PackageDownloadURL creates a direct CDN URL for the package archive
func (s *CDNStrategy) PackageDownloadURL(id, version string) string {
	return fmt.Sprintf("%s/%s", s.CDNBaseURL, s.Keys.PackageKey(id, version, objectkey.ArchiveFileName(id, version)))
}
