package registry

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
)

const schemaVocab = "http://schema.nuget.org/schema#"

// SearchRequest is a search query as received from a client.
type SearchRequest struct {
	Query             string
	Skip              int
	Take              int
	IncludePrerelease bool
	// SemVerLevel is the client's SemVer level, e.g. "2.0.0".
	SemVerLevel string
	PackageType string
	Framework   string
}

// AutocompleteRequest is an id autocomplete query.
type AutocompleteRequest struct {
	Query             string
	Skip              int
	Take              int
	IncludePrerelease bool
	SemVerLevel       string
}

// VersionsRequest asks for the versions of a single id, as used by the
// version mode of the autocomplete resource.
type VersionsRequest struct {
	ID                string
	IncludePrerelease bool
	SemVerLevel       string
}

// DependentsRequest asks for the packages that depend on ID.
type DependentsRequest struct {
	ID   string
	Skip int
	Take int
}

// SearchContext is the JSON-LD context of search responses.
type SearchContext struct {
	Vocab string `json:"@vocab"`
	Base  string `json:"@base"`
}

// SearchResponse is the body of the search resource.
type SearchResponse struct {
	Context   SearchContext   `json:"@context"`
	TotalHits int             `json:"totalHits"`
	Data      []*SearchResult `json:"data"`
}

// SearchResult summarizes one package id.
type SearchResult struct {
	URL            string                 `json:"@id"`
	Type           string                 `json:"@type"`
	Registration   string                 `json:"registration"`
	PackageID      string                 `json:"id"`
	Version        string                 `json:"version"`
	Description    string                 `json:"description"`
	Authors        []string               `json:"authors"`
	IconURL        string                 `json:"iconUrl,omitempty"`
	LicenseURL     string                 `json:"licenseUrl,omitempty"`
	ProjectURL     string                 `json:"projectUrl,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
	Tags           []string               `json:"tags"`
	Title          string                 `json:"title,omitempty"`
	TotalDownloads int64                  `json:"totalDownloads"`
	Verified       bool                   `json:"verified"`
	PackageTypes   []SearchResultType     `json:"packageTypes"`
	Versions       []*SearchResultVersion `json:"versions"`
}

type SearchResultType struct {
	Name string `json:"name"`
}

type SearchResultVersion struct {
	URL       string `json:"@id"`
	Version   string `json:"version"`
	Downloads int64  `json:"downloads"`
}

// AutocompleteResponse is the body of the autocomplete resource.
type AutocompleteResponse struct {
	Context   SearchContext `json:"@context"`
	TotalHits int           `json:"totalHits"`
	Data      []string      `json:"data"`
}

// DependentsResponse is the body of the dependents resource.
type DependentsResponse struct {
	TotalHits int                `json:"totalHits"`
	Data      []*DependentResult `json:"data"`
}

type DependentResult struct {
	URL            string `json:"@id"`
	PackageID      string `json:"id"`
	Description    string `json:"description"`
	TotalDownloads int64  `json:"totalDownloads"`
}

// FoldQuery trims and case-folds a query term.
func FoldQuery(q string) string {
	return cases.Fold().String(strings.TrimSpace(q))
}

func (s *service) pageBounds(skip, take int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = DefaultSearchTake
	}
	if take > s.maxTake {
		take = s.maxTake
	}
	return skip, take
}

// includeSemVer2 reports whether a client SemVer level admits SemVer 2.0.0
// packages.
func includeSemVer2(level string) bool {
	if level == "" {
		return false
	}
	v, err := ParseVersion(level)
	if err != nil {
		return false
	}
	return v.Major() >= 2
}

func (s *service) searchContext() SearchContext {
	return SearchContext{Vocab: schemaVocab, Base: s.urls.RegistrationsBaseURL()}
}

// Search normalizes the request, queries the index and shapes the results
// into package summaries.
func (s *service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	skip, take := s.pageBounds(req.Skip, req.Take)
	results, err := s.index.Search(ctx, SearchQuery{
		Term:              FoldQuery(req.Query),
		Skip:              skip,
		Take:              take,
		IncludePrerelease: req.IncludePrerelease,
		IncludeSemVer2:    includeSemVer2(req.SemVerLevel),
		PackageType:       strings.TrimSpace(req.PackageType),
		Framework:         strings.TrimSpace(req.Framework),
	})
	if err != nil {
		return nil, err
	}

	resp := &SearchResponse{
		Context:   s.searchContext(),
		TotalHits: results.TotalHits,
		Data:      make([]*SearchResult, 0, len(results.Hits)),
	}
	for _, hit := range results.Hits {
		resp.Data = append(resp.Data, s.searchResult(hit))
	}
	return resp, nil
}

func (s *service) searchResult(hit *SearchHit) *SearchResult {
	latest := hit.Latest()
	registration := s.urls.RegistrationIndexURL(latest.ID)

	result := &SearchResult{
		URL:            registration,
		Type:           "Package",
		Registration:   registration,
		PackageID:      latest.ID,
		Version:        latest.Version.FullString(),
		Description:    latest.Description,
		Authors:        append([]string{}, latest.Authors...),
		IconURL:        s.iconURL(latest),
		LicenseURL:     latest.LicenseURL,
		ProjectURL:     latest.ProjectURL,
		Summary:        latest.Summary,
		Tags:           append([]string{}, latest.Tags...),
		Title:          latest.Title,
		TotalDownloads: hit.TotalDownloads(),
	}

	if len(latest.PackageTypes) == 0 {
		result.PackageTypes = []SearchResultType{{Name: DefaultPackageType}}
	}
	for _, t := range latest.PackageTypes {
		result.PackageTypes = append(result.PackageTypes, SearchResultType{Name: t.Name})
	}

	for _, v := range hit.Versions {
		result.Versions = append(result.Versions, &SearchResultVersion{
			URL:       s.urls.RegistrationLeafURL(v.ID, v.Version.String()),
			Version:   v.Version.FullString(),
			Downloads: v.Downloads,
		})
	}
	return result
}

// Autocomplete returns package ids starting with the query.
func (s *service) Autocomplete(ctx context.Context, req AutocompleteRequest) (*AutocompleteResponse, error) {
	skip, take := s.pageBounds(req.Skip, req.Take)
	results, err := s.index.Autocomplete(ctx, AutocompleteQuery{
		Term:              FoldQuery(req.Query),
		Skip:              skip,
		Take:              take,
		IncludePrerelease: req.IncludePrerelease,
		IncludeSemVer2:    includeSemVer2(req.SemVerLevel),
	})
	if err != nil {
		return nil, err
	}
	data := results.IDs
	if data == nil {
		data = []string{}
	}
	return &AutocompleteResponse{
		Context:   s.searchContext(),
		TotalHits: results.TotalHits,
		Data:      data,
	}, nil
}

// AutocompleteVersions lists the listed versions of one id, read from the
// catalog.
func (s *service) AutocompleteVersions(ctx context.Context, req VersionsRequest) (*AutocompleteResponse, error) {
	pkgs, err := s.db.FindAll(ctx, strings.TrimSpace(req.ID))
	if err != nil {
		return nil, &PackageError{ID: req.ID, Op: "autocomplete versions", Err: err}
	}
	versions := FilterVersions(pkgs, SearchQuery{
		IncludePrerelease: req.IncludePrerelease,
		IncludeSemVer2:    includeSemVer2(req.SemVerLevel),
	})
	data := make([]string, 0, len(versions))
	for _, v := range versions {
		data = append(data, v.Version.FullString())
	}
	return &AutocompleteResponse{
		Context:   s.searchContext(),
		TotalHits: len(data),
		Data:      data,
	}, nil
}

// Dependents lists the packages that depend on an id.
func (s *service) Dependents(ctx context.Context, req DependentsRequest) (*DependentsResponse, error) {
	skip, take := s.pageBounds(req.Skip, req.Take)
	results, err := s.index.Dependents(ctx, DependentsQuery{
		ID:   NormalizeID(req.ID),
		Skip: skip,
		Take: take,
	})
	if err != nil {
		return nil, err
	}
	resp := &DependentsResponse{
		TotalHits: results.TotalHits,
		Data:      make([]*DependentResult, 0, len(results.Hits)),
	}
	for _, hit := range results.Hits {
		latest := hit.Latest()
		resp.Data = append(resp.Data, &DependentResult{
			URL:            s.urls.RegistrationIndexURL(latest.ID),
			PackageID:      latest.ID,
			Description:    latest.Description,
			TotalDownloads: hit.TotalDownloads(),
		})
	}
	return resp, nil
}
