package registry

// ServiceIndex is the entry point document that advertises every resource
// of the registry.
type ServiceIndex struct {
	Version   string             `json:"version"`
	Resources []*ServiceResource `json:"resources"`
}

type ServiceResource struct {
	URL     string `json:"@id"`
	Type    string `json:"@type"`
	Comment string `json:"comment,omitempty"`
}

func (s *service) ServiceIndex() *ServiceIndex {
	index := &ServiceIndex{Version: "3.0.0"}
	add := func(url, comment string, types ...string) {
		for _, t := range types {
			index.Resources = append(index.Resources, &ServiceResource{URL: url, Type: t, Comment: comment})
		}
	}

	add(s.urls.PackagePublishURL(), "Push and delete packages",
		"PackagePublish/2.0.0")
	add(s.urls.SymbolPublishURL(), "Push symbol packages",
		"SymbolPackagePublish/4.9.0")
	add(s.urls.SearchURL(), "Query packages",
		"SearchQueryService", "SearchQueryService/3.0.0-beta", "SearchQueryService/3.0.0-rc")
	add(s.urls.AutocompleteURL(), "Autocomplete package ids and versions",
		"SearchAutocompleteService", "SearchAutocompleteService/3.0.0-beta", "SearchAutocompleteService/3.0.0-rc")
	add(s.urls.RegistrationsBaseURL(), "Package metadata",
		"RegistrationsBaseUrl", "RegistrationsBaseUrl/3.0.0-rc", "RegistrationsBaseUrl/3.0.0-beta",
		"RegistrationsBaseUrl/3.4.0", "RegistrationsBaseUrl/3.6.0", "RegistrationsBaseUrl/Versioned")
	add(s.urls.PackageBaseURL(), "Package content",
		"PackageBaseAddress/3.0.0")

	return index
}
