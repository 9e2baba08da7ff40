package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/tendant/simple-registry/pkg/registry"
)

// Search handles GET /v3/search
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := h.service.Search(r.Context(), registry.SearchRequest{
		Query:             q.Get("q"),
		Skip:              queryInt(r, "skip"),
		Take:              queryInt(r, "take"),
		IncludePrerelease: queryBool(r, "prerelease"),
		SemVerLevel:       q.Get("semVerLevel"),
		PackageType:       q.Get("packageType"),
		Framework:         q.Get("framework"),
	})
	if err != nil {
		h.writeError(w, r, "search", err)
		return
	}
	render.JSON(w, r, resp)
}

// Autocomplete handles GET /v3/autocomplete. With an id parameter it lists
// the versions of that id instead of matching ids.
func (h *Handler) Autocomplete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		resp *registry.AutocompleteResponse
		err  error
	)
	if id := strings.TrimSpace(q.Get("id")); id != "" {
		resp, err = h.service.AutocompleteVersions(r.Context(), registry.VersionsRequest{
			ID:                id,
			IncludePrerelease: queryBool(r, "prerelease"),
			SemVerLevel:       q.Get("semVerLevel"),
		})
	} else {
		resp, err = h.service.Autocomplete(r.Context(), registry.AutocompleteRequest{
			Query:             q.Get("q"),
			Skip:              queryInt(r, "skip"),
			Take:              queryInt(r, "take"),
			IncludePrerelease: queryBool(r, "prerelease"),
			SemVerLevel:       q.Get("semVerLevel"),
		})
	}
	if err != nil {
		h.writeError(w, r, "autocomplete", err)
		return
	}
	render.JSON(w, r, resp)
}

// Dependents handles GET /v3/dependents
func (h *Handler) Dependents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "id is required", RequestID: RequestID(r.Context())})
		return
	}
	resp, err := h.service.Dependents(r.Context(), registry.DependentsRequest{
		ID:   id,
		Skip: queryInt(r, "skip"),
		Take: queryInt(r, "take"),
	})
	if err != nil {
		h.writeError(w, r, "list dependents", err)
		return
	}
	render.JSON(w, r, resp)
}
