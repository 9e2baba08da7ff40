package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-registry/pkg/registry"
)

// uploadBody returns the uploaded archive. NuGet clients send a multipart
// form with a single file part; a raw body is accepted as well.
func uploadBody(r *http.Request) (io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, &registry.ValidationError{Reason: "malformed multipart upload"}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, &registry.ValidationError{Reason: "upload contains no file"}
		}
		if err != nil {
			return nil, &registry.ValidationError{Reason: "malformed multipart upload"}
		}
		if part.FileName() != "" || part.FormName() == "package" {
			return part, nil
		}
		part.Close()
	}
}

// PublishResponse describes a published package
type PublishResponse struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// Publish handles PUT /api/v2/package
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := uploadBody(r)
	if err != nil {
		h.writeError(w, r, "publish package", err)
		return
	}

	result, pkg, err := h.service.Publish(r.Context(), body)
	if err != nil {
		h.writeError(w, r, "publish package", err)
		return
	}

	status := http.StatusCreated
	if result == registry.PackageAlreadyPublished {
		status = http.StatusAccepted
	}
	render.Status(r, status)
	render.JSON(w, r, PublishResponse{ID: pkg.ID, Version: pkg.Version.FullString(), Status: result.String()})
}

// Delete handles DELETE /api/v2/package/{id}/{version}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, version := chi.URLParam(r, "id"), chi.URLParam(r, "version")
	if err := h.service.Delete(r.Context(), id, version); err != nil {
		h.writeError(w, r, "delete package", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Relist handles POST /api/v2/package/{id}/{version}
func (h *Handler) Relist(w http.ResponseWriter, r *http.Request) {
	id, version := chi.URLParam(r, "id"), chi.URLParam(r, "version")
	if err := h.service.Relist(r.Context(), id, version); err != nil {
		h.writeError(w, r, "relist package", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// VersionsResponse lists the versions of a package id
type VersionsResponse struct {
	Versions []string `json:"versions"`
}

// ListVersions handles GET /v3/package/{id}/index.json
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.service.ListVersions(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		h.writeError(w, r, "list versions", err)
		return
	}
	render.JSON(w, r, VersionsResponse{Versions: versions})
}

// DownloadContent handles GET /v3/package/{id}/{version}/{file} for the
// archive, the manifest, the readme and the icon.
func (h *Handler) DownloadContent(w http.ResponseWriter, r *http.Request) {
	id, version, file := chi.URLParam(r, "id"), chi.URLParam(r, "version"), chi.URLParam(r, "file")

	var asset registry.Asset
	switch {
	case strings.EqualFold(file, "readme"):
		asset = registry.AssetReadme
	case strings.EqualFold(file, "icon"):
		asset = registry.AssetIcon
	case strings.EqualFold(file, id+"."+version+".nupkg"):
		asset = registry.AssetArchive
	case strings.EqualFold(file, id+".nuspec"):
		asset = registry.AssetManifest
	default:
		h.writeError(w, r, "download", registry.ErrAssetNotFound)
		return
	}

	if h.redirectDownloads {
		uri, err := h.service.DownloadURI(r.Context(), id, version, asset)
		switch {
		case err == nil:
			http.Redirect(w, r, uri, http.StatusSeeOther)
			return
		case !errors.Is(err, registry.ErrDownloadURIUnsupported):
			h.writeError(w, r, "download "+string(asset), err)
			return
		}
	}

	var (
		d   *registry.Download
		err error
	)
	switch asset {
	case registry.AssetArchive:
		d, err = h.service.DownloadArchive(r.Context(), id, version)
	case registry.AssetManifest:
		d, err = h.service.DownloadManifest(r.Context(), id, version)
	case registry.AssetReadme:
		d, err = h.service.DownloadReadme(r.Context(), id, version)
	case registry.AssetIcon:
		d, err = h.service.DownloadIcon(r.Context(), id, version)
	}
	if err != nil {
		h.writeError(w, r, "download "+string(asset), err)
		return
	}
	defer d.Content.Close()

	w.Header().Set("Cache-Control", registry.CacheControl)
	w.Header().Set("ETag", d.ETag)
	if etagMatches(r.Header.Get("If-None-Match"), d.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", d.ContentType)
	if asset == registry.AssetArchive {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": strings.ToLower(file)}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, d.Content); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to stream package content", "id", id, "version", version, "asset", asset, "error", err)
	}
}

// etagMatches implements the If-None-Match comparison for strong tags
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// RegistrationIndex handles GET /v3/registration/{id}/index.json
func (h *Handler) RegistrationIndex(w http.ResponseWriter, r *http.Request) {
	index, err := h.service.RegistrationIndex(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "build registration index", err)
		return
	}
	render.JSON(w, r, index)
}

// RegistrationPage handles GET /v3/registration/{id}/page/{lower}/{upper}.json
func (h *Handler) RegistrationPage(w http.ResponseWriter, r *http.Request) {
	upper, ok := trimSuffixFold(chi.URLParam(r, "upper"), ".json")
	if !ok {
		h.writeError(w, r, "build registration page", registry.ErrPackageNotFound)
		return
	}
	page, err := h.service.RegistrationPage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lower"), upper)
	if err != nil {
		h.writeError(w, r, "build registration page", err)
		return
	}
	render.JSON(w, r, page)
}

// RegistrationLeaf handles GET /v3/registration/{id}/{version}.json
func (h *Handler) RegistrationLeaf(w http.ResponseWriter, r *http.Request) {
	version, ok := trimSuffixFold(chi.URLParam(r, "leaf"), ".json")
	if !ok {
		h.writeError(w, r, "build registration leaf", registry.ErrPackageNotFound)
		return
	}
	leaf, err := h.service.RegistrationLeaf(r.Context(), chi.URLParam(r, "id"), version)
	if err != nil {
		h.writeError(w, r, "build registration leaf", err)
		return
	}
	render.JSON(w, r, leaf)
}
