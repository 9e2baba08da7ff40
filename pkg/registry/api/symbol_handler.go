package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-registry/pkg/registry"
)

// SymbolResponse describes a symbol upload
type SymbolResponse struct {
	Status string `json:"status"`
}

// UploadSymbols handles PUT /api/v2/symbol
func (h *Handler) UploadSymbols(w http.ResponseWriter, r *http.Request) {
	body, err := uploadBody(r)
	if err != nil {
		h.writeError(w, r, "upload symbols", err)
		return
	}
	result, err := h.service.UploadSymbols(r.Context(), body)
	if err != nil {
		h.writeError(w, r, "upload symbols", err)
		return
	}

	status := http.StatusCreated
	if result == registry.SymbolsAlreadyStored {
		status = http.StatusAccepted
	}
	render.Status(r, status)
	render.JSON(w, r, SymbolResponse{Status: result.String()})
}

// DownloadSymbols handles GET /api/download/symbols/{file}/{key}/{file}
func (h *Handler) DownloadSymbols(w http.ResponseWriter, r *http.Request) {
	file, key := chi.URLParam(r, "file"), chi.URLParam(r, "key")
	rc, err := h.service.DownloadSymbols(r.Context(), file, key, chi.URLParam(r, "file2"))
	if err != nil {
		h.writeError(w, r, "download symbols", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", registry.CacheControl)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to stream symbol file", "file", file, "key", key, "error", err)
	}
}
