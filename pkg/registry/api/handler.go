// Package api serves the registry over the NuGet v3 HTTP protocol.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-registry/pkg/registry"
)

// APIKeyHeader carries the key clients authenticate writes with
const APIKeyHeader = "X-NuGet-ApiKey"

// Handler handles the registry HTTP protocol
type Handler struct {
	service           registry.Service
	logger            *slog.Logger
	apiKey            string
	redirectDownloads bool
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithAPIKey requires key on publish, delete, relist and symbol upload. An
// empty key disables the check.
func WithAPIKey(key string) Option {
	return func(h *Handler) {
		h.apiKey = key
	}
}

// WithRedirectDownloads answers content downloads with a redirect to the
// blob store when it can mint a URL.
func WithRedirectDownloads(enabled bool) Option {
	return func(h *Handler) {
		h.redirectDownloads = enabled
	}
}

// NewHandler creates a new registry handler
func NewHandler(service registry.Service, options ...Option) *Handler {
	h := &Handler{
		service: service,
		logger:  slog.Default(),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// Routes returns every protocol route, relative to the path base
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/v3/index.json", h.ServiceIndex)

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(h.apiKey))
		r.Put("/api/v2/package", h.Publish)
		r.Delete("/api/v2/package/{id}/{version}", h.Delete)
		r.Post("/api/v2/package/{id}/{version}", h.Relist)
		r.Put("/api/v2/symbol", h.UploadSymbols)
	})

	r.Get("/api/download/symbols/{file}/{key}/{file2}", h.DownloadSymbols)
	r.Get("/api/download/symbols/{prefix}/{file}/{key}/{file2}", h.DownloadSymbols)

	r.Get("/v3/search", h.Search)
	r.Get("/v3/autocomplete", h.Autocomplete)
	r.Get("/v3/dependents", h.Dependents)

	r.Get("/v3/registration/{id}/index.json", h.RegistrationIndex)
	r.Get("/v3/registration/{id}/page/{lower}/{upper}", h.RegistrationPage)
	r.Get("/v3/registration/{id}/{leaf}", h.RegistrationLeaf)

	r.Get("/v3/package/{id}/index.json", h.ListVersions)
	r.Get("/v3/package/{id}/{version}/{file}", h.DownloadContent)

	return r
}

// ServiceIndex serves the entry point document
func (h *Handler) ServiceIndex(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.ServiceIndex())
}

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps the registry error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidPackage), errors.Is(err, registry.ErrInvalidSymbols):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrPackageConflict), errors.Is(err, registry.ErrSymbolsConflict):
		return http.StatusConflict
	case errors.Is(err, registry.ErrPackageNotFound),
		errors.Is(err, registry.ErrAssetNotFound),
		errors.Is(err, registry.ErrSymbolsNotFound),
		errors.Is(err, registry.ErrBlobNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes the mapped status. Internal details are not
// leaked for server errors.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "Failed to "+op, "error", err, "request_id", RequestID(r.Context()))
		message = http.StatusText(status)
	} else {
		h.logger.DebugContext(r.Context(), "Request rejected", "op", op, "status", status, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: message, RequestID: RequestID(r.Context())})
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func trimSuffixFold(s, suffix string) (string, bool) {
	if len(s) > len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix) {
		return s[:len(s)-len(suffix)], true
	}
	return s, false
}
