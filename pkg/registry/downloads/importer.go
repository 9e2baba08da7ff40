// Package downloads imports package download counts from a downloads.v1.json
// document, the format nuget.org publishes its statistics in:
//
//	[
//	  ["Foo.Bar", ["1.0.0", 120], ["2.0.0", 7]],
//	  ["Other", ["0.1.0", 3]]
//	]
package downloads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tendant/simple-registry/pkg/registry"
)

// Result summarizes one import run.
type Result struct {
	// Updated is the number of versions whose count was written
	Updated int
	// Skipped is the number of versions the catalog does not know
	Skipped int
	// Failed is the number of versions that could not be written
	Failed int
}

// Importer copies download counts into the catalog.
type Importer struct {
	db        registry.Database
	sourceURL string
	client    *retryablehttp.Client
	logger    *slog.Logger
}

// Option configures an Importer
type Option func(*Importer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(i *Importer) {
		i.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client used to fetch the document
func WithHTTPClient(client *http.Client) Option {
	return func(i *Importer) {
		i.client.HTTPClient = client
	}
}

// WithRetryMax sets how often a failed fetch is retried
func WithRetryMax(n int) Option {
	return func(i *Importer) {
		i.client.RetryMax = n
	}
}

// New creates an importer reading from sourceURL
func New(db registry.Database, sourceURL string, options ...Option) (*Importer, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if sourceURL == "" {
		return nil, fmt.Errorf("downloads source url is required")
	}

	client := retryablehttp.NewClient()
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second

	i := &Importer{
		db:        db,
		sourceURL: sourceURL,
		client:    client,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(i)
	}
	i.client.Logger = i.logger
	return i, nil
}

// Import fetches the document once and writes every count it carries.
// Versions the catalog does not know are skipped.
func (i *Importer) Import(ctx context.Context) (*Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, i.sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create downloads request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch downloads: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch downloads: unexpected status %s", resp.Status)
	}

	result := &Result{}
	err = decodeEntries(resp.Body, func(id string, version string, count int64) error {
		return i.apply(ctx, result, id, version, count)
	})
	if err != nil {
		return result, err
	}

	i.logger.InfoContext(ctx, "Downloads imported", "updated", result.Updated, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (i *Importer) apply(ctx context.Context, result *Result, id, version string, count int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := registry.NormalizeVersion(version)
	if err != nil {
		result.Skipped++
		return nil
	}

	err = i.db.SetDownloads(ctx, id, key, count)
	switch {
	case err == nil:
		result.Updated++
	case errors.Is(err, registry.ErrPackageNotFound):
		result.Skipped++
	default:
		result.Failed++
		i.logger.WarnContext(ctx, "Failed to set download count", "id", id, "version", key, "error", err)
	}
	return nil
}

// Run imports immediately and then every interval until ctx is cancelled.
// A failed run is logged and retried on the next tick.
func (i *Importer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := i.Import(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.logger.ErrorContext(ctx, "Downloads import failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// decodeEntries streams the document row by row so large statistics files
// are never held in memory at once.
func decodeEntries(r io.Reader, fn func(id, version string, count int64) error) error {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '['); err != nil {
		return err
	}

	for dec.More() {
		var row []json.RawMessage
		if err := dec.Decode(&row); err != nil {
			return fmt.Errorf("malformed downloads row: %w", err)
		}
		if len(row) == 0 {
			continue
		}
		var id string
		if err := json.Unmarshal(row[0], &id); err != nil {
			return fmt.Errorf("malformed downloads row: package id: %w", err)
		}

		for _, raw := range row[1:] {
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
				return fmt.Errorf("malformed downloads entry for %s", id)
			}
			var version string
			var count int64
			if err := json.Unmarshal(pair[0], &version); err != nil {
				return fmt.Errorf("malformed downloads entry for %s: %w", id, err)
			}
			if err := json.Unmarshal(pair[1], &count); err != nil {
				return fmt.Errorf("malformed downloads entry for %s: %w", id, err)
			}
			if err := fn(id, version, count); err != nil {
				return err
			}
		}
	}

	return expectDelim(dec, ']')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("malformed downloads document: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("malformed downloads document: expected %q", want)
	}
	return nil
}
