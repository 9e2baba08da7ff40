// Package scan walks the package catalog and processes every package id,
// for example to rebuild the search index.
package scan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-registry/pkg/registry"
)

// DefaultBatchSize is the number of ids processed between progress reports
const DefaultBatchSize = 100

// Scanner loads package ids from the catalog and processes them with the
// provided processor.
type Scanner struct {
	db     registry.Database
	logger *slog.Logger
}

// New creates a new Scanner instance.
func New(db registry.Database, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{db: db, logger: logger}
}

// ScanOptions configures the scan operation.
type ScanOptions struct {
	// Processor defines the processing logic (required unless DryRun is true)
	Processor PackageProcessor

	// BatchSize controls how many ids are processed between progress reports (default: 100)
	BatchSize int

	// DryRun if true, doesn't process ids, just reports what would be processed
	DryRun bool

	// OnProgress is called after each batch is processed (optional)
	OnProgress func(processed, total int64)
}

// ScanResult contains statistics about the scan operation.
type ScanResult struct {
	// TotalFound is the number of package ids in the catalog
	TotalFound int64

	// TotalVersions is the number of versions loaded for processed ids
	TotalVersions int64

	// TotalProcessed is the number of ids successfully processed
	TotalProcessed int64

	// TotalFailed is the number of ids that failed processing
	TotalFailed int64

	// FailedIDs contains the ids that failed processing
	FailedIDs []string
}

// Scan processes every package id in the catalog. If an id fails, the error
// is recorded and scanning continues with the next id. Cancelling ctx stops
// the scan between ids.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	result := &ScanResult{}

	if !opts.DryRun && opts.Processor == nil {
		return result, fmt.Errorf("processor is required when DryRun is false")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	ids, err := s.db.ListIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list package ids: %w", err)
	}
	result.TotalFound = int64(len(ids))

	for start := 0; start < len(ids); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(ids))
		for _, id := range ids[start:end] {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			s.processID(ctx, id, opts, result)
		}

		if opts.OnProgress != nil {
			opts.OnProgress(result.TotalProcessed+result.TotalFailed, result.TotalFound)
		}
	}

	return result, nil
}

func (s *Scanner) processID(ctx context.Context, id string, opts ScanOptions, result *ScanResult) {
	versions, err := s.db.FindAll(ctx, id)
	if err != nil {
		result.TotalFailed++
		result.FailedIDs = append(result.FailedIDs, id)
		s.logger.ErrorContext(ctx, "Failed to load package versions", "id", id, "error", err)
		return
	}
	result.TotalVersions += int64(len(versions))

	if opts.DryRun {
		s.logger.InfoContext(ctx, "Would process package", "id", id, "versions", len(versions))
		result.TotalProcessed++
		return
	}

	if err := opts.Processor.Process(ctx, id, versions); err != nil {
		result.TotalFailed++
		result.FailedIDs = append(result.FailedIDs, id)
		s.logger.ErrorContext(ctx, "Failed to process package", "id", id, "error", err)
		return
	}
	result.TotalProcessed++
}

// ForEach is a convenience method that processes each id with a callback
// function.
func (s *Scanner) ForEach(ctx context.Context, fn func(context.Context, string, []*registry.Package) error) (*ScanResult, error) {
	return s.Scan(ctx, ScanOptions{Processor: funcProcessor(fn)})
}

// Reindex rebuilds index from the catalog.
func (s *Scanner) Reindex(ctx context.Context, index registry.SearchIndex, onProgress func(processed, total int64)) (*ScanResult, error) {
	return s.Scan(ctx, ScanOptions{
		Processor:  &IndexProcessor{Index: index},
		OnProgress: onProgress,
	})
}

// funcProcessor adapts a function to the PackageProcessor interface.
type funcProcessor func(context.Context, string, []*registry.Package) error

func (f funcProcessor) Process(ctx context.Context, id string, versions []*registry.Package) error {
	return f(ctx, id, versions)
}
