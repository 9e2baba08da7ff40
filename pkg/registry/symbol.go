package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

func invalidSymbols(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), Err: ErrInvalidSymbols}
}

type symbolFile struct {
	name    string
	key     string
	content []byte
}

// UploadSymbols stores the portable PDBs of a symbol package under their
// signature keys. Symbol files are not linked to a catalog record.
func (s *service) UploadSymbols(ctx context.Context, r io.Reader) (SymbolResult, error) {
	data, err := readUpload(r, s.policy.MaxPackageSize)
	if errors.Is(err, errUploadTooLarge) {
		return 0, invalidSymbols("symbol package exceeds the maximum size of %d bytes", s.policy.MaxPackageSize)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read symbol upload: %w", err)
	}

	files, err := readSymbolFiles(data, s.policy.MaxPackageSize)
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, f := range files {
		p := s.keys.SymbolKey(f.name, f.key)
		result, err := s.symbols.Put(ctx, p, bytes.NewReader(f.content), "application/octet-stream")
		if err != nil {
			return 0, fmt.Errorf("failed to store symbol file %s: %w", f.name, err)
		}
		switch result {
		case PutConflict:
			return 0, fmt.Errorf("symbol file %s/%s: %w", f.name, f.key, ErrSymbolsConflict)
		case PutCreated:
			stored++
		}
	}

	if stored == 0 {
		return SymbolsAlreadyStored, nil
	}
	s.logger.InfoContext(ctx, "Symbols stored", "files", len(files), "new", stored)
	return SymbolsStored, nil
}

// readSymbolFiles extracts every .pdb entry of a symbol package. At least one
// portable PDB is required, and together they may not decompress to more than
// maxContentSize bytes.
func readSymbolFiles(data []byte, maxContentSize int64) ([]symbolFile, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ValidationError{Reason: "symbol package is not a valid zip archive", Err: ErrInvalidSymbols}
	}

	budget := &zipBudget{limit: maxContentSize}
	var files []symbolFile
	for _, f := range zr.File {
		name := path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
		if !strings.EqualFold(path.Ext(name), ".pdb") {
			continue
		}
		content, err := budget.read(f)
		if err != nil {
			return nil, invalidSymbols("failed to read %s: %v", f.Name, err)
		}
		key, err := pdbSignatureKey(content)
		if err != nil {
			return nil, invalidSymbols("%s is not a portable pdb", f.Name)
		}
		files = append(files, symbolFile{name: strings.ToLower(name), key: key, content: content})
	}
	if len(files) == 0 {
		return nil, invalidSymbols("symbol package contains no pdb files")
	}
	return files, nil
}

// DownloadSymbols opens a symbol file by the symbol server path
// {file}/{key}/{file}. Both file segments must name the same file.
func (s *service) DownloadSymbols(ctx context.Context, file, key, file2 string) (io.ReadCloser, error) {
	if file == "" || key == "" || !strings.EqualFold(file, file2) {
		return nil, ErrSymbolsNotFound
	}
	rc, err := s.symbols.Get(ctx, s.keys.SymbolKey(strings.ToLower(file), strings.ToLower(key)))
	if errors.Is(err, ErrBlobNotFound) {
		return nil, fmt.Errorf("symbol file %s/%s: %w", file, key, ErrSymbolsNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}
