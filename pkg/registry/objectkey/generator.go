package objectkey

import (
	"crypto/sha256"
	"fmt"
	"path"
	"strings"
)

// Generator defines the interface for blob path generation strategies.
// Implementations must be deterministic so a path can be rebuilt from the
// package coordinates without a lookup table.
type Generator interface {
	// PackageKey returns the path of a file that belongs to a package version
	PackageKey(id, version, fileName string) string

	// SymbolKey returns the path of a debug symbol file
	SymbolKey(file, key string) string
}

// DefaultGenerator lays packages out by id and version:
//
//	packages/{id}/{version}/{file}
//	symbols/{file}/{key}/{file}
type DefaultGenerator struct{}

func NewDefaultGenerator() *DefaultGenerator {
	return &DefaultGenerator{}
}

func (g *DefaultGenerator) PackageKey(id, version, fileName string) string {
	return path.Join("packages", sanitizePathComponent(id), sanitizePathComponent(version), sanitizeFilename(fileName))
}

func (g *DefaultGenerator) SymbolKey(file, key string) string {
	f := sanitizeFilename(file)
	return path.Join("symbols", f, sanitizePathComponent(key), f)
}

// ShardedGenerator spreads package ids over hashed shard directories, which
// keeps directory fan-out bounded on filesystems with many packages.
//
//	packages/{shard}/{id}/{version}/{file}
type ShardedGenerator struct {
	// ShardLength controls how many hex characters name a shard (default: 2)
	ShardLength int
}

func NewShardedGenerator() *ShardedGenerator {
	return &ShardedGenerator{
		ShardLength: 2,
	}
}

func (g *ShardedGenerator) PackageKey(id, version, fileName string) string {
	id = sanitizePathComponent(id)
	return path.Join("packages", g.shard(id), id, sanitizePathComponent(version), sanitizeFilename(fileName))
}

func (g *ShardedGenerator) SymbolKey(file, key string) string {
	f := sanitizeFilename(file)
	key = sanitizePathComponent(key)
	return path.Join("symbols", g.shard(key), f, key, f)
}

func (g *ShardedGenerator) shard(s string) string {
	n := g.ShardLength
	if n <= 0 {
		n = 2
	}
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
	if n > len(hash) {
		n = len(hash)
	}
	return hash[:n]
}

// PrefixedGenerator places every key of a base generator under a fixed prefix,
// for sharing one bucket between registries.
type PrefixedGenerator struct {
	Base   Generator
	Prefix string
}

func NewPrefixedGenerator(base Generator, prefix string) *PrefixedGenerator {
	return &PrefixedGenerator{
		Base:   base,
		Prefix: strings.Trim(prefix, "/"),
	}
}

func (g *PrefixedGenerator) PackageKey(id, version, fileName string) string {
	return g.prefixed(g.Base.PackageKey(id, version, fileName))
}

func (g *PrefixedGenerator) SymbolKey(file, key string) string {
	return g.prefixed(g.Base.SymbolKey(file, key))
}

func (g *PrefixedGenerator) prefixed(key string) string {
	if g.Prefix == "" {
		return key
	}
	return g.Prefix + "/" + key
}

// Helper functions for path sanitization
func sanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	return strings.ToLower(replacer.Replace(filename))
}

func sanitizePathComponent(component string) string {
	component = sanitizeFilename(component)
	if component == "." || component == ".." || component == "" {
		return "_"
	}
	return component
}

// ArchiveFileName is the file name of a package archive, {id}.{version}.nupkg.
func ArchiveFileName(id, version string) string {
	return strings.ToLower(id + "." + version + ".nupkg")
}

// ManifestFileName is the file name of a package manifest, {id}.nuspec.
func ManifestFileName(id string) string {
	return strings.ToLower(id + ".nuspec")
}

// File names of the optional package assets.
const (
	ReadmeFileName = "readme"
	IconFileName   = "icon"
)
