// Package redis keeps the search projection in Redis.
//
// Key layout, relative to the configured prefix:
//
//	ids                 sorted set of lowercased ids, all scores 0 (lex order)
//	pkg:{id}            hash of version key -> package JSON, listed versions only
//	dependents:{dep}    set of ids that declared a dependency on dep
//	text                sorted set of "{id}\x00{version}\x00{search text}", all
//	                    scores 0, one member per listed version
//
// Term searches scan the text set with a MATCH pattern so only the ids with
// a matching version are loaded. An empty term loads every id.
//
// Dependent sets are only added to. Stale members are filtered out when a
// dependents query loads the candidate's versions.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/cases"

	"github.com/tendant/simple-registry/pkg/registry"
)

// DefaultPrefix namespaces every key written by the index
const DefaultPrefix = "registry:"

// deleteVersionScript removes a version and drops the id from the id set
// once its last version is gone.
// KEYS[1] = package hash, KEYS[2] = id set, KEYS[3] = text set
// ARGV[1] = version key, ARGV[2] = id key, ARGV[3] = text member prefix
var deleteVersionScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
if redis.call("HLEN", KEYS[1]) == 0 then
    redis.call("ZREM", KEYS[2], ARGV[2])
end
local stale = redis.call("ZRANGEBYLEX", KEYS[3], "[" .. ARGV[3], "[" .. ARGV[3] .. "\255")
for _, member in ipairs(stale) do
    redis.call("ZREM", KEYS[3], member)
end
return 1
`)

// setTextScript replaces the text member of one version.
// KEYS[1] = text set
// ARGV[1] = text member prefix, ARGV[2] = new member
var setTextScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYLEX", KEYS[1], "[" .. ARGV[1], "[" .. ARGV[1] .. "\255")
for _, member in ipairs(stale) do
    redis.call("ZREM", KEYS[1], member)
end
redis.call("ZADD", KEYS[1], 0, ARGV[2])
return 1
`)

// scanCount is the COUNT hint for text set scans
const scanCount = 500

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Config holds connection settings for NewFromConfig
type Config struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"registry:"`
}

// Index implements registry.SearchIndex on Redis
type Index struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an existing client. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Index {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Index{client: client, prefix: prefix}
}

// NewFromConfig opens a client for cfg
func NewFromConfig(cfg Config) (*Index, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(client, cfg.Prefix), nil
}

// Close closes the client
func (i *Index) Close() error {
	return i.client.Close()
}

// Ping checks connectivity for readiness probes
func (i *Index) Ping(ctx context.Context) error {
	if err := i.client.Ping(ctx).Err(); err != nil {
		return &registry.SearchError{Backend: "redis", Op: "ping", Err: err}
	}
	return nil
}

func (i *Index) idsKey() string                 { return i.prefix + "ids" }
func (i *Index) packageKey(id string) string    { return i.prefix + "pkg:" + id }
func (i *Index) dependentsKey(id string) string { return i.prefix + "dependents:" + id }
func (i *Index) textKey() string                { return i.prefix + "text" }

func textPrefix(idKey, versionKey string) string { return idKey + "\x00" + versionKey + "\x00" }

func (i *Index) Index(ctx context.Context, pkg *registry.Package) error {
	if !pkg.Listed {
		return i.Delete(ctx, pkg.ID, pkg.VersionKey())
	}
	document, err := json.Marshal(pkg)
	if err != nil {
		return &registry.SearchError{Backend: "redis", Op: "index", Err: err}
	}

	idKey := pkg.IDKey()
	_, err = i.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, i.packageKey(idKey), pkg.VersionKey(), document)
		pipe.ZAdd(ctx, i.idsKey(), redis.Z{Score: 0, Member: idKey})
		prefix := textPrefix(idKey, pkg.VersionKey())
		text := strings.ReplaceAll(registry.SearchText(pkg), "\n", " ")
		setTextScript.Eval(ctx, pipe, []string{i.textKey()}, prefix, prefix+text)
		for _, dep := range pkg.DependencyIDs() {
			pipe.SAdd(ctx, i.dependentsKey(dep), idKey)
		}
		return nil
	})
	if err != nil {
		return &registry.SearchError{Backend: "redis", Op: "index", Err: err}
	}
	return nil
}

func (i *Index) Delete(ctx context.Context, id, version string) error {
	idKey := registry.NormalizeID(id)
	versionKey := strings.ToLower(version)
	err := deleteVersionScript.Run(ctx, i.client,
		[]string{i.packageKey(idKey), i.idsKey(), i.textKey()},
		versionKey, idKey, textPrefix(idKey, versionKey)).Err()
	if err != nil {
		return &registry.SearchError{Backend: "redis", Op: "delete", Err: err}
	}
	return nil
}

func (i *Index) Search(ctx context.Context, query registry.SearchQuery) (*registry.SearchResults, error) {
	ids, err := i.candidates(ctx, query.Term)
	if err != nil {
		return nil, &registry.SearchError{Backend: "redis", Op: "search", Err: err}
	}
	pkgs, err := i.load(ctx, ids)
	if err != nil {
		return nil, &registry.SearchError{Backend: "redis", Op: "search", Err: err}
	}

	var matched []*registry.Package
	for _, p := range pkgs {
		if registry.MatchesTerm(p, query.Term) {
			matched = append(matched, p)
		}
	}
	hits := registry.GroupHits(matched, query)
	return &registry.SearchResults{
		TotalHits: len(hits),
		Hits:      registry.Page(hits, query.Skip, query.Take),
	}, nil
}

// candidates returns the ids with at least one version whose search text
// contains term.
func (i *Index) candidates(ctx context.Context, term string) ([]string, error) {
	if term == "" {
		return i.client.ZRange(ctx, i.idsKey(), 0, -1).Result()
	}
	pattern := "*" + globEscaper.Replace(term) + "*"

	seen := make(map[string]bool)
	var ids []string
	var cursor uint64
	for {
		// ZSCAN replies alternate member and score.
		values, next, err := i.client.ZScan(ctx, i.textKey(), cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		for n := 0; n < len(values); n += 2 {
			idKey, _, ok := strings.Cut(values[n], "\x00")
			if ok && !seen[idKey] {
				seen[idKey] = true
				ids = append(ids, idKey)
			}
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// Autocomplete reads prefix candidates with a lexicographic range over the
// id set.
func (i *Index) Autocomplete(ctx context.Context, query registry.AutocompleteQuery) (*registry.AutocompleteResults, error) {
	rng := &redis.ZRangeBy{Min: "-", Max: "+"}
	if query.Term != "" {
		rng = &redis.ZRangeBy{Min: "[" + query.Term, Max: "[" + query.Term + "\xff"}
	}
	ids, err := i.client.ZRangeByLex(ctx, i.idsKey(), rng).Result()
	if err != nil {
		return nil, &registry.SearchError{Backend: "redis", Op: "autocomplete", Err: err}
	}
	pkgs, err := i.load(ctx, ids)
	if err != nil {
		return nil, &registry.SearchError{Backend: "redis", Op: "autocomplete", Err: err}
	}

	fold := cases.Fold()
	var candidates []*registry.Package
	for _, p := range pkgs {
		if strings.HasPrefix(fold.String(p.ID), query.Term) {
			candidates = append(candidates, p)
		}
	}
	hits := registry.GroupHits(candidates, registry.SearchQuery{
		IncludePrerelease: query.IncludePrerelease,
		IncludeSemVer2:    query.IncludeSemVer2,
	})
	out := make([]string, 0, len(hits))
	for _, hit := range registry.Page(hits, query.Skip, query.Take) {
		out = append(out, hit.ID)
	}
	return &registry.AutocompleteResults{TotalHits: len(hits), IDs: out}, nil
}

func (i *Index) Dependents(ctx context.Context, query registry.DependentsQuery) (*registry.SearchResults, error) {
	target := registry.NormalizeID(query.ID)
	ids, err := i.client.SMembers(ctx, i.dependentsKey(target)).Result()
	if err != nil {
		return nil, &registry.SearchError{Backend: "redis", Op: "dependents", Err: err}
	}
	pkgs, err := i.load(ctx, ids)
	if err != nil {
		return nil, &registry.SearchError{Backend: "redis", Op: "dependents", Err: err}
	}

	dependsOn := make(map[string]bool)
	for _, p := range pkgs {
		for _, dep := range p.DependencyIDs() {
			if dep == target {
				dependsOn[p.IDKey()] = true
			}
		}
	}
	var matched []*registry.Package
	for _, p := range pkgs {
		if dependsOn[p.IDKey()] {
			matched = append(matched, p)
		}
	}
	hits := registry.GroupHits(matched, registry.SearchQuery{IncludePrerelease: true, IncludeSemVer2: true})
	return &registry.SearchResults{
		TotalHits: len(hits),
		Hits:      registry.Page(hits, query.Skip, query.Take),
	}, nil
}

// load fetches every indexed version of ids in one pipeline
func (i *Index) load(ctx context.Context, ids []string) ([]*registry.Package, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := i.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for n, id := range ids {
		cmds[n] = pipe.HGetAll(ctx, i.packageKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var pkgs []*registry.Package
	for _, cmd := range cmds {
		for _, document := range cmd.Val() {
			var pkg registry.Package
			if err := json.Unmarshal([]byte(document), &pkg); err != nil {
				return nil, fmt.Errorf("failed to decode indexed package: %w", err)
			}
			pkgs = append(pkgs, &pkg)
		}
	}
	return pkgs, nil
}
