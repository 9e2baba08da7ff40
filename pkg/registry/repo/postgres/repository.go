package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-registry/pkg/registry"
)

// DBTX is an interface that allows us to use either a connection pool or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// Repository implements registry.Database using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

var errUniqueViolation = errors.New("unique violation")

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return errUniqueViolation
		case "42P01": // undefined_table
			return &registry.DatabaseError{Backend: "postgres", Op: operation, Err: fmt.Errorf("table does not exist - database migration required")}
		default:
			return &registry.DatabaseError{Backend: "postgres", Op: operation, Err: fmt.Errorf("%s (code: %s)", pgErr.Message, pgErr.Code)}
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return registry.ErrPackageNotFound
	}

	return &registry.DatabaseError{Backend: "postgres", Op: operation, Err: err}
}

// Migrate creates the catalog tables if they do not exist
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return r.handlePostgresError("migrate", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS packages (
		id_key TEXT NOT NULL,
		version_key TEXT NOT NULL,
		id TEXT NOT NULL,
		version TEXT NOT NULL,
		listed BOOLEAN NOT NULL DEFAULT TRUE,
		downloads BIGINT NOT NULL DEFAULT 0,
		published TIMESTAMPTZ NOT NULL,
		hash TEXT NOT NULL,
		size BIGINT NOT NULL,
		search_text TEXT NOT NULL,
		document JSONB NOT NULL,
		CONSTRAINT packages_id_version_key UNIQUE (id_key, version_key)
	)`,
	`CREATE TABLE IF NOT EXISTS package_dependencies (
		id_key TEXT NOT NULL,
		version_key TEXT NOT NULL,
		dependency_id_key TEXT NOT NULL,
		PRIMARY KEY (id_key, version_key, dependency_id_key),
		FOREIGN KEY (id_key, version_key) REFERENCES packages (id_key, version_key) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS package_dependencies_dependency_idx ON package_dependencies (dependency_id_key)`,
}

const selectPackage = `SELECT document, listed, downloads FROM packages`

func scanPackage(row pgx.Row) (*registry.Package, error) {
	var (
		document  []byte
		listed    bool
		downloads int64
	)
	if err := row.Scan(&document, &listed, &downloads); err != nil {
		return nil, err
	}
	var pkg registry.Package
	if err := json.Unmarshal(document, &pkg); err != nil {
		return nil, fmt.Errorf("failed to decode package document: %w", err)
	}
	pkg.Listed = listed
	pkg.Downloads = downloads
	return &pkg, nil
}

func (r *Repository) Find(ctx context.Context, id, version string) (*registry.Package, error) {
	query := selectPackage + ` WHERE id_key = $1 AND version_key = $2`
	pkg, err := scanPackage(r.db.QueryRow(ctx, query, registry.NormalizeID(id), strings.ToLower(version)))
	if err != nil {
		return nil, r.handlePostgresError("find package", err)
	}
	return pkg, nil
}

func (r *Repository) FindAll(ctx context.Context, id string) ([]*registry.Package, error) {
	pkgs, err := r.queryPackages(ctx, "find all packages", selectPackage+` WHERE id_key = $1`, registry.NormalizeID(id))
	if err != nil {
		return nil, err
	}
	registry.SortPackages(pkgs)
	return pkgs, nil
}

func (r *Repository) queryPackages(ctx context.Context, op, query string, args ...interface{}) ([]*registry.Package, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	defer rows.Close()

	pkgs := []*registry.Package{}
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, r.handlePostgresError(op, err)
		}
		pkgs = append(pkgs, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	return pkgs, nil
}

func (r *Repository) Exists(ctx context.Context, id, version string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM packages WHERE id_key = $1 AND version_key = $2)`,
		registry.NormalizeID(id), strings.ToLower(version)).Scan(&exists)
	if err != nil {
		return false, r.handlePostgresError("exists", err)
	}
	return exists, nil
}

// Add inserts the package and its dependency rows in one transaction. The
// unique constraint on (id_key, version_key) arbitrates concurrent publishes.
func (r *Repository) Add(ctx context.Context, pkg *registry.Package) (registry.AddResult, error) {
	document, err := json.Marshal(pkg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode package document: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, r.handlePostgresError("add package", err)
	}
	defer tx.Rollback(ctx)

	idKey, versionKey := pkg.IDKey(), pkg.VersionKey()
	_, err = tx.Exec(ctx, `
		INSERT INTO packages (
			id_key, version_key, id, version, listed, downloads,
			published, hash, size, search_text, document
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		idKey, versionKey, pkg.ID, pkg.Version.String(), pkg.Listed, pkg.Downloads,
		pkg.Published.UTC(), pkg.Hash, pkg.Size, registry.SearchText(pkg), document)
	if err != nil {
		if err = r.handlePostgresError("add package", err); errors.Is(err, errUniqueViolation) {
			return registry.PackageAlreadyExists, nil
		}
		return 0, err
	}

	for _, dep := range pkg.DependencyIDs() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO package_dependencies (id_key, version_key, dependency_id_key) VALUES ($1, $2, $3)`,
			idKey, versionKey, dep); err != nil {
			return 0, r.handlePostgresError("add dependency", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if err = r.handlePostgresError("add package", err); errors.Is(err, errUniqueViolation) {
			return registry.PackageAlreadyExists, nil
		}
		return 0, err
	}
	return registry.PackageAdded, nil
}

func (r *Repository) HardDelete(ctx context.Context, id, version string) error {
	return r.execOne(ctx, "hard delete",
		`DELETE FROM packages WHERE id_key = $1 AND version_key = $2`,
		registry.NormalizeID(id), strings.ToLower(version))
}

func (r *Repository) Unlist(ctx context.Context, id, version string) error {
	return r.execOne(ctx, "unlist",
		`UPDATE packages SET listed = FALSE WHERE id_key = $1 AND version_key = $2`,
		registry.NormalizeID(id), strings.ToLower(version))
}

func (r *Repository) Relist(ctx context.Context, id, version string) error {
	return r.execOne(ctx, "relist",
		`UPDATE packages SET listed = TRUE WHERE id_key = $1 AND version_key = $2`,
		registry.NormalizeID(id), strings.ToLower(version))
}

func (r *Repository) IncrementDownloads(ctx context.Context, id, version string) error {
	return r.execOne(ctx, "increment downloads",
		`UPDATE packages SET downloads = downloads + 1 WHERE id_key = $1 AND version_key = $2`,
		registry.NormalizeID(id), strings.ToLower(version))
}

func (r *Repository) SetDownloads(ctx context.Context, id, version string, downloads int64) error {
	return r.execOne(ctx, "set downloads",
		`UPDATE packages SET downloads = $3 WHERE id_key = $1 AND version_key = $2`,
		registry.NormalizeID(id), strings.ToLower(version), downloads)
}

// execOne runs a statement that must affect exactly one package row
func (r *Repository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return r.handlePostgresError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrPackageNotFound
	}
	return nil
}

func (r *Repository) GetDependents(ctx context.Context, id string) ([]string, error) {
	return r.queryStrings(ctx, "get dependents", `
		SELECT DISTINCT d.id_key
		FROM package_dependencies d
		JOIN packages p ON p.id_key = d.id_key AND p.version_key = d.version_key
		WHERE d.dependency_id_key = $1 AND p.listed
		ORDER BY d.id_key`, registry.NormalizeID(id))
}

func (r *Repository) Search(ctx context.Context, term string) ([]*registry.Package, error) {
	pkgs, err := r.queryPackages(ctx, "search", selectPackage+`
		WHERE listed AND strpos(search_text, $1) > 0
		ORDER BY id_key`, term)
	if err != nil {
		return nil, err
	}
	registry.SortByIDAndVersion(pkgs)
	return pkgs, nil
}

func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	return r.queryStrings(ctx, "list ids", `SELECT DISTINCT id_key FROM packages ORDER BY id_key`)
}

func (r *Repository) queryStrings(ctx context.Context, op, query string, args ...interface{}) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

// Ping checks connectivity for readiness probes
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var one int
	if err := r.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return r.handlePostgresError("ping", err)
	}
	return nil
}
