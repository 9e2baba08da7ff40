package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tendant/simple-registry/pkg/registry"
)

// Repository implements registry.Database on top of database/sql. SQLite,
// MySQL and SQL Server share the queries and differ only in their Dialect.
type Repository struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database handle
func New(db *sql.DB, dialect Dialect) *Repository {
	return &Repository{db: db, dialect: dialect}
}

// Open opens dsn with the dialect's driver. SQLite allows a single writer
// and in-memory databases exist per connection, so SQLite handles are pinned
// to one connection.
func Open(dialect Dialect, dsn string) (*Repository, error) {
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect), nil
}

// DB returns the underlying handle
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Close closes the underlying handle
func (r *Repository) Close() error {
	return r.db.Close()
}

// execer is the query surface shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rebound struct {
	execer
	rebind func(string) string
}

func (r rebound) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.execer.ExecContext(ctx, r.rebind(query), args...)
}

func (r rebound) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.execer.QueryContext(ctx, r.rebind(query), args...)
}

func (r rebound) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return r.execer.QueryRowContext(ctx, r.rebind(query), args...)
}

// bind applies the dialect's placeholder syntax to e
func (r *Repository) bind(e execer) execer {
	if r.dialect.Rebind == nil {
		return e
	}
	return rebound{execer: e, rebind: r.dialect.Rebind}
}

var errUniqueViolation = errors.New("unique violation")

func (r *Repository) handleError(operation string, err error) error {
	if r.dialect.IsUniqueViolation != nil && r.dialect.IsUniqueViolation(err) {
		return errUniqueViolation
	}
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ErrPackageNotFound
	}
	return &registry.DatabaseError{Backend: r.dialect.Name, Op: operation, Err: err}
}

// Migrate creates the catalog tables if they do not exist
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range r.dialect.Schema {
		if _, err := r.bind(r.db).ExecContext(ctx, stmt); err != nil {
			return r.handleError("migrate", err)
		}
	}
	return nil
}

const selectPackage = `SELECT document, listed, downloads FROM packages`

type scanner interface {
	Scan(dest ...any) error
}

func scanPackage(row scanner) (*registry.Package, error) {
	var (
		document  string
		listed    bool
		downloads int64
	)
	if err := row.Scan(&document, &listed, &downloads); err != nil {
		return nil, err
	}
	var pkg registry.Package
	if err := json.Unmarshal([]byte(document), &pkg); err != nil {
		return nil, fmt.Errorf("failed to decode package document: %w", err)
	}
	pkg.Listed = listed
	pkg.Downloads = downloads
	return &pkg, nil
}

func (r *Repository) Find(ctx context.Context, id, version string) (*registry.Package, error) {
	row := r.bind(r.db).QueryRowContext(ctx, selectPackage+` WHERE id_key = ? AND version_key = ?`,
		registry.NormalizeID(id), strings.ToLower(version))
	pkg, err := scanPackage(row)
	if err != nil {
		return nil, r.handleError("find package", err)
	}
	return pkg, nil
}

func (r *Repository) FindAll(ctx context.Context, id string) ([]*registry.Package, error) {
	pkgs, err := r.queryPackages(ctx, "find all packages", selectPackage+` WHERE id_key = ?`, registry.NormalizeID(id))
	if err != nil {
		return nil, err
	}
	registry.SortPackages(pkgs)
	return pkgs, nil
}

func (r *Repository) queryPackages(ctx context.Context, op, query string, args ...any) ([]*registry.Package, error) {
	rows, err := r.bind(r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.handleError(op, err)
	}
	defer rows.Close()

	pkgs := []*registry.Package{}
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, r.handleError(op, err)
		}
		pkgs = append(pkgs, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleError(op, err)
	}
	return pkgs, nil
}

func (r *Repository) Exists(ctx context.Context, id, version string) (bool, error) {
	var n int
	err := r.bind(r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM packages WHERE id_key = ? AND version_key = ?`,
		registry.NormalizeID(id), strings.ToLower(version)).Scan(&n)
	if err != nil {
		return false, r.handleError("exists", err)
	}
	return n > 0, nil
}

// Add inserts the package and its dependency rows in one transaction. The
// primary key on (id_key, version_key) arbitrates concurrent publishes.
func (r *Repository) Add(ctx context.Context, pkg *registry.Package) (registry.AddResult, error) {
	document, err := json.Marshal(pkg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode package document: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, r.handleError("add package", err)
	}
	defer tx.Rollback()

	idKey, versionKey := pkg.IDKey(), pkg.VersionKey()
	_, err = r.bind(tx).ExecContext(ctx, `
		INSERT INTO packages (
			id_key, version_key, id, version, listed, downloads,
			published, hash, size, search_text, document
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idKey, versionKey, pkg.ID, pkg.Version.String(), pkg.Listed, pkg.Downloads,
		pkg.Published.UTC().Format(time.RFC3339Nano), pkg.Hash, pkg.Size, registry.SearchText(pkg), string(document))
	if err != nil {
		if err = r.handleError("add package", err); errors.Is(err, errUniqueViolation) {
			return registry.PackageAlreadyExists, nil
		}
		return 0, err
	}

	for _, dep := range pkg.DependencyIDs() {
		if _, err := r.bind(tx).ExecContext(ctx,
			`INSERT INTO package_dependencies (id_key, version_key, dependency_id_key) VALUES (?, ?, ?)`,
			idKey, versionKey, dep); err != nil {
			return 0, r.handleError("add dependency", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if err = r.handleError("add package", err); errors.Is(err, errUniqueViolation) {
			return registry.PackageAlreadyExists, nil
		}
		return 0, err
	}
	return registry.PackageAdded, nil
}

// HardDelete removes the package row and its dependency rows. No dialect
// relies on foreign key cascades.
func (r *Repository) HardDelete(ctx context.Context, id, version string) error {
	idKey, versionKey := registry.NormalizeID(id), strings.ToLower(version)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.handleError("hard delete", err)
	}
	defer tx.Rollback()

	if _, err := r.bind(tx).ExecContext(ctx,
		`DELETE FROM package_dependencies WHERE id_key = ? AND version_key = ?`, idKey, versionKey); err != nil {
		return r.handleError("hard delete", err)
	}
	res, err := r.bind(tx).ExecContext(ctx,
		`DELETE FROM packages WHERE id_key = ? AND version_key = ?`, idKey, versionKey)
	if err != nil {
		return r.handleError("hard delete", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return r.handleError("hard delete", err)
	} else if n == 0 {
		return registry.ErrPackageNotFound
	}
	if err := tx.Commit(); err != nil {
		return r.handleError("hard delete", err)
	}
	return nil
}

func (r *Repository) Unlist(ctx context.Context, id, version string) error {
	return r.setListed(ctx, "unlist", id, version, false)
}

func (r *Repository) Relist(ctx context.Context, id, version string) error {
	return r.setListed(ctx, "relist", id, version, true)
}

// setListed checks existence separately because MySQL reports zero affected
// rows for updates that change nothing.
func (r *Repository) setListed(ctx context.Context, op, id, version string, listed bool) error {
	exists, err := r.Exists(ctx, id, version)
	if err != nil {
		return err
	}
	if !exists {
		return registry.ErrPackageNotFound
	}
	_, err = r.bind(r.db).ExecContext(ctx,
		`UPDATE packages SET listed = ? WHERE id_key = ? AND version_key = ?`,
		listed, registry.NormalizeID(id), strings.ToLower(version))
	if err != nil {
		return r.handleError(op, err)
	}
	return nil
}

func (r *Repository) IncrementDownloads(ctx context.Context, id, version string) error {
	return r.execOne(ctx, "increment downloads",
		`UPDATE packages SET downloads = downloads + 1 WHERE id_key = ? AND version_key = ?`,
		registry.NormalizeID(id), strings.ToLower(version))
}

func (r *Repository) SetDownloads(ctx context.Context, id, version string, downloads int64) error {
	exists, err := r.Exists(ctx, id, version)
	if err != nil {
		return err
	}
	if !exists {
		return registry.ErrPackageNotFound
	}
	_, err = r.bind(r.db).ExecContext(ctx,
		`UPDATE packages SET downloads = ? WHERE id_key = ? AND version_key = ?`,
		downloads, registry.NormalizeID(id), strings.ToLower(version))
	if err != nil {
		return r.handleError("set downloads", err)
	}
	return nil
}

// execOne runs a statement that must affect exactly one package row
func (r *Repository) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.bind(r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return r.handleError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return r.handleError(op, err)
	}
	if n == 0 {
		return registry.ErrPackageNotFound
	}
	return nil
}

func (r *Repository) GetDependents(ctx context.Context, id string) ([]string, error) {
	return r.queryStrings(ctx, "get dependents", `
		SELECT DISTINCT d.id_key
		FROM package_dependencies d
		JOIN packages p ON p.id_key = d.id_key AND p.version_key = d.version_key
		WHERE d.dependency_id_key = ? AND p.listed = ?
		ORDER BY d.id_key`, registry.NormalizeID(id), true)
}

func (r *Repository) Search(ctx context.Context, term string) ([]*registry.Package, error) {
	pkgs, err := r.queryPackages(ctx, "search",
		selectPackage+` WHERE listed = ? AND `+r.dialect.SearchPredicate+` ORDER BY id_key`, true, term)
	if err != nil {
		return nil, err
	}
	registry.SortByIDAndVersion(pkgs)
	return pkgs, nil
}

func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	return r.queryStrings(ctx, "list ids", `SELECT DISTINCT id_key FROM packages ORDER BY id_key`)
}

func (r *Repository) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.bind(r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.handleError(op, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, r.handleError(op, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleError(op, err)
	}
	return values, nil
}

// Ping checks connectivity for readiness probes
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return r.handleError("ping", err)
	}
	return nil
}
