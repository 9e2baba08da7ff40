package sqldb

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	mssql "github.com/microsoft/go-mssqldb"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect holds what differs between the database/sql backends.
type Dialect struct {
	Name string
	// DriverName is the database/sql driver the dialect is opened with.
	DriverName string
	Schema     []string
	// IsUniqueViolation recognizes the backend's duplicate key error.
	IsUniqueViolation func(error) bool
	// SearchPredicate matches rows whose search_text contains the single
	// bound term.
	SearchPredicate string
	// Rebind rewrites '?' placeholders for drivers that use another syntax.
	// Nil leaves queries unchanged.
	Rebind func(query string) string
}

// SQLite uses the pure Go modernc.org/sqlite driver.
var SQLite = Dialect{
	Name:       "sqlite",
	DriverName: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS packages (
			id_key TEXT NOT NULL,
			version_key TEXT NOT NULL,
			id TEXT NOT NULL,
			version TEXT NOT NULL,
			listed BOOLEAN NOT NULL DEFAULT 1,
			downloads INTEGER NOT NULL DEFAULT 0,
			published TEXT NOT NULL,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			search_text TEXT NOT NULL,
			document TEXT NOT NULL,
			PRIMARY KEY (id_key, version_key)
		)`,
		`CREATE TABLE IF NOT EXISTS package_dependencies (
			id_key TEXT NOT NULL,
			version_key TEXT NOT NULL,
			dependency_id_key TEXT NOT NULL,
			PRIMARY KEY (id_key, version_key, dependency_id_key)
		)`,
		`CREATE INDEX IF NOT EXISTS package_dependencies_dependency_idx ON package_dependencies (dependency_id_key)`,
	},
	IsUniqueViolation: func(err error) bool {
		var sqliteErr *sqlite.Error
		if !errors.As(err, &sqliteErr) {
			return false
		}
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	},
	SearchPredicate: "instr(search_text, ?) > 0",
}

// MySQL uses github.com/go-sql-driver/mysql. Published timestamps are stored
// as text so the DSN needs no parseTime setting.
var MySQL = Dialect{
	Name:       "mysql",
	DriverName: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS packages (
			id_key VARCHAR(128) NOT NULL,
			version_key VARCHAR(256) NOT NULL,
			id VARCHAR(128) NOT NULL,
			version VARCHAR(256) NOT NULL,
			listed BOOLEAN NOT NULL DEFAULT TRUE,
			downloads BIGINT NOT NULL DEFAULT 0,
			published VARCHAR(40) NOT NULL,
			hash VARCHAR(128) NOT NULL,
			size BIGINT NOT NULL,
			search_text TEXT NOT NULL,
			document LONGTEXT NOT NULL,
			PRIMARY KEY (id_key, version_key)
		) CHARACTER SET utf8mb4`,
		`CREATE TABLE IF NOT EXISTS package_dependencies (
			id_key VARCHAR(128) NOT NULL,
			version_key VARCHAR(256) NOT NULL,
			dependency_id_key VARCHAR(128) NOT NULL,
			PRIMARY KEY (id_key, version_key, dependency_id_key),
			INDEX package_dependencies_dependency_idx (dependency_id_key)
		) CHARACTER SET utf8mb4`,
	},
	IsUniqueViolation: func(err error) bool {
		var mysqlErr *mysql.MySQLError
		return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 // ER_DUP_ENTRY
	},
	SearchPredicate: "instr(search_text, ?) > 0",
}

// SQLServer uses github.com/microsoft/go-mssqldb with the "sqlserver" driver
// name, which expects @pN placeholders. Key columns are VARCHAR because ids
// and versions are ASCII and the dependency primary key must stay below the
// 900 byte clustered index limit.
var SQLServer = Dialect{
	Name:       "sqlserver",
	DriverName: "sqlserver",
	Schema: []string{
		`IF OBJECT_ID(N'packages', N'U') IS NULL
		CREATE TABLE packages (
			id_key VARCHAR(128) NOT NULL,
			version_key VARCHAR(256) NOT NULL,
			id NVARCHAR(128) NOT NULL,
			version NVARCHAR(256) NOT NULL,
			listed BIT NOT NULL DEFAULT 1,
			downloads BIGINT NOT NULL DEFAULT 0,
			published NVARCHAR(40) NOT NULL,
			hash NVARCHAR(128) NOT NULL,
			size BIGINT NOT NULL,
			search_text NVARCHAR(MAX) NOT NULL,
			document NVARCHAR(MAX) NOT NULL,
			PRIMARY KEY (id_key, version_key)
		)`,
		`IF OBJECT_ID(N'package_dependencies', N'U') IS NULL
		CREATE TABLE package_dependencies (
			id_key VARCHAR(128) NOT NULL,
			version_key VARCHAR(256) NOT NULL,
			dependency_id_key VARCHAR(128) NOT NULL,
			PRIMARY KEY (id_key, version_key, dependency_id_key)
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'package_dependencies_dependency_idx')
		CREATE INDEX package_dependencies_dependency_idx ON package_dependencies (dependency_id_key)`,
	},
	IsUniqueViolation: func(err error) bool {
		var sqlErr mssql.Error
		if !errors.As(err, &sqlErr) {
			return false
		}
		// 2627: PRIMARY KEY or UNIQUE constraint, 2601: unique index
		return sqlErr.Number == 2627 || sqlErr.Number == 2601
	},
	SearchPredicate: "CHARINDEX(?, search_text) > 0",
	Rebind:          ordinalPlaceholders,
}

// ordinalPlaceholders turns each '?' into @p1, @p2 and so on.
func ordinalPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
