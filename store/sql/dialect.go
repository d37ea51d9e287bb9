// Package sql provides a SQL database store for agentauth.
//
// All tables share one key-value table, agentauth_records, keyed by
// (tbl, key). SQLite is served by modernc.org/sqlite and PostgreSQL by the
// pgx stdlib driver. An open *sql.DB may be passed in Config.DB instead.
package sql

import (
	"fmt"

	"github.com/aloks98/agentauth/store/sql/queries"
)

// Dialect represents a SQL database dialect.
type Dialect string

const (
	// SQLite dialect.
	SQLite Dialect = "sqlite"
	// PostgreSQL dialect.
	PostgreSQL Dialect = "postgres"
)

// driverName returns the database/sql driver name for the dialect.
func driverName(d Dialect) string {
	switch d {
	case PostgreSQL:
		return "pgx"
	default:
		return "sqlite"
	}
}

// loadQueries returns the queries for a dialect.
func loadQueries(d Dialect) (*queries.Queries, error) {
	switch d {
	case SQLite, "":
		return queries.Load("sqlite")
	case PostgreSQL:
		return queries.Load("postgres")
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}
}
