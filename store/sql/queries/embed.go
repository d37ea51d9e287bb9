// Package queries embeds SQL query files for the SQL store.
package queries

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// Queries holds parsed SQL queries by name.
type Queries struct {
	Schema       string
	SelectRecord string
	SelectTable  string
	UpsertRecord string
	DeleteRecord string

	// LockRecord serializes updates of one record inside a transaction.
	// Empty when the database serializes writers itself.
	LockRecord string
}

// Load loads the queries of a dialect directory ("sqlite" or "postgres").
func Load(dir string) (*Queries, error) {
	schema, err := files.ReadFile(dir + "/schema.sql")
	if err != nil {
		return nil, err
	}
	records, err := files.ReadFile(dir + "/records.sql")
	if err != nil {
		return nil, err
	}

	parsed := parseNamedQueries(string(records))
	q := &Queries{
		Schema:       string(schema),
		SelectRecord: parsed["SelectRecord"],
		SelectTable:  parsed["SelectTable"],
		UpsertRecord: parsed["UpsertRecord"],
		DeleteRecord: parsed["DeleteRecord"],
		LockRecord:   parsed["LockRecord"],
	}
	for _, name := range []string{"SelectRecord", "SelectTable", "UpsertRecord", "DeleteRecord"} {
		if parsed[name] == "" {
			return nil, fmt.Errorf("%s/records.sql: missing query %s", dir, name)
		}
	}
	return q, nil
}

// parseNamedQueries parses SQL content with -- name: comments.
func parseNamedQueries(content string) map[string]string {
	result := make(map[string]string)

	for _, part := range strings.Split(content, "-- name:") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// First line is the query name, rest is the SQL
		lines := strings.SplitN(part, "\n", 2)
		if len(lines) < 2 {
			continue
		}

		name := strings.TrimSpace(lines[0])
		query := strings.TrimSpace(lines[1])
		if name != "" && query != "" {
			result[name] = query
		}
	}

	return result
}
