// Package dbx opens the shared database and smooths over the placeholder
// differences between the supported drivers.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultConnectionTimeout bounds the initial ping.
const DefaultConnectionTimeout = 5 * time.Second

var (
	ErrEmptyDriver = errors.New("database driver cannot be empty")
	ErrEmptyDSN    = errors.New("database connection string (DSN) cannot be empty")
)

// Dialect is the placeholder style of a driver.
type Dialect int

const (
	// Question uses "?" placeholders (SQLite, MySQL).
	Question Dialect = iota
	// Dollar uses "$1", "$2", ... placeholders (PostgreSQL via pgx).
	Dollar
)

// DialectFor returns the placeholder style of a database/sql driver name.
func DialectFor(driver string) Dialect {
	switch strings.ToLower(driver) {
	case "pgx", "pgx/v5", "postgres", "postgresql":
		return Dollar
	}
	return Question
}

// Rebind rewrites "?" placeholders for the dialect. Question marks inside
// single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Dollar || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Open connects to the database and verifies the connection. In-memory
// SQLite databases are pinned to a single connection because every new
// connection would see an empty database.
func Open(ctx context.Context, driver, dsn string, maxOpen int) (*sql.DB, error) {
	if driver == "" {
		return nil, ErrEmptyDriver
	}
	if dsn == "" {
		return nil, ErrEmptyDSN
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if DialectFor(driver) == Question && strings.Contains(dsn, ":memory:") {
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database and close connection: %w", err)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
