package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax for the two supported drivers.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) Dialect {
	if strings.EqualFold(strings.TrimSpace(driver), "sqlite") {
		return DialectSQLite
	}
	return DialectPostgres
}

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// Rebind rewrites ? placeholders to $N for postgres. Queries must not contain
// literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open connects with the pgx driver ("pgx") or the pure Go sqlite driver ("sqlite").
func Open(ctx context.Context, driver, databaseURL string) (*sql.DB, error) {
	dialect := DialectFor(driver)
	name := "pgx"
	if dialect == DialectSQLite {
		name = "sqlite"
	}
	db, err := sql.Open(name, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dialect == DialectSQLite {
		// one connection keeps ":memory:" databases shared and serializes writers
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
