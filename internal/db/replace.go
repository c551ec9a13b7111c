package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ReplaceTable discards schema.table and reloads it with rows in one
// transaction:
//  1. CREATE SCHEMA IF NOT EXISTS
//  2. DROP TABLE IF EXISTS
//  3. CREATE TABLE with one text column per entry in columns
//  4. COPY rows
//
// Readers see either the old contents or the new ones, never a mix.
// Values in rows must be strings or nil.
func ReplaceTable(ctx context.Context, pool Pool, schema, table string, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, eris.New("db: replace: no columns specified")
	}
	if schema == "" || table == "" {
		return 0, eris.New("db: replace: schema and table are required")
	}

	ident := pgx.Identifier{schema, table}
	qualified := ident.Sanitize()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return 0, eris.Wrapf(err, "db: replace: create schema %s", schema)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+qualified); err != nil {
		return 0, eris.Wrapf(err, "db: replace: drop %s.%s", schema, table)
	}
	if _, err := tx.Exec(ctx, createTableSQL(qualified, columns)); err != nil {
		return 0, eris.Wrapf(err, "db: replace: create %s.%s", schema, table)
	}

	var n int64
	if len(rows) > 0 {
		n, err = tx.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
		if err != nil {
			return 0, eris.Wrapf(err, "db: replace: COPY INTO %s.%s", schema, table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: replace: commit tx")
	}
	return n, nil
}

func createTableSQL(qualified string, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgx.Identifier{c}.Sanitize() + " text"
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", qualified, strings.Join(defs, ", "))
}
