package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresDestination struct {
	pool *pgxpool.Pool
}

// postgresDSN builds a connection URL from the discrete target fields unless a DSN is set.
func postgresDSN(cfg TargetConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	if cfg.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", cfg.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func newPostgresDestination(ctx context.Context, cfg TargetConfig) (*postgresDestination, error) {
	pool, err := pgxpool.New(ctx, postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &postgresDestination{pool: pool}, nil
}

func (d *postgresDestination) Name() string { return "PostgreSQL" }

func (d *postgresDestination) QualifiedName(target TableName) string { return pgQualified(target) }

func (d *postgresDestination) Exec(ctx context.Context, sql string) error {
	_, err := d.pool.Exec(ctx, sql)
	return err
}

func (d *postgresDestination) Close() error {
	d.pool.Close()
	return nil
}

func (d *postgresDestination) ReplaceTable(ctx context.Context, target TableName, t *Table) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		var err error
		n, err = replacePostgresTable(ctx, tx, target, t, newRowProgress(len(t.Rows), "copying"))
		return err
	})
	return n, err
}

// pgTableWriter is the subset of pgx.Tx used to replace a table.
type pgTableWriter interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func replacePostgresTable(ctx context.Context, w pgTableWriter, target TableName, t *Table, progress *rowProgress) (int64, error) {
	kinds := inferColumnKinds(t)

	drop := "DROP TABLE IF EXISTS " + pgQualified(target)
	if _, err := w.Exec(ctx, drop); err != nil {
		return 0, fmt.Errorf("drop table: %w", err)
	}
	ddl := generateCreateTable(target, t.Columns, kinds)
	if _, err := w.Exec(ctx, ddl); err != nil {
		return 0, fmt.Errorf("create table: %w\nDDL: %s", err, ddl)
	}

	ident := pgx.Identifier{target.Name}
	if target.Schema != "" {
		ident = pgx.Identifier{target.Schema, target.Name}
	}
	src := pgx.CopyFromSlice(len(t.Rows), func(i int) ([]any, error) {
		progress.Add(1)
		return coerceRow(t.Rows[i], kinds), nil
	})
	n, err := w.CopyFrom(ctx, ident, t.Columns, src)
	progress.Finish()
	if err != nil {
		return n, fmt.Errorf("copy rows: %w", err)
	}
	return n, nil
}

// pgColumnTypes maps inferred kinds to PostgreSQL column types.
var pgColumnTypes = map[valueKind]string{
	kindText:      "text",
	kindInteger:   "bigint",
	kindFloat:     "double precision",
	kindBool:      "boolean",
	kindTimestamp: "timestamp",
	kindBytes:     "bytea",
	kindNumeric:   "numeric",
}

// generateCreateTable produces a CREATE TABLE statement with nullable columns
// typed from kinds.
func generateCreateTable(target TableName, columns []string, kinds []valueKind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", pgQualified(target))
	for i, col := range columns {
		fmt.Fprintf(&b, "  %s %s", pgIdent(col), pgColumnTypes[kinds[i]])
		if i < len(columns)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(")")
	return b.String()
}
