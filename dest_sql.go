package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// sqlDialect holds what differs between the database/sql destinations.
type sqlDialect struct {
	name      string
	quote     func(string) string
	types     map[valueKind]string
	maxParams int
}

var mysqlDialect = sqlDialect{
	name:  "MySQL",
	quote: mysqlIdent,
	types: map[valueKind]string{
		kindText:      "LONGTEXT",
		kindInteger:   "BIGINT",
		kindFloat:     "DOUBLE",
		kindBool:      "BOOLEAN",
		kindTimestamp: "DATETIME(6)",
		kindBytes:     "LONGBLOB",
		kindNumeric:   "DECIMAL(65,30)",
	},
	maxParams: 65535,
}

var sqliteDialect = sqlDialect{
	name:  "SQLite",
	quote: quoteIdent,
	types: map[valueKind]string{
		kindText:      "TEXT",
		kindInteger:   "INTEGER",
		kindFloat:     "REAL",
		kindBool:      "BOOLEAN",
		kindTimestamp: "TIMESTAMP",
		kindBytes:     "BLOB",
		kindNumeric:   "NUMERIC",
	},
	maxParams: 32766,
}

const maxInsertBatchRows = 500

// sqlDestination loads through database/sql with multi-row INSERT batches.
type sqlDestination struct {
	db      *sql.DB
	dialect sqlDialect
}

// mysqlDSN builds a go-sql-driver DSN with the options the loader relies on.
func mysqlDSN(cfg TargetConfig) (string, error) {
	var mc *mysql.Config
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc = parsed
	} else {
		mc = mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Database
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN(), nil
}

func newMySQLDestination(ctx context.Context, cfg TargetConfig) (*sqlDestination, error) {
	dsn, err := mysqlDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return &sqlDestination{db: db, dialect: mysqlDialect}, nil
}

func newSQLiteDestination(ctx context.Context, cfg TargetConfig) (*sqlDestination, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.Database
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection, so ":memory:" databases stay the same database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &sqlDestination{db: db, dialect: sqliteDialect}, nil
}

func (d *sqlDestination) Name() string { return d.dialect.name }

func (d *sqlDestination) QualifiedName(target TableName) string {
	if target.Schema == "" {
		return d.dialect.quote(target.Name)
	}
	return d.dialect.quote(target.Schema) + "." + d.dialect.quote(target.Name)
}

func (d *sqlDestination) Exec(ctx context.Context, query string) error {
	_, err := d.db.ExecContext(ctx, query)
	return err
}

func (d *sqlDestination) Close() error { return d.db.Close() }

// ReplaceTable runs drop, create and inserts in one transaction. MySQL commits
// DDL implicitly, so there only the inserts are transactional.
func (d *sqlDestination) ReplaceTable(ctx context.Context, target TableName, t *Table) (n int64, err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	kinds := inferColumnKinds(t)
	qualified := d.QualifiedName(target)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+qualified); err != nil {
		return 0, fmt.Errorf("drop table: %w", err)
	}
	ddl := d.createTableSQL(qualified, t.Columns, kinds)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return 0, fmt.Errorf("create table: %w\nDDL: %s", err, ddl)
	}

	progress := newRowProgress(len(t.Rows), "inserting")
	batch := d.batchRows(len(t.Columns))
	for start := 0; start < len(t.Rows); start += batch {
		end := min(start+batch, len(t.Rows))
		query, args := d.insertSQL(qualified, t.Columns, kinds, t.Rows[start:end])
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return n, fmt.Errorf("insert rows %d-%d: %w", start, end-1, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, fmt.Errorf("insert rows %d-%d: %w", start, end-1, err)
		}
		n += affected
		progress.Add(end - start)
	}
	progress.Finish()

	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (d *sqlDestination) batchRows(columns int) int {
	if columns == 0 {
		return maxInsertBatchRows
	}
	return max(1, min(maxInsertBatchRows, d.dialect.maxParams/columns))
}

func (d *sqlDestination) createTableSQL(qualified string, columns []string, kinds []valueKind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", qualified)
	for i, col := range columns {
		fmt.Fprintf(&b, "  %s %s", d.dialect.quote(col), d.dialect.types[kinds[i]])
		if i < len(columns)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(")")
	return b.String()
}

func (d *sqlDestination) insertSQL(qualified string, columns []string, kinds []valueKind, rows [][]any) (string, []any) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.dialect.quote(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", qualified, strings.Join(quoted, ", "))
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, coerceRow(row, kinds)...)
	}
	return b.String(), args
}
