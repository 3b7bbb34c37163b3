package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"single statement", "SELECT 1", []string{"SELECT 1"}},
		{"two statements", "SELECT 1; SELECT 2;", []string{"SELECT 1", "SELECT 2"}},
		{"empty statements skipped", "SELECT 1;; ;SELECT 2;", []string{"SELECT 1", "SELECT 2"}},
		{"semicolon inside quotes", "SELECT 'a;b'; SELECT 2", []string{"SELECT 'a;b'", "SELECT 2"}},
		{"escaped quotes", "SELECT 'it''s'; SELECT 2", []string{"SELECT 'it''s'", "SELECT 2"}},
		{"empty input", "", nil},
		{
			"multiline grants",
			"GRANT SELECT ON sap_fi TO reporting;\nANALYZE sap_fi;\n",
			[]string{"GRANT SELECT ON sap_fi TO reporting", "ANALYZE sap_fi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitStatements(tt.sql); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitStatements(%q) = %q, want %q", tt.sql, got, tt.want)
			}
		})
	}
}

func TestRunHooks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	hook := `CREATE TABLE load_audit (tbl TEXT, n INTEGER);
INSERT INTO load_audit SELECT '{{table}}', count(*) FROM {{table}};`
	if err := os.WriteFile(filepath.Join(dir, "audit.sql"), []byte(hook), 0644); err != nil {
		t.Fatal(err)
	}

	d := openTestSQLite(t)
	if err := loadTable(ctx, d, TableName{Name: "sap_fi"}, sapFiTable()); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{configDir: dir, Target: TargetConfig{Table: "sap_fi"}}
	if err := runHooks(ctx, d, cfg, []string{"audit.sql"}, "after_load"); err != nil {
		t.Fatalf("runHooks() error: %v", err)
	}

	var tbl string
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT tbl, n FROM load_audit`).Scan(&tbl, &n); err != nil {
		t.Fatal(err)
	}
	if tbl != `"sap_fi"` || n != 3 {
		t.Errorf("audit row = %q %d", tbl, n)
	}
}

func TestRunHooks_Failures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.sql"), []byte("SELECT 1; SELEKT 2;"), 0644); err != nil {
		t.Fatal(err)
	}
	d := openTestSQLite(t)
	cfg := &Config{configDir: dir, Target: TargetConfig{Table: "sap_fi"}}

	err := runHooks(ctx, d, cfg, []string{"bad.sql"}, "after_load")
	if err == nil || !strings.Contains(err.Error(), "statement 2") {
		t.Errorf("error = %v, want failure on statement 2", err)
	}

	err = runHooks(ctx, d, cfg, []string{"missing.sql"}, "after_load")
	if err == nil || !strings.Contains(err.Error(), "missing.sql") {
		t.Errorf("error = %v, want read failure", err)
	}

	if err := runHooks(ctx, d, cfg, nil, "after_load"); err != nil {
		t.Errorf("no hooks: error = %v", err)
	}
}
