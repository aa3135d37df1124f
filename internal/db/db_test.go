package db

import (
	"os"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `UPDATE defects SET status=?, version=? WHERE id=? AND version=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `UPDATE defects SET status=$1, version=$2 WHERE id=$3 AND version=$4`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestDialectFor(t *testing.T) {
	for in, want := range map[string]Dialect{"": SQLite, "sqlite": SQLite, "pgx": Postgres, "postgres": Postgres} {
		got, err := DialectFor(in)
		if err != nil || got != want {
			t.Fatalf("DialectFor(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := DialectFor("mysql"); err == nil {
		t.Fatalf("expected error for mysql")
	}
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if dialect != SQLite {
		t.Fatalf("dialect = %s", dialect)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
}

func TestOpenPgxRequiresDSN(t *testing.T) {
	if _, _, err := Open(Config{Driver: "pgx"}); err == nil {
		t.Fatalf("expected dsn error")
	}
}
