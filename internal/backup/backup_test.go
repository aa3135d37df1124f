package backup

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"defectline/internal/config"
	"defectline/internal/db"
	"defectline/internal/events"
	"defectline/internal/migrate"
	"defectline/internal/repo"
)

func openDB(t *testing.T) (*sql.DB, db.Dialect) {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, dialect
}

func TestRunToDirectory(t *testing.T) {
	conn, dialect := openDB(t)
	ctx := context.Background()
	dir := t.TempDir()
	mirror := t.TempDir()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	res, err := Run(ctx, Options{
		DB:       conn,
		Dialect:  dialect,
		Dir:      dir,
		Keep:     2,
		Uploader: DirUploader{Dir: mirror},
		Events:   events.Writer{Dialect: dialect},
		Now:      func() time.Time { return at },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if filepath.Base(res.Path) != "defectline-20240101-120000.db" {
		t.Fatalf("unexpected snapshot name %s", res.Path)
	}
	if _, err := os.Stat(filepath.Join(mirror, filepath.Base(res.Path))); err != nil {
		t.Fatalf("expected mirrored copy: %v", err)
	}

	// The snapshot is a usable database.
	snap, err := sql.Open("sqlite", res.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()
	v, err := migrate.Current(ctx, snap)
	if err != nil || v == 0 {
		t.Fatalf("snapshot schema version %d: %v", v, err)
	}

	evts, err := repo.Repo{DB: conn, Dialect: dialect}.LatestEvents(ctx, repo.EventFilters{Type: events.BackupCompleted})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected backup event, got %v %v", evts, err)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		p := filepath.Join(dir, FileName(base.Add(time.Duration(i)*time.Hour)))
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	removed, err := Prune(dir, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}
	left, _ := os.ReadDir(dir)
	if len(left) != 3 {
		t.Fatalf("expected 2 snapshots plus notes, got %d entries", len(left))
	}
	if _, err := os.Stat(filepath.Join(dir, FileName(base.Add(3*time.Hour)))); err != nil {
		t.Fatalf("newest snapshot pruned: %v", err)
	}
}

func TestSnapshotRejectsPostgres(t *testing.T) {
	if _, err := Snapshot(context.Background(), nil, db.Postgres, t.TempDir(), time.Now()); err == nil {
		t.Fatalf("expected error for postgres")
	}
}

type recordingTransport struct {
	mu     sync.Mutex
	method string
	path   string
	body   string
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.method = req.Method
	rt.path = req.URL.Path
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		rt.body = string(b)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": []string{`"abc"`}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func TestS3UploaderPutsObject(t *testing.T) {
	rt := &recordingTransport{}
	up, err := NewS3Uploader(context.Background(), config.S3Config{
		Bucket:    "site-backups",
		Endpoint:  "https://mock.s3.local",
		PathStyle: true,
		Prefix:    "defectline",
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.Credentials = credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")
	})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	file := filepath.Join(t.TempDir(), "snap.db")
	if err := os.WriteFile(file, []byte("snapshot-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	loc, err := up.Upload(context.Background(), "defectline-20240101-120000.db", file)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if loc != "s3://site-backups/defectline/defectline-20240101-120000.db" {
		t.Fatalf("unexpected location %s", loc)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.method != http.MethodPut || rt.path != "/site-backups/defectline/defectline-20240101-120000.db" {
		t.Fatalf("unexpected request %s %s", rt.method, rt.path)
	}
	if !strings.Contains(rt.body, "snapshot-bytes") {
		t.Fatalf("body not uploaded: %q", rt.body)
	}
}
