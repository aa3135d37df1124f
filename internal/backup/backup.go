// Package backup takes consistent database snapshots and ships them to a
// local directory or an S3-compatible bucket.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"defectline/internal/db"
	"defectline/internal/events"
)

const (
	filePrefix = "defectline-"
	fileSuffix = ".db"
	stampFmt   = "20060102-150405"
)

// Uploader copies a finished snapshot somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, key, path string) (location string, err error)
}

// FileName names a snapshot taken at t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format(stampFmt) + fileSuffix
}

// Snapshot writes a consistent copy of the database into dir and returns
// its path. Postgres dumps are left to pg_dump.
func Snapshot(ctx context.Context, conn *sql.DB, dialect db.Dialect, dir string, now time.Time) (string, error) {
	if dialect != db.SQLite {
		return "", errors.New("snapshots are only supported for sqlite; use pg_dump for postgres")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(now))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("snapshot %s already exists", path)
	}
	quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"
	if _, err := conn.ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return path, nil
}

type Options struct {
	DB       *sql.DB
	Dialect  db.Dialect
	Dir      string
	Keep     int
	Uploader Uploader
	Events   events.Writer
	ActorID  string
	Now      func() time.Time
	Logger   *slog.Logger
}

type Result struct {
	Path     string   `json:"path"`
	Location string   `json:"location,omitempty"`
	Pruned   []string `json:"pruned,omitempty"`
}

// Run snapshots, uploads, prunes old local snapshots and records a
// backup.completed event.
func Run(ctx context.Context, opts Options) (Result, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ts := now().UTC()
	path, err := Snapshot(ctx, opts.DB, opts.Dialect, opts.Dir, ts)
	if err != nil {
		return Result{}, err
	}
	res := Result{Path: path}
	if opts.Uploader != nil {
		loc, err := opts.Uploader.Upload(ctx, filepath.Base(path), path)
		if err != nil {
			return res, fmt.Errorf("upload %s: %w", path, err)
		}
		res.Location = loc
	}
	if opts.Keep > 0 {
		pruned, err := Prune(opts.Dir, opts.Keep)
		if err != nil {
			return res, err
		}
		res.Pruned = pruned
	}

	tx, err := opts.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	actor := opts.ActorID
	if actor == "" {
		actor = "system"
	}
	if err := opts.Events.Append(ctx, tx, events.BackupCompleted, "", "backup", filepath.Base(path), actor, events.EventPayload{
		"path":     path,
		"location": res.Location,
		"pruned":   len(res.Pruned),
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	logger.Info("backup completed", "path", path, "location", res.Location, "pruned", len(res.Pruned))
	return res, nil
}

// Prune removes all but the newest keep snapshots in dir.
func Prune(dir string, keep int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			names = append(names, n)
		}
	}
	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	var removed []string
	for i := keep; i < len(names); i++ {
		p := filepath.Join(dir, names[i])
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// DirUploader copies snapshots into another directory, typically a mounted
// backup volume.
type DirUploader struct {
	Dir string
}

func (u DirUploader) Upload(_ context.Context, key, path string) (string, error) {
	if err := os.MkdirAll(u.Dir, 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst := filepath.Join(u.Dir, key)
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}
