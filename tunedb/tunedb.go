// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tunedb is the durable store for autotune selections.
//
// A DB is a directory with one table per kernel identity, named
// "<identity>.jsonl". Each table is an append-only sequence of JSON rows
// mapping an encoded problem-shape key to the configuration that won the
// benchmark for that shape. Rows are never updated in place: merging new
// results appends only keys not already present, so concurrent processes
// tuning the same kernel converge without clobbering each other.
//
// Malformed rows are tolerated. A row that fails to decode is skipped with a
// warning and the rest of the table still loads.
package tunedb

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gofrs/flock"
	"github.com/gomlx/kernelkit/internal/fsutil"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the table file creation permission (before umask) used.
	FilePermMode = os.FileMode(0660)
)

// KERNELKIT_TUNEDB is the environment variable pointing to the default
// database directory. If unset, a "kernelkit/tunedb" sub-directory of the
// user cache directory is used.
const KERNELKIT_TUNEDB = "KERNELKIT_TUNEDB"

const (
	tableSuffix = ".jsonl"
	lockSuffix  = ".lock"

	// maxRowBytes bounds a single table row. Configs hold a handful of
	// scalar constants, so anything larger is a corrupt file.
	maxRowBytes = 4 * 1024 * 1024
)

// DefaultDir returns the database directory used when Open is given an empty
// path: $KERNELKIT_TUNEDB if set, otherwise the "kernelkit/tunedb"
// sub-directory of os.UserCacheDir.
func DefaultDir() (string, error) {
	if dir, found := os.LookupEnv(KERNELKIT_TUNEDB); found && dir != "" {
		return fsutil.ReplaceTildeInDir(dir)
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "finding the user cache directory for the tuning database")
	}
	return filepath.Join(cacheDir, "kernelkit", "tunedb"), nil
}

// DB is a handle to one tuning database directory. It holds no open files
// between calls; every Load/Merge opens, locks and closes the table it
// touches, so a DB can be shared freely across goroutines.
type DB struct {
	dir string
}

// Open returns a DB rooted at dir, creating the directory if needed. An
// empty dir selects DefaultDir.
func Open(dir string) (*DB, error) {
	var err error
	if dir == "" {
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	dir, err = fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "trying to create tuning database dir %q", dir)
	}
	return &DB{dir: dir}, nil
}

// Dir returns the database directory.
func (db *DB) Dir() string { return db.dir }

// Path returns the file holding the given table.
func (db *DB) Path(table string) string {
	return filepath.Join(db.dir, sanitizeTable(table)+tableSuffix)
}

func (db *DB) lockPath(table string) string {
	return db.Path(table) + lockSuffix
}

// sanitizeTable maps a kernel identity to a file-name-safe table name.
// Different identities may collide after sanitization; callers should stick
// to simple identifier-like kernel names.
func sanitizeTable(name string) string {
	if name == "" {
		return "_"
	}
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// Tables lists the tables present in the database, sorted.
func (db *DB) Tables() ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing tuning database dir %q", db.dir)
	}
	var tables []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, tableSuffix) {
			continue
		}
		tables = append(tables, strings.TrimSuffix(name, tableSuffix))
	}
	slices.Sort(tables)
	return tables, nil
}

// Load reads every row of a table into a map keyed by the canonical encoded
// problem-shape key. A missing table is not an error, it yields an empty
// map. Rows that fail to decode are skipped with a warning. If the same key
// appears twice the first row wins, matching the append-only merge
// discipline.
func (db *DB) Load(table string) (map[string]*kernels.Config, error) {
	path := db.Path(table)
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]*kernels.Config)
	if !exists {
		return rows, nil
	}

	fileLock := flock.New(db.lockPath(table))
	if err = fileLock.RLock(); err != nil {
		return nil, errors.Wrapf(err, "read-locking tuning table %q", table)
	}
	defer func() { _ = fileLock.Unlock() }()

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening tuning table %q", table)
	}
	defer func() { _ = f.Close() }()
	if err = readRows(f, table, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// readRows scans one row per line into rows, keeping the first config seen
// for each key. Rows are decoded individually so one bad line never takes
// the rest of the table with it.
func readRows(f *os.File, table string, rows map[string]*kernels.Config) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRowBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		key, cfg, err := decodeRow(line)
		if err != nil {
			klog.Warningf("tunedb: table %q line %d: %v (row skipped)", table, lineNum, err)
			continue
		}
		if _, found := rows[key]; found {
			continue
		}
		rows[key] = cfg
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "reading tuning table %q", table)
	}
	return nil
}

// Merge appends the given rows to a table, inserting only keys not already
// durably present. Keys use the canonical encoding of EncodeKey. The table
// is exclusively locked for the duration, so concurrent mergers serialize
// and each sees the keys the previous one appended.
func (db *DB) Merge(table string, rows map[string]*kernels.Config) error {
	if len(rows) == 0 {
		return nil
	}
	fileLock := flock.New(db.lockPath(table))
	if err := fileLock.Lock(); err != nil {
		return errors.Wrapf(err, "write-locking tuning table %q", table)
	}
	defer func() { _ = fileLock.Unlock() }()

	path := db.Path(table)
	existing := make(map[string]*kernels.Config)
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return err
	}
	if exists {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "opening tuning table %q", table)
		}
		err = readRows(f, table, existing)
		_ = f.Close()
		if err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, FilePermMode)
	if err != nil {
		return errors.Wrapf(err, "opening tuning table %q for append", table)
	}
	w := bufio.NewWriter(f)
	keys := maps.Keys(rows)
	slices.Sort(keys)
	appended := 0
	for _, key := range keys {
		if _, found := existing[key]; found {
			continue
		}
		data, err := encodeRow(key, rows[key])
		if err != nil {
			_ = f.Close()
			return errors.WithMessagef(err, "tuning table %q", table)
		}
		w.Write(data)
		w.WriteByte('\n')
		appended++
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing tuning table %q", table)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "syncing tuning table %q", table)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing tuning table %q", table)
	}
	klog.V(1).Infof("tunedb: merged %d new row(s) into table %q (%d offered)", appended, table, len(rows))
	return nil
}

// WriteSnapshot atomically replaces a table with exactly the given rows,
// dropping any rows not present in the map. Used by maintenance tools to
// compact or rewrite a table; the tuning path itself only ever merges.
func (db *DB) WriteSnapshot(table string, rows map[string]*kernels.Config) error {
	fileLock := flock.New(db.lockPath(table))
	if err := fileLock.Lock(); err != nil {
		return errors.Wrapf(err, "write-locking tuning table %q", table)
	}
	defer func() { _ = fileLock.Unlock() }()

	path := db.Path(table)
	tmpPath := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FilePermMode)
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for tuning table %q", table)
	}
	removeTmp := func() { _ = os.Remove(tmpPath) }

	w := bufio.NewWriter(f)
	keys := maps.Keys(rows)
	slices.Sort(keys)
	for _, key := range keys {
		data, err := encodeRow(key, rows[key])
		if err != nil {
			_ = f.Close()
			removeTmp()
			return errors.WithMessagef(err, "tuning table %q", table)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		removeTmp()
		return errors.Wrapf(err, "writing tuning table %q", table)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		removeTmp()
		return errors.Wrapf(err, "syncing tuning table %q", table)
	}
	if err = f.Close(); err != nil {
		removeTmp()
		return errors.Wrapf(err, "closing tuning table %q", table)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		removeTmp()
		return errors.Wrapf(err, "replacing tuning table %q", table)
	}
	return nil
}

// Remove deletes a table and its lock side-car. Removing a missing table is
// not an error.
func (db *DB) Remove(table string) error {
	for _, path := range []string{db.Path(table), db.lockPath(table)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "removing tuning table %q", table)
		}
	}
	return nil
}
