// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tunedb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/kernelkit/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, parts ...any) string {
	key, err := EncodeKey(parts)
	require.NoError(t, err)
	return key
}

func TestOpenDefaultDirFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(KERNELKIT_TUNEDB, tmpDir)

	dir, err := DefaultDir()
	require.NoError(t, err)
	assert.Equal(t, tmpDir, dir)

	db, err := Open("")
	require.NoError(t, err)
	assert.Equal(t, tmpDir, db.Dir())
}

func TestLoadMissingTable(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	rows, err := db.Load("never_tuned")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMergeAndLoad(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)

	cfgA := kernels.NewConfig(kernels.Constants{"TILE": 128}).WithWarps(8)
	cfgB := kernels.NewConfig(kernels.Constants{"TILE": 256})
	require.NoError(t, db.Merge("addlike", map[string]*kernels.Config{
		mustKey(t, 64, 64):   cfgA,
		mustKey(t, 128, 128): cfgB,
	}))

	rows, err := db.Load("addlike")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, cfgA.Equal(rows[mustKey(t, 64, 64)]))
	assert.True(t, cfgB.Equal(rows[mustKey(t, 128, 128)]))

	_, err = os.Stat(db.Path("addlike"))
	require.NoError(t, err)
}

func TestMergeInsertIfAbsent(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	key := mustKey(t, 64, 64)

	cfgA := kernels.NewConfig(kernels.Constants{"TILE": 128})
	require.NoError(t, db.Merge("addlike", map[string]*kernels.Config{key: cfgA}))

	// A later merge must not clobber the durable row for the same key.
	cfgB := kernels.NewConfig(kernels.Constants{"TILE": 256})
	cfgC := kernels.NewConfig(kernels.Constants{"TILE": 64})
	require.NoError(t, db.Merge("addlike", map[string]*kernels.Config{
		key:                  cfgB,
		mustKey(t, 256, 256): cfgC,
	}))

	rows, err := db.Load("addlike")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, cfgA.Equal(rows[key]), "got %s, want the original %s", rows[key], cfgA)
	assert.True(t, cfgC.Equal(rows[mustKey(t, 256, 256)]))
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)

	goodA, err := encodeRow(mustKey(t, 1), kernels.NewConfig(kernels.Constants{"TILE": 32}))
	require.NoError(t, err)
	goodB, err := encodeRow(mustKey(t, 2), kernels.NewConfig(kernels.Constants{"TILE": 64}))
	require.NoError(t, err)
	content := string(goodA) + "\n" +
		"this is not json\n" +
		`{"v":99,"key":[],"config":{}}` + "\n" +
		"\n" +
		string(goodB) + "\n"
	require.NoError(t, os.WriteFile(db.Path("messy"), []byte(content), 0660))

	rows, err := db.Load("messy")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTablesAndRemove(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	cfg := kernels.NewConfig(kernels.Constants{"TILE": 128})
	require.NoError(t, db.Merge("b_kernel", map[string]*kernels.Config{mustKey(t, 1): cfg}))
	require.NoError(t, db.Merge("a_kernel", map[string]*kernels.Config{mustKey(t, 1): cfg}))

	tables, err := db.Tables()
	require.NoError(t, err)
	assert.Equal(t, []string{"a_kernel", "b_kernel"}, tables)

	require.NoError(t, db.Remove("a_kernel"))
	require.NoError(t, db.Remove("a_kernel"), "removing a missing table is not an error")
	tables, err = db.Tables()
	require.NoError(t, err)
	assert.Equal(t, []string{"b_kernel"}, tables)
}

func TestWriteSnapshot(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	cfg := kernels.NewConfig(kernels.Constants{"TILE": 128})
	require.NoError(t, db.Merge("addlike", map[string]*kernels.Config{
		mustKey(t, 1): cfg,
		mustKey(t, 2): cfg,
	}))

	kept := kernels.NewConfig(kernels.Constants{"TILE": 256})
	require.NoError(t, db.WriteSnapshot("addlike", map[string]*kernels.Config{
		mustKey(t, 1): kept,
	}))

	rows, err := db.Load("addlike")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, kept.Equal(rows[mustKey(t, 1)]))
}

func TestTableNameSanitization(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "fused_add_mul.jsonl", filepath.Base(db.Path("fused add/mul")))
	assert.Equal(t, "_.jsonl", filepath.Base(db.Path("")))
}
