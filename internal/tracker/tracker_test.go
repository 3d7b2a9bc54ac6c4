package tracker

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
}

// numberFiles lists the names of regular files with the given extension,
// sorted, ignoring the lock file.
func numberFiles(t *testing.T, dir, extension string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if strings.HasSuffix(entry.Name(), "."+extension) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func TestHighestMissingDirectoryReadsAsZero(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "never-created"))

	n, err := d.Highest("tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHighestEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)

	n, err := d.Highest("tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHighestPicksLargestConformingFile(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "3.tmp")
	touch(t, dir, "17.tmp")
	touch(t, dir, "9.tmp")

	n, err := New(dir).Highest("tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
}

func TestHighestIgnoresNonConformingEntries(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "12.tmp")
	touch(t, dir, "notes.txt")
	touch(t, dir, "abc.tmp")
	touch(t, dir, "1.5.tmp")
	touch(t, dir, "-4.tmp")
	touch(t, dir, lockFileName)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "99.tmp"), 0755))

	n, err := New(dir).Highest("tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestHighestIsPerExtension(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "40.tmp")
	touch(t, dir, "900.num")

	d := New(dir)

	n, err := d.Highest("tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)

	n, err = d.Highest("num")
	require.NoError(t, err)
	assert.Equal(t, int64(900), n)
}

func TestAdvanceToCreatesNewAndRemovesPrevious(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "122.tmp")

	d := New(dir)
	require.NoError(t, d.AdvanceTo("tmp", 123))

	assert.Equal(t, []string{"123.tmp"}, numberFiles(t, dir, "tmp"))

	n, err := d.Highest("tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(123), n)
}

func TestAdvanceToCreatesDirectoryOnFirstUse(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "i22")

	d := New(dir)
	require.NoError(t, d.AdvanceTo("tmp", 1))

	assert.Equal(t, []string{"1.tmp"}, numberFiles(t, dir, "tmp"))
}

func TestAdvanceToLeavesUnrelatedFilesAlone(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "5.tmp")
	touch(t, dir, "README")

	require.NoError(t, New(dir).AdvanceTo("tmp", 6))

	_, err := os.Stat(filepath.Join(dir, "README"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"6.tmp"}, numberFiles(t, dir, "tmp"))
}

func TestAdvanceToRefusesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "123.tmp")

	err := New(dir).AdvanceTo("tmp", 123)
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, dir, te.Dir)
	assert.True(t, errors.Is(err, fs.ErrExist))

	// The losing writer must not have disturbed the winner's file.
	assert.Equal(t, []string{"123.tmp"}, numberFiles(t, dir, "tmp"))
}

func TestJumpToReplacesCurrentWithoutIntermediates(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "3.tmp")

	d := New(dir)
	require.NoError(t, d.JumpTo("tmp", 500))

	assert.Equal(t, []string{"500.tmp"}, numberFiles(t, dir, "tmp"))
}

func TestJumpToSameNumberIsNoop(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "7.tmp")

	require.NoError(t, New(dir).JumpTo("tmp", 7))
	assert.Equal(t, []string{"7.tmp"}, numberFiles(t, dir, "tmp"))
}

func TestJumpToMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "b18")

	require.NoError(t, New(dir).JumpTo("tmp", 42))
	assert.Equal(t, []string{"42.tmp"}, numberFiles(t, dir, "tmp"))
}

func TestLockFileSurvivesOperations(t *testing.T) {
	dir := t.TempDir()

	d := New(dir)
	require.NoError(t, d.AdvanceTo("tmp", 1))
	require.NoError(t, d.AdvanceTo("tmp", 2))

	_, err := os.Stat(filepath.Join(dir, lockFileName))
	assert.NoError(t, err)
}
