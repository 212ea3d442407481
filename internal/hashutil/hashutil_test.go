package hashutil

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHashFilesDeterministicRegardlessOfOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "hello")
	b := writeTemp(t, dir, "b.txt", "world")

	h1 := HashFiles([]string{a, b}, nil)
	h2 := HashFiles([]string{b, a}, nil)
	assert.Equal(t, h1, h2)
	assert.Assert(t, h1 != "")
}

func TestHashFilesChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "hello")
	before := HashFiles([]string{a}, nil)
	assert.NilError(t, os.WriteFile(a, []byte("goodbye"), 0o644))
	after := HashFiles([]string{a}, nil)
	assert.Assert(t, before != after)
}

func TestHashFilesSkipsMissingPaths(t *testing.T) {
	h := HashFiles([]string{"/no/such/path/exists"}, nil)
	assert.Equal(t, h, HashFiles(nil, nil))
}

func TestExpandDirsRecurses(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	assert.NilError(t, os.Mkdir(sub, 0o755))
	writeTemp(t, dir, "top.txt", "a")
	writeTemp(t, sub, "nested.txt", "b")

	files := ExpandDirs([]string{dir}, nil)
	assert.Equal(t, len(files), 2)
}

func TestHashArgsDistinguishesCommands(t *testing.T) {
	h1 := HashArgs([]string{"python"}, []string{"train.py"})
	h2 := HashArgs([]string{"python"}, []string{"eval.py"})
	assert.Assert(t, h1 != h2)
}

func TestHashInputsCombinesAllThreeSources(t *testing.T) {
	dir := t.TempDir()
	f := writeTemp(t, dir, "in.txt", "data")

	withInputs := HashInputs([]string{"cmd"}, nil, "containerhash", []string{f}, nil)
	withoutInputs := HashInputs([]string{"cmd"}, nil, "containerhash", nil, nil)
	assert.Assert(t, withInputs != withoutInputs)

	differentContainer := HashInputs([]string{"cmd"}, nil, "other", []string{f}, nil)
	assert.Assert(t, withInputs != differentContainer)
}

func TestHashOutputsStableAcrossKeyInsertionOrder(t *testing.T) {
	dir := t.TempDir()
	f := writeTemp(t, dir, "out.txt", "result")

	h1, err := HashOutputs(map[string][]string{"model": {f}, "logs": {f}}, nil)
	assert.NilError(t, err)
	h2, err := HashOutputs(map[string][]string{"logs": {f}, "model": {f}}, nil)
	assert.NilError(t, err)
	assert.Equal(t, h1, h2)
}
