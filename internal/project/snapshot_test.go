package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/evolvd/internal/ignore"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.py":                  "print('hi')\n",
		"pkg/util.py":              "def f():\n    pass\n",
		"node_modules/x/index.js":  "module.exports = 1\n",
		".git/HEAD":                "ref: refs/heads/main\n",
		"build/out.txt":            "artifact\n",
		".gitignore":               "build/\n",
		"image.bin":                "\x00\x01\x02",
	})

	snap, err := Scan(context.Background(), root, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{".gitignore", "main.py", "pkg/util.py"}, snap.Paths())
	content, ok := snap.Content("pkg/util.py")
	require.True(t, ok)
	assert.Equal(t, "def f():\n    pass\n", content)
	assert.False(t, snap.Exists("image.bin"))
	assert.Equal(t, filepath.Clean(root), snap.Root())
}

func TestScan_Limits(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":   "a\n",
		"b.txt":   "b\n",
		"big.txt": "0123456789",
	})

	snap, err := Scan(context.Background(), root, Options{MaxFileSize: 5, Matcher: ignore.NewMatcher(nil)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, snap.Paths())

	_, err = Scan(context.Background(), root, Options{MaxFiles: 1})
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestScan_Errors(t *testing.T) {
	_, err := Scan(context.Background(), "", Options{})
	assert.ErrorIs(t, err, ErrEmptyRoot)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = Scan(context.Background(), file, Options{})
	assert.ErrorIs(t, err, ErrNotDirectory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})
	_, err = Scan(ctx, root, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnapshot_Overlay(t *testing.T) {
	base := New("/proj", map[string]string{"a.py": "a", "b.py": "b"})
	next := base.Overlay(map[string]string{"c.py": "c", "a.py": "A"}, []string{"b.py"})

	assert.Equal(t, []string{"a.py", "c.py"}, next.Paths())
	got, _ := next.Content("a.py")
	assert.Equal(t, "A", got)

	// Base is unchanged.
	assert.Equal(t, []string{"a.py", "b.py"}, base.Paths())
	got, _ = base.Content("a.py")
	assert.Equal(t, "a", got)
}

func TestSnapshot_Materialize(t *testing.T) {
	snap := New("/proj", map[string]string{"pkg/mod.py": "x = 1\n", "main.py": "import pkg\n"})
	dir := t.TempDir()
	require.NoError(t, snap.Materialize(dir))

	b, err := os.ReadFile(filepath.Join(dir, "pkg", "mod.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(b))
}
