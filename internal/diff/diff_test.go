package diff

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnified_Identical(t *testing.T) {
	out, err := Unified("a.py", "x\n", "x\n")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUnified_Format(t *testing.T) {
	out, err := Unified("main.py", "a\nb\nc\n", "a\nB\nc\n")
	require.NoError(t, err)
	assert.Equal(t, "--- a/main.py\n+++ b/main.py\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n", out)
}

func TestRoundTrip(t *testing.T) {
	long := func(n int, mark int) string {
		var b strings.Builder
		for i := 0; i < n; i++ {
			if i == mark {
				b.WriteString("changed\n")
				continue
			}
			fmt.Fprintf(&b, "line %d\n", i)
		}
		return b.String()
	}

	tests := []struct {
		name     string
		original string
		modified string
	}{
		{"modify middle", "a\nb\nc\n", "a\nB\nc\n"},
		{"append", "a\n", "a\nb\n"},
		{"prepend", "b\nc\n", "a\nb\nc\n"},
		{"create", "", "def goodbye():\n    print('Goodbye World')\n"},
		{"delete all", "a\nb\n", ""},
		{"drop trailing newline", "a\nb\n", "a\nb"},
		{"add trailing newline", "a\nb", "a\nb\n"},
		{"both lack newline", "x\na", "y\na"},
		{"change last line without newline", "a\nb", "a\nc"},
		{"blank lines", "a\n\n\nb\n", "a\n\nb\n\n"},
		{"two distant hunks", long(40, 2), strings.Replace(long(40, 2), "line 35\n", "tail\n", 1)},
		{"whitespace only", "if x:\n\treturn 1\n", "if x:\n    return 1\n"},
		{"scenario a", "def hello():\n    print('Hello World')\n\nif __name__ == '__main__':\n    hello()\n",
			"def hello():\n    print('Hello World')\n\ndef goodbye():\n    print('Goodbye World')\n\nif __name__ == '__main__':\n    hello()\n    goodbye()\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			section, err := Unified("f.txt", tt.original, tt.modified)
			require.NoError(t, err)
			require.NotEmpty(t, section)

			got, err := Apply(tt.original, section)
			require.NoError(t, err, section)
			assert.Equal(t, tt.modified, got, section)
		})
	}
}

func TestUnified_NoNewlineMarker(t *testing.T) {
	out, err := Unified("f", "a\n", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "+a\n"+noNewline+"\n")
}

func TestUnified_Binary(t *testing.T) {
	_, err := Unified("img.png", "\x00\x01", "\x00\x02")
	assert.ErrorIs(t, err, ErrBinary)
}

func TestApply_Empty(t *testing.T) {
	got, err := Apply("unchanged\n", "")
	require.NoError(t, err)
	assert.Equal(t, "unchanged\n", got)
}

func TestApply_Mismatch(t *testing.T) {
	section, err := Unified("f", "a\nb\nc\n", "a\nB\nc\n")
	require.NoError(t, err)

	_, err = Apply("a\nx\nc\n", section)
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestApply_Malformed(t *testing.T) {
	_, err := Apply("a\n", "--- a/f\n+++ b/f\n@@ garbage @@\n")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBuild_PartialFailureAnnotated(t *testing.T) {
	doc := Build([]Pair{
		{Path: "a.py", Original: "x = 1\n", Modified: "x = 2\n"},
		{Path: "logo.png", Original: "\x00", Modified: "\x00\x01"},
		{Path: "same.py", Original: "s\n", Modified: "s\n"},
		{Path: "b.py", Original: "", Modified: "print('b')\n"},
	})

	require.Len(t, doc.Results, 4)
	assert.NoError(t, doc.Results[0].Err)
	assert.ErrorIs(t, doc.Results[1].Err, ErrBinary)
	assert.NoError(t, doc.Results[2].Err)
	assert.Empty(t, doc.Results[2].Section)
	assert.NoError(t, doc.Results[3].Err)
	assert.Equal(t, 1, doc.Results[3].Added)

	assert.Contains(t, doc.Text, "# diff error logo.png: binary content\n")
	assert.Contains(t, doc.Text, "--- a/a.py\n")
	assert.Contains(t, doc.Text, "--- a/b.py\n")
	assert.NotContains(t, doc.Text, "same.py")
	require.Len(t, doc.Failed(), 1)
	assert.Equal(t, "logo.png", doc.Failed()[0].Path)
}

func TestApplyDocument(t *testing.T) {
	originals := map[string]string{
		"a.py":     "x = 1\n",
		"keep.py":  "k\n",
		"logo.png": "\x00",
	}
	doc := Build([]Pair{
		{Path: "a.py", Original: originals["a.py"], Modified: "x = 2\n"},
		{Path: "logo.png", Original: "\x00", Modified: "\x01"},
		{Path: "new.py", Original: "", Modified: "n\n"},
	})

	files, failures := ApplyDocument(originals, doc.Text)
	assert.Equal(t, "x = 2\n", files["a.py"])
	assert.Equal(t, "k\n", files["keep.py"])
	assert.Equal(t, "n\n", files["new.py"])
	require.Contains(t, failures, "logo.png")
	assert.Equal(t, "\x00", files["logo.png"])
}

func TestSplitDocument(t *testing.T) {
	doc := "--- a/one\n+++ b/one\n@@ -1,1 +1,1 @@\n-a\n+b\n# diff error two: boom\n--- a/three\n+++ b/three\n@@ -0,0 +1,1 @@\n+c\n"
	sections := SplitDocument(doc)
	require.Len(t, sections, 3)
	assert.Equal(t, "one", sections[0].Path)
	assert.Equal(t, "two", sections[1].Path)
	assert.EqualError(t, sections[1].Err, "boom")
	assert.Equal(t, "three", sections[2].Path)
	assert.True(t, strings.HasPrefix(sections[2].Text, "--- a/three\n"))
}

func TestHunkRange(t *testing.T) {
	assert.Equal(t, "0,0", hunkRange(0, 0))
	assert.Equal(t, "5,0", hunkRange(5, 5))
	assert.Equal(t, "1,3", hunkRange(0, 3))
}

func TestUnified_CRLFRoundTrip(t *testing.T) {
	original := "one\r\ntwo\r\nthree\r\n"
	modified := "one\r\n2\r\nthree\r\nfour\r\n"

	section, err := Unified("win.txt", original, modified)
	require.NoError(t, err)
	assert.Contains(t, section, "+2\r\n")

	got, err := Apply(original, section)
	require.NoError(t, err)
	assert.Equal(t, modified, got)

	doc := Build([]Pair{{Path: "win.txt", Original: original, Modified: modified}})
	assert.Empty(t, doc.Failed())
	assert.Equal(t, 1, doc.Results[0].Added)

	created, err := Unified("new.txt", "", "a\r\nb\r\n")
	require.NoError(t, err)
	got, err = Apply("", created)
	require.NoError(t, err)
	assert.Equal(t, "a\r\nb\r\n", got)
}

func TestUnified_MixedLineEndings(t *testing.T) {
	_, err := Unified("mixed.txt", "a\r\nb\n", "a\r\nc\n")
	assert.ErrorIs(t, err, ErrCarriageReturn)

	_, err = Unified("conv.txt", "a\nb\n", "a\r\nb\r\n")
	assert.ErrorIs(t, err, ErrCarriageReturn)

	_, err = Unified("lone.txt", "a\rb\n", "a\rc\n")
	assert.ErrorIs(t, err, ErrCarriageReturn)
}
