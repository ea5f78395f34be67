// Package diff builds and applies multi-file unified diffs.
//
// Diffs are generated with go-difflib's grouped opcodes and parsed back
// with sourcegraph/go-diff. Every generated section is verified by applying
// it to the original before it is emitted, so a section present in a
// document always satisfies Apply(original, section) == modified.
package diff

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	contextLines = 3
	noNewline    = `\ No newline at end of file`
	errorPrefix  = "# diff error "
)

var (
	// ErrBinary is returned for content that is not valid UTF-8 text.
	ErrBinary = errors.New("binary content")

	// ErrCarriageReturn is returned for content that mixes CRLF and LF line
	// endings or carries a lone carriage return. Consistent CRLF content is
	// supported.
	ErrCarriageReturn = errors.New("carriage return in content")

	// ErrMismatch is returned when a hunk does not match the original.
	ErrMismatch = errors.New("hunk does not match original")

	// ErrMalformed is returned for diff text that cannot be parsed.
	ErrMalformed = errors.New("malformed diff")
)

// Pair is one file's before/after content.
type Pair struct {
	Path     string
	Original string
	Modified string
}

// Result describes the outcome of diffing one Pair.
type Result struct {
	Path    string
	Section string
	Added   int
	Deleted int
	Changed int
	Err     error
}

// Document is a multi-file unified diff plus per-file outcomes.
type Document struct {
	Text    string
	Results []Result
}

// Failed returns results whose diff could not be produced.
func (d *Document) Failed() []Result {
	var out []Result
	for _, r := range d.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Build diffs every pair into one document, in input order. A pair that
// fails is annotated in place with a "# diff error" comment and the
// remaining pairs are still processed. Unchanged pairs produce no section.
func Build(pairs []Pair) *Document {
	doc := &Document{Results: make([]Result, 0, len(pairs))}
	var b strings.Builder
	for _, p := range pairs {
		res := Result{Path: p.Path}
		section, err := Unified(p.Path, p.Original, p.Modified)
		if err == nil && section != "" {
			err = verify(p, section, &res)
		}
		if err != nil {
			res.Err = err
			fmt.Fprintf(&b, "%s%s: %s\n", errorPrefix, p.Path, oneLine(err.Error()))
		} else {
			res.Section = section
			b.WriteString(section)
		}
		doc.Results = append(doc.Results, res)
	}
	doc.Text = b.String()
	return doc
}

func verify(p Pair, section string, res *Result) error {
	fd, err := parseSection(section)
	if err != nil {
		return fmt.Errorf("self-check: %w", err)
	}
	got, err := applyHunks(p.Original, fd.Hunks, hasCR(p.Original) || hasCR(p.Modified))
	if err != nil {
		return fmt.Errorf("self-check: %w", err)
	}
	if got != p.Modified {
		return fmt.Errorf("self-check: %w: round trip differs", ErrMismatch)
	}
	st := fd.Stat()
	res.Added, res.Deleted, res.Changed = int(st.Added), int(st.Deleted), int(st.Changed)
	return nil
}

// Unified returns a single-file unified diff section for path, or "" when
// the contents are identical.
func Unified(path, original, modified string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if strings.ContainsAny(path, "\n\r") {
		return "", errors.New("path contains a line break")
	}
	if !isText(original) || !isText(modified) {
		return "", ErrBinary
	}
	if original == modified {
		return "", nil
	}
	if (hasCR(original) || hasCR(modified)) && !(isCRLF(original) && isCRLF(modified)) {
		return "", ErrCarriageReturn
	}

	a, b := splitLines(original), splitLines(modified)
	groups := difflib.NewMatcher(a, b).GetGroupedOpCodes(contextLines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", path, path)
	for _, g := range groups {
		first, last := g[0], g[len(g)-1]
		fmt.Fprintf(&sb, "@@ -%s +%s @@\n", hunkRange(first.I1, last.I2), hunkRange(first.J1, last.J2))
		for _, op := range g {
			switch op.Tag {
			case 'e':
				writeLines(&sb, ' ', a[op.I1:op.I2])
			case 'd':
				writeLines(&sb, '-', a[op.I1:op.I2])
			case 'i':
				writeLines(&sb, '+', b[op.J1:op.J2])
			case 'r':
				writeLines(&sb, '-', a[op.I1:op.I2])
				writeLines(&sb, '+', b[op.J1:op.J2])
			}
		}
	}
	return sb.String(), nil
}

// hunkRange formats a 0-based half-open range as "start,len".
func hunkRange(i1, i2 int) string {
	n := i2 - i1
	if n == 0 {
		return fmt.Sprintf("%d,0", i1)
	}
	return fmt.Sprintf("%d,%d", i1+1, n)
}

func writeLines(sb *strings.Builder, prefix byte, lines []string) {
	for _, l := range lines {
		sb.WriteByte(prefix)
		sb.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			sb.WriteString("\n" + noNewline + "\n")
		}
	}
}

// splitLines splits s keeping line terminators; the final line has none
// when s does not end in a newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func hasCR(s string) bool {
	return strings.ContainsRune(s, '\r')
}

// isCRLF reports whether every line break in s is CRLF and s holds no
// other carriage return. Content without line breaks qualifies.
func isCRLF(s string) bool {
	crlf := strings.Count(s, "\r\n")
	return strings.Count(s, "\r") == crlf && strings.Count(s, "\n") == crlf
}

func isText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
