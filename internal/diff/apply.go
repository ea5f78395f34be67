package diff

import (
	"bytes"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// Apply applies a single-file diff section to original. An empty diff
// returns original unchanged.
func Apply(original, section string) (string, error) {
	if strings.TrimSpace(section) == "" {
		return original, nil
	}
	fd, err := parseSection(section)
	if err != nil {
		return "", err
	}
	return applyHunks(original, fd.Hunks, hasCR(original) || strings.Contains(section, "\r\n"))
}

// ApplyDocument applies a multi-file document to originals keyed by path.
// Files without a section keep their content. Per-file failures are
// collected and returned alongside the files that did apply.
func ApplyDocument(originals map[string]string, doc string) (map[string]string, map[string]error) {
	out := make(map[string]string, len(originals))
	for k, v := range originals {
		out[k] = v
	}
	failures := map[string]error{}
	for _, sec := range SplitDocument(doc) {
		if sec.Err != nil {
			failures[sec.Path] = sec.Err
			continue
		}
		got, err := Apply(out[sec.Path], sec.Text)
		if err != nil {
			failures[sec.Path] = err
			continue
		}
		out[sec.Path] = got
	}
	return out, failures
}

// Section is one file's part of a document.
type Section struct {
	Path string
	Text string

	// Err is set for "# diff error" annotations.
	Err error
}

// SplitDocument splits a multi-file document into per-file sections.
func SplitDocument(doc string) []Section {
	var (
		sections []Section
		cur      *Section
		lines    = splitLines(doc)
	)
	flush := func() {
		if cur != nil {
			sections = append(sections, *cur)
			cur = nil
		}
	}
	for i, line := range lines {
		if strings.HasPrefix(line, errorPrefix) {
			flush()
			rest := strings.TrimSuffix(strings.TrimPrefix(line, errorPrefix), "\n")
			path, reason, _ := strings.Cut(rest, ": ")
			sections = append(sections, Section{Path: path, Err: fmt.Errorf("%s", reason)})
			continue
		}
		if strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			flush()
			cur = &Section{Path: headerPath(lines[i+1], "+++ ", "b/")}
			if cur.Path == "/dev/null" {
				cur.Path = headerPath(line, "--- ", "a/")
			}
		}
		if cur != nil {
			cur.Text += line
		}
	}
	flush()
	return sections
}

func headerPath(line, marker, prefix string) string {
	p := strings.TrimSuffix(strings.TrimPrefix(line, marker), "\n")
	if tab := strings.IndexByte(p, '\t'); tab >= 0 {
		p = p[:tab]
	}
	return strings.TrimPrefix(p, prefix)
}

func parseSection(section string) (*godiff.FileDiff, error) {
	fd, err := godiff.ParseFileDiff([]byte(section))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fd, nil
}

type bodyLine struct {
	op      byte
	orig    string
	updated string
}

// hunkLines decodes a go-diff hunk body. go-diff strips the newline of a
// '+' or ' ' line followed by a no-newline marker, and records the marker
// for '-' lines in OrigNoNewlineAt instead.
func hunkLines(h *godiff.Hunk) ([]bodyLine, error) {
	body := h.Body
	var out []bodyLine
	for start := 0; start < len(body); {
		end := bytes.IndexByte(body[start:], '\n')
		hasNL := end >= 0
		if hasNL {
			end += start
		} else {
			end = len(body)
		}
		raw := body[start:end]
		next := end + 1

		op := byte(' ')
		text := ""
		if len(raw) > 0 {
			op, text = raw[0], string(raw[1:])
		}
		switch op {
		case ' ':
			if hasNL {
				text += "\n"
			}
			out = append(out, bodyLine{op: op, orig: text, updated: text})
		case '-':
			if !(h.OrigNoNewlineAt > 0 && int(h.OrigNoNewlineAt) == next) {
				text += "\n"
			}
			out = append(out, bodyLine{op: op, orig: text})
		case '+':
			if hasNL {
				text += "\n"
			}
			out = append(out, bodyLine{op: op, updated: text})
		default:
			return nil, fmt.Errorf("%w: unexpected line prefix %q", ErrMalformed, op)
		}
		start = next
	}
	return out, nil
}

// applyHunks applies hunks to original. go-diff drops the carriage return
// of every parsed line, so CRLF content is matched and rebuilt in LF form
// and converted back.
func applyHunks(original string, hunks []*godiff.Hunk, crlf bool) (string, error) {
	if !crlf {
		return applyLF(original, hunks)
	}
	got, err := applyLF(strings.ReplaceAll(original, "\r\n", "\n"), hunks)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(got, "\n", "\r\n"), nil
}

func applyLF(original string, hunks []*godiff.Hunk) (string, error) {
	orig := splitLines(original)
	var (
		out []string
		pos int
	)
	for n, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < pos || start > len(orig) {
			return "", fmt.Errorf("%w: hunk %d starts at line %d", ErrMismatch, n+1, h.OrigStartLine)
		}
		out = append(out, orig[pos:start]...)
		pos = start

		lines, err := hunkLines(h)
		if err != nil {
			return "", err
		}
		for _, l := range lines {
			switch l.op {
			case ' ', '-':
				if pos >= len(orig) || orig[pos] != l.orig {
					return "", fmt.Errorf("%w: hunk %d at original line %d", ErrMismatch, n+1, pos+1)
				}
				if l.op == ' ' {
					out = append(out, l.updated)
				}
				pos++
			case '+':
				out = append(out, l.updated)
			}
		}
	}
	out = append(out, orig[pos:]...)
	return strings.Join(out, ""), nil
}
