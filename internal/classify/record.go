package classify

import (
	"path"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
)

const maxTraceback = 8 * 1024

var (
	pytestFailed = regexp.MustCompile(`FAILED ([^\s:]+\.py::[^\s]+)`)
	goFailed     = regexp.MustCompile(`--- FAIL: (\S+)`)
	tapFailed    = regexp.MustCompile(`not ok \d+ - (.+)$`)

	pyTraceFile  = regexp.MustCompile(`File "([^"]+)", line \d+`)
	issuePath    = regexp.MustCompile(`^\[?(?:\./)?([A-Za-z0-9_][A-Za-z0-9_./-]*\.[A-Za-z0-9]{1,8})\]?(?:[:(]|\s)`)
	sourceSuffix = map[string]bool{
		".py": true, ".go": true, ".js": true, ".mjs": true, ".cjs": true,
		".ts": true, ".tsx": true, ".txt": true, ".toml": true, ".json": true,
		".md": true, ".mod": true, ".cfg": true, ".yaml": true, ".yml": true,
	}
)

// ToFailureRecord derives a FailureRecord from a failing report: the
// classified type, the message that triggered it, the combined raw output
// of failing gates, the failing test id when one is named and the
// implicated file.
func (c *Classifier) ToFailureRecord(report *evolution.ValidationReport) evolution.FailureRecord {
	t, line := c.match(report)
	failed := failedGates(report)

	rec := evolution.FailureRecord{Type: t, Message: line}
	if rec.Message == "" {
		rec.Message = firstIssue(failed)
	}

	var trace []string
	var all []string
	for _, g := range failed {
		if g.RawOutput != "" {
			trace = append(trace, g.RawOutput)
		}
		all = append(all, g.lines()...)
	}
	rec.Traceback = truncate(strings.Join(trace, "\n"), maxTraceback)
	rec.FailingTest = FailingTest(all)
	rec.File = ImplicatedFile(append([]string{rec.Message}, all...))
	if rec.File == "" {
		if p, _, ok := strings.Cut(rec.FailingTest, "::"); ok {
			rec.File = p
		}
	}
	return rec
}

// FailingTest returns the first test id named in lines.
func FailingTest(lines []string) string {
	for _, l := range lines {
		for _, re := range []*regexp.Regexp{pytestFailed, goFailed, tapFailed} {
			if m := re.FindStringSubmatch(l); m != nil {
				return strings.TrimSpace(m[1])
			}
		}
	}
	return ""
}

// ImplicatedFile returns the first relative source path named in lines,
// preferring Python traceback frames.
func ImplicatedFile(lines []string) string {
	for _, l := range lines {
		if m := pyTraceFile.FindStringSubmatch(l); m != nil && relative(m[1]) {
			return path.Clean(m[1])
		}
	}
	for _, l := range lines {
		m := issuePath.FindStringSubmatch(strings.TrimSpace(l))
		if m == nil || !relative(m[1]) {
			continue
		}
		if sourceSuffix[strings.ToLower(path.Ext(m[1]))] {
			return path.Clean(m[1])
		}
	}
	return ""
}

func relative(p string) bool {
	return !strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "../") && !strings.Contains(p, "site-packages")
}

func firstIssue(failed []failedGate) string {
	for _, g := range failed {
		if len(g.Issues) > 0 {
			return g.Issues[0]
		}
	}
	if len(failed) > 0 {
		return failed[0].name + " gate failed"
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
