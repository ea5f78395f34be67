// Package ignore provides gitignore-style path matching for project scans.
package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultFiles are the ignore files read from a project root.
var DefaultFiles = []string{".gitignore", ".evolvdignore"}

// DefaultPatterns are always applied, whether or not ignore files exist.
var DefaultPatterns = []string{
	".git/",
	"node_modules/",
	"vendor/",
	"__pycache__/",
	".venv/",
	".mypy_cache/",
	".pytest_cache/",
	"*.pyc",
}

// Parser reads and parses gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// BasePatterns are prepended to whatever the ignore files contain.
	BasePatterns []string
}

// NewParser creates a new ignore file parser with the given configuration.
func NewParser(ignoreFiles, basePatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:  ignoreFiles,
		BasePatterns: basePatterns,
	}
}

// ParseProject reads all ignore files from the project root and returns a
// Matcher over the base patterns plus every pattern found.
func (p *Parser) ParseProject(projectRoot string) (*Matcher, error) {
	lines := append([]string(nil), p.BasePatterns...)

	for _, ignoreFile := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(projectRoot, ignoreFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		lines = append(lines, filePatterns...)
	}

	return NewMatcher(deduplicate(lines)), nil
}

// parseFile reads a single gitignore-style file and returns its pattern lines.
func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := cleanLine(scanner.Text()); line != "" {
			patterns = append(patterns, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// cleanLine returns "" for blank lines, comments and negations.
func cleanLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	// Negation is not supported.
	if strings.HasPrefix(line, "!") {
		return ""
	}
	return line
}

type rule struct {
	glob     string
	dirOnly  bool
	anchored bool
}

// Matcher reports whether slash-separated relative paths are ignored.
type Matcher struct {
	rules []rule
}

// NewMatcher compiles gitignore-style lines into a Matcher.
func NewMatcher(lines []string) *Matcher {
	m := &Matcher{}
	for _, line := range lines {
		if line = cleanLine(line); line == "" {
			continue
		}
		r := rule{}
		if strings.HasSuffix(line, "/") {
			r.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		switch {
		case strings.HasPrefix(line, "/"):
			r.anchored = true
			line = strings.TrimPrefix(line, "/")
		case strings.HasPrefix(line, "**/"):
			line = strings.TrimPrefix(line, "**/")
		}
		if strings.Contains(line, "/") {
			r.anchored = true
		}
		if line == "" {
			continue
		}
		r.glob = line
		m.rules = append(m.rules, r)
	}
	return m
}

// Match reports whether rel, or any directory above it, is ignored.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(rel, "/")
	for i := range parts {
		prefix := strings.Join(parts[:i+1], "/")
		dir := isDir || i < len(parts)-1
		if m.matchOne(prefix, parts[i], dir) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchOne(full, base string, isDir bool) bool {
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		target := base
		if r.anchored {
			target = full
		}
		if ok, _ := path.Match(r.glob, target); ok {
			return true
		}
	}
	return false
}

// deduplicate removes duplicate patterns while preserving order.
func deduplicate(patterns []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(patterns))

	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}

	return result
}
