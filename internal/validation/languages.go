package validation

import (
	"path/filepath"
	"strings"
)

// LanguageTable maps a file extension to the gates registered for it.
// The "" key holds the gates for unknown extensions.
type LanguageTable map[string][]string

// DefaultLanguageTable returns the built-in extension → gate table.
func DefaultLanguageTable() LanguageTable {
	return LanguageTable{
		".py": {"lint", "format", "type-check", "test", GateSecurityScan},
		".go": {"vet", "format", "test", GateSecurityScan},
		".js": {"lint", "format", "test"},
		".ts": {"lint", "format", "test"},
		"":    {GateSyntax},
	}
}

// projectScoped gates run once per language rather than once per file.
var projectScoped = map[string]bool{"test": true}

// GatesFor returns the gates to run on path. When requested is non-empty
// only requested gates that are registered for path's language are kept.
func (t LanguageTable) GatesFor(path string, requested []string) []string {
	registered, ok := t[strings.ToLower(filepath.Ext(path))]
	if !ok {
		registered = t[""]
	}
	if len(requested) == 0 {
		return append([]string(nil), registered...)
	}
	want := make(map[string]bool, len(requested))
	for _, g := range requested {
		want[g] = true
	}
	var out []string
	for _, g := range registered {
		if want[g] {
			out = append(out, g)
		}
	}
	return out
}
