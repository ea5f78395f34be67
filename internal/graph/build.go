package graph

import (
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/evolvd/internal/project"
)

var (
	pyImport     = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+(?:\s*,\s*[\w.]+)*)`)
	pyFromImport = regexp.MustCompile(`(?m)^\s*from\s+(\.*[\w.]*)\s+import\s+([\w*]+(?:\s*,\s*\w+)*)`)
	jsImport     = regexp.MustCompile(`(?:from\s+|import\s*\(?\s*|require\s*\(\s*)['"](\.{1,2}/[^'"]+)['"]`)
	goModule     = regexp.MustCompile(`(?m)^module\s+(\S+)`)

	jsExts = []string{"", ".js", ".ts", ".mjs", ".cjs", ".tsx", "/index.js", "/index.ts"}
)

// Build derives the import graph of every Python, Go and JavaScript or
// TypeScript file in snap. Imports that do not resolve to a file in the
// snapshot are ignored.
func Build(snap *project.Snapshot) *Graph {
	g := New()
	paths := snap.Paths()
	for _, p := range paths {
		g.AddNode(p)
	}

	goMod := ""
	if m := goModule.FindStringSubmatch(text(snap, "go.mod")); m != nil {
		goMod = m[1]
	}
	goDirs := make(map[string][]string)
	for _, p := range paths {
		if strings.HasSuffix(p, ".go") && !strings.HasSuffix(p, "_test.go") {
			goDirs[path.Dir(p)] = append(goDirs[path.Dir(p)], p)
		}
	}

	for _, p := range paths {
		var targets []string
		switch ext := path.Ext(p); ext {
		case ".py":
			targets = pythonImports(snap, p)
		case ".go":
			targets = goImports(p, text(snap, p), goMod, goDirs)
		case ".js", ".ts", ".mjs", ".cjs", ".tsx":
			targets = jsImports(snap, p)
		}
		for _, t := range targets {
			_ = g.AddEdge(p, t)
		}
	}
	return g
}

func pythonImports(snap *project.Snapshot, file string) []string {
	content := text(snap, file)
	dir := path.Dir(file)
	var out []string
	for _, m := range pyImport.FindAllStringSubmatch(content, -1) {
		for _, mod := range strings.Split(m[1], ",") {
			out = append(out, resolvePython(snap, "", strings.TrimSpace(mod))...)
		}
	}
	for _, m := range pyFromImport.FindAllStringSubmatch(content, -1) {
		mod := m[1]
		base := ""
		if strings.HasPrefix(mod, ".") {
			dots := len(mod) - len(strings.TrimLeft(mod, "."))
			base = dir
			for i := 1; i < dots; i++ {
				base = path.Dir(base)
			}
			mod = mod[dots:]
		}
		resolved := resolvePython(snap, base, mod)
		if len(resolved) == 0 || strings.HasSuffix(resolved[0], "__init__.py") {
			// "from pkg import mod" may name submodules.
			for _, name := range strings.Split(m[2], ",") {
				name = strings.TrimSpace(name)
				if name == "*" {
					continue
				}
				sub := name
				if mod != "" {
					sub = mod + "." + name
				}
				resolved = append(resolved, resolvePython(snap, base, sub)...)
			}
		}
		out = append(out, resolved...)
	}
	return out
}

func resolvePython(snap *project.Snapshot, base, mod string) []string {
	rel := strings.ReplaceAll(mod, ".", "/")
	if base != "" && base != "." {
		rel = path.Join(base, rel)
	}
	if rel == "" {
		rel = "."
	}
	for _, cand := range []string{rel + ".py", path.Join(rel, "__init__.py")} {
		cand = path.Clean(cand)
		if snap.Exists(cand) {
			return []string{cand}
		}
	}
	return nil
}

func goImports(file, content, module string, dirs map[string][]string) []string {
	if module == "" {
		return nil
	}
	f, err := parser.ParseFile(token.NewFileSet(), file, content, parser.ImportsOnly)
	if err != nil {
		return nil
	}
	var out []string
	for _, imp := range f.Imports {
		ip, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		var dir string
		switch {
		case ip == module:
			dir = "."
		case strings.HasPrefix(ip, module+"/"):
			dir = strings.TrimPrefix(ip, module+"/")
		default:
			continue
		}
		out = append(out, dirs[dir]...)
	}
	return out
}

func jsImports(snap *project.Snapshot, file string) []string {
	var out []string
	for _, m := range jsImport.FindAllStringSubmatch(text(snap, file), -1) {
		base := path.Join(path.Dir(file), m[1])
		for _, ext := range jsExts {
			if snap.Exists(base + ext) {
				out = append(out, base+ext)
				break
			}
		}
	}
	return out
}

func text(snap *project.Snapshot, p string) string {
	c, _ := snap.Content(p)
	return c
}
