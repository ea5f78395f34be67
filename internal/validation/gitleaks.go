package validation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/project"
)

// AllowlistFile is the project allowlist read by GitleaksAdapter.
const AllowlistFile = ".gitleaks.toml"

var (
	// ErrInvalidAllowlist is returned for an allowlist that does not parse
	// or carries a pattern that does not compile.
	ErrInvalidAllowlist = errors.New("invalid secret allowlist")
)

// Allowlist excludes files and content from secret detection.
type Allowlist struct {
	Paths   []string
	Regexes []string

	paths []*regexp.Regexp
}

// SkipsPath reports whether path matches an allowlisted path pattern.
func (a *Allowlist) SkipsPath(path string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// LoadAllowlist reads the [allowlist] table of root/.gitleaks.toml. A
// missing file yields an empty allowlist.
func LoadAllowlist(root string) (*Allowlist, error) {
	path := filepath.Join(root, AllowlistFile)
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}

	a := &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}
	for _, p := range a.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: path pattern %q in %s: %v", ErrInvalidAllowlist, p, path, err)
		}
		a.paths = append(a.paths, re)
	}
	for _, p := range a.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q in %s: %v", ErrInvalidAllowlist, p, path, err)
		}
	}
	return a, nil
}

// GitleaksAdapter scans files with the gitleaks default rule set, honoring
// the project allowlist. Detectors are built once per project root.
type GitleaksAdapter struct {
	logger *zap.Logger

	mu        sync.Mutex
	detectors map[string]*gitleaksDetector
}

type gitleaksDetector struct {
	mu    sync.Mutex
	d     *detect.Detector
	allow *Allowlist
}

// NewGitleaksAdapter creates a GitleaksAdapter.
func NewGitleaksAdapter(logger *zap.Logger) *GitleaksAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitleaksAdapter{logger: logger, detectors: make(map[string]*gitleaksDetector)}
}

// Run implements ToolAdapter.
func (a *GitleaksAdapter) Run(_ context.Context, tool string, ws *project.Snapshot, path string) ToolResult {
	content, ok := ws.Content(path)
	if !ok {
		return invocationFailure(tool, fmt.Errorf("%s not found in workspace", path))
	}
	det, err := a.detector(ws.Root())
	if err != nil {
		return invocationFailure(tool, err)
	}
	if det.allow.SkipsPath(path) {
		return ToolResult{Passed: true, Output: fmt.Sprintf("%s is allowlisted", path)}
	}

	det.mu.Lock()
	findings := det.d.DetectString(content)
	det.mu.Unlock()

	res := ToolResult{Passed: len(findings) == 0}
	for _, f := range findings {
		// The matched secret never leaves the adapter.
		res.Issues = append(res.Issues, fmt.Sprintf("line %d: %s (%s, gitleaks)", f.StartLine, f.Description, f.RuleID))
	}
	if !res.Passed {
		res.ExitCode = 1
		res.Output = fmt.Sprintf("%d potential secret(s) detected", len(findings))
	}
	return res
}

func (a *GitleaksAdapter) detector(root string) (*gitleaksDetector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if det, ok := a.detectors[root]; ok {
		return det, nil
	}

	allow, err := LoadAllowlist(root)
	if err != nil {
		return nil, err
	}
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("gitleaks detector: %w", err)
	}
	applyAllowlist(&d.Config, allow)

	a.logger.Debug("gitleaks detector ready",
		zap.String("root", root),
		zap.Int("allowlisted_paths", len(allow.Paths)),
		zap.Int("allowlisted_patterns", len(allow.Regexes)))
	det := &gitleaksDetector{d: d, allow: allow}
	a.detectors[root] = det
	return det, nil
}

// applyAllowlist merges content patterns into the gitleaks config. Path
// patterns are matched by the adapter since string scans carry no path.
func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	if len(allow.Regexes) == 0 {
		return
	}
	entry := &gitleaksConfig.Allowlist{Description: "evolvd project allowlist"}
	for _, p := range allow.Regexes {
		// Patterns were validated by LoadAllowlist.
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	entry.StopWords = append(entry.StopWords, allow.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, entry)
}

// All runs every adapter and merges the results. The gate passes only when
// every adapter passes.
func All(adapters ...ToolAdapter) ToolAdapter {
	return AdapterFunc(func(ctx context.Context, tool string, ws *project.Snapshot, path string) ToolResult {
		merged := ToolResult{Passed: true}
		var outputs []string
		for _, a := range adapters {
			r := a.Run(ctx, tool, ws, path)
			merged.Passed = merged.Passed && r.Passed
			merged.Issues = append(merged.Issues, r.Issues...)
			if r.ExitCode > merged.ExitCode {
				merged.ExitCode = r.ExitCode
			}
			if r.Output != "" {
				outputs = append(outputs, r.Output)
			}
			merged.Err = errors.Join(merged.Err, r.Err)
		}
		if len(merged.Issues) > maxIssuesPerTool {
			merged.Issues = merged.Issues[:maxIssuesPerTool]
		}
		merged.Output = strings.Join(outputs, "\n")
		return merged
	})
}
