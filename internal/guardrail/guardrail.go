// Package guardrail is the final rule-based gate before a change is
// considered shippable. Evaluate is pure: it reads four independent
// summaries and returns CONTINUE, WARN or BLOCK with the reasons of every
// rule that fired.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultLintThreshold is the lint issue count above which a WARN fires.
const DefaultLintThreshold = 10

// Level is the guardrail verdict. Levels are ordered; combining verdicts
// keeps the highest.
type Level int

const (
	Continue Level = iota
	Warn
	Block
)

func (l Level) String() string {
	switch l {
	case Continue:
		return "CONTINUE"
	case Warn:
		return "WARN"
	case Block:
		return "BLOCK"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "CONTINUE":
		*l = Continue
	case "WARN":
		*l = Warn
	case "BLOCK":
		*l = Block
	default:
		return fmt.Errorf("unknown guardrail level %q", text)
	}
	return nil
}

// StaticSummary counts static-analysis findings.
type StaticSummary struct {
	LintIssues int `json:"lint_issues"`
}

// SyntaxResult is the outcome of isolated syntax verification. Checked is
// false when no verification ran.
type SyntaxResult struct {
	Checked bool     `json:"checked"`
	Passed  bool     `json:"passed"`
	Issues  []string `json:"issues,omitempty"`
}

// Inputs are the four independent reports the guardrail reads.
type Inputs struct {
	Static       StaticSummary `json:"static"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Syntax       SyntaxResult  `json:"syntax"`
	Review       string        `json:"review,omitempty"`
}

// Verdict is the guardrail decision. Reasons is empty iff Level is
// Continue.
type Verdict struct {
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons"`
}

// Rule is one guardrail check. A rule that does not fire returns Continue
// and no reasons.
type Rule interface {
	Name() string
	Check(in Inputs) (Level, []string)
}

// Engine evaluates rules in order and combines them by maximum level.
type Engine struct {
	rules []Rule
}

// NewEngine returns an engine with the default rules and lintThreshold.
// A non-positive threshold selects DefaultLintThreshold.
func NewEngine(lintThreshold int, extra ...Rule) *Engine {
	if lintThreshold <= 0 {
		lintThreshold = DefaultLintThreshold
	}
	rules := []Rule{
		SyntaxRule{},
		VulnerabilityRule{},
		LintRule{Threshold: lintThreshold},
		ReviewRule{},
	}
	return &Engine{rules: append(rules, extra...)}
}

// Evaluate applies every rule. A rule can only raise the level, so a
// BLOCK from the syntax rule survives every later WARN.
func (e *Engine) Evaluate(in Inputs) Verdict {
	v := Verdict{Level: Continue, Reasons: []string{}}
	for _, r := range e.rules {
		lvl, reasons := r.Check(in)
		if lvl == Continue {
			continue
		}
		if lvl > v.Level {
			v.Level = lvl
		}
		if len(reasons) == 0 {
			reasons = []string{r.Name() + " rule fired"}
		}
		v.Reasons = append(v.Reasons, reasons...)
	}
	return v
}

// Evaluate runs the default engine.
func Evaluate(in Inputs) Verdict {
	return NewEngine(DefaultLintThreshold).Evaluate(in)
}

// SyntaxRule blocks when syntax verification ran and failed.
type SyntaxRule struct{}

func (SyntaxRule) Name() string { return "syntax" }

func (SyntaxRule) Check(in Inputs) (Level, []string) {
	if !in.Syntax.Checked || in.Syntax.Passed {
		return Continue, nil
	}
	reason := "syntax verification failed"
	if len(in.Syntax.Issues) > 0 {
		reason += ": " + in.Syntax.Issues[0]
	}
	return Block, []string{reason}
}

var (
	vulnMarker = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b|\bGHSA(?:-[0-9a-z]{4}){3}\b|\bPYSEC-\d{4}-\d+\b|\bGO-\d{4}-\d{4,}\b|vulnerab|\bcritical\b|\bhigh severity\b`)
	vulnClean  = regexp.MustCompile(`(?i)\bno (?:known )?vulnerabilit`)
)

// VulnerabilityRule warns when the dependency summary mentions a known
// vulnerability.
type VulnerabilityRule struct{}

func (VulnerabilityRule) Name() string { return "vulnerability" }

func (VulnerabilityRule) Check(in Inputs) (Level, []string) {
	var hits []string
	for _, line := range in.Dependencies {
		if vulnMarker.MatchString(line) && !vulnClean.MatchString(line) {
			hits = append(hits, line)
		}
	}
	if len(hits) == 0 {
		return Continue, nil
	}
	reason := fmt.Sprintf("dependency audit reported %d vulnerability marker(s): %s", len(hits), hits[0])
	return Warn, []string{reason}
}

// LintRule warns when lint findings exceed Threshold.
type LintRule struct {
	Threshold int
}

func (LintRule) Name() string { return "lint" }

func (r LintRule) Check(in Inputs) (Level, []string) {
	if in.Static.LintIssues <= r.Threshold {
		return Continue, nil
	}
	return Warn, []string{fmt.Sprintf("lint issue count %d exceeds threshold %d", in.Static.LintIssues, r.Threshold)}
}

var negativeReview = regexp.MustCompile(`(?i)\b(?:reject(?:ed)?|do not merge|don't merge|not acceptable|unacceptable|broken|incorrect|wrong|unsafe|insecure|regress(?:ion|es)?|needs? (?:work|changes)|request(?:ed)? changes|bug(?:gy|s)?)\b`)

var reviewNegation = regexp.MustCompile(`(?i)\b(?:no|not|nothing|never|without|none|zero)\b|n't\b|\bfree of\b`)

// ReviewRule warns when review feedback contains negative markers. A marker
// negated earlier in its clause ("no bugs found", "nothing is broken") is
// ignored.
type ReviewRule struct{}

func (ReviewRule) Name() string { return "review" }

func (ReviewRule) Check(in Inputs) (Level, []string) {
	for _, loc := range negativeReview.FindAllStringIndex(in.Review, -1) {
		if negated(in.Review[:loc[0]]) {
			continue
		}
		m := in.Review[loc[0]:loc[1]]
		return Warn, []string{fmt.Sprintf("review feedback is negative (%q)", strings.ToLower(m))}
	}
	return Continue, nil
}

// negated reports whether the last few words of the clause ending at the
// end of prefix carry a negation.
func negated(prefix string) bool {
	if i := strings.LastIndexAny(prefix, ".!?;,\n"); i >= 0 {
		prefix = prefix[i+1:]
	}
	words := strings.Fields(prefix)
	if len(words) > 4 {
		words = words[len(words)-4:]
	}
	return reviewNegation.MatchString(strings.Join(words, " "))
}
