package classify

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
)

// Rule matches one failure category. A rule fires when any failing gate is
// listed in Gates or when Pattern matches any issue or raw output line of
// a failing gate.
type Rule struct {
	Type    evolution.FailureType
	Pattern *regexp.Regexp
	Gates   []string
}

// DefaultRules returns the rule set in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type: evolution.FailureSyntax,
			Pattern: regexp.MustCompile(`SyntaxError|IndentationError|TabError|(?i:syntax error)|does not parse|` +
				`expected [^,\n]+, found|Unexpected (?:token|end of input|identifier)|unexpected (?:EOF|indent|token)`),
			Gates: []string{"syntax"},
		},
		{
			Type:    evolution.FailureImport,
			Pattern: regexp.MustCompile(`ModuleNotFoundError|ImportError|No module named|[Cc]annot find module|could not import|no required module provides package|is not in (?:GOROOT|std)`),
		},
		{
			Type:    evolution.FailureAttribute,
			Pattern: regexp.MustCompile(`AttributeError|NameError|has no attribute|is not defined|undefined: |has no field or method|is not a function`),
		},
		{
			Type:    evolution.FailureTest,
			Pattern: regexp.MustCompile(`(?m)^FAILED |AssertionError|--- FAIL:|\bFAIL\b|\d+ failed|tests? failed|not ok \d+`),
		},
		{
			Type:    evolution.FailurePerformance,
			Pattern: regexp.MustCompile(`(?i)performance regression|timed out|timeout|too slow|slower than|latency|memory usage|benchmark`),
		},
		{
			Type:    evolution.FailureSecurity,
			Pattern: regexp.MustCompile(`(?i)secret|credential|vulnerab|CVE-\d{4}-\d+|GHSA-|PYSEC-|injection|insecure|private key`),
			Gates:   []string{"security-scan"},
		},
	}
}

// Classifier assigns failure categories. It is stateless and safe for
// concurrent use.
type Classifier struct {
	rules []Rule
}

// New returns a Classifier over rules, or DefaultRules when rules is nil.
func New(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the category of the highest priority rule matching a
// failing gate of report. Passing reports and reports no rule matches are
// FailureUnknown.
func (c *Classifier) Classify(report *evolution.ValidationReport) evolution.FailureType {
	t, _ := c.match(report)
	return t
}

// match returns the category and the first line that triggered it. The
// line is empty when the rule fired on a gate name alone.
func (c *Classifier) match(report *evolution.ValidationReport) (evolution.FailureType, string) {
	failed := failedGates(report)
	if len(failed) == 0 {
		return evolution.FailureUnknown, ""
	}
	for _, rule := range c.rules {
		var gateHit bool
		for _, g := range failed {
			if contains(rule.Gates, g.name) {
				gateHit = true
			}
			if rule.Pattern == nil {
				continue
			}
			for _, line := range g.lines() {
				if rule.Pattern.MatchString(line) {
					return rule.Type, line
				}
			}
		}
		if gateHit {
			return rule.Type, ""
		}
	}
	return evolution.FailureUnknown, ""
}

type failedGate struct {
	name string
	evolution.GateResult
}

func (g failedGate) lines() []string {
	lines := append([]string(nil), g.Issues...)
	for _, l := range strings.Split(g.RawOutput, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func failedGates(report *evolution.ValidationReport) []failedGate {
	if report == nil {
		return nil
	}
	var out []failedGate
	for _, name := range report.FailedGates() {
		out = append(out, failedGate{name: name, GateResult: report.Gates[name]})
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
