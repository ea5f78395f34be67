package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Finding is a detected secret. The matched value is deliberately absent.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Line        int    `json:"line"`
	start, end  int
}

// String renders the finding as a validation issue.
func (f Finding) String() string {
	return fmt.Sprintf("line %d: %s (%s, %s)", f.Line, f.Description, f.RuleID, f.Severity)
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []string
}

// Scanner matches content against a compiled rule set. It is immutable
// after construction and safe for concurrent use.
type Scanner struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
}

// Option configures a Scanner.
type Option func(*Scanner) error

// WithAllowList skips matches that satisfy any of the given patterns.
func WithAllowList(patterns ...string) Option {
	return func(s *Scanner) error {
		for i, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("allow list %d: %w", i, err)
			}
			s.allow = append(s.allow, re)
		}
		return nil
	}
}

// WithRedaction sets the replacement text used by Redact.
func WithRedaction(text string) Option {
	return func(s *Scanner) error {
		s.redaction = text
		return nil
	}
}

// NewScanner compiles rules. A nil rule slice selects DefaultRules.
func NewScanner(rules []Rule, opts ...Option) (*Scanner, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Scanner{redaction: "[REDACTED]"}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, pattern: re, keywords: kws})
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustNewScanner is NewScanner for static rule sets.
func MustNewScanner(rules []Rule, opts ...Option) *Scanner {
	s, err := NewScanner(rules, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Scan returns every finding in content ordered by position then rule id.
func (s *Scanner) Scan(content string) []Finding {
	lower := strings.ToLower(content)
	var findings []Finding
	for _, r := range s.rules {
		if !hasKeyword(lower, r.keywords) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			findings = append(findings, Finding{
				RuleID:      r.ID,
				Description: r.Description,
				Severity:    r.Severity,
				Line:        strings.Count(content[:m[0]], "\n") + 1,
				start:       m[0],
				end:         m[1],
			})
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].start != findings[j].start {
			return findings[i].start < findings[j].start
		}
		return findings[i].RuleID < findings[j].RuleID
	})
	return findings
}

// Redact replaces every finding in content with the redaction text.
// Overlapping matches collapse into a single replacement.
func (s *Scanner) Redact(content string) string {
	findings := s.Scan(content)
	if len(findings) == 0 {
		return content
	}
	type span struct{ start, end int }
	merged := []span{{findings[0].start, findings[0].end}}
	for _, f := range findings[1:] {
		last := &merged[len(merged)-1]
		if f.start <= last.end {
			if f.end > last.end {
				last.end = f.end
			}
			continue
		}
		merged = append(merged, span{f.start, f.end})
	}

	var b strings.Builder
	pos := 0
	for _, sp := range merged {
		b.WriteString(content[pos:sp.start])
		b.WriteString(s.redaction)
		pos = sp.end
	}
	b.WriteString(content[pos:])
	return b.String()
}

func (s *Scanner) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
