package secrets

// Rule is a single detection pattern.
type Rule struct {
	ID          string   `koanf:"id"`
	Description string   `koanf:"description"`
	Pattern     string   `koanf:"pattern"`
	Severity    string   `koanf:"severity"`

	// Keywords gate the rule: when set, at least one must appear in the
	// content (case-insensitive) before the pattern is tried.
	Keywords []string `koanf:"keywords"`
}

// DefaultRules returns the built-in rule set. Prefix-anchored token formats
// need no keywords; generic assignments are keyword gated.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key id",
			Pattern:     `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`,
			Severity:    "high",
		},
		{
			ID:          "aws-secret-access-key",
			Description: "AWS secret access key assignment",
			Pattern:     `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords:    []string{"secret_access_key"},
			Severity:    "high",
		},
		{
			ID:          "private-key",
			Description: "PEM private key block",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
			Severity:    "high",
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b|github_pat_[A-Za-z0-9_]{22,}`,
			Severity:    "high",
		},
		{
			ID:          "gitlab-token",
			Description: "GitLab personal access token",
			Pattern:     `glpat-[A-Za-z0-9\-]{20,}`,
			Severity:    "high",
		},
		{
			ID:          "slack-token",
			Description: "Slack token",
			Pattern:     `xox[baprs]-[A-Za-z0-9\-]{10,}`,
			Severity:    "high",
		},
		{
			ID:          "stripe-key",
			Description: "Stripe API key",
			Pattern:     `(?:sk|rk)_live_[A-Za-z0-9]{24,}`,
			Severity:    "high",
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API key",
			Pattern:     `sk-ant-[A-Za-z0-9_\-]{80,}`,
			Severity:    "high",
		},
		{
			ID:          "openai-api-key",
			Description: "OpenAI API key",
			Pattern:     `\bsk-(?:proj-)?[A-Za-z0-9]{40,}`,
			Severity:    "high",
		},
		{
			ID:          "google-api-key",
			Description: "Google API key",
			Pattern:     `AIza[A-Za-z0-9_\-]{35}`,
			Severity:    "high",
		},
		{
			ID:          "jwt",
			Description: "JSON web token",
			Pattern:     `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`,
			Severity:    "medium",
		},
		{
			ID:          "database-url",
			Description: "Connection URL with inline credentials",
			Pattern:     `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/]+:[^@\s]+@[^\s'"]+`,
			Severity:    "high",
		},
		{
			ID:          "generic-api-key",
			Description: "API key assignment",
			Pattern:     `(?i)\b(?:api[_-]?key|apikey)\s*[:=]\s*['"][A-Za-z0-9_\-]{16,64}['"]`,
			Keywords:    []string{"api"},
			Severity:    "high",
		},
		{
			ID:          "generic-password",
			Description: "Hardcoded password assignment",
			Pattern:     `(?i)\b(?:password|passwd|pwd|secret)\s*[:=]\s*['"][^\s'"]{8,}['"]`,
			Keywords:    []string{"pass", "pwd", "secret"},
			Severity:    "medium",
		},
	}
}
