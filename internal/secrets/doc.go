// Package secrets detects credentials in source content.
//
// The Scanner backs the security-scan validation gate and redacts secrets
// from prompts before they leave the process. Findings never carry the
// matched value, only the rule, severity and line.
package secrets
