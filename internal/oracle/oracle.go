// Package oracle defines the text-generation collaborator and the
// defensive parsing every consumer applies to its output.
//
// Oracle output is unstructured and non-deterministic. Consumers never
// trust its shape: they run it through Parse and fall back to stub results
// when nothing usable comes back. Errors from an oracle are recovered by
// the consumer and never reach the controller.
package oracle

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrTimeout is returned when an oracle call exceeds its deadline.
	ErrTimeout = errors.New("oracle call timed out")

	// ErrMalformed is returned when the oracle reply is empty or cannot
	// be interpreted by the consumer.
	ErrMalformed = errors.New("malformed oracle output")

	// ErrUnavailable is returned by oracles that are not configured.
	ErrUnavailable = errors.New("oracle unavailable")
)

// Oracle generates text for a prompt under the given constraints.
type Oracle interface {
	Consume(ctx context.Context, prompt string, constraints []string) (string, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, prompt string, constraints []string) (string, error)

// Consume implements Oracle.
func (f Func) Consume(ctx context.Context, prompt string, constraints []string) (string, error) {
	return f(ctx, prompt, constraints)
}

// Unavailable is an Oracle that always fails with ErrUnavailable, driving
// every consumer onto its stub path.
type Unavailable struct{}

// Consume implements Oracle.
func (Unavailable) Consume(context.Context, string, []string) (string, error) {
	return "", ErrUnavailable
}

// BuildPrompt appends constraints to prompt as a bulleted block.
func BuildPrompt(prompt string, constraints []string) string {
	if len(constraints) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nConstraints:\n")
	for _, c := range constraints {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	return b.String()
}
