package evolution

import (
	"slices"
	"sort"
)

// GateResult is the outcome of a single validation gate.
type GateResult struct {
	Passed    bool     `json:"passed"`
	Issues    []string `json:"issues"`
	RawOutput string   `json:"raw_output,omitempty"`
}

// ValidationReport aggregates gate results. Passed and Issues are derived
// from Gates by Finalize and are never set independently.
type ValidationReport struct {
	Passed bool                  `json:"passed"`
	Issues []string              `json:"issues"`
	Gates  map[string]GateResult `json:"gate_results"`
}

// NewReport returns an empty report. An empty report passes.
func NewReport() *ValidationReport {
	r := &ValidationReport{Gates: make(map[string]GateResult)}
	r.Finalize()
	return r
}

// Clone returns a deep copy of the report.
func (r *ValidationReport) Clone() *ValidationReport {
	if r == nil {
		return nil
	}
	c := &ValidationReport{
		Passed: r.Passed,
		Issues: slices.Clone(r.Issues),
		Gates:  make(map[string]GateResult, len(r.Gates)),
	}
	for name, g := range r.Gates {
		g.Issues = slices.Clone(g.Issues)
		c.Gates[name] = g
	}
	return c
}

// AddGate records a gate result. Results for an existing gate name are
// merged: the gate passes only if every contribution passed.
func (r *ValidationReport) AddGate(name string, res GateResult) {
	if r.Gates == nil {
		r.Gates = make(map[string]GateResult)
	}
	if res.Issues == nil {
		res.Issues = []string{}
	}
	if prev, ok := r.Gates[name]; ok {
		res = GateResult{
			Passed:    prev.Passed && res.Passed,
			Issues:    append(append([]string{}, prev.Issues...), res.Issues...),
			RawOutput: joinOutput(prev.RawOutput, res.RawOutput),
		}
	}
	r.Gates[name] = res
	r.Finalize()
}

// Merge folds every gate of other into r.
func (r *ValidationReport) Merge(other *ValidationReport) {
	if other == nil {
		return
	}
	for _, name := range other.GateNames() {
		r.AddGate(name, other.Gates[name])
	}
}

// Finalize recomputes Passed and Issues from the gate results.
func (r *ValidationReport) Finalize() {
	r.Passed = true
	r.Issues = []string{}
	for _, name := range r.GateNames() {
		g := r.Gates[name]
		if !g.Passed {
			r.Passed = false
		}
		r.Issues = append(r.Issues, g.Issues...)
	}
}

// GateNames returns gate names in sorted order.
func (r *ValidationReport) GateNames() []string {
	names := make([]string, 0, len(r.Gates))
	for name := range r.Gates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailedGates returns the names of failing gates in sorted order.
func (r *ValidationReport) FailedGates() []string {
	var failed []string
	for _, name := range r.GateNames() {
		if !r.Gates[name].Passed {
			failed = append(failed, name)
		}
	}
	return failed
}

// RawOutput concatenates the raw output of every gate.
func (r *ValidationReport) RawOutput() string {
	var out string
	for _, name := range r.GateNames() {
		out = joinOutput(out, r.Gates[name].RawOutput)
	}
	return out
}

func joinOutput(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n" + b
}
