// Package evolution defines the data model shared by every stage of an
// evolution cycle: objectives, plans, patches, validation reports, failure
// records and the reasoning trajectory.
package evolution

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the data model.
var (
	// ErrEmptyTask is returned when an objective has no task text.
	ErrEmptyTask = errors.New("objective task is required")

	// ErrEmptyRoot is returned when an objective has no project root.
	ErrEmptyRoot = errors.New("objective project root is required")

	// ErrOutsideRoot is returned when a step path escapes the project root.
	ErrOutsideRoot = errors.New("path resolves outside project root")
)

// Action is the kind of change a ModificationStep performs.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionModify, ActionDelete:
		return true
	}
	return false
}

// ObjectiveSpec carries the inputs used to build an Objective.
type ObjectiveSpec struct {
	ID           string   `json:"id,omitempty"`
	Task         string   `json:"task"`
	Constraints  []string `json:"constraints,omitempty"`
	QualityGates []string `json:"quality_gates,omitempty"`
	ProjectRoot  string   `json:"project_root"`
}

// Objective is the task that drives one evolution cycle.
// It is immutable once created; accessors return copies.
type Objective struct {
	id          string
	task        string
	constraints []string
	gates       []string
	root        string
}

// NewObjective validates spec and returns an immutable Objective.
// A missing ID is filled with a random UUID.
func NewObjective(spec ObjectiveSpec) (*Objective, error) {
	task := strings.TrimSpace(spec.Task)
	if task == "" {
		return nil, ErrEmptyTask
	}
	if strings.TrimSpace(spec.ProjectRoot) == "" {
		return nil, ErrEmptyRoot
	}
	root, err := filepath.Abs(spec.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Objective{
		id:          id,
		task:        task,
		constraints: append([]string(nil), spec.Constraints...),
		gates:       append([]string(nil), spec.QualityGates...),
		root:        filepath.Clean(root),
	}, nil
}

func (o *Objective) ID() string          { return o.id }
func (o *Objective) Task() string        { return o.task }
func (o *Objective) ProjectRoot() string { return o.root }

// Constraints returns a copy of the objective constraints.
func (o *Objective) Constraints() []string { return append([]string(nil), o.constraints...) }

// QualityGates returns a copy of the explicitly requested gates.
func (o *Objective) QualityGates() []string { return append([]string(nil), o.gates...) }

// Spec returns the serializable form of the objective.
func (o *Objective) Spec() ObjectiveSpec {
	return ObjectiveSpec{
		ID:           o.id,
		Task:         o.task,
		Constraints:  o.Constraints(),
		QualityGates: o.QualityGates(),
		ProjectRoot:  o.root,
	}
}

// MarshalJSON implements json.Marshaler.
func (o *Objective) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Spec())
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Objective) UnmarshalJSON(data []byte) error {
	var spec ObjectiveSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	parsed, err := NewObjective(spec)
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

// ResolvePath joins file onto root and rejects paths that escape it.
func ResolvePath(root, file string) (string, error) {
	if strings.TrimSpace(file) == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	root = filepath.Clean(root)
	var joined string
	if filepath.IsAbs(file) {
		joined = filepath.Clean(file)
	} else {
		joined = filepath.Join(root, file)
	}
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, file)
	}
	return joined, nil
}

// RelPath returns file relative to root, normalized with forward slashes.
func RelPath(root, file string) (string, error) {
	abs, err := ResolvePath(root, file)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(filepath.Clean(root), abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, file)
	}
	return filepath.ToSlash(rel), nil
}

// ModificationStep is the unit of planning.
type ModificationStep struct {
	File   string `json:"file"`
	Action Action `json:"action"`
	What   string `json:"what"`
	How    string `json:"how,omitempty"`

	// Stub marks a step synthesized because the oracle output was unusable.
	Stub bool `json:"stub,omitempty"`
}

// Description renders the step as a single line of text.
func (s ModificationStep) Description() string {
	desc := fmt.Sprintf("%s %s: %s", s.Action, s.File, s.What)
	if s.How != "" {
		desc += " (" + s.How + ")"
	}
	return desc
}

// Plan is an ordered list of steps proposed to satisfy an Objective.
type Plan struct {
	Steps      []ModificationStep `json:"steps"`
	Valid      bool               `json:"valid"`
	Iterations int                `json:"iterations"`

	// Violations holds the reasons from the most recent validation.
	Violations []string `json:"violations,omitempty"`

	// Stub is set when the plan was synthesized instead of parsed.
	Stub bool `json:"stub,omitempty"`
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	return &Plan{
		Steps:      append([]ModificationStep(nil), p.Steps...),
		Valid:      p.Valid,
		Iterations: p.Iterations,
		Violations: append([]string(nil), p.Violations...),
		Stub:       p.Stub,
	}
}

// Files returns the distinct files touched by the plan, in step order.
func (p *Plan) Files() []string {
	seen := make(map[string]bool, len(p.Steps))
	files := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if !seen[s.File] {
			seen[s.File] = true
			files = append(files, s.File)
		}
	}
	return files
}

// FileChange is a before/after content pair for a single file.
type FileChange struct {
	Path     string `json:"path"`
	Action   Action `json:"action"`
	Original string `json:"original"`
	Modified string `json:"modified"`
	Stub     bool   `json:"stub,omitempty"`
}

// Changed reports whether the change alters the file.
func (c FileChange) Changed() bool {
	return c.Action == ActionDelete || c.Original != c.Modified
}

// Patch is a set of file changes plus the derived unified diff.
type Patch struct {
	Changes []FileChange `json:"changes"`
	Diff    string       `json:"diff"`
}

// Contents returns path → modified content for every non-deleted file.
func (p *Patch) Contents() map[string]string {
	out := make(map[string]string, len(p.Changes))
	for _, c := range p.Changes {
		if c.Action == ActionDelete {
			continue
		}
		out[c.Path] = c.Modified
	}
	return out
}

// Clone returns a deep copy of the patch.
func (p *Patch) Clone() *Patch {
	if p == nil {
		return nil
	}
	return &Patch{Changes: slices.Clone(p.Changes), Diff: p.Diff}
}

// Change returns the change for path, if present.
func (p *Patch) Change(path string) (FileChange, bool) {
	for _, c := range p.Changes {
		if c.Path == path {
			return c, true
		}
	}
	return FileChange{}, false
}

// Upsert replaces the change for c.Path or appends it.
func (p *Patch) Upsert(c FileChange) {
	for i := range p.Changes {
		if p.Changes[i].Path == c.Path {
			p.Changes[i] = c
			return
		}
	}
	p.Changes = append(p.Changes, c)
	sort.SliceStable(p.Changes, func(i, j int) bool { return p.Changes[i].Path < p.Changes[j].Path })
}

// ReasoningStep is one entry in the audit trail.
type ReasoningStep struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Success     bool      `json:"success"`
	Timestamp   time.Time `json:"timestamp"`
}

// FailureType categorizes a validation failure.
type FailureType string

const (
	FailureSyntax      FailureType = "syntax_error"
	FailureImport      FailureType = "import_error"
	FailureAttribute   FailureType = "attribute_error"
	FailureTest        FailureType = "test_failure"
	FailurePerformance FailureType = "performance_regression"
	FailureSecurity    FailureType = "security_issue"
	FailureUnknown     FailureType = "unknown"
)

// FailureRecord is derived from a failing ValidationReport.
type FailureRecord struct {
	Type        FailureType `json:"failure_type"`
	Message     string      `json:"message"`
	Traceback   string      `json:"traceback,omitempty"`
	FailingTest string      `json:"failing_test,omitempty"`

	// File is the implicated file, relative to the project root.
	File string `json:"file,omitempty"`
}

// Outcome is the terminal verdict of the controller.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeEscalated Outcome = "escalated"
	OutcomeAborted   Outcome = "aborted"
)

// Decision is the controller-level verdict with its reasons.
type Decision struct {
	Outcome Outcome  `json:"outcome"`
	Reasons []string `json:"reasons"`
}
