package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/oracle"
)

// Prompt markers identify the request kind at the top of every prompt.
const (
	MarkerDraftPlan   = "[evolvd:draft-plan]"
	MarkerBuildChange = "[evolvd:build-change]"
)

// StubFile is the file targeted by a stub plan when the objective names none.
const StubFile = "README.md"

// Builder is the PatchBuilder.
type Builder struct {
	oracle oracle.Oracle
	logger *zap.Logger
}

// NewBuilder creates a Builder. A nil logger is replaced with a no-op logger.
func NewBuilder(o oracle.Oracle, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{oracle: o, logger: logger}
}

// DraftPlan asks the oracle for a plan. files lists the project's current
// paths and contextText carries retrieved context; both may be empty.
// The returned plan is never nil and has Iterations == 0 and Valid == false.
func (b *Builder) DraftPlan(ctx context.Context, obj *evolution.Objective, files []string, contextText string) *evolution.Plan {
	prompt := draftPrompt(obj, files, contextText)
	reply, err := b.oracle.Consume(ctx, prompt, obj.Constraints())
	if err != nil {
		b.logger.Warn("plan draft failed, using stub plan", zap.Error(err))
		return StubPlan(obj, files)
	}

	steps, variant := ParsePlan(reply)
	if len(steps) == 0 {
		b.logger.Warn("unusable plan reply, using stub plan", zap.String("variant", variant))
		return StubPlan(obj, files)
	}
	b.logger.Debug("plan drafted", zap.Int("steps", len(steps)), zap.String("variant", variant))
	return &evolution.Plan{Steps: steps}
}

// BuildChange produces the new content for a single step. original is the
// file's current content ("" when absent).
func (b *Builder) BuildChange(ctx context.Context, obj *evolution.Objective, step evolution.ModificationStep, original, contextText string) evolution.FileChange {
	change := evolution.FileChange{
		Path:     step.File,
		Action:   step.Action,
		Original: original,
		Modified: original,
	}
	if step.Action == evolution.ActionDelete {
		change.Modified = ""
		return change
	}

	reply, err := b.oracle.Consume(ctx, changePrompt(obj, step, original, contextText), obj.Constraints())
	if err != nil {
		b.logger.Warn("change build failed, using stub change", zap.String("file", step.File), zap.Error(err))
		change.Stub = true
		return change
	}

	content, variant, ok := ParseContent(reply)
	if !ok {
		b.logger.Warn("unusable change reply, using stub change",
			zap.String("file", step.File),
			zap.String("variant", variant),
		)
		change.Stub = true
		return change
	}
	change.Modified = normalizeContent(content, original)
	return change
}

// StubPlan returns the single-step fallback plan: modify the first file the
// objective mentions that exists in files, otherwise create README.md.
func StubPlan(obj *evolution.Objective, files []string) *evolution.Plan {
	step := evolution.ModificationStep{
		File:   StubFile,
		Action: evolution.ActionCreate,
		What:   obj.Task(),
		Stub:   true,
	}
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f] = true
	}
	for _, hint := range FileHints(obj.Task()) {
		if known[hint] {
			step.File = hint
			step.Action = evolution.ActionModify
			break
		}
	}
	if step.File == StubFile && known[StubFile] {
		step.Action = evolution.ActionModify
	}
	return &evolution.Plan{Steps: []evolution.ModificationStep{step}, Stub: true}
}

var fileHintRe = regexp.MustCompile("[`'\"]?([A-Za-z0-9_.][A-Za-z0-9_./-]*\\.[A-Za-z0-9]{1,8})[`'\"]?")

// FileHints returns file-like tokens in text, in order of appearance.
func FileHints(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range fileHintRe.FindAllStringSubmatch(text, -1) {
		hint := path.Clean(strings.TrimSuffix(m[1], "."))
		if strings.HasPrefix(hint, "../") || seen[hint] {
			continue
		}
		seen[hint] = true
		out = append(out, hint)
	}
	return out
}

type stepPayload struct {
	File   string `json:"file"`
	Path   string `json:"path"`
	Action string `json:"action"`
	What   string `json:"what"`
	How    string `json:"how"`
}

func (p stepPayload) toStep() (evolution.ModificationStep, bool) {
	file := strings.TrimSpace(p.File)
	if file == "" {
		file = strings.TrimSpace(p.Path)
	}
	step := evolution.ModificationStep{
		File:   strings.TrimPrefix(file, "./"),
		Action: evolution.Action(strings.ToLower(strings.TrimSpace(p.Action))),
		What:   strings.TrimSpace(p.What),
		How:    strings.TrimSpace(p.How),
	}
	// Structural validity is judged by plan refinement, so only entirely
	// empty entries are dropped here.
	return step, step.File != "" || step.What != "" || step.Action != ""
}

type planPayload struct {
	Steps []stepPayload `json:"steps"`
}

func decodeSteps(data []byte) ([]evolution.ModificationStep, bool) {
	var raw []stepPayload
	var wrapped planPayload
	switch {
	case json.Unmarshal(data, &wrapped) == nil && len(wrapped.Steps) > 0:
		raw = wrapped.Steps
	case json.Unmarshal(data, &raw) == nil && len(raw) > 0:
	default:
		return nil, false
	}
	var steps []evolution.ModificationStep
	for _, p := range raw {
		if s, ok := p.toStep(); ok {
			steps = append(steps, s)
		}
	}
	return steps, len(steps) > 0
}

func acceptPlan(data json.RawMessage) bool {
	_, ok := decodeSteps(data)
	return ok
}

// ParsePlan extracts plan steps from an oracle reply. variant names the
// parse strategy that produced them.
func ParsePlan(reply string) ([]evolution.ModificationStep, string) {
	switch p := oracle.ParseWith(reply, acceptPlan).(type) {
	case *oracle.StructuredPayload:
		steps, _ := decodeSteps(p.Data)
		return steps, variantName(p)
	case *oracle.FencedCodeBlock:
		steps, _ := decodeSteps([]byte(p.Code))
		return steps, variantName(p)
	case *oracle.KeyPrefixedText:
		var steps []evolution.ModificationStep
		for _, r := range p.Records {
			sp := stepPayload{File: r["FILE"], Action: r["ACTION"], What: r["WHAT"], How: r["HOW"]}
			if s, ok := sp.toStep(); ok && r["FILE"] != "" {
				steps = append(steps, s)
			}
		}
		return steps, variantName(p)
	default:
		return nil, variantName(p)
	}
}

type contentPayload struct {
	Content  *string `json:"content"`
	Modified *string `json:"modified"`
}

func decodeContent(data []byte) (string, bool) {
	var p contentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", false
	}
	switch {
	case p.Content != nil:
		return *p.Content, true
	case p.Modified != nil:
		return *p.Modified, true
	}
	return "", false
}

func acceptContent(data json.RawMessage) bool {
	_, ok := decodeContent(data)
	return ok
}

// ParseContent extracts new file content from an oracle reply.
func ParseContent(reply string) (content, variant string, ok bool) {
	switch p := oracle.ParseWith(reply, acceptContent).(type) {
	case *oracle.StructuredPayload:
		content, ok = decodeContent(p.Data)
		return content, variantName(p), ok
	case *oracle.FencedCodeBlock:
		return p.Code, variantName(p), true
	case *oracle.KeyPrefixedText:
		for _, r := range p.Records {
			if c, found := r["CONTENT"]; found {
				return c, variantName(p), true
			}
		}
		return "", variantName(p), false
	default:
		return "", variantName(p), false
	}
}

func variantName(p oracle.Parsed) string {
	switch v := p.(type) {
	case *oracle.StructuredPayload:
		if v.Embedded {
			return "embedded_json"
		}
		return "json"
	case *oracle.FencedCodeBlock:
		return "fenced"
	case *oracle.KeyPrefixedText:
		return "key_prefixed"
	default:
		return "unparseable"
	}
}

// normalizeContent gives new content a trailing newline when the original
// had one or the file is new.
func normalizeContent(content, original string) string {
	if content == "" || strings.HasSuffix(content, "\n") {
		return content
	}
	if original == "" || strings.HasSuffix(original, "\n") {
		return content + "\n"
	}
	return content
}

func draftPrompt(obj *evolution.Objective, files []string, contextText string) string {
	var b strings.Builder
	b.WriteString(MarkerDraftPlan + "\n")
	fmt.Fprintf(&b, "Objective: %s\n", obj.Task())
	if len(files) > 0 {
		b.WriteString("\nProject files:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if contextText != "" {
		fmt.Fprintf(&b, "\nRelevant context:\n%s\n", contextText)
	}
	b.WriteString("\nRespond with JSON only: " +
		`{"steps":[{"file":"relative/path","action":"create|modify|delete","what":"...","how":"..."}]}`)
	return b.String()
}

func changePrompt(obj *evolution.Objective, step evolution.ModificationStep, original, contextText string) string {
	var b strings.Builder
	b.WriteString(MarkerBuildChange + "\n")
	fmt.Fprintf(&b, "Objective: %s\n", obj.Task())
	fmt.Fprintf(&b, "Step: %s\n", step.Description())
	fmt.Fprintf(&b, "\nCurrent content of %s:\n```\n%s\n```\n", step.File, strings.TrimRight(original, "\n"))
	if contextText != "" {
		fmt.Fprintf(&b, "\nRelevant context:\n%s\n", contextText)
	}
	b.WriteString("\nRespond with the complete new file content in a single fenced code block.")
	return b.String()
}
