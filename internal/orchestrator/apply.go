package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/evolvd/internal/budget"
	"github.com/fyrsmithlabs/evolvd/internal/diff"
	"github.com/fyrsmithlabs/evolvd/internal/evolution"
)

// fileSteps is the ordered steps targeting one file.
type fileSteps struct {
	path  string
	steps []evolution.ModificationStep
}

// apply turns the plan, or a staged resolution, into the patch and
// rebuilds the workspace overlay.
func (r *run) apply(ctx context.Context) stepResult {
	r.applies++

	var note string
	if r.staged != nil {
		note = r.applyStaged()
	} else {
		var err error
		note, err = r.applyPlan(ctx)
		if err != nil {
			return stepResult{next: StateQualityCheck, note: "apply interrupted: " + err.Error()}
		}
	}

	changed := r.changedFiles()
	deleted := r.deletedFiles()
	if len(changed) == 0 && len(deleted) == 0 {
		return r.finish(StateRejected, nil, "patch produced no changes")
	}
	r.ws = r.base.Overlay(r.patch.Contents(), deleted)
	if failed := r.refreshDiff(); len(failed) > 0 {
		note += fmt.Sprintf("; diff failed for %s", strings.Join(failed, ", "))
	}
	return stepResult{next: StateQualityCheck, note: note, success: true}
}

// applyPlan builds every step of the plan from the scanned project. Files
// are built concurrently; steps on one file run in plan order under the
// file's lock.
func (r *run) applyPlan(ctx context.Context) (string, error) {
	groups, skipped := groupSteps(r.obj.ProjectRoot(), r.plan.Steps)
	changes := make([]evolution.FileChange, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.c.opts.WorkerLimit)
	for i, grp := range groups {
		g.Go(func() error {
			if r.ledger.Exceeded() {
				return budget.ErrExceeded
			}
			release := r.c.deps.Locks.Lock(filepath.Join(r.obj.ProjectRoot(), grp.path))
			defer release()
			changes[i] = r.buildFile(gctx, grp)
			if r.ledger.Exceeded() {
				return budget.ErrExceeded
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	r.patch = &evolution.Patch{Changes: []evolution.FileChange{}}
	stubs := 0
	for _, ch := range changes {
		if ch.Stub {
			stubs++
		}
		r.patch.Upsert(ch)
	}

	note := fmt.Sprintf("built %d file change(s) from %d step(s)", len(changes), len(r.plan.Steps))
	if stubs > 0 {
		note += fmt.Sprintf(", %d stub(s)", stubs)
	}
	if len(skipped) > 0 {
		note += fmt.Sprintf(", skipped %s", strings.Join(skipped, ", "))
	}
	return note, nil
}

// buildFile applies grp's steps in order to the file's scanned content.
func (r *run) buildFile(ctx context.Context, grp fileSteps) evolution.FileChange {
	original, exists := r.base.Content(grp.path)
	change := evolution.FileChange{Path: grp.path, Original: original}

	content := original
	last := evolution.ActionModify
	for _, step := range grp.steps {
		if ctx.Err() != nil {
			break
		}
		step.File = grp.path
		last = step.Action
		if step.Action == evolution.ActionDelete {
			content = ""
			continue
		}
		fc := r.builder.BuildChange(ctx, r.obj, step, content, r.contextFor(ctx, step))
		content = fc.Modified
		change.Stub = change.Stub || fc.Stub
	}

	change.Modified = content
	switch {
	case last == evolution.ActionDelete:
		change.Action = evolution.ActionDelete
	case exists:
		change.Action = evolution.ActionModify
	default:
		change.Action = evolution.ActionCreate
	}
	return change
}

// applyStaged folds resolved content into the patch.
func (r *run) applyStaged() string {
	paths := make([]string, 0, len(r.staged))
	for p := range r.staged {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	abs := make([]string, len(paths))
	for i, p := range paths {
		abs[i] = filepath.Join(r.obj.ProjectRoot(), p)
	}
	release := r.c.deps.Locks.LockAll(abs)
	defer release()

	for _, p := range paths {
		ch, ok := r.patch.Change(p)
		if !ok {
			original, exists := r.base.Content(p)
			ch = evolution.FileChange{Path: p, Action: evolution.ActionModify, Original: original}
			if !exists {
				ch.Action = evolution.ActionCreate
			}
		}
		if ch.Action == evolution.ActionDelete {
			ch.Action = evolution.ActionModify
		}
		ch.Modified = r.staged[p]
		ch.Stub = false
		r.patch.Upsert(ch)
	}
	r.staged = nil
	return fmt.Sprintf("applied resolution to %s", strings.Join(paths, ", "))
}

// refreshDiff regenerates the patch diff and returns the paths whose diff
// could not be produced.
func (r *run) refreshDiff() []string {
	pairs := make([]diff.Pair, 0, len(r.patch.Changes))
	for _, ch := range r.patch.Changes {
		if !ch.Changed() {
			continue
		}
		modified := ch.Modified
		if ch.Action == evolution.ActionDelete {
			modified = ""
		}
		pairs = append(pairs, diff.Pair{Path: ch.Path, Original: ch.Original, Modified: modified})
	}
	doc := diff.Build(pairs)
	r.patch.Diff = doc.Text

	var failed []string
	for _, res := range doc.Failed() {
		failed = append(failed, res.Path)
	}
	return failed
}

func (r *run) deletedFiles() []string {
	var files []string
	for _, ch := range r.patch.Changes {
		if ch.Action == evolution.ActionDelete {
			if _, ok := r.base.Content(ch.Path); ok {
				files = append(files, ch.Path)
			}
		}
	}
	return files
}

// groupSteps groups steps by normalized file in first-seen order. Steps
// whose file escapes root are skipped and reported.
func groupSteps(root string, steps []evolution.ModificationStep) ([]fileSteps, []string) {
	var (
		groups  []fileSteps
		skipped []string
		index   = make(map[string]int)
	)
	for _, s := range steps {
		rel, err := evolution.RelPath(root, s.File)
		if err != nil || !s.Action.Valid() {
			skipped = append(skipped, s.File)
			continue
		}
		i, ok := index[rel]
		if !ok {
			i = len(groups)
			index[rel] = i
			groups = append(groups, fileSteps{path: rel})
		}
		groups[i].steps = append(groups[i].steps, s)
	}
	return groups, skipped
}

// ErrConflict is returned by write-back when a file changed on disk after
// the project was scanned.
var ErrConflict = errors.New("file changed on disk since analysis")

// writeBack writes the approved patch to the project root under the
// per-file locks. Every changed file is checked for drift before any file
// is written; a single conflict leaves the project untouched.
func (c *Controller) writeBack(ctx context.Context, r *run) error {
	root := r.obj.ProjectRoot()
	abs := make([]string, 0, len(r.patch.Changes))
	for _, ch := range r.patch.Changes {
		abs = append(abs, filepath.Join(root, ch.Path))
	}
	release := c.deps.Locks.LockAll(abs)
	defer release()

	var (
		pending []pendingWrite
		errs    []error
	)
	for _, ch := range r.patch.Changes {
		if !ch.Changed() {
			continue
		}
		w, err := checkChange(root, ch)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pending = append(pending, w)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, w := range pending {
		if err := w.commit(); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Debug(ctx, "wrote file", zap.String("path", w.change.Path), zap.String("action", string(w.change.Action)))
	}
	return errors.Join(errs...)
}

// pendingWrite is a change verified against the file on disk.
type pendingWrite struct {
	change evolution.FileChange
	target string
	mode   fs.FileMode
}

// checkChange resolves the target of ch and verifies the file still holds
// the content the change was built from.
func checkChange(root string, ch evolution.FileChange) (pendingWrite, error) {
	target, err := evolution.ResolvePath(root, ch.Path)
	if err != nil {
		return pendingWrite{}, err
	}
	w := pendingWrite{change: ch, target: target, mode: 0o644}

	current, err := os.ReadFile(target)
	switch {
	case err == nil:
		if string(current) != ch.Original {
			return pendingWrite{}, fmt.Errorf("%w: %s", ErrConflict, ch.Path)
		}
		if info, statErr := os.Stat(target); statErr == nil {
			w.mode = info.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist):
		if ch.Original != "" {
			return pendingWrite{}, fmt.Errorf("%w: %s was removed", ErrConflict, ch.Path)
		}
	default:
		return pendingWrite{}, fmt.Errorf("reading %s: %w", ch.Path, err)
	}
	return w, nil
}

// commit applies the change. Content is written to a temporary file in the
// target directory and renamed into place.
func (w pendingWrite) commit() error {
	path := w.change.Path
	if w.change.Action == evolution.ActionDelete {
		if err := os.Remove(w.target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		return nil
	}

	dir := filepath.Dir(w.target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.target)+".evolvd-*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.WriteString(w.change.Modified); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(w.mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, w.target); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
