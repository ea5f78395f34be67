package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/store"
)

// recorder checkpoints runs to the store and caches approved decisions.
type recorder struct {
	store store.Store

	mu       sync.Mutex
	approved map[string]cachedRun
}

type cachedRun struct {
	fingerprint string
	result      *Result
}

func newRecorder(s store.Store) *recorder {
	return &recorder{store: s, approved: make(map[string]cachedRun)}
}

// fingerprint identifies an objective's inputs.
func fingerprint(obj *evolution.Objective) string {
	spec := obj.Spec()
	spec.ID = ""
	data, _ := json.Marshal(spec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// cached returns the approved result for obj when steps adds nothing to
// the approved plan. The in-memory cache is consulted before the store.
func (rc *recorder) cached(ctx context.Context, obj *evolution.Objective, steps []evolution.ModificationStep) (*Result, bool) {
	fp := fingerprint(obj)

	rc.mu.Lock()
	hit, ok := rc.approved[obj.ID()]
	rc.mu.Unlock()
	if ok && hit.fingerprint == fp && covers(hit.result.Plan, steps) {
		res := hit.result.clone()
		res.Cached = true
		return res, true
	}

	if rc.store == nil {
		return nil, false
	}
	rec, err := rc.store.Load(ctx, obj.ID())
	if err != nil {
		return nil, false
	}
	if State(rec.State) != StateApproved || rec.Decision == nil || rec.Fingerprint != fp || !covers(rec.Plan, steps) {
		return nil, false
	}
	res := ResultFromRecord(rec)
	res.Cached = true
	return res, true
}

// remember caches approved results and forgets anything else.
func (rc *recorder) remember(r *run, res *Result) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if res.State != StateApproved {
		delete(rc.approved, r.obj.ID())
		return
	}
	rc.approved[r.obj.ID()] = cachedRun{fingerprint: fingerprint(r.obj), result: res.clone()}
}

// clone copies res so that callers can modify their result without
// touching the cached one.
func (res *Result) clone() *Result {
	c := *res
	c.Decision.Reasons = slices.Clone(res.Decision.Reasons)
	c.Plan = res.Plan.Clone()
	c.Patch = res.Patch.Clone()
	c.Reports = slices.Clone(res.Reports)
	for i, r := range c.Reports {
		c.Reports[i] = r.Clone()
	}
	c.Trajectory = slices.Clone(res.Trajectory)
	if res.Failure != nil {
		f := *res.Failure
		c.Failure = &f
	}
	if res.Verdict != nil {
		v := *res.Verdict
		v.Reasons = slices.Clone(v.Reasons)
		c.Verdict = &v
	}
	return &c
}

// save checkpoints r at state. Without a store it is a no-op.
func (rc *recorder) save(ctx context.Context, r *run, state State) error {
	if rc.store == nil {
		return nil
	}
	rec := &store.Record{
		ObjectiveID: r.obj.ID(),
		Objective:   r.obj.Spec(),
		State:       string(state),
		Plan:        r.plan.Clone(),
		Patch:       r.patch,
		Reports:     r.reports,
		Trajectory:  r.traj.Steps(),
		Budget:      r.ledger.Snapshot(),
		Cycles:      r.cycles,
		Fingerprint: fingerprint(r.obj),
	}
	if state.Terminal() {
		d := r.decision
		rec.Decision = &d
	}
	return rc.store.Save(ctx, rec)
}

// covers reports whether every step is already part of plan.
func covers(plan *evolution.Plan, steps []evolution.ModificationStep) bool {
	if len(steps) == 0 {
		return true
	}
	if plan == nil {
		return false
	}
	have := make(map[evolution.ModificationStep]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		have[stepKey(s)] = true
	}
	for _, s := range steps {
		if !have[stepKey(s)] {
			return false
		}
	}
	return true
}

func stepKey(s evolution.ModificationStep) evolution.ModificationStep {
	return evolution.ModificationStep{
		File:   filepath.ToSlash(filepath.Clean(s.File)),
		Action: s.Action,
		What:   s.What,
	}
}

// ResultFromRecord rebuilds a Result from a checkpoint. Unfinished runs
// keep the checkpointed state and an empty decision.
func ResultFromRecord(rec *store.Record) *Result {
	res := &Result{
		ObjectiveID: rec.ObjectiveID,
		State:       State(rec.State),
		Plan:        rec.Plan,
		Patch:       rec.Patch,
		Reports:     rec.Reports,
		Trajectory:  rec.Trajectory,
		Budget:      rec.Budget,
		Cycles:      rec.Cycles,
	}
	if rec.Decision != nil {
		res.Decision = *rec.Decision
		res.State = stateFor(rec.Decision.Outcome)
	}
	if res.Decision.Reasons == nil {
		res.Decision.Reasons = []string{}
	}
	if res.Reports == nil {
		res.Reports = []*evolution.ValidationReport{}
	}
	if res.Trajectory == nil {
		res.Trajectory = []evolution.ReasoningStep{}
	}
	return res
}
