package evolution

import (
	"encoding/json"
	"sync"
	"time"
)

// Trajectory is the append-only reasoning audit trail. It is safe for
// concurrent use.
type Trajectory struct {
	mu    sync.Mutex
	steps []ReasoningStep
	now   func() time.Time
}

// NewTrajectory returns an empty trajectory.
func NewTrajectory() *Trajectory {
	return &Trajectory{now: time.Now}
}

// RestoreTrajectory rebuilds a trajectory from persisted steps, keeping
// their timestamps.
func RestoreTrajectory(steps []ReasoningStep) *Trajectory {
	return &Trajectory{now: time.Now, steps: append([]ReasoningStep(nil), steps...)}
}

// Append records a reasoning step and returns it.
func (t *Trajectory) Append(name, description string, success bool) ReasoningStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.now == nil {
		t.now = time.Now
	}
	step := ReasoningStep{
		Name:        name,
		Description: description,
		Success:     success,
		Timestamp:   t.now().UTC(),
	}
	t.steps = append(t.steps, step)
	return step
}

// Steps returns a copy of the recorded steps.
func (t *Trajectory) Steps() []ReasoningStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ReasoningStep(nil), t.steps...)
}

// Len returns the number of recorded steps.
func (t *Trajectory) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// MarshalJSON implements json.Marshaler.
func (t *Trajectory) MarshalJSON() ([]byte, error) {
	steps := t.Steps()
	if steps == nil {
		steps = []ReasoningStep{}
	}
	return json.Marshal(steps)
}

// UnmarshalJSON implements json.Unmarshaler. Decoded steps are appended
// to any existing ones.
func (t *Trajectory) UnmarshalJSON(data []byte) error {
	var steps []ReasoningStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, steps...)
	return nil
}
