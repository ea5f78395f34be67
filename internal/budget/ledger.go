// Package budget provides the monotonic token ledger shared by every
// oracle consumer in an evolution cycle.
package budget

import (
	"math"
	"sync"
)

// Snapshot is the serializable state of a Ledger.
type Snapshot struct {
	Cap  int64 `json:"cap"`
	Used int64 `json:"used"`
}

// Remaining returns the tokens left before the cap, never negative.
func (s Snapshot) Remaining() int64 {
	if s.Cap <= 0 {
		return math.MaxInt64
	}
	if s.Used >= s.Cap {
		return 0
	}
	return s.Cap - s.Used
}

// Exceeded reports whether usage has passed the cap.
func (s Snapshot) Exceeded() bool {
	return s.Cap > 0 && s.Used > s.Cap
}

// Observer is notified after every successful consumption.
// It is called without the ledger lock held.
type Observer func(tokens int64, snap Snapshot)

// Ledger is a monotonic token counter with a session cap. A cap of zero
// disables the limit. Consumption is serialized so concurrent callers
// never lose increments.
type Ledger struct {
	mu       sync.Mutex
	cap      int64
	used     int64
	observer Observer
}

// NewLedger returns a ledger with the given cap.
func NewLedger(cap int64) *Ledger {
	if cap < 0 {
		cap = 0
	}
	return &Ledger{cap: cap}
}

// Restore rebuilds a ledger from a persisted snapshot.
func Restore(s Snapshot) *Ledger {
	l := NewLedger(s.Cap)
	if s.Used > 0 {
		l.used = s.Used
	}
	return l
}

// OnConsume registers an observer. Only one observer is kept.
func (l *Ledger) OnConsume(fn Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

// Consume records tokens against the ledger. The spend is always recorded
// because the work it accounts for has already happened; ErrExceeded is
// returned when the new total is over the cap.
func (l *Ledger) Consume(tokens int64) error {
	var (
		snap Snapshot
		obs  Observer
		err  error
	)

	func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		if tokens < 0 || tokens > math.MaxInt64-l.used {
			err = ErrInvalidAmount
			return
		}
		l.used += tokens
		snap = Snapshot{Cap: l.cap, Used: l.used}
		obs = l.observer
		if snap.Exceeded() {
			err = ErrExceeded
		}
	}()

	if err == ErrInvalidAmount {
		return err
	}
	if obs != nil {
		obs(tokens, snap)
	}
	return err
}

// ConsumeText charges the estimated token cost of texts.
func (l *Ledger) ConsumeText(texts ...string) error {
	return l.Consume(EstimateTokens(texts...))
}

// Used returns the tokens consumed so far.
func (l *Ledger) Used() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Cap returns the configured cap.
func (l *Ledger) Cap() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cap
}

// Exceeded reports whether usage has passed the cap.
func (l *Ledger) Exceeded() bool {
	return l.Snapshot().Exceeded()
}

// Snapshot returns a consistent copy of the ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{Cap: l.cap, Used: l.used}
}

// EstimateTokens approximates the token count of texts at four bytes
// per token, rounding up.
func EstimateTokens(texts ...string) int64 {
	var n int64
	for _, t := range texts {
		n += int64(len(t))
	}
	return (n + 3) / 4
}
