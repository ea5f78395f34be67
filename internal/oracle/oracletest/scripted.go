// Package oracletest provides a scripted Oracle for tests.
package oracletest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Reply is one scripted oracle response.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Text returns a successful reply.
func Text(s string) Reply { return Reply{Text: s} }

// Fail returns a failing reply.
func Fail(err error) Reply { return Reply{Err: err} }

// Call records a prompt seen by the oracle.
type Call struct {
	Prompt      string
	Constraints []string
}

type route struct {
	marker  string
	replies []Reply
	next    int
}

// Scripted answers prompts from per-marker queues. The first route whose
// marker appears in the prompt answers; its last reply repeats once the
// queue is drained. Prompts matching no route get Default.
type Scripted struct {
	mu      sync.Mutex
	routes  []*route
	calls   []Call
	Default Reply
}

// New returns an oracle that answers every prompt from replies in order.
func New(replies ...Reply) *Scripted {
	s := &Scripted{Default: Reply{Err: errors.New("oracletest: unscripted prompt")}}
	if len(replies) > 0 {
		s.On("", replies...)
	}
	return s
}

// On routes prompts containing marker to replies.
func (s *Scripted) On(marker string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, &route{marker: marker, replies: replies})
	return s
}

// Consume implements oracle.Oracle.
func (s *Scripted) Consume(ctx context.Context, prompt string, constraints []string) (string, error) {
	r := s.pick(prompt, constraints)
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.Text, r.Err
}

func (s *Scripted) pick(prompt string, constraints []string) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Prompt: prompt, Constraints: append([]string(nil), constraints...)})
	for _, rt := range s.routes {
		if !strings.Contains(prompt, rt.marker) || len(rt.replies) == 0 {
			continue
		}
		r := rt.replies[rt.next]
		if rt.next < len(rt.replies)-1 {
			rt.next++
		}
		return r
	}
	return s.Default
}

// Calls returns every recorded call.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of calls whose prompt contains marker.
func (s *Scripted) CallCount(marker string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.Contains(c.Prompt, marker) {
			n++
		}
	}
	return n
}
