// Package store persists controller runs keyed by objective id so a run
// can be inspected after the fact and resumed after a crash.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/evolvd/internal/budget"
	"github.com/fyrsmithlabs/evolvd/internal/evolution"
)

var (
	// ErrNotFound is returned by Load for an unknown objective id.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidRecord is returned by Save for a record without an id.
	ErrInvalidRecord = errors.New("record objective id is required")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// Record is the serializable state of one controller run.
type Record struct {
	ObjectiveID string                  `json:"objective_id"`
	Objective   evolution.ObjectiveSpec `json:"objective"`

	// State is the controller state at the time of the save. Terminal
	// states mean the run finished.
	State    string              `json:"state"`
	Decision *evolution.Decision `json:"decision,omitempty"`

	Plan       *evolution.Plan               `json:"plan,omitempty"`
	Patch      *evolution.Patch              `json:"patch,omitempty"`
	Reports    []*evolution.ValidationReport `json:"reports,omitempty"`
	Trajectory []evolution.ReasoningStep     `json:"trajectory"`
	Budget     budget.Snapshot               `json:"budget"`
	Cycles     int                           `json:"cycles"`

	// Fingerprint identifies the approved plan; a re-run with the same
	// fingerprint reuses the stored decision.
	Fingerprint string    `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists Records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, objectiveID string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Close() error
}
