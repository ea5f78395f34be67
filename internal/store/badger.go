package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const keyPrefix = "run/"

// Config configures a Badger store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives Badger's internal logs at debug level and above.
	// Nil disables Badger logging.
	Logger *zap.Logger
}

// Badger is a Store on BadgerDB. Values are JSON Records under
// run/<objective-id>.
type Badger struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// Open opens or creates the database.
func Open(cfg Config) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}
	return &Badger{db: db, now: time.Now}, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Badger, error) {
	return Open(Config{InMemory: true})
}

// Save writes rec, stamping UpdatedAt.
func (b *Badger) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ObjectiveID == "" {
		return ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	rec.UpdatedAt = b.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", rec.ObjectiveID, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.ObjectiveID), data)
	})
	if err != nil {
		return fmt.Errorf("saving run %s: %w", rec.ObjectiveID, err)
	}
	return nil
}

// Load returns the record for objectiveID or ErrNotFound.
func (b *Badger) Load(ctx context.Context, objectiveID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(objectiveID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, objectiveID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", objectiveID, err)
	}
	return &rec, nil
}

// List returns every stored record ordered by objective id.
func (b *Badger) List(ctx context.Context) ([]*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var out []*Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec Record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return fmt.Errorf("decoding %s: %w", item.Key(), err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectiveID < out[j].ObjectiveID })
	return out, nil
}

// Close closes the database. It is safe to call more than once.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
