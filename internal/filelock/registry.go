package filelock

import (
	"path"
	"sort"
	"strings"
	"sync"
)

// entry is a reference-counted mutex for one path.
type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out one mutex per normalized path. Entries are dropped
// once no goroutine holds or waits on them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lock blocks until the caller owns path and returns the release func.
// Calling release more than once is a no-op.
func (r *Registry) Lock(p string) (release func()) {
	key := normalize(p)

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			r.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(r.entries, key)
			}
			r.mu.Unlock()
		})
	}
}

// LockAll acquires every path in sorted order so concurrent callers with
// overlapping sets cannot deadlock.
func (r *Registry) LockAll(paths []string) (release func()) {
	keys := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		k := normalize(p)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	releases := make([]func(), 0, len(keys))
	for _, k := range keys {
		releases = append(releases, r.Lock(k))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

// Held returns the number of paths currently locked or awaited.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
