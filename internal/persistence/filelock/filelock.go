// Package filelock hands out reader/writer locks keyed by file path, for
// files shared by several goroutines within the process.
package filelock

import (
	"path/filepath"
	"sync"
)

type entry struct {
	rw   sync.RWMutex
	refs int
}

// Registry maps paths to locks. Entries are dropped once nobody holds or
// waits for them. The zero value is ready to use.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Default is shared by streams that are not given a registry.
var Default = &Registry{}

func (r *Registry) get(path string) (*entry, string) {
	key := filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = map[string]*entry{}
	}
	e := r.locks[key]
	if e == nil {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	return e, key
}

func (r *Registry) put(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
}

// RLock takes a shared lock on path and returns its release function.
func (r *Registry) RLock(path string) (unlock func()) {
	e, key := r.get(path)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		r.put(key, e)
	}
}

// Lock takes an exclusive lock on path and returns its release function.
func (r *Registry) Lock(path string) (unlock func()) {
	e, key := r.get(path)
	e.rw.Lock()
	return func() {
		e.rw.Unlock()
		r.put(key, e)
	}
}

// Len is the number of paths currently locked or awaited.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
