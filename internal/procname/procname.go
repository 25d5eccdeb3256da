// Package procname resolves pids to process names via /proc, with a
// cache so the event dispatch path does not hit the filesystem for every
// event carrying an empty comm.
package procname

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

type pathFunc func(pid int32) string

// Resolver looks up and caches /proc/<pid>/comm.
type Resolver struct {
	pathFor pathFunc

	mu    sync.Mutex
	cache map[int32]string
}

// New returns a resolver reading the live /proc.
func New() *Resolver {
	return &Resolver{
		pathFor: func(pid int32) string { return fmt.Sprintf("/proc/%d/comm", pid) },
		cache:   make(map[int32]string),
	}
}

// NewWithPath returns a resolver with an injectable comm-file path,
// letting tests point it at fixture directories.
func NewWithPath(pathFor func(pid int32) string) *Resolver {
	return &Resolver{pathFor: pathFor, cache: make(map[int32]string)}
}

// Lookup returns the process name for pid, or "" when the process is
// gone or unreadable. Hits are cached; misses are not, since the process
// may appear later.
func (r *Resolver) Lookup(pid int32) string {
	r.mu.Lock()
	name, ok := r.cache[pid]
	r.mu.Unlock()

	if ok {
		return name
	}

	bts, err := os.ReadFile(r.pathFor(pid))
	if err != nil {
		return ""
	}

	name = strings.TrimRight(string(bts), "\n")
	if name == "" {
		return ""
	}

	r.mu.Lock()
	r.cache[pid] = name
	r.mu.Unlock()

	return name
}

// Forget drops a cached entry, so a recycled pid resolves fresh.
func (r *Resolver) Forget(pid int32) {
	r.mu.Lock()
	delete(r.cache, pid)
	r.mu.Unlock()
}
