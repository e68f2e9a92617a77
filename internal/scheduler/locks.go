package scheduler

import (
	"sort"
	"sync"
)

// PathLocks provides per-path mutual exclusion for concurrent workers.
// Wave construction already guarantees disjoint file sets within a wave;
// this is the runtime guard for impacts a task failed to declare.
type PathLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-path mutexes
}

// NewPathLocks creates an empty lock set.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *PathLocks) get(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	return l
}

// LockAll acquires locks for every given path. Paths are sorted before
// acquisition so two workers locking overlapping sets cannot deadlock.
func (p *PathLocks) LockAll(paths []string) {
	if len(paths) == 0 {
		return
	}
	for _, path := range sortedUnique(paths) {
		p.get(path).Lock()
	}
}

// UnlockAll releases locks in reverse sorted order, symmetric with LockAll.
func (p *PathLocks) UnlockAll(paths []string) {
	if len(paths) == 0 {
		return
	}
	sorted := sortedUnique(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		p.get(sorted[i]).Unlock()
	}
}

// sortedUnique sorts a copy of paths and drops duplicates. A task may
// declare several ops on one path (create then update); locking it twice
// would self-deadlock.
func sortedUnique(paths []string) []string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	out := sorted[:0]
	for i, path := range sorted {
		if i > 0 && path == sorted[i-1] {
			continue
		}
		out = append(out, path)
	}
	return out
}

// WritePaths extracts the distinct paths a task mutates (everything but
// reads).
func WritePaths(task *Task) []string {
	seen := make(map[string]bool, len(task.FileOps))
	var paths []string
	for _, op := range task.FileOps {
		if op.Kind == OpRead || seen[op.Path] {
			continue
		}
		seen[op.Path] = true
		paths = append(paths, op.Path)
	}
	return paths
}
