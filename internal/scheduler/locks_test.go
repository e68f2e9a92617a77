package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestPathLocksMutualExclusion(t *testing.T) {
	locks := NewPathLocks()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.LockAll([]string{"shared.go"})
			defer locks.UnlockAll([]string{"shared.go"})

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Errorf("saw %d goroutines in the critical section, want 1", maxInCritical)
	}
}

// TestPathLocksNoDeadlockOnOverlap: two workers locking overlapping sets in
// different declaration order must not deadlock (sorted acquisition).
func TestPathLocksNoDeadlockOnOverlap(t *testing.T) {
	locks := NewPathLocks()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				locks.LockAll([]string{"a.go", "b.go"})
				locks.UnlockAll([]string{"a.go", "b.go"})
			}()
			go func() {
				defer wg.Done()
				locks.LockAll([]string{"b.go", "a.go"})
				locks.UnlockAll([]string{"b.go", "a.go"})
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock: overlapping lock sets never completed")
	}
}

func TestWritePaths(t *testing.T) {
	task := &Task{ID: "a", FileOps: []FileOp{
		{Path: "w1.go", Kind: OpCreate},
		{Path: "r.go", Kind: OpRead},
		{Path: "w2.go", Kind: OpDelete},
	}}

	got := WritePaths(task)
	want := []string{"w1.go", "w2.go"}
	if len(got) != len(want) {
		t.Fatalf("WritePaths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("WritePaths[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// A task may declare several ops on one path (create then update); locking
// must not self-deadlock on the repeated path.
func TestPathLocksNoDeadlockOnDuplicatePath(t *testing.T) {
	locks := NewPathLocks()

	done := make(chan struct{})
	go func() {
		locks.LockAll([]string{"a.go", "a.go", "b.go"})
		locks.UnlockAll([]string{"a.go", "a.go", "b.go"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock: duplicate path locked twice")
	}
}

func TestWritePathsDeduplicates(t *testing.T) {
	task := &Task{ID: "a", FileOps: []FileOp{
		{Path: "a.go", Kind: OpCreate},
		{Path: "a.go", Kind: OpUpdate},
		{Path: "r.go", Kind: OpRead},
	}}

	got := WritePaths(task)
	if len(got) != 1 || got[0] != "a.go" {
		t.Errorf("WritePaths = %v, want [a.go]", got)
	}
}
