package scheduler

import (
	"reflect"
	"testing"
	"time"
)

func mustPlan(t *testing.T, g *Graph) []PlannedWave {
	t.Helper()
	waves, err := Plan(g, time.Now())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return waves
}

// TestPlanFeatureScenario is the canonical five-task scenario: two
// foundations, two mid-layer tasks, one capstone.
func TestPlanFeatureScenario(t *testing.T) {
	g := NewGraph()
	g.AddTask(&Task{ID: "create-schema"})
	g.AddTask(&Task{ID: "create-types"})
	g.AddTask(&Task{ID: "create-api", DependsOn: []string{"create-schema"}})
	g.AddTask(&Task{ID: "create-ui", DependsOn: []string{"create-types"}})
	g.AddTask(&Task{ID: "create-tests", DependsOn: []string{"create-api", "create-ui"}})

	waves := mustPlan(t, g)

	want := [][]string{
		{"create-schema", "create-types"},
		{"create-api", "create-ui"},
		{"create-tests"},
	}
	if len(waves) != len(want) {
		t.Fatalf("got %d waves, want %d", len(waves), len(want))
	}
	for i, wave := range waves {
		got := append([]string(nil), wave.TaskIDs()...)
		if !sameSet(got, want[i]) {
			t.Errorf("wave %d = %v, want %v", i+1, got, want[i])
		}
		if wave.Number != i+1 {
			t.Errorf("wave number = %d, want %d", wave.Number, i+1)
		}
	}
}

// TestPlanSeparatesFileConflicts: two independent tasks creating the same
// file land in different waves despite having no dependency edge.
func TestPlanSeparatesFileConflicts(t *testing.T) {
	g := NewGraph()
	g.AddTask(&Task{ID: "a", FileOps: []FileOp{{Path: "/server/auth.ts", Kind: OpCreate}}})
	g.AddTask(&Task{ID: "b", FileOps: []FileOp{{Path: "/server/auth.ts", Kind: OpCreate}}})

	waves := mustPlan(t, g)

	if len(waves) != 2 {
		t.Fatalf("got %d waves, want 2", len(waves))
	}
	if len(waves[0].Tasks) != 1 || len(waves[1].Tasks) != 1 {
		t.Errorf("each wave should hold exactly one of the conflicting tasks")
	}
	// Same score, so the lower ID wins the first wave.
	if waves[0].Tasks[0].ID != "a" {
		t.Errorf("wave 1 = %s, want a (tie broken by ID)", waves[0].Tasks[0].ID)
	}
}

// TestPlanEveryTaskExactlyOnce: no task is lost or duplicated.
func TestPlanEveryTaskExactlyOnce(t *testing.T) {
	g := NewGraph()
	g.AddTask(&Task{ID: "a"})
	g.AddTask(&Task{ID: "b", DependsOn: []string{"a"}})
	g.AddTask(&Task{ID: "c", DependsOn: []string{"a"}, FileOps: []FileOp{{Path: "x", Kind: OpUpdate}}})
	g.AddTask(&Task{ID: "d", DependsOn: []string{"a"}, FileOps: []FileOp{{Path: "x", Kind: OpUpdate}}})
	g.AddTask(&Task{ID: "e", DependsOn: []string{"c", "d"}})

	waves := mustPlan(t, g)

	seen := make(map[string]int)
	for _, wave := range waves {
		for _, task := range wave.Tasks {
			seen[task.ID]++
		}
	}
	if len(seen) != g.Len() {
		t.Errorf("plan covers %d tasks, want %d", len(seen), g.Len())
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s appears %d times", id, n)
		}
	}
}

// TestPlanWavesConflictFree: exhaustive pairwise check within each wave.
func TestPlanWavesConflictFree(t *testing.T) {
	g := NewGraph()
	g.AddTask(&Task{ID: "t1", FileOps: []FileOp{{Path: "a", Kind: OpCreate}}})
	g.AddTask(&Task{ID: "t2", FileOps: []FileOp{{Path: "a", Kind: OpUpdate}}})
	g.AddTask(&Task{ID: "t3", FileOps: []FileOp{{Path: "b", Kind: OpCreate}}})
	g.AddTask(&Task{ID: "t4", FileOps: []FileOp{{Path: "b", Kind: OpDelete}}})
	g.AddTask(&Task{ID: "t5", FileOps: []FileOp{{Path: "a", Kind: OpRead}, {Path: "b", Kind: OpRead}}})

	waves := mustPlan(t, g)

	for _, wave := range waves {
		for i := 0; i < len(wave.Tasks); i++ {
			for j := i + 1; j < len(wave.Tasks); j++ {
				if Conflicts(wave.Tasks[i], wave.Tasks[j]) {
					t.Errorf("wave %d holds conflicting tasks %s and %s",
						wave.Number, wave.Tasks[i].ID, wave.Tasks[j].ID)
				}
			}
		}
	}
}

// TestPlanDependenciesInEarlierWaves: invariant for every wave N > 1.
func TestPlanDependenciesInEarlierWaves(t *testing.T) {
	g := NewGraph()
	g.AddTask(&Task{ID: "a"})
	g.AddTask(&Task{ID: "b"})
	g.AddTask(&Task{ID: "c", DependsOn: []string{"a"}})
	g.AddTask(&Task{ID: "d", DependsOn: []string{"b", "c"}})
	g.AddTask(&Task{ID: "e", DependsOn: []string{"d"}})

	waves := mustPlan(t, g)

	waveOf := make(map[string]int)
	for _, wave := range waves {
		for _, task := range wave.Tasks {
			waveOf[task.ID] = wave.Number
		}
	}
	for _, wave := range waves {
		for _, task := range wave.Tasks {
			for _, dep := range task.DependsOn {
				if waveOf[dep] >= wave.Number {
					t.Errorf("task %s in wave %d has dependency %s in wave %d",
						task.ID, wave.Number, dep, waveOf[dep])
				}
			}
		}
	}
}

// TestPlanIdempotent: the same inputs produce the same wave assignment.
func TestPlanIdempotent(t *testing.T) {
	build := func() *Graph {
		g := NewGraph()
		g.AddTask(&Task{ID: "a", QuickWin: true})
		g.AddTask(&Task{ID: "b", DependsOn: []string{"a"}})
		g.AddTask(&Task{ID: "c", FileOps: []FileOp{{Path: "x", Kind: OpCreate}}})
		g.AddTask(&Task{ID: "d", FileOps: []FileOp{{Path: "x", Kind: OpCreate}}})
		return g
	}

	now := time.Now()
	first, err := Plan(build(), now)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	second, err := Plan(build(), now)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	toIDs := func(waves []PlannedWave) [][]string {
		out := make([][]string, len(waves))
		for i, w := range waves {
			out[i] = w.TaskIDs()
		}
		return out
	}
	if !reflect.DeepEqual(toIDs(first), toIDs(second)) {
		t.Errorf("plans differ: %v vs %v", toIDs(first), toIDs(second))
	}
}

// TestPlanPriorityOrdersWave: higher scores are placed first within a wave.
func TestPlanPriorityOrdersWave(t *testing.T) {
	g := NewGraph()
	g.AddTask(&Task{ID: "z-unblocks-two"})
	g.AddTask(&Task{ID: "m-quick", QuickWin: true})
	g.AddTask(&Task{ID: "a-plain"})
	g.AddTask(&Task{ID: "x1", DependsOn: []string{"z-unblocks-two"}})
	g.AddTask(&Task{ID: "x2", DependsOn: []string{"z-unblocks-two"}})

	waves := mustPlan(t, g)

	got := waves[0].TaskIDs()
	// z scores 40 (two dependents), m-quick 15, a-plain 0.
	want := []string{"z-unblocks-two", "m-quick", "a-plain"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wave 1 order = %v, want %v", got, want)
	}
}

// TestPlanCycle: a cyclic graph is rejected, never planned.
func TestPlanCycle(t *testing.T) {
	g := NewGraph()
	g.AddTask(&Task{ID: "a", DependsOn: []string{"b"}})
	g.AddTask(&Task{ID: "b", DependsOn: []string{"a"}})

	if _, err := Plan(g, time.Now()); err == nil {
		t.Fatal("expected cycle error, got nil")
	}
}

// TestPlanWorstCaseOneTaskPerWave: N mutually conflicting tasks need N waves.
func TestPlanWorstCaseOneTaskPerWave(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddTask(&Task{ID: id, FileOps: []FileOp{{Path: "shared.go", Kind: OpUpdate}}})
	}

	waves := mustPlan(t, g)
	if len(waves) != 4 {
		t.Fatalf("got %d waves, want 4", len(waves))
	}
	for _, wave := range waves {
		if len(wave.Tasks) != 1 {
			t.Errorf("wave %d has %d tasks, want 1", wave.Number, len(wave.Tasks))
		}
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[string]bool, len(a))
	for _, s := range a {
		m[s] = true
	}
	for _, s := range b {
		if !m[s] {
			return false
		}
	}
	return true
}
