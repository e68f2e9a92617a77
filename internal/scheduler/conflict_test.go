package scheduler

import "testing"

// TestConflictsRuleTable checks every pairing of operation kinds on a shared path.
func TestConflictsRuleTable(t *testing.T) {
	tests := []struct {
		name string
		a, b FileOpKind
		want bool
	}{
		{"create/create", OpCreate, OpCreate, true},
		{"create/update", OpCreate, OpUpdate, true},
		{"create/delete", OpCreate, OpDelete, true},
		{"update/update", OpUpdate, OpUpdate, true},
		{"update/delete", OpUpdate, OpDelete, true},
		{"delete/delete", OpDelete, OpDelete, true},
		{"read/create", OpRead, OpCreate, false},
		{"read/update", OpRead, OpUpdate, false},
		{"read/delete", OpRead, OpDelete, false},
		{"read/read", OpRead, OpRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Task{ID: "a", FileOps: []FileOp{{Path: "/server/auth.ts", Kind: tt.a}}}
			b := &Task{ID: "b", FileOps: []FileOp{{Path: "/server/auth.ts", Kind: tt.b}}}

			if got := Conflicts(a, b); got != tt.want {
				t.Errorf("Conflicts(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			// The relation is symmetric.
			if got := Conflicts(b, a); got != tt.want {
				t.Errorf("Conflicts(%s, %s) = %v, want %v", tt.b, tt.a, got, tt.want)
			}
		})
	}
}

func TestConflictsDisjointPaths(t *testing.T) {
	a := &Task{ID: "a", FileOps: []FileOp{{Path: "a.go", Kind: OpCreate}}}
	b := &Task{ID: "b", FileOps: []FileOp{{Path: "b.go", Kind: OpCreate}}}
	if Conflicts(a, b) {
		t.Error("tasks on disjoint paths must not conflict")
	}
}

func TestConflictsExplicitEdge(t *testing.T) {
	a := &Task{ID: "a", ConflictsWith: []string{"b"}}
	b := &Task{ID: "b"}
	if !Conflicts(a, b) {
		t.Error("conflicts_with edge must force mutual exclusion")
	}
	if !Conflicts(b, a) {
		t.Error("conflicts_with edge must be symmetric")
	}
}

func TestConflictsSelf(t *testing.T) {
	a := &Task{ID: "a", FileOps: []FileOp{
		{Path: "x.go", Kind: OpCreate},
		{Path: "x.go", Kind: OpUpdate},
	}}
	if Conflicts(a, a) {
		t.Error("a task never conflicts with itself")
	}
}
