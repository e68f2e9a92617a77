package scheduler

// Conflicts reports whether two tasks may not run concurrently.
//
// Two tasks conflict when they share an explicit conflicts_with edge, or
// when their declared file operations collide on the same path. The rule
// table is symmetric: any pairing of CREATE, UPDATE or DELETE on the same
// path is a conflict; READ pairs with anything safely. Declared impacts are
// treated as binding regardless of how confident the declaration was.
func Conflicts(a, b *Task) bool {
	if a.ID == b.ID {
		return false
	}

	for _, id := range a.ConflictsWith {
		if id == b.ID {
			return true
		}
	}
	for _, id := range b.ConflictsWith {
		if id == a.ID {
			return true
		}
	}

	for _, opA := range a.FileOps {
		for _, opB := range b.FileOps {
			if opA.Path != opB.Path {
				continue
			}
			if opsCollide(opA.Kind, opB.Kind) {
				return true
			}
		}
	}

	return false
}

// opsCollide implements the pairwise rule table for a shared path.
func opsCollide(a, b FileOpKind) bool {
	if a == OpRead || b == OpRead {
		return false
	}
	// CREATE/UPDATE/DELETE in any combination on the same path collide.
	return true
}
