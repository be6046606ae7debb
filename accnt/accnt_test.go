package accnt

import (
	"testing"
	"time"
)

func TestUserTimeAccumulates(t *testing.T) {
	a := New()
	a.StartUser()
	time.Sleep(5 * time.Millisecond)
	a.StopUser()

	snap := a.Snapshot()
	if snap.User <= 0 {
		t.Fatalf("user time = %v", snap.User)
	}
	if snap.Sys != 0 {
		t.Fatalf("sys time = %v without AddSys", snap.Sys)
	}

	// StopUser without a matching StartUser charges nothing.
	before := a.Snapshot()
	a.StopUser()
	if a.Snapshot() != before {
		t.Fatal("unbalanced StopUser changed the totals")
	}
}

func TestAddMergesChildUsage(t *testing.T) {
	parent, child := New(), New()
	child.AddSys(3 * time.Millisecond)
	child.StartUser()
	child.StopUser()

	parent.AddSys(time.Millisecond)
	parent.Add(child)
	if got := parent.Snapshot().Sys; got != 4*time.Millisecond {
		t.Fatalf("merged sys time = %v", got)
	}
}
