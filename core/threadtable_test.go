package core

import "testing"

func TestThreadTableInsertRemove(t *testing.T) {
	tt := newThreadTable()
	if !tt.empty() {
		t.Fatal("expected new table to be empty")
	}
	tt.insert(1, false)
	if !tt.contains(1) {
		t.Fatal("expected table to contain inserted thread")
	}
	if tt.empty() {
		t.Fatal("expected table to be non-empty after insert")
	}
	tt.remove(1)
	if tt.contains(1) {
		t.Fatal("expected table to not contain removed thread")
	}
}

func TestThreadTableWaitedInvariant(t *testing.T) {
	tt := newThreadTable()
	tt.insert(1, false)
	tt.insert(2, false)

	if tt.allStopped() {
		t.Fatal("freshly inserted threads are Running, not all stopped")
	}

	tt.markWaited(1)
	if tt.allStopped() {
		t.Fatal("thread 2 is still running, allStopped should be false")
	}

	tt.markWaited(2)
	if !tt.allStopped() {
		t.Fatal("both threads stopped and waited, allStopped should be true")
	}

	tt.clearWaited(1)
	if tt.allStopped() {
		t.Fatal("clearing waited on thread 1 should break allStopped")
	}
	rec, ok := tt.get(1)
	if !ok || rec.State != Running {
		t.Fatal("clearWaited should reset state to Running")
	}
}

func TestThreadTableIdsSnapshot(t *testing.T) {
	tt := newThreadTable()
	tt.insert(10, false)
	tt.insert(20, true)

	ids := tt.ids()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	snap := tt.snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 records in snapshot, got %d", len(snap))
	}
}
