package orchestrator

import "testing"

func TestStateNames(t *testing.T) {
	want := map[State]string{
		Init:         "INIT",
		ProbingDB:    "PROBING_DB",
		Migrating:    "MIGRATING",
		Serving:      "SERVING",
		ShuttingDown: "SHUTTING_DOWN",
		Terminated:   "TERMINATED",
		State(42):    "State(42)",
	}
	for s, name := range want {
		if s.String() != name {
			t.Fatalf("%d.String() = %q, want %q", int(s), s.String(), name)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{Init, ProbingDB},
		{ProbingDB, Migrating},
		{ProbingDB, Terminated},
		{Migrating, Serving},
		{Migrating, Terminated},
		{Serving, ShuttingDown},
		{Serving, Terminated},
		{ShuttingDown, Terminated},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Fatalf("%s -> %s should be legal", tc.from, tc.to)
		}
	}
	illegal := []struct{ from, to State }{
		{Init, Migrating},
		{Init, Serving},
		{ProbingDB, Serving},
		{ProbingDB, ProbingDB},
		{Migrating, ProbingDB},
		{Serving, Migrating},
		{ShuttingDown, Serving},
		{Terminated, Init},
		{Terminated, Terminated},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Fatalf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
	err := &TransitionError{From: Serving, To: Migrating}
	if err.Error() != "illegal transition SERVING -> MIGRATING" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
